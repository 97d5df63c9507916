// ABOUTME: HTTP status surface: health probe plus a JSON snapshot of the runtime.
// ABOUTME: Listens on plain TCP or joins a tailnet via tsnet.

package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"tailscale.com/tsnet"

	"github.com/2389/relay-gateway/internal/events"
	"github.com/2389/relay-gateway/internal/lifecycle"
	"github.com/2389/relay-gateway/internal/runtime"
	"github.com/2389/relay-gateway/internal/task"
)

// TailscaleConfig controls the optional tsnet listener.
type TailscaleConfig struct {
	Enabled   bool
	Hostname  string
	StateDir  string
	AuthKey   string
	Ephemeral bool
}

// Sources are the components the status endpoint reports on. Any field may
// be nil; its section is then omitted.
type Sources struct {
	Lifecycle *lifecycle.Orchestrator
	Tasks     *task.Manager
	Adapters  *runtime.Registry
	Bus       *events.Bus
}

// Server exposes GET /healthz and GET /status. It implements the lifecycle
// Starter and Stopper hooks.
type Server struct {
	addr    string
	tscfg   TailscaleConfig
	sources Sources
	logger  *slog.Logger

	httpSrv *http.Server
	tsnetSv *tsnet.Server
	ln      net.Listener
}

// NewServer creates the status server listening on addr (ignored when the
// tailscale listener is enabled).
func NewServer(addr string, tscfg TailscaleConfig, sources Sources, logger *slog.Logger) *Server {
	return &Server{
		addr:    addr,
		tscfg:   tscfg,
		sources: sources,
		logger:  logger.With("component", "status"),
	}
}

// Start opens the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := s.listen(ctx)
	if err != nil {
		return err
	}
	s.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /status", s.handleStatus)

	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.logger.Info("status server listening", "addr", ln.Addr().String())
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if s.tsnetSv != nil {
		if err := s.tsnetSv.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Addr returns the bound address, or empty before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) listen(ctx context.Context) (net.Listener, error) {
	if !s.tscfg.Enabled {
		ln, err := net.Listen("tcp", s.addr)
		if err != nil {
			return nil, fmt.Errorf("listening on %s: %w", s.addr, err)
		}
		return ln, nil
	}

	authKey := s.tscfg.AuthKey
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return nil, errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY")
	}
	if err := os.MkdirAll(s.tscfg.StateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	s.tsnetSv = &tsnet.Server{
		Hostname:  s.tscfg.Hostname,
		Dir:       s.tscfg.StateDir,
		Ephemeral: s.tscfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node", "hostname", s.tscfg.Hostname)
	st, err := s.tsnetSv.Up(ctx)
	if err != nil {
		_ = s.tsnetSv.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	if len(st.TailscaleIPs) > 0 {
		s.logger.Info("tailscale node ready", "tailscale_ip", st.TailscaleIPs[0].String())
	}

	ln, err := s.tsnetSv.Listen("tcp", ":80")
	if err != nil {
		_ = s.tsnetSv.Close()
		return nil, fmt.Errorf("listening on tailscale port: %w", err)
	}
	return ln, nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	health := lifecycle.HealthHealthy
	if s.sources.Lifecycle != nil {
		health = s.sources.Lifecycle.Health()
	}

	code := http.StatusOK
	if health != lifecycle.HealthHealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	fmt.Fprintln(w, health)
}

// snapshot is the /status response body.
type snapshot struct {
	Health     string                           `json:"health"`
	Components []lifecycle.ComponentStatus      `json:"components,omitempty"`
	Tasks      *task.Stats                      `json:"tasks,omitempty"`
	Adapters   map[string]runtime.AdapterStatus `json:"adapters,omitempty"`
	Bus        *events.Stats                    `json:"bus,omitempty"`
	Timestamp  time.Time                        `json:"timestamp"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := snapshot{Health: lifecycle.HealthHealthy, Timestamp: time.Now()}

	if s.sources.Lifecycle != nil {
		snap.Health = s.sources.Lifecycle.Health()
		snap.Components = s.sources.Lifecycle.Status()
	}
	if s.sources.Tasks != nil {
		st := s.sources.Tasks.Stats()
		snap.Tasks = &st
	}
	if s.sources.Adapters != nil {
		snap.Adapters = s.sources.Adapters.Status()
	}
	if s.sources.Bus != nil {
		st := s.sources.Bus.Stats()
		snap.Bus = &st
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.logger.Debug("encoding status response failed", "error", err)
	}
}
