// ABOUTME: Periodic health supervision that restarts unhealthy adapters.
// ABOUTME: A restart ceiling per window circuit-breaks pathological crash loops.

package runtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/relay-gateway/internal/task"
)

const (
	// DefaultCheckInterval is how often the supervisor probes each adapter.
	DefaultCheckInterval = time.Minute

	// DefaultMaxRestarts is the restart ceiling within the window before
	// the breaker trips for an adapter.
	DefaultMaxRestarts = 5

	// DefaultRestartWindow is the sliding window for counting restarts.
	DefaultRestartWindow = 10 * time.Minute
)

// SupervisorOptions tunes the health supervision loop. Zero values fall back
// to the defaults.
type SupervisorOptions struct {
	CheckInterval time.Duration
	MaxRestarts   int
	RestartWindow time.Duration
}

func (o *SupervisorOptions) withDefaults() {
	if o.CheckInterval <= 0 {
		o.CheckInterval = DefaultCheckInterval
	}
	if o.MaxRestarts <= 0 {
		o.MaxRestarts = DefaultMaxRestarts
	}
	if o.RestartWindow <= 0 {
		o.RestartWindow = DefaultRestartWindow
	}
}

// Supervisor periodically health-checks every registered adapter and
// restarts the unhealthy ones. An adapter restarted more than MaxRestarts
// times within RestartWindow has its breaker tripped: it is left in the
// error state for an operator instead of crash-looping forever.
type Supervisor struct {
	registry *Registry
	tasks    *task.Manager
	logger   *slog.Logger
	opts     SupervisorOptions

	handle *task.Handle

	mu       sync.Mutex
	restarts map[string][]time.Time
	tripped  map[string]bool
}

// NewSupervisor creates a supervisor over the registry.
func NewSupervisor(registry *Registry, tm *task.Manager, logger *slog.Logger, opts SupervisorOptions) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	opts.withDefaults()
	return &Supervisor{
		registry: registry,
		tasks:    tm,
		logger:   logger.With("component", "supervisor"),
		opts:     opts,
		restarts: make(map[string][]time.Time),
		tripped:  make(map[string]bool),
	}
}

// Start launches the supervision loop as an application-scoped task.
// Implements the lifecycle Starter hook.
func (s *Supervisor) Start(ctx context.Context) error {
	s.handle = s.tasks.Create(ctx, s.loop,
		"health-supervisor", "adapter-health-supervisor",
		task.ScopeApplication)
	s.logger.Info("supervisor started",
		"interval", s.opts.CheckInterval,
		"max_restarts", s.opts.MaxRestarts,
		"window", s.opts.RestartWindow)
	return nil
}

// Stop cancels the supervision loop.
func (s *Supervisor) Stop(ctx context.Context) error {
	if s.handle == nil {
		return nil
	}
	s.handle.Cancel()
	select {
	case <-s.handle.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// loop probes adapters once per interval until cancelled.
func (s *Supervisor) loop(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.checkAll(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// checkAll probes every adapter and restarts unhealthy ones.
func (s *Supervisor) checkAll(ctx context.Context) {
	for _, ra := range s.registry.List() {
		if !ra.Enabled() || s.isTripped(ra.ID()) {
			continue
		}
		if ra.State() == StateStopped || ra.State() == StateCreated {
			// Never started or deliberately stopped; not ours to revive.
			continue
		}
		if ra.HealthCheck() {
			continue
		}
		s.restartAdapter(ctx, ra)
	}
}

// restartAdapter restarts one unhealthy adapter, enforcing the ceiling.
func (s *Supervisor) restartAdapter(ctx context.Context, ra *RuntimeAdapter) {
	id := ra.ID()
	now := time.Now()

	s.mu.Lock()
	// Prune restart history outside the window.
	recent := s.restarts[id][:0]
	for _, ts := range s.restarts[id] {
		if now.Sub(ts) < s.opts.RestartWindow {
			recent = append(recent, ts)
		}
	}

	if len(recent) >= s.opts.MaxRestarts {
		s.tripped[id] = true
		s.restarts[id] = recent
		s.mu.Unlock()
		ra.markError()
		s.logger.Error("adapter restart ceiling reached, breaker tripped",
			"adapter_id", id,
			"restarts", len(recent),
			"window", s.opts.RestartWindow)
		return
	}

	s.restarts[id] = append(recent, now)
	count := len(s.restarts[id])
	s.mu.Unlock()

	s.logger.Warn("adapter unhealthy, restarting",
		"adapter_id", id,
		"restart_count", count)

	if err := ra.Restart(ctx); err != nil {
		s.logger.Error("adapter restart failed", "adapter_id", id, "error", err)
	}
}

// Reset clears restart history and the breaker for an adapter, allowing
// supervision to resume after operator intervention.
func (s *Supervisor) Reset(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.restarts, id)
	delete(s.tripped, id)
}

func (s *Supervisor) isTripped(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tripped[id]
}
