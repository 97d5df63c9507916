// ABOUTME: Wraps one platform adapter with supervised start/stop/restart and health checks.
// ABOUTME: The run loop owns exactly one task and refreshes a heartbeat every second.

package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/relay-gateway/internal/task"
)

// State is a runtime adapter's lifecycle state.
type State string

// Runtime adapter states.
const (
	StateCreated     State = "created"
	StateInitialized State = "initialized"
	StateRunning     State = "running"
	StateStopped     State = "stopped"
	StateRestarting  State = "restarting"
	StateError       State = "error"
)

const (
	// heartbeatInterval is how often the run loop refreshes the heartbeat.
	heartbeatInterval = time.Second

	// DefaultHeartbeatTimeout is how stale a heartbeat may be before a
	// health check fails.
	DefaultHeartbeatTimeout = 5 * time.Minute

	// restartPause is the fixed backoff between stop and start on restart.
	restartPause = time.Second
)

// ErrNotRunning is returned for operations that require a running adapter.
var ErrNotRunning = errors.New("adapter not running")

// RuntimeAdapter wraps one platform Adapter instance with lifecycle
// management. All state transitions happen under one mutex; the run loop
// executes in a single task created through the task manager.
type RuntimeAdapter struct {
	id      string
	adapter Adapter
	enabled bool

	tasks  *task.Manager
	logger *slog.Logger

	mu               sync.Mutex
	state            State
	startTime        time.Time
	lastHeartbeat    time.Time
	handle           *task.Handle
	heartbeatTimeout time.Duration

	counters *Counters
}

// counterSource lets an adapter expose its own counters so status queries
// report the numbers the platform callbacks actually increment.
type counterSource interface {
	Counters() *Counters
}

// NewRuntimeAdapter wraps adapter for lifecycle management under tm.
func NewRuntimeAdapter(id string, adapter Adapter, enabled bool, tm *task.Manager, logger *slog.Logger) *RuntimeAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	counters := &Counters{}
	if cs, ok := adapter.(counterSource); ok && cs.Counters() != nil {
		counters = cs.Counters()
	}
	return &RuntimeAdapter{
		id:               id,
		adapter:          adapter,
		enabled:          enabled,
		tasks:            tm,
		logger:           logger.With("adapter_id", id),
		state:            StateCreated,
		heartbeatTimeout: DefaultHeartbeatTimeout,
		counters:         counters,
	}
}

// ID returns the adapter's unique id.
func (r *RuntimeAdapter) ID() string { return r.id }

// Enabled reports whether the adapter is enabled by configuration.
func (r *RuntimeAdapter) Enabled() bool { return r.enabled }

// Counters returns the adapter's message statistics.
func (r *RuntimeAdapter) Counters() *Counters { return r.counters }

// State returns the current lifecycle state.
func (r *RuntimeAdapter) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Initialize runs the wrapped adapter's initialize hook. Failure is fatal to
// registering this adapter and is not retried here.
func (r *RuntimeAdapter) Initialize(ctx context.Context) error {
	r.logger.Info("initializing adapter")
	if err := r.adapter.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing adapter %s: %w", r.id, err)
	}

	r.mu.Lock()
	r.state = StateInitialized
	r.mu.Unlock()
	return nil
}

// Start launches the adapter's run loop in exactly one task. It is a no-op
// when already running, and returns without error when the adapter is
// disabled.
func (r *RuntimeAdapter) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state == StateRunning {
		r.mu.Unlock()
		r.logger.Warn("adapter already running")
		return nil
	}
	if !r.enabled {
		r.mu.Unlock()
		r.logger.Info("adapter disabled, skipping start")
		return nil
	}

	now := time.Now()
	r.state = StateRunning
	r.startTime = now
	r.lastHeartbeat = now
	r.handle = r.tasks.Create(ctx, r.runLoop,
		"platform-adapter", fmt.Sprintf("platform-adapter-%s", r.id),
		task.ScopeApplication, task.ScopePlatform)
	r.mu.Unlock()

	r.logger.Info("adapter started")
	return nil
}

// runLoop executes the wrapped adapter's start-then-run sequence while
// refreshing the heartbeat once per second.
func (r *RuntimeAdapter) runLoop(ctx context.Context) error {
	// Grab the handle once: Stop clears r.handle while this loop may still
	// be draining. If Stop won that race before this goroutine was even
	// scheduled, the task is already cancelled and there is nothing to run.
	h := r.currentHandle()
	if h == nil {
		return context.Canceled
	}
	tc := h.Context

	tc.SetAction("starting")
	if err := r.adapter.Start(ctx); err != nil {
		r.markError()
		return fmt.Errorf("adapter %s start: %w", r.id, err)
	}

	tc.SetAction("running")
	runDone := make(chan error, 1)
	go func() {
		runDone <- r.adapter.Run(ctx)
	}()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.mu.Lock()
			r.lastHeartbeat = time.Now()
			r.mu.Unlock()
		case err := <-runDone:
			if err != nil && !errors.Is(err, context.Canceled) {
				tc.SetAction("error")
				r.markError()
				return fmt.Errorf("adapter %s run: %w", r.id, err)
			}
			tc.SetAction("stopped")
			return err
		case <-ctx.Done():
			tc.SetAction("cancelled")
			// Give the blocking Run a moment to observe cancellation.
			select {
			case <-runDone:
			case <-time.After(5 * time.Second):
				r.logger.Warn("adapter run did not observe cancellation in time")
			}
			return ctx.Err()
		}
	}
}

func (r *RuntimeAdapter) currentHandle() *task.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handle
}

func (r *RuntimeAdapter) markError() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = StateError
}

// Stop cancels the owning task and runs the adapter's cleanup hook. It is a
// no-op when the adapter is not running.
func (r *RuntimeAdapter) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateRunning && r.state != StateError && r.state != StateRestarting {
		r.mu.Unlock()
		r.logger.Warn("adapter not running, skipping stop", "state", r.state)
		return nil
	}
	handle := r.handle
	r.handle = nil
	r.mu.Unlock()

	r.logger.Info("stopping adapter")

	_ = r.adapter.Stop(ctx)

	if handle != nil {
		handle.Cancel()
		select {
		case <-handle.Done():
		case <-ctx.Done():
			r.logger.Warn("timed out waiting for adapter task", "task_id", handle.ID)
		}
	}

	if err := r.adapter.Cleanup(ctx); err != nil {
		r.logger.Warn("adapter cleanup failed", "error", err)
	}

	r.mu.Lock()
	r.state = StateStopped
	r.mu.Unlock()

	r.logger.Info("adapter stopped")
	return nil
}

// Restart stops the adapter, pauses briefly, and starts it again.
func (r *RuntimeAdapter) Restart(ctx context.Context) error {
	r.logger.Info("restarting adapter")

	r.mu.Lock()
	r.state = StateRestarting
	r.mu.Unlock()

	if err := r.Stop(ctx); err != nil {
		return err
	}

	select {
	case <-time.After(restartPause):
	case <-ctx.Done():
		return ctx.Err()
	}

	return r.Start(ctx)
}

// HealthCheck reports false when the adapter is not running, when its owning
// task has already finished (an unreconciled crash), or when the heartbeat is
// older than the timeout.
func (r *RuntimeAdapter) HealthCheck() bool {
	r.mu.Lock()
	state := r.state
	handle := r.handle
	heartbeat := r.lastHeartbeat
	r.mu.Unlock()

	if state != StateRunning {
		return false
	}
	if handle == nil || handle.IsDone() {
		return false
	}
	if time.Since(heartbeat) > r.heartbeatTimeout {
		return false
	}
	return true
}

// AdapterStatus reports one runtime adapter's state for status queries.
type AdapterStatus struct {
	ID            string          `json:"id"`
	State         State           `json:"state"`
	Enabled       bool            `json:"enabled"`
	Healthy       bool            `json:"healthy"`
	StartTime     time.Time       `json:"start_time,omitzero"`
	LastHeartbeat time.Time       `json:"last_heartbeat,omitzero"`
	UptimeSeconds float64         `json:"uptime_seconds"`
	CurrentAction string          `json:"current_action,omitempty"`
	Counters      CounterSnapshot `json:"counters"`
}

// Status returns a snapshot of the adapter's state and statistics.
func (r *RuntimeAdapter) Status() AdapterStatus {
	healthy := r.HealthCheck()

	r.mu.Lock()
	defer r.mu.Unlock()

	st := AdapterStatus{
		ID:            r.id,
		State:         r.state,
		Enabled:       r.enabled,
		Healthy:       healthy,
		StartTime:     r.startTime,
		LastHeartbeat: r.lastHeartbeat,
		Counters:      r.counters.Snapshot(),
	}
	if !r.startTime.IsZero() && r.state == StateRunning {
		st.UptimeSeconds = time.Since(r.startTime).Seconds()
	}
	if r.handle != nil {
		st.CurrentAction = r.handle.Context.Action()
	}
	return st
}
