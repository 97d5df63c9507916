// ABOUTME: Stage-ordered component startup with reverse-order graceful shutdown.
// ABOUTME: A stage failure aborts startup and tears down everything already started.

package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Initializer is the preferred startup hook for a registered component.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Starter is the fallback startup hook when Initialize is not implemented.
type Starter interface {
	Start(ctx context.Context) error
}

// Shutdowner is the preferred teardown hook for a registered component.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Stopper is the fallback teardown hook when Shutdown is not implemented.
type Stopper interface {
	Stop(ctx context.Context) error
}

// HandlerFunc is a stage or shutdown handler.
type HandlerFunc func(ctx context.Context) error

// Status is a component's progress through startup.
type Status string

// Component statuses.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Overall health values derived from component statuses.
const (
	HealthInitializing = "initializing"
	HealthHealthy      = "healthy"
	HealthUnhealthy    = "unhealthy"
	HealthShuttingDown = "shutting_down"
)

// ComponentStatus reports one component's startup state.
type ComponentStatus struct {
	Name      string    `json:"name"`
	Stage     string    `json:"stage"`
	Status    Status    `json:"status"`
	StartedAt time.Time `json:"started_at,omitzero"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
	Error     string    `json:"error,omitempty"`
}

// Orchestrator runs registered components through the ordered lifecycle
// stages. Registration must happen before Initialize; the registration order
// within a stage is the initialization order, and shutdown runs in reverse
// registration order across all stages.
type Orchestrator struct {
	mu               sync.Mutex
	names            []string // registration order
	components       map[string]any
	status           map[string]*ComponentStatus
	stageOf          map[string]Stage
	stageHandlers    map[Stage][]HandlerFunc
	shutdownHandlers []HandlerFunc

	initialized  bool
	shuttingDown bool
	shutdownDone bool

	logger *slog.Logger
}

// NewOrchestrator creates an orchestrator. Pass nil logger for the default.
func NewOrchestrator(logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		components:    make(map[string]any),
		status:        make(map[string]*ComponentStatus),
		stageOf:       make(map[string]Stage),
		stageHandlers: make(map[Stage][]HandlerFunc),
		logger:        logger.With("component", "lifecycle"),
	}
}

// RegisterComponent registers a component to start during the given stage.
// The component should implement Initializer or Starter; one that implements
// neither is tracked but has no startup hook to run.
func (o *Orchestrator) RegisterComponent(name string, component any, stage Stage) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.initialized {
		return fmt.Errorf("cannot register %q: lifecycle already initialized", name)
	}
	if _, exists := o.components[name]; exists {
		return fmt.Errorf("component %q already registered", name)
	}

	o.names = append(o.names, name)
	o.components[name] = component
	o.stageOf[name] = stage
	o.status[name] = &ComponentStatus{
		Name:   name,
		Stage:  stage.String(),
		Status: StatusPending,
	}

	o.logger.Info("component registered", "name", name, "stage", stage.String())
	return nil
}

// RegisterStageHandler adds a handler that runs before the stage's components.
func (o *Orchestrator) RegisterStageHandler(stage Stage, fn HandlerFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stageHandlers[stage] = append(o.stageHandlers[stage], fn)
}

// RegisterShutdownHandler adds a handler that runs first during shutdown,
// before components are torn down.
func (o *Orchestrator) RegisterShutdownHandler(fn HandlerFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.shutdownHandlers = append(o.shutdownHandlers, fn)
}

// Initialize executes every stage in declared order: stage handlers first,
// then that stage's components in registration order. Any failure aborts the
// remaining stages, triggers Shutdown, and is returned.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.Lock()
	if o.initialized {
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	o.logger.Info("lifecycle initialization starting")
	started := time.Now()

	for _, stage := range stages {
		if stage == StageReady {
			continue
		}
		if err := o.runStage(ctx, stage); err != nil {
			o.logger.Error("stage failed, aborting startup",
				"stage", stage.String(), "error", err)
			o.Shutdown(ctx)
			return fmt.Errorf("stage %s: %w", stage, err)
		}
	}

	o.mu.Lock()
	o.initialized = true
	o.mu.Unlock()

	o.logger.Info("lifecycle initialization completed",
		"duration", time.Since(started).Round(time.Millisecond))
	return nil
}

// runStage executes one stage's handlers then its components, sequentially.
func (o *Orchestrator) runStage(ctx context.Context, stage Stage) error {
	o.logger.Info("executing stage", "stage", stage.String())
	stageStart := time.Now()

	o.mu.Lock()
	handlers := append([]HandlerFunc(nil), o.stageHandlers[stage]...)
	var names []string
	for _, name := range o.names {
		if o.stageOf[name] == stage {
			names = append(names, name)
		}
	}
	o.mu.Unlock()

	for i, fn := range handlers {
		if err := fn(ctx); err != nil {
			return fmt.Errorf("stage handler %d: %w", i, err)
		}
	}

	for _, name := range names {
		if err := o.initComponent(ctx, name); err != nil {
			return fmt.Errorf("component %s: %w", name, err)
		}
	}

	o.logger.Info("stage completed",
		"stage", stage.String(),
		"duration", time.Since(stageStart).Round(time.Millisecond))
	return nil
}

// initComponent runs one component's startup hook and records its status.
func (o *Orchestrator) initComponent(ctx context.Context, name string) error {
	o.mu.Lock()
	component := o.components[name]
	st := o.status[name]
	st.Status = StatusRunning
	st.StartedAt = time.Now()
	o.mu.Unlock()

	var err error
	switch c := component.(type) {
	case Initializer:
		err = c.Initialize(ctx)
	case Starter:
		err = c.Start(ctx)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	st.EndedAt = time.Now()
	if err != nil {
		st.Status = StatusFailed
		st.Error = err.Error()
		return err
	}
	st.Status = StatusCompleted
	o.logger.Info("component initialized", "name", name,
		"duration", st.EndedAt.Sub(st.StartedAt).Round(time.Millisecond))
	return nil
}

// Shutdown tears everything down: shutdown handlers in registration order,
// then components in reverse registration order. Individual failures are
// logged and do not stop the rest. Idempotent.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	if o.shuttingDown || o.shutdownDone {
		o.mu.Unlock()
		return
	}
	o.shuttingDown = true
	handlers := append([]HandlerFunc(nil), o.shutdownHandlers...)
	names := append([]string(nil), o.names...)
	o.mu.Unlock()

	o.logger.Info("lifecycle shutdown starting")

	for i, fn := range handlers {
		if err := fn(ctx); err != nil {
			o.logger.Error("shutdown handler failed", "index", i, "error", err)
		}
	}

	for i := len(names) - 1; i >= 0; i-- {
		o.shutdownComponent(ctx, names[i])
	}

	o.mu.Lock()
	o.shuttingDown = false
	o.shutdownDone = true
	o.mu.Unlock()

	o.logger.Info("lifecycle shutdown completed")
}

// shutdownComponent runs one component's teardown hook, tolerating failure.
func (o *Orchestrator) shutdownComponent(ctx context.Context, name string) {
	o.mu.Lock()
	component := o.components[name]
	st := o.status[name]
	// Components that never started have nothing to tear down.
	skip := st.Status == StatusPending
	o.mu.Unlock()

	if skip {
		return
	}

	var err error
	switch c := component.(type) {
	case Shutdowner:
		err = c.Shutdown(ctx)
	case Stopper:
		err = c.Stop(ctx)
	}
	if err != nil {
		o.logger.Error("component shutdown failed", "name", name, "error", err)
		return
	}
	o.logger.Info("component shut down", "name", name)
}

// Status returns every component's status in registration order.
func (o *Orchestrator) Status() []ComponentStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]ComponentStatus, 0, len(o.names))
	for _, name := range o.names {
		out = append(out, *o.status[name])
	}
	return out
}

// Health derives the overall health from component statuses.
func (o *Orchestrator) Health() string {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.shuttingDown {
		return HealthShuttingDown
	}

	allCompleted := true
	for _, st := range o.status {
		switch st.Status {
		case StatusFailed:
			return HealthUnhealthy
		case StatusCompleted:
		default:
			allCompleted = false
		}
	}
	if allCompleted && o.initialized {
		return HealthHealthy
	}
	return HealthInitializing
}
