// ABOUTME: Tracks and cancels named concurrent tasks by id, kind, and scope.
// ABOUTME: Tasks remove themselves from the registry when their goroutine finishes.

package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Func is the work a task runs. It must return promptly once ctx is done.
type Func func(ctx context.Context) error

// Stats summarizes the live task registry. Completed tasks are removed on
// the way out, so these numbers only ever reflect live work.
type Stats struct {
	Total   int            `json:"total"`
	Running int            `json:"running"`
	ByKind  map[string]int `json:"by_kind"`
	ByScope map[string]int `json:"by_scope"`
}

// Manager creates and tracks concurrent tasks. Each task runs in its own
// goroutine under a cancellable child context; a completion callback removes
// it from the registry whether it finished, failed, or was cancelled.
type Manager struct {
	mu      sync.Mutex
	tasks   map[string]*Handle
	counter uint64
	logger  *slog.Logger
}

// NewManager creates a new Manager. Pass nil logger for the default.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		tasks:  make(map[string]*Handle),
		logger: logger.With("component", "tasks"),
	}
}

// Create starts fn in a new goroutine and registers a handle for it. The id
// is generated internally and unique for the process lifetime. A task's error
// is not the manager's error: observe it through Handle.Wait.
func (m *Manager) Create(ctx context.Context, fn Func, kind, name string, scopes ...Scope) *Handle {
	m.mu.Lock()
	id := fmt.Sprintf("%s-%d-%s", kind, m.counter, uuid.NewString()[:8])
	m.counter++

	taskCtx, cancel := context.WithCancel(ctx)
	h := newHandle(id, kind, name, cancel, scopes)
	m.tasks[id] = h
	m.mu.Unlock()

	m.logger.Info("task created", "task_id", id, "kind", kind, "name", name)

	go func() {
		err := m.run(taskCtx, fn, h)
		// Remove from the registry before signalling done so a caller that
		// returns from Wait never observes its own finished task as live.
		m.remove(h, err)
		h.finish(err)
	}()

	return h
}

// run invokes fn, converting a panic into an error so a crashing task never
// takes the process down with it.
func (m *Manager) run(ctx context.Context, fn Func, h *Handle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", h.ID, r)
		}
	}()
	return fn(ctx)
}

// remove drops a finished task from the registry.
func (m *Manager) remove(h *Handle, err error) {
	m.mu.Lock()
	delete(m.tasks, h.ID)
	m.mu.Unlock()

	switch {
	case err == nil:
		m.logger.Info("task completed", "task_id", h.ID, "name", h.Name)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		m.logger.Info("task cancelled", "task_id", h.ID, "name", h.Name)
	default:
		m.logger.Warn("task failed", "task_id", h.ID, "name", h.Name, "error", err)
	}
}

// Cancel requests cancellation of the task with the given id.
// Returns false if the task is not (or no longer) registered.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	h, ok := m.tasks[id]
	m.mu.Unlock()

	if !ok {
		return false
	}
	h.Cancel()
	m.logger.Info("task cancel requested", "task_id", id)
	return true
}

// CancelByScope requests cancellation of every task whose scope set contains
// scope and returns how many were signalled. It only issues cancellation
// requests; it does not wait for the tasks to stop.
func (m *Manager) CancelByScope(scope Scope) int {
	return m.cancelMatching(func(h *Handle) bool { return h.HasScope(scope) },
		"scope", string(scope))
}

// CancelByKind requests cancellation of every task of the given kind and
// returns how many were signalled.
func (m *Manager) CancelByKind(kind string) int {
	return m.cancelMatching(func(h *Handle) bool { return h.Kind == kind },
		"kind", kind)
}

func (m *Manager) cancelMatching(match func(*Handle) bool, key, value string) int {
	m.mu.Lock()
	var matched []*Handle
	for _, h := range m.tasks {
		if match(h) {
			matched = append(matched, h)
		}
	}
	m.mu.Unlock()

	for _, h := range matched {
		h.Cancel()
	}
	m.logger.Info("tasks cancel requested", key, value, "count", len(matched))
	return len(matched)
}

// Get returns the handle for a live task.
func (m *Manager) Get(id string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.tasks[id]
	return h, ok
}

// ByScope returns all live tasks whose scope set contains scope.
func (m *Manager) ByScope(scope Scope) []*Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Handle
	for _, h := range m.tasks {
		if h.HasScope(scope) {
			out = append(out, h)
		}
	}
	return out
}

// Stats returns counts over the live registry.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Total:   len(m.tasks),
		ByKind:  make(map[string]int),
		ByScope: make(map[string]int),
	}
	for _, h := range m.tasks {
		if !h.IsDone() {
			s.Running++
		}
		s.ByKind[h.Kind]++
		for scope := range h.scopes {
			s.ByScope[string(scope)]++
		}
	}
	return s
}

// Shutdown cancels all live tasks and waits for them to finish, bounded by
// ctx. It returns ctx.Err() if the deadline passes first.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.tasks))
	for _, h := range m.tasks {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	m.logger.Info("shutting down task manager", "live_tasks", len(handles))

	for _, h := range handles {
		h.Cancel()
	}
	for _, h := range handles {
		select {
		case <-h.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
