// ABOUTME: Per-task handle carrying identity, scopes, and completion state.
// ABOUTME: Exposes cancellation, a done channel, and a mutable action context.

package task

import (
	"context"
	"sync"
	"time"
)

// Scope tags related tasks so they can be bulk-cancelled together.
type Scope string

// Task lifecycle scopes, from widest to narrowest.
const (
	ScopeApplication Scope = "application"
	ScopePlatform    Scope = "platform"
	ScopeAdapter     Scope = "adapter"
	ScopeSession     Scope = "session"
)

// Context tracks what a task is currently doing. It is safe for concurrent
// use; the owning task updates it and status queries read it.
type Context struct {
	mu       sync.Mutex
	action   string
	metadata map[string]any
}

// NewTaskContext creates an empty task context.
func NewTaskContext() *Context {
	return &Context{
		action:   "initializing",
		metadata: make(map[string]any),
	}
}

// SetAction records the task's current action description.
func (c *Context) SetAction(action string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.action = action
}

// Action returns the task's current action description.
func (c *Context) Action() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.action
}

// SetMetadata stores an arbitrary key/value on the context.
func (c *Context) SetMetadata(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata[key] = value
}

// Metadata returns a stored value and whether it was present.
func (c *Context) Metadata(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.metadata[key]
	return v, ok
}

// Handle identifies one live task. The manager removes the handle from its
// registry when the task's goroutine finishes; the handle itself stays valid
// for Wait and Err afterwards.
type Handle struct {
	ID   string
	Kind string
	Name string

	// Context carries the task's current action and metadata.
	Context *Context

	scopes    map[Scope]struct{}
	cancel    context.CancelFunc
	done      chan struct{}
	createdAt time.Time

	mu  sync.Mutex
	err error
}

func newHandle(id, kind, name string, cancel context.CancelFunc, scopes []Scope) *Handle {
	set := make(map[Scope]struct{}, len(scopes))
	for _, s := range scopes {
		set[s] = struct{}{}
	}
	return &Handle{
		ID:        id,
		Kind:      kind,
		Name:      name,
		Context:   NewTaskContext(),
		scopes:    set,
		cancel:    cancel,
		done:      make(chan struct{}),
		createdAt: time.Now(),
	}
}

// Cancel requests cancellation of the task. Safe to call multiple times.
func (h *Handle) Cancel() {
	h.cancel()
}

// Done returns a channel closed when the task's goroutine has finished.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// IsDone reports whether the task has finished.
func (h *Handle) IsDone() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the task finishes and returns its error, if any.
// Propagating the task's result is the caller's responsibility; the manager
// only does bookkeeping.
func (h *Handle) Wait() error {
	<-h.done
	return h.Err()
}

// Err returns the task's error. Only meaningful once the task is done.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// HasScope reports whether the task's scope set contains scope.
func (h *Handle) HasScope(scope Scope) bool {
	_, ok := h.scopes[scope]
	return ok
}

// Scopes returns the task's scope set as a slice.
func (h *Handle) Scopes() []Scope {
	out := make([]Scope, 0, len(h.scopes))
	for s := range h.scopes {
		out = append(out, s)
	}
	return out
}

// CreatedAt returns when the task was created.
func (h *Handle) CreatedAt() time.Time {
	return h.createdAt
}

// finish records the task's error and closes the done channel. Called once
// by the manager when the goroutine returns.
func (h *Handle) finish(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	close(h.done)
	h.cancel() // release the child context
}
