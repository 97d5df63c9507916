// ABOUTME: Registry of runtime adapters keyed by adapter id, one record per id.
// ABOUTME: Drives bulk start/stop for the platform-adapters lifecycle stage.

package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrAdapterExists indicates an adapter with the same id is already registered.
var ErrAdapterExists = errors.New("adapter already registered")

// ErrAdapterNotFound indicates the specified adapter was not found.
var ErrAdapterNotFound = errors.New("adapter not found")

// Registry holds the runtime adapters. Exactly one RuntimeAdapter record
// exists per adapter id at any time.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]*RuntimeAdapter
	order    []string // registration order, for deterministic start/stop
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		adapters: make(map[string]*RuntimeAdapter),
		logger:   logger.With("component", "registry"),
	}
}

// Add registers a runtime adapter. Returns ErrAdapterExists when the id is
// already taken.
func (reg *Registry) Add(ra *RuntimeAdapter) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, exists := reg.adapters[ra.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrAdapterExists, ra.ID())
	}
	reg.adapters[ra.ID()] = ra
	reg.order = append(reg.order, ra.ID())

	reg.logger.Info("adapter registered",
		"adapter_id", ra.ID(),
		"enabled", ra.Enabled(),
		"total_adapters", len(reg.adapters))
	return nil
}

// Remove stops tracking an adapter. The caller is responsible for stopping it.
func (reg *Registry) Remove(id string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, exists := reg.adapters[id]; !exists {
		return
	}
	delete(reg.adapters, id)
	for i, o := range reg.order {
		if o == id {
			reg.order = append(reg.order[:i], reg.order[i+1:]...)
			break
		}
	}
	reg.logger.Info("adapter removed", "adapter_id", id, "total_adapters", len(reg.adapters))
}

// Get returns the runtime adapter for id.
func (reg *Registry) Get(id string) (*RuntimeAdapter, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	ra, ok := reg.adapters[id]
	return ra, ok
}

// List returns all registered adapters in registration order.
func (reg *Registry) List() []*RuntimeAdapter {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	out := make([]*RuntimeAdapter, 0, len(reg.adapters))
	for _, id := range reg.order {
		out = append(out, reg.adapters[id])
	}
	return out
}

// Initialize runs every registered adapter's initialize hook. Unlike Start,
// an initialization failure is fatal: bad credentials or config should stop
// the gateway before it begins accepting traffic. Implements the lifecycle
// Initializer hook.
func (reg *Registry) Initialize(ctx context.Context) error {
	for _, ra := range reg.List() {
		if !ra.Enabled() {
			continue
		}
		if err := ra.Initialize(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Start brings every registered adapter up. A single adapter's failure is
// logged and does not prevent the others from starting; the first error is
// returned. Implements the lifecycle Starter hook for the platform-adapters
// stage.
func (reg *Registry) Start(ctx context.Context) error {
	var firstErr error
	for _, ra := range reg.List() {
		if err := ra.Start(ctx); err != nil {
			reg.logger.Error("adapter start failed", "adapter_id", ra.ID(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Stop brings every registered adapter down in reverse registration order.
func (reg *Registry) Stop(ctx context.Context) error {
	adapters := reg.List()
	for i := len(adapters) - 1; i >= 0; i-- {
		if err := adapters[i].Stop(ctx); err != nil {
			reg.logger.Error("adapter stop failed", "adapter_id", adapters[i].ID(), "error", err)
		}
	}
	return nil
}

// Status returns a status snapshot per adapter id.
func (reg *Registry) Status() map[string]AdapterStatus {
	out := make(map[string]AdapterStatus)
	for _, ra := range reg.List() {
		out[ra.ID()] = ra.Status()
	}
	return out
}
