// ABOUTME: The platform adapter contract and a no-op base implementation.
// ABOUTME: Optional hooks are explicit no-op defaults, never runtime probing.

package runtime

import (
	"context"
	"sync"
)

// AgentHandler produces a reply for an inbound message. meta carries
// platform-specific context such as user and conversation ids.
type AgentHandler func(ctx context.Context, message string, meta map[string]string) (string, error)

// Adapter bridges one external messaging platform to the gateway. The core
// depends only on this shape, never on a platform's wire protocol.
//
// Run blocks until the platform connection ends or ctx is cancelled; every
// other method should return promptly.
type Adapter interface {
	Initialize(ctx context.Context) error
	Start(ctx context.Context) error
	Run(ctx context.Context) error
	Stop(ctx context.Context) error
	Cleanup(ctx context.Context) error
	HealthCheck(ctx context.Context) bool
	SetAgentHandler(h AgentHandler)
}

// BaseAdapter provides no-op defaults for every optional Adapter hook.
// Platform implementations embed it and override what they need, so an
// adapter without a cleanup step simply inherits the no-op.
type BaseAdapter struct {
	mu      sync.Mutex
	handler AgentHandler
}

// Initialize is a no-op.
func (b *BaseAdapter) Initialize(ctx context.Context) error { return nil }

// Start is a no-op.
func (b *BaseAdapter) Start(ctx context.Context) error { return nil }

// Run blocks until ctx is cancelled.
func (b *BaseAdapter) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// Stop is a no-op.
func (b *BaseAdapter) Stop(ctx context.Context) error { return nil }

// Cleanup is a no-op.
func (b *BaseAdapter) Cleanup(ctx context.Context) error { return nil }

// HealthCheck reports healthy.
func (b *BaseAdapter) HealthCheck(ctx context.Context) bool { return true }

// SetAgentHandler stores the handler invoked for inbound messages.
func (b *BaseAdapter) SetAgentHandler(h AgentHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

// AgentHandler returns the stored handler, or nil if none was set.
func (b *BaseAdapter) AgentHandler() AgentHandler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handler
}
