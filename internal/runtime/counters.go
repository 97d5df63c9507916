// ABOUTME: Per-adapter message statistics shared between callback and scheduler contexts.
// ABOUTME: One mutex guards all counters; no lock-free assumptions.

package runtime

import "sync"

// Counters tracks per-adapter message statistics. Platform callbacks and
// status queries touch these concurrently, so every access goes through the
// one mutex.
type Counters struct {
	mu           sync.Mutex
	received     uint64
	replied      uint64
	failed       uint64
	deduplicated uint64
}

// CounterSnapshot is a point-in-time copy of an adapter's counters.
type CounterSnapshot struct {
	Received     uint64 `json:"received"`
	Replied      uint64 `json:"replied"`
	Failed       uint64 `json:"failed"`
	Deduplicated uint64 `json:"deduplicated"`
}

// IncReceived counts one inbound message admitted for processing.
func (c *Counters) IncReceived() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received++
}

// IncReplied counts one successful reply.
func (c *Counters) IncReplied() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replied++
}

// IncFailed counts one message whose processing failed.
func (c *Counters) IncFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed++
}

// IncDeduplicated counts one duplicate silently dropped.
func (c *Counters) IncDeduplicated() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deduplicated++
}

// Snapshot returns a copy of the current counts.
func (c *Counters) Snapshot() CounterSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CounterSnapshot{
		Received:     c.received,
		Replied:      c.replied,
		Failed:       c.failed,
		Deduplicated: c.deduplicated,
	}
}
