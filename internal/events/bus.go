// ABOUTME: Typed publish/subscribe dispatcher with a bounded queue and one consumer.
// ABOUTME: Handler failures are isolated; a slow or panicking handler never stops the others.

package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// DefaultQueueSize is the bound on the publish queue.
const DefaultQueueSize = 256

// ErrQueueFull is returned by Publish when the bounded queue is full.
// Publishing fails fast by design: a stalled consumer surfaces as dropped
// events and an unhealthy bus rather than unbounded memory growth.
var ErrQueueFull = errors.New("event queue full")

// ErrBusClosed is returned by Publish after the bus has stopped.
var ErrBusClosed = errors.New("event bus stopped")

// Handler processes one event. Handlers for the same event run concurrently.
type Handler func(ctx context.Context, ev *Event)

// Bus is a typed pub/sub dispatcher. A single consumer goroutine drains the
// bounded queue and fans each event out to the type's subscribers plus every
// named catch-all handler.
type Bus struct {
	mu    sync.RWMutex
	subs  map[Type]map[string]Handler // type -> subscriber name -> handler
	named map[string]Handler          // name -> handler, invoked for every event

	queue   chan *Event
	done    chan struct{}
	stopped chan struct{}
	running bool

	logger *slog.Logger
}

// NewBus creates a bus with the given queue size (DefaultQueueSize if <= 0).
func NewBus(logger *slog.Logger, queueSize int) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		subs:    make(map[Type]map[string]Handler),
		named:   make(map[string]Handler),
		queue:   make(chan *Event, queueSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		logger:  logger.With("component", "events"),
	}
}

// Start launches the consumer loop. Implements the lifecycle Starter hook.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = true
	b.mu.Unlock()

	go b.consume()
	b.logger.Info("event bus started", "queue_size", cap(b.queue))
	return nil
}

// Stop terminates the consumer loop. Events still queued are dropped.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	b.mu.Unlock()

	close(b.done)
	select {
	case <-b.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.logger.Info("event bus stopped", "dropped", len(b.queue))
	return nil
}

// Publish enqueues an event. It never blocks: if the queue is full it
// returns ErrQueueFull, and after Stop it returns ErrBusClosed.
func (b *Bus) Publish(ev *Event) error {
	b.mu.RLock()
	running := b.running
	b.mu.RUnlock()
	if !running {
		return ErrBusClosed
	}

	select {
	case b.queue <- ev:
		return nil
	default:
		b.logger.Warn("event dropped, queue full", "type", ev.Type, "source", ev.Source)
		return ErrQueueFull
	}
}

// Subscribe registers a handler for one event type under the given name.
// Subscribing the same name again replaces the previous handler, so repeated
// calls are idempotent.
func (b *Bus) Subscribe(t Type, name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[t]; !ok {
		b.subs[t] = make(map[string]Handler)
	}
	b.subs[t][name] = h

	b.logger.Debug("subscriber added", "type", t, "name", name)
}

// Unsubscribe removes a named subscription. Unknown names are ignored.
func (b *Bus) Unsubscribe(t Type, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.subs[t]; ok {
		delete(m, name)
	}
}

// RegisterHandler adds a named handler invoked for every event regardless of
// type. Registering the same name again replaces the previous handler.
func (b *Bus) RegisterHandler(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.named[name] = h
	b.logger.Debug("named handler registered", "name", name)
}

// UnregisterHandler removes a named handler. Unknown names are ignored.
func (b *Bus) UnregisterHandler(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.named, name)
}

// HealthCheck reports whether the bus can still make progress: the consumer
// loop is running and the queue has headroom.
func (b *Bus) HealthCheck() bool {
	b.mu.RLock()
	running := b.running
	b.mu.RUnlock()
	return running && len(b.queue) < cap(b.queue)
}

// Stats describes the bus's current load.
type Stats struct {
	Running     bool         `json:"running"`
	QueueLen    int          `json:"queue_len"`
	QueueCap    int          `json:"queue_cap"`
	Subscribers map[Type]int `json:"subscribers"`
	Handlers    int          `json:"handlers"`
}

// Stats returns a snapshot of queue depth and registration counts.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := Stats{
		Running:     b.running,
		QueueLen:    len(b.queue),
		QueueCap:    cap(b.queue),
		Subscribers: make(map[Type]int, len(b.subs)),
		Handlers:    len(b.named),
	}
	for t, m := range b.subs {
		s.Subscribers[t] = len(m)
	}
	return s
}

// consume drains the queue until Stop.
func (b *Bus) consume() {
	defer close(b.stopped)
	for {
		select {
		case ev := <-b.queue:
			b.dispatch(ev)
		case <-b.done:
			return
		}
	}
}

// dispatch fans one event out to all matching subscribers and all named
// handlers concurrently, waiting for every handler before taking the next
// event off the queue.
func (b *Bus) dispatch(ev *Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[ev.Type])+len(b.named))
	for _, h := range b.subs[ev.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range b.named {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	wg.Add(len(handlers))
	for _, h := range handlers {
		go func(h Handler) {
			defer wg.Done()
			b.invoke(ctx, h, ev)
		}(h)
	}
	wg.Wait()
}

// invoke runs one handler, recovering a panic so the rest of the fan-out and
// the consumer loop keep going.
func (b *Bus) invoke(ctx context.Context, h Handler, ev *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event_id", ev.ID,
				"type", ev.Type,
				"panic", fmt.Sprintf("%v", r))
		}
	}()
	h(ctx, ev)
}
