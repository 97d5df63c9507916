// ABOUTME: Matrix platform adapter built on mautrix sync.
// ABOUTME: Routes room messages through the agent handler and replies in-room.

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"

	"github.com/2389/relay-gateway/internal/dedupe"
	"github.com/2389/relay-gateway/internal/events"
	"github.com/2389/relay-gateway/internal/reply"
	"github.com/2389/relay-gateway/internal/runtime"
)

const (
	// typingTimeout is the duration the typing indicator shows.
	typingTimeout = 30 * time.Second

	// networkTimeout bounds individual Matrix API calls.
	networkTimeout = 10 * time.Second

	// sendTimeout is longer since responses can be large.
	sendTimeout = 30 * time.Second

	defaultMaxConcurrency = 10
)

// Config holds one Matrix adapter's settings.
type Config struct {
	ID              string
	Homeserver      string
	UserID          string
	AccessToken     string
	AllowedRooms    []string
	CommandPrefix   string
	TypingIndicator bool
	MaxConcurrency  int64
}

// Client is the Matrix platform adapter. Inbound room messages go through
// the agent handler; replies are sent back to the same room, rendered as
// markdown when the content warrants it.
type Client struct {
	runtime.BaseAdapter

	cfg      Config
	cache    *dedupe.Cache
	bus      *events.Bus
	counters *runtime.Counters
	sem      *semaphore.Weighted
	logger   *slog.Logger

	matrix *mautrix.Client

	mu      sync.Mutex
	syncing bool
	started time.Time

	runCtx    context.Context
	runCancel context.CancelFunc
	handlers  sync.WaitGroup
}

// NewClient creates the adapter. The mautrix client is built in Initialize
// so constructor callers never see connection errors.
func NewClient(cfg Config, cache *dedupe.Cache, bus *events.Bus, logger *slog.Logger) *Client {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}
	return &Client{
		cfg:      cfg,
		cache:    cache,
		bus:      bus,
		counters: &runtime.Counters{},
		sem:      semaphore.NewWeighted(cfg.MaxConcurrency),
		logger:   logger.With("component", "matrix", "adapter_id", cfg.ID),
	}
}

// Counters exposes this adapter's message statistics.
func (c *Client) Counters() *runtime.Counters { return c.counters }

// Initialize builds the mautrix client and registers the message handler.
func (c *Client) Initialize(ctx context.Context) error {
	if c.cfg.Homeserver == "" || c.cfg.UserID == "" || c.cfg.AccessToken == "" {
		return errors.New("matrix adapter requires homeserver, user_id, and access_token")
	}

	client, err := mautrix.NewClient(c.cfg.Homeserver, id.UserID(c.cfg.UserID), c.cfg.AccessToken)
	if err != nil {
		return fmt.Errorf("creating matrix client: %w", err)
	}

	syncer, ok := client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", client.Syncer)
	}
	syncer.OnEventType(event.EventMessage, c.handleMessageEvent)

	c.matrix = client
	return nil
}

// Start records the cutoff for historical events.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	c.started = time.Now()
	c.mu.Unlock()
	return nil
}

// Run syncs with the homeserver until ctx is cancelled or sync fails.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	c.syncing = true
	c.runCtx, c.runCancel = context.WithCancel(ctx)
	runCtx := c.runCtx
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.syncing = false
		c.mu.Unlock()
		c.publish(events.TypePlatformDisconnected, nil)
	}()

	c.publish(events.TypePlatformConnected, map[string]any{"homeserver": c.cfg.Homeserver})
	c.logger.Info("matrix sync starting", "homeserver", c.cfg.Homeserver)

	if err := c.matrix.SyncWithContext(runCtx); err != nil {
		if runCtx.Err() != nil {
			return runCtx.Err()
		}
		return fmt.Errorf("matrix sync failed: %w", err)
	}
	return nil
}

// Stop cancels sync and waits briefly for in-flight handlers.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.runCancel != nil {
		c.runCancel()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("stopped with handlers still in flight")
	}
	return nil
}

// HealthCheck reports whether the sync loop is running.
func (c *Client) HealthCheck(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncing
}

// admit filters one sync event down to a message body worth processing.
// It rejects our own messages, non-text events, historical replays,
// non-allowed rooms, prefix misses, and duplicates.
func (c *Client) admit(evt *event.Event) (string, bool) {
	if evt.Sender == id.UserID(c.cfg.UserID) {
		return "", false
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText {
		return "", false
	}

	// Sync replays recent history on startup; skip anything from before we
	// connected.
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if time.UnixMilli(evt.Timestamp).Before(started) {
		return "", false
	}

	roomID := evt.RoomID.String()
	if !c.roomAllowed(roomID) {
		c.logger.Debug("ignoring message from non-allowed room", "room", roomID)
		return "", false
	}

	body := content.Body
	if c.cfg.CommandPrefix != "" {
		if !strings.HasPrefix(body, c.cfg.CommandPrefix) {
			return "", false
		}
		body = strings.TrimSpace(strings.TrimPrefix(body, c.cfg.CommandPrefix))
	}
	if body == "" {
		return "", false
	}

	if c.cache.CheckAndMark(dedupe.Fingerprint(c.cfg.ID, evt.ID.String())) {
		c.counters.IncDeduplicated()
		return "", false
	}
	return body, true
}

// handleMessageEvent hands admitted messages off without blocking the sync
// loop.
func (c *Client) handleMessageEvent(ctx context.Context, evt *event.Event) {
	body, ok := c.admit(evt)
	if !ok {
		return
	}

	c.mu.Lock()
	runCtx := c.runCtx
	c.mu.Unlock()
	if runCtx == nil {
		runCtx = ctx
	}

	if err := c.sem.Acquire(runCtx, 1); err != nil {
		return
	}
	roomID, sender := evt.RoomID, evt.Sender
	c.handlers.Add(1)
	go func() {
		defer c.handlers.Done()
		defer c.sem.Release(1)
		c.processMessage(runCtx, roomID, sender, body)
	}()
}

// processMessage runs the agent handler and replies in-room.
func (c *Client) processMessage(ctx context.Context, roomID id.RoomID, sender id.UserID, body string) {
	c.counters.IncReceived()
	c.publish(events.TypeMessageReceived, map[string]any{
		"room": roomID.String(), "sender": sender.String(),
	})

	if c.cfg.TypingIndicator {
		c.setTyping(roomID, true)
		defer c.setTyping(roomID, false)
	}

	handler := c.AgentHandler()
	if handler == nil {
		c.logger.Warn("no agent handler configured, dropping message")
		return
	}

	text, err := handler(ctx, body, map[string]string{
		"room_id": roomID.String(),
		"sender":  sender.String(),
	})
	if err != nil {
		c.counters.IncFailed()
		c.logger.Error("agent handler failed", "room", roomID.String(), "error", err)
		c.publish(events.TypeErrorOccurred, map[string]any{
			"room": roomID.String(), "error": err.Error(),
		})
		return
	}
	if text == "" {
		c.logger.Warn("empty response from agent", "room", roomID.String())
		return
	}

	if err := c.sendReply(roomID, text); err != nil {
		c.counters.IncFailed()
		c.logger.Error("failed to send reply", "room", roomID.String(), "error", err)
		return
	}
	c.counters.IncReplied()
	c.publish(events.TypeMessageSent, map[string]any{"room": roomID.String()})
}

// sendReply sends text to a room, rendered as markdown when the content
// carries markup.
func (c *Client) sendReply(roomID id.RoomID, text string) error {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if reply.Classify(text) == reply.FormatMarkdown {
		content := format.RenderMarkdown(text, true, false)
		_, err := c.matrix.SendMessageEvent(ctx, roomID, event.EventMessage, &content)
		return err
	}
	_, err := c.matrix.SendText(ctx, roomID, text)
	return err
}

func (c *Client) setTyping(roomID id.RoomID, typing bool) {
	var timeout time.Duration
	if typing {
		timeout = typingTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), networkTimeout)
	defer cancel()
	if _, err := c.matrix.UserTyping(ctx, roomID, typing, timeout); err != nil {
		c.logger.Debug("failed to set typing indicator", "room", roomID.String(), "error", err)
	}
}

func (c *Client) roomAllowed(roomID string) bool {
	if len(c.cfg.AllowedRooms) == 0 {
		return true
	}
	for _, allowed := range c.cfg.AllowedRooms {
		if allowed == roomID {
			return true
		}
	}
	return false
}

func (c *Client) publish(t events.Type, data map[string]any) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(events.New(t, "matrix:"+c.cfg.ID, data)); err != nil {
		c.logger.Debug("event dropped", "type", t, "error", err)
	}
}
