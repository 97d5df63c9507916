// ABOUTME: DingTalk stream-mode adapter: websocket gateway, dedupe, bounded handlers.
// ABOUTME: Replies stream to AI cards when possible, else go out via the session webhook.

package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/sync/semaphore"

	"github.com/2389/relay-gateway/internal/dedupe"
	"github.com/2389/relay-gateway/internal/events"
	"github.com/2389/relay-gateway/internal/reply"
	"github.com/2389/relay-gateway/internal/runtime"
	"github.com/2389/relay-gateway/internal/stream"
)

// Defaults for optional Config fields.
const (
	DefaultAPIBase        = "https://api.dingtalk.com"
	DefaultMaxConcurrency = 10
	DefaultMaxReplyLength = 4096
)

// ErrGatewayDisconnect reports that the stream gateway asked this connection
// to drop. The runtime treats it as a crash and the supervisor reconnects.
var ErrGatewayDisconnect = errors.New("stream gateway requested disconnect")

// Replier produces the reply for one inbound message. *stream.Controller
// satisfies this; tests substitute fakes.
type Replier interface {
	Reply(ctx context.Context, message, userKey string) (stream.Result, error)
}

// Config holds one DingTalk adapter's settings.
type Config struct {
	ID             string
	AppKey         string
	AppSecret      string
	APIBase        string
	MaxConcurrency int64
	MaxReplyLength int
}

func (c *Config) withDefaults() {
	if c.APIBase == "" {
		c.APIBase = DefaultAPIBase
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}
	if c.MaxReplyLength <= 0 {
		c.MaxReplyLength = DefaultMaxReplyLength
	}
}

// Client is the DingTalk platform adapter. It connects to the stream-mode
// gateway over websocket; no inbound HTTP surface is needed.
type Client struct {
	runtime.BaseAdapter

	cfg      Config
	tokens   *TokenSource
	replier  Replier
	cache    *dedupe.Cache
	bus      *events.Bus
	counters *runtime.Counters
	sem      *semaphore.Weighted
	httpc    *http.Client
	logger   *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	handlers sync.WaitGroup
}

// NewClient creates the adapter. replier may be nil, in which case inbound
// messages go through the agent handler set by the runtime.
func NewClient(cfg Config, tokens *TokenSource, replier Replier, cache *dedupe.Cache, bus *events.Bus, logger *slog.Logger) *Client {
	cfg.withDefaults()
	return &Client{
		cfg:      cfg,
		tokens:   tokens,
		replier:  replier,
		cache:    cache,
		bus:      bus,
		counters: &runtime.Counters{},
		sem:      semaphore.NewWeighted(cfg.MaxConcurrency),
		httpc:    &http.Client{Timeout: 15 * time.Second},
		logger:   logger.With("component", "dingtalk", "adapter_id", cfg.ID),
	}
}

// Counters exposes this adapter's message statistics.
func (c *Client) Counters() *runtime.Counters { return c.counters }

// Initialize validates credentials by fetching an access token.
func (c *Client) Initialize(ctx context.Context) error {
	if c.cfg.AppKey == "" || c.cfg.AppSecret == "" {
		return errors.New("dingtalk adapter requires app_key and app_secret")
	}
	if _, err := c.tokens.Token(ctx); err != nil {
		return fmt.Errorf("verifying dingtalk credentials: %w", err)
	}
	return nil
}

// Start opens the stream-mode gateway connection.
func (c *Client) Start(ctx context.Context) error {
	endpoint, ticket, err := c.openConnection(ctx)
	if err != nil {
		return err
	}

	conn, _, err := websocket.Dial(ctx, endpoint+"?ticket="+ticket, nil)
	if err != nil {
		return fmt.Errorf("dialing stream gateway: %w", err)
	}
	conn.SetReadLimit(1024 * 1024)

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.publish(events.TypePlatformConnected, map[string]any{"endpoint": endpoint})
	c.logger.Info("connected to stream gateway")
	return nil
}

// Run reads frames until the connection drops or ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	conn := c.currentConn()
	if conn == nil {
		return errors.New("run called without an open connection")
	}
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		c.publish(events.TypePlatformDisconnected, nil)
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading stream frame: %w", err)
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("skipping undecodable frame", "error", err)
			continue
		}

		switch {
		case f.Type == frameTypeSystem && f.topic() == topicPing:
			// Pong echoes the ping payload.
			if err := wsjson.Write(ctx, conn, newAck(f.messageID(), f.Data)); err != nil {
				return fmt.Errorf("writing pong: %w", err)
			}
		case f.Type == frameTypeSystem && f.topic() == topicDisconnect:
			return ErrGatewayDisconnect
		case f.Type == frameTypeCallback && f.topic() == topicBotMessage:
			// Ack before processing so the gateway never redelivers while a
			// slow generation is in flight.
			if err := wsjson.Write(ctx, conn, newAck(f.messageID(), "")); err != nil {
				return fmt.Errorf("writing ack: %w", err)
			}
			msg, err := decodeBotMessage(f.Data)
			if err != nil {
				c.logger.Warn("dropping malformed bot message", "error", err)
				continue
			}
			if err := c.sem.Acquire(ctx, 1); err != nil {
				return err
			}
			c.handlers.Add(1)
			go func() {
				defer c.handlers.Done()
				defer c.sem.Release(1)
				c.handleMessage(ctx, msg)
			}()
		default:
			c.logger.Debug("ignoring frame", "type", f.Type, "topic", f.topic())
		}
	}
}

// Stop closes the websocket and waits briefly for in-flight handlers.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "shutting down")
	}

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

// HealthCheck reports whether the gateway connection is up.
func (c *Client) HealthCheck(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) currentConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// openConnection registers with the gateway and returns the websocket
// endpoint plus a one-time ticket.
func (c *Client) openConnection(ctx context.Context) (endpoint, ticket string, err error) {
	body, err := json.Marshal(map[string]any{
		"clientId":     c.cfg.AppKey,
		"clientSecret": c.cfg.AppSecret,
		"ua":           "relay-gateway/1.0",
		"subscriptions": []map[string]string{
			{"type": frameTypeCallback, "topic": topicBotMessage},
		},
	})
	if err != nil {
		return "", "", fmt.Errorf("encoding open request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.APIBase+"/v1.0/gateway/connections/open", bytes.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("building open request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("opening gateway connection: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", "", fmt.Errorf("gateway open returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var decoded struct {
		Endpoint string `json:"endpoint"`
		Ticket   string `json:"ticket"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", "", fmt.Errorf("decoding open response: %w", err)
	}
	if decoded.Endpoint == "" || decoded.Ticket == "" {
		return "", "", errors.New("gateway open response missing endpoint or ticket")
	}
	return decoded.Endpoint, decoded.Ticket, nil
}

// handleMessage runs the full pipeline for one inbound bot message: dedupe,
// reply generation, delivery, counters, events.
func (c *Client) handleMessage(ctx context.Context, msg *botMessage) {
	content := strings.TrimSpace(msg.Text.Content)
	if content == "" {
		return
	}

	fp := dedupe.Fingerprint(c.cfg.ID+":"+msg.MsgID+":"+msg.SenderStaffID, content)
	if c.cache.CheckAndMark(fp) {
		c.counters.IncDeduplicated()
		c.logger.Debug("duplicate message dropped", "msg_id", msg.MsgID)
		return
	}

	c.counters.IncReceived()
	c.publish(events.TypeMessageReceived, map[string]any{
		"msg_id":          msg.MsgID,
		"sender_staff_id": msg.SenderStaffID,
		"conversation_id": msg.ConversationID,
	})

	logger := c.logger.With("msg_id", msg.MsgID, "sender", msg.SenderStaffID)

	text, streamed, err := c.produceReply(ctx, msg, content)
	if errors.Is(err, stream.ErrDuplicateReply) {
		c.counters.IncDeduplicated()
		return
	}
	if err != nil {
		c.counters.IncFailed()
		logger.Error("reply generation failed", "error", err)
		c.publish(events.TypeErrorOccurred, map[string]any{
			"msg_id": msg.MsgID, "error": err.Error(),
		})
		if streamed || text == "" {
			return
		}
		// Apology text still goes out so the user is not left hanging.
	}

	if !streamed && text != "" {
		if werr := c.sendWebhook(ctx, msg.SessionWebhook, text); werr != nil {
			// Generation failures were already counted above; the message
			// fails once no matter where the pipeline broke.
			if err == nil {
				c.counters.IncFailed()
			}
			logger.Error("webhook reply failed", "error", werr)
			return
		}
	}
	if err == nil {
		c.counters.IncReplied()
		c.publish(events.TypeMessageSent, map[string]any{
			"msg_id": msg.MsgID, "streamed": streamed,
		})
	}
}

// produceReply runs the streaming controller when one is wired, otherwise the
// runtime's agent handler.
func (c *Client) produceReply(ctx context.Context, msg *botMessage, content string) (text string, streamed bool, err error) {
	userKey := msg.SenderStaffID
	if c.replier != nil {
		res, err := c.replier.Reply(ctx, content, userKey)
		return res.Text, res.Streamed, err
	}

	handler := c.AgentHandler()
	if handler == nil {
		return "", false, errors.New("no replier or agent handler configured")
	}
	text, err = handler(ctx, content, map[string]string{
		"msg_id":          msg.MsgID,
		"sender_staff_id": msg.SenderStaffID,
		"sender_nick":     msg.SenderNick,
		"conversation_id": msg.ConversationID,
	})
	return text, false, err
}

// sendWebhook posts a plain reply to the message's session webhook, choosing
// markdown or text and truncating to the configured limit.
func (c *Client) sendWebhook(ctx context.Context, webhook, text string) error {
	if webhook == "" {
		return errors.New("message carried no session webhook")
	}
	text = truncate(text, c.cfg.MaxReplyLength)

	var payload map[string]any
	if reply.Classify(text) == reply.FormatMarkdown {
		payload = map[string]any{
			"msgtype":  "markdown",
			"markdown": map[string]string{"title": "reply", "text": text},
		}
	} else {
		payload = map[string]any{
			"msgtype": "text",
			"text":    map[string]string{"content": text},
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook reply: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) publish(t events.Type, data map[string]any) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(events.New(t, "dingtalk:"+c.cfg.ID, data)); err != nil {
		c.logger.Debug("event dropped", "type", t, "error", err)
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	// Cut on a rune boundary.
	cut := limit - 3
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
