// ABOUTME: HTTP client for the generation backend's chat-messages API.
// ABOUTME: Implements stream.Generator over SSE streaming and blocking modes.

package generate

import (
	"bufio"
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
)

// DefaultRequestTimeout bounds a single blocking-mode request. Streaming
// requests are bounded by the caller's context instead.
const DefaultRequestTimeout = 60 * time.Second

// ErrBackendStatus reports a non-2xx response from the generation backend.
var ErrBackendStatus = errors.New("generation backend returned error status")

// Client talks to the generation backend. It carries no retry or fallback
// policy; callers own that.
type Client struct {
	baseURL    string
	apiKey     string
	httpc      *http.Client
	reqTimeout time.Duration
	logger     *slog.Logger

	// conversation ids returned by the backend, keyed by user, so a user's
	// follow-up messages stay in one thread.
	mu            sync.Mutex
	conversations map[string]string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpc = hc }
}

// WithRequestTimeout sets the blocking-mode request timeout. Streaming
// requests stay bounded by the caller's context only.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.reqTimeout = d }
}

// NewClient creates a backend client for the chat-messages API at baseURL.
func NewClient(baseURL, apiKey string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		apiKey:        apiKey,
		httpc:         &http.Client{},
		reqTimeout:    DefaultRequestTimeout,
		logger:        logger.With("component", "generate"),
		conversations: make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatRequest struct {
	Inputs         map[string]string `json:"inputs"`
	Query          string            `json:"query"`
	ResponseMode   string            `json:"response_mode"`
	User           string            `json:"user"`
	ConversationID string            `json:"conversation_id,omitempty"`
}

type streamEvent struct {
	Event          string `json:"event"`
	Answer         string `json:"answer"`
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

type blockingResponse struct {
	Answer         string `json:"answer"`
	ConversationID string `json:"conversation_id"`
}

// Stream posts the message in streaming mode and invokes onChunk for every
// answer delta. The full accumulated text is returned on normal completion.
// Failures surface as errors; an empty answer with a nil error is a valid
// empty response.
func (c *Client) Stream(ctx context.Context, message, userKey string, onChunk func(chunk string)) (string, error) {
	resp, err := c.post(ctx, message, userKey, "streaming")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		line := scanner.Text()
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == "" || payload == "[DONE]" {
			continue
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			c.logger.Warn("skipping undecodable stream event", "error", err)
			continue
		}

		switch ev.Event {
		case "message", "agent_message":
			if ev.Answer != "" {
				full.WriteString(ev.Answer)
				onChunk(ev.Answer)
			}
		case "message_end":
			c.rememberConversation(userKey, ev.ConversationID)
		case "error":
			return "", fmt.Errorf("generation stream error: %s", ev.Message)
		}
	}
	if err := scanner.Err(); err != nil {
		// Body reads fail with the context error once ctx is done; prefer
		// reporting that so the controller maps it to timeout handling.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("reading generation stream: %w", err)
	}
	return full.String(), nil
}

// Complete posts the message in blocking mode and returns the full answer.
func (c *Client) Complete(ctx context.Context, message, userKey string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.reqTimeout)
	defer cancel()

	resp, err := c.post(ctx, message, userKey, "blocking")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return "", fmt.Errorf("reading generation response: %w", err)
	}
	var br blockingResponse
	if err := json.Unmarshal(body, &br); err != nil {
		return "", fmt.Errorf("decoding generation response: %w", err)
	}
	c.rememberConversation(userKey, br.ConversationID)
	return br.Answer, nil
}

func (c *Client) post(ctx context.Context, message, userKey, mode string) (*http.Response, error) {
	reqBody := chatRequest{
		Inputs:         map[string]string{},
		Query:          message,
		ResponseMode:   mode,
		User:           userKey,
		ConversationID: c.conversationFor(userKey),
	}
	encoded, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("encoding generation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat-messages", bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("building generation request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("posting to generation backend: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %d: %s", ErrBackendStatus, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return resp, nil
}

func (c *Client) conversationFor(userKey string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversations[userKey]
}

func (c *Client) rememberConversation(userKey, id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conversations[userKey] = id
}

// ResetConversation drops the stored conversation id for a user so their next
// message starts a fresh thread.
func (c *Client) ResetConversation(userKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conversations, userKey)
}
