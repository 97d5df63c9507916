// ABOUTME: AI card renderer for streamed replies.
// ABOUTME: Create-and-deliver opens the card; streaming updates rewrite its content.

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
	"time"

	"github.com/google/uuid"
)

// cardContentKey is the template variable the streaming update rewrites.
const cardContentKey = "content"

// CardRenderer delivers an interactive card into the sender's robot
// conversation and pushes streamed content into it. Implements
// stream.Renderer.
type CardRenderer struct {
	apiBase    string
	templateID string
	tokens     *TokenSource
	httpc      *http.Client
	logger     *slog.Logger
}

// NewCardRenderer creates a renderer using the given card template.
func NewCardRenderer(apiBase, templateID string, tokens *TokenSource, logger *slog.Logger) *CardRenderer {
	return &CardRenderer{
		apiBase:    strings.TrimRight(apiBase, "/"),
		templateID: templateID,
		tokens:     tokens,
		httpc:      &http.Client{Timeout: 15 * time.Second},
		logger:     logger.With("component", "dingtalk-card"),
	}
}

// Create delivers a fresh card to the user's robot conversation and returns
// the track id used to address later updates.
func (r *CardRenderer) Create(ctx context.Context, userKey, trackID, seed string) (string, error) {
	if r.templateID == "" {
		return "", errors.New("no card template configured")
	}

	body := map[string]any{
		"cardTemplateId": r.templateID,
		"outTrackId":     trackID,
		"cardData": map[string]any{
			"cardParamMap": map[string]string{cardContentKey: seed},
		},
		"openSpaceId": "dtv1.card//IM_ROBOT." + userKey,
		"imRobotOpenDeliverModel": map[string]any{
			"spaceType": "IM_ROBOT",
		},
		"imRobotOpenSpaceModel": map[string]any{
			"supportForward": true,
		},
	}
	if err := r.call(ctx, http.MethodPost, "/v1.0/card/instances/createAndDeliver", body); err != nil {
		return "", fmt.Errorf("creating card: %w", err)
	}
	return trackID, nil
}

// Update streams new content into the card. finished closes the stream as a
// success, failed closes it as an error.
func (r *CardRenderer) Update(ctx context.Context, targetID, content string, finished, failed bool) error {
	body := map[string]any{
		"outTrackId": targetID,
		"guid":       uuid.NewString(),
		"key":        cardContentKey,
		"content":    content,
		"isFull":     true,
		"isFinalize": finished || failed,
		"isError":    failed,
	}
	if err := r.call(ctx, http.MethodPut, "/v1.0/card/streaming", body); err != nil {
		return fmt.Errorf("updating card %s: %w", targetID, err)
	}
	return nil
}

func (r *CardRenderer) call(ctx context.Context, method, path string, body map[string]any) error {
	token, err := r.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("getting access token: %w", err)
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding card request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.apiBase+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("building card request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-acs-dingtalk-access-token", token)

	resp, err := r.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("calling card API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		// Token may have been revoked server-side; force a refresh for the
		// next attempt.
		r.tokens.Invalidate()
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("card API returned %d: %s", resp.StatusCode,
			strings.TrimSpace(string(snippet)))
	}
	return nil
}
