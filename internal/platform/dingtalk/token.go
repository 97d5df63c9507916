// ABOUTME: Cached DingTalk access token source.
// ABOUTME: Refreshes ahead of expiry; all API calls share one token.

package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Refresh this far before the reported expiry so in-flight calls never race
// an expiring token.
const tokenRefreshMargin = 60 * time.Second

// ErrTokenStatus reports a non-2xx response from the token endpoint.
var ErrTokenStatus = errors.New("token endpoint returned error status")

// TokenSource fetches and caches the app access token. Safe for concurrent
// use; only one caller refreshes at a time.
type TokenSource struct {
	apiBase   string
	appKey    string
	appSecret string
	httpc     *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewTokenSource creates a token source against the given API base URL.
func NewTokenSource(apiBase, appKey, appSecret string) *TokenSource {
	return &TokenSource{
		apiBase:   strings.TrimRight(apiBase, "/"),
		appKey:    appKey,
		appSecret: appSecret,
		httpc:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Token returns a valid access token, refreshing it when the cached one is
// missing or close to expiry.
func (t *TokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.token != "" && time.Until(t.expiresAt) > tokenRefreshMargin {
		return t.token, nil
	}

	body, err := json.Marshal(map[string]string{
		"appKey":    t.appKey,
		"appSecret": t.appSecret,
	})
	if err != nil {
		return "", fmt.Errorf("encoding token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.apiBase+"/v1.0/oauth2/accessToken", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting access token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: %d: %s", ErrTokenStatus, resp.StatusCode,
			strings.TrimSpace(string(snippet)))
	}

	var decoded struct {
		AccessToken string `json:"accessToken"`
		ExpireIn    int64  `json:"expireIn"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if decoded.AccessToken == "" {
		return "", errors.New("token endpoint returned empty access token")
	}

	t.token = decoded.AccessToken
	t.expiresAt = time.Now().Add(time.Duration(decoded.ExpireIn) * time.Second)
	return t.token, nil
}

// Invalidate drops the cached token so the next call fetches a fresh one.
func (t *TokenSource) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = ""
	t.expiresAt = time.Time{}
}
