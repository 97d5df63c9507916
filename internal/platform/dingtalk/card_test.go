// ABOUTME: Tests for the AI card renderer against a fake card API.
// ABOUTME: Verifies delivery target, streaming flags, and token headers.

package dingtalk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cardAPIServer struct {
	*httptest.Server
	mu       sync.Mutex
	creates  []map[string]any
	updates  []map[string]any
	lastAuth string
}

func newCardAPIServer(t *testing.T) *cardAPIServer {
	t.Helper()
	s := &cardAPIServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1.0/oauth2/accessToken", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"accessToken": "card-token", "expireIn": 7200})
	})
	mux.HandleFunc("/v1.0/card/instances/createAndDeliver", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		s.mu.Lock()
		s.creates = append(s.creates, body)
		s.lastAuth = r.Header.Get("x-acs-dingtalk-access-token")
		s.mu.Unlock()
	})
	mux.HandleFunc("/v1.0/card/streaming", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		s.mu.Lock()
		s.updates = append(s.updates, body)
		s.mu.Unlock()
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func newTestRenderer(t *testing.T, api *cardAPIServer) *CardRenderer {
	t.Helper()
	tokens := NewTokenSource(api.URL, "k", "s")
	return NewCardRenderer(api.URL, "tmpl-123", tokens, testLogger())
}

func TestCardRenderer_Create(t *testing.T) {
	api := newCardAPIServer(t)
	r := newTestRenderer(t, api)

	id, err := r.Create(context.Background(), "user-7", "track-1", "")
	require.NoError(t, err)
	assert.Equal(t, "track-1", id)

	api.mu.Lock()
	defer api.mu.Unlock()
	require.Len(t, api.creates, 1)
	assert.Equal(t, "tmpl-123", api.creates[0]["cardTemplateId"])
	assert.Equal(t, "track-1", api.creates[0]["outTrackId"])
	assert.Equal(t, "dtv1.card//IM_ROBOT.user-7", api.creates[0]["openSpaceId"])
	assert.Equal(t, "card-token", api.lastAuth)
}

func TestCardRenderer_CreateRequiresTemplate(t *testing.T) {
	api := newCardAPIServer(t)
	tokens := NewTokenSource(api.URL, "k", "s")
	r := NewCardRenderer(api.URL, "", tokens, testLogger())

	_, err := r.Create(context.Background(), "user-7", "track-1", "")
	require.Error(t, err)
}

func TestCardRenderer_UpdateFlags(t *testing.T) {
	api := newCardAPIServer(t)
	r := newTestRenderer(t, api)

	require.NoError(t, r.Update(context.Background(), "track-1", "partial", false, false))
	require.NoError(t, r.Update(context.Background(), "track-1", "full text", true, false))
	require.NoError(t, r.Update(context.Background(), "track-1", "broke", false, true))

	api.mu.Lock()
	defer api.mu.Unlock()
	require.Len(t, api.updates, 3)

	assert.Equal(t, false, api.updates[0]["isFinalize"])
	assert.Equal(t, false, api.updates[0]["isError"])

	assert.Equal(t, true, api.updates[1]["isFinalize"])
	assert.Equal(t, false, api.updates[1]["isError"])
	assert.Equal(t, "full text", api.updates[1]["content"])

	assert.Equal(t, true, api.updates[2]["isFinalize"])
	assert.Equal(t, true, api.updates[2]["isError"])

	// Every update carries a fresh guid.
	assert.NotEqual(t, api.updates[0]["guid"], api.updates[1]["guid"])
}
