// ABOUTME: Tests for Matrix event admission: sender, room, prefix, dedupe filters.
// ABOUTME: Builds sync events by hand; no homeserver involved.

package matrix

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/relay-gateway/internal/dedupe"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	if cfg.ID == "" {
		cfg.ID = "mx-test"
	}
	if cfg.UserID == "" {
		cfg.UserID = "@bot:example.org"
	}
	cache := dedupe.New(time.Minute, 100)
	t.Cleanup(cache.Close)
	c := NewClient(cfg, cache, nil, testLogger())
	// Backdate start so freshly built events pass the history cutoff.
	c.started = time.Now().Add(-time.Minute)
	return c
}

func msgEvent(eventID, sender, room, body string) *event.Event {
	return &event.Event{
		ID:        id.EventID(eventID),
		Sender:    id.UserID(sender),
		RoomID:    id.RoomID(room),
		Timestamp: time.Now().UnixMilli(),
		Content: event.Content{
			Parsed: &event.MessageEventContent{
				MsgType: event.MsgText,
				Body:    body,
			},
		},
	}
}

func TestClient_AdmitBasics(t *testing.T) {
	c := newTestClient(t, Config{})

	body, ok := c.admit(msgEvent("$e1", "@alice:example.org", "!room:example.org", "hello"))
	assert.True(t, ok)
	assert.Equal(t, "hello", body)
}

func TestClient_AdmitIgnoresOwnMessages(t *testing.T) {
	c := newTestClient(t, Config{})

	_, ok := c.admit(msgEvent("$e1", "@bot:example.org", "!room:example.org", "hello"))
	assert.False(t, ok)
}

func TestClient_AdmitIgnoresNonText(t *testing.T) {
	c := newTestClient(t, Config{})

	evt := msgEvent("$e1", "@alice:example.org", "!room:example.org", "pic")
	evt.Content.Parsed.(*event.MessageEventContent).MsgType = event.MsgImage
	_, ok := c.admit(evt)
	assert.False(t, ok)
}

func TestClient_AdmitIgnoresHistoricalEvents(t *testing.T) {
	c := newTestClient(t, Config{})
	c.started = time.Now()

	evt := msgEvent("$e1", "@alice:example.org", "!room:example.org", "hello")
	evt.Timestamp = time.Now().Add(-time.Hour).UnixMilli()
	_, ok := c.admit(evt)
	assert.False(t, ok)
}

func TestClient_AdmitRoomFilter(t *testing.T) {
	c := newTestClient(t, Config{AllowedRooms: []string{"!allowed:example.org"}})

	_, ok := c.admit(msgEvent("$e1", "@alice:example.org", "!other:example.org", "hello"))
	assert.False(t, ok)

	_, ok = c.admit(msgEvent("$e2", "@alice:example.org", "!allowed:example.org", "hello"))
	assert.True(t, ok)
}

func TestClient_AdmitCommandPrefix(t *testing.T) {
	c := newTestClient(t, Config{CommandPrefix: "!bot"})

	_, ok := c.admit(msgEvent("$e1", "@alice:example.org", "!room:example.org", "just chatting"))
	assert.False(t, ok)

	body, ok := c.admit(msgEvent("$e2", "@alice:example.org", "!room:example.org", "!bot do a thing"))
	assert.True(t, ok)
	assert.Equal(t, "do a thing", body)

	_, ok = c.admit(msgEvent("$e3", "@alice:example.org", "!room:example.org", "!bot   "))
	assert.False(t, ok)
}

func TestClient_AdmitDeduplicatesByEventID(t *testing.T) {
	c := newTestClient(t, Config{})

	evt := msgEvent("$same", "@alice:example.org", "!room:example.org", "hello")
	_, ok := c.admit(evt)
	assert.True(t, ok)

	_, ok = c.admit(evt)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), c.Counters().Snapshot().Deduplicated)
}
