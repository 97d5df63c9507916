// ABOUTME: Tests for the streaming reply controller's coalescing and terminal guarantees.
// ABOUTME: Uses scriptable fake generator/renderer collaborators to observe update sequences.

package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/dedupe"
)

// update records one renderer Update call.
type update struct {
	targetID string
	content  string
	finished bool
	failed   bool
}

// fakeRenderer records every call and can fail creation or updates on demand.
type fakeRenderer struct {
	mu          sync.Mutex
	updates     []update
	createCalls int
	createFails int   // fail this many Create calls before succeeding
	updateErr   error // when set, every Update fails
}

func (f *fakeRenderer) Create(ctx context.Context, userKey, trackID, seed string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createCalls <= f.createFails {
		return "", errors.New("card service unavailable")
	}
	return "target-1", nil
}

func (f *fakeRenderer) Update(ctx context.Context, targetID, content string, finished, failed bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, update{targetID, content, finished, failed})
	return nil
}

func (f *fakeRenderer) all() []update {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]update(nil), f.updates...)
}

// terminals returns only the finished/failed updates.
func (f *fakeRenderer) terminals() []update {
	var out []update
	for _, u := range f.all() {
		if u.finished || u.failed {
			out = append(out, u)
		}
	}
	return out
}

// fakeGenerator emits scripted chunks with an optional delay between them.
type fakeGenerator struct {
	chunks      []string
	chunkDelay  time.Duration
	streamErr   error
	completeOut string
	completeErr error
}

func (f *fakeGenerator) Stream(ctx context.Context, message, userKey string, onChunk func(string)) (string, error) {
	var full string
	for _, chunk := range f.chunks {
		if f.chunkDelay > 0 {
			select {
			case <-time.After(f.chunkDelay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		full += chunk
		onChunk(chunk)
	}
	if f.streamErr != nil {
		return "", f.streamErr
	}
	return full, nil
}

func (f *fakeGenerator) Complete(ctx context.Context, message, userKey string) (string, error) {
	return f.completeOut, f.completeErr
}

func testController(t *testing.T, gen Generator, rend Renderer, opts Options) *Controller {
	t.Helper()
	cache := dedupe.New(time.Minute, 1000)
	t.Cleanup(cache.Close)
	if opts.UpdateDelay == 0 {
		opts.UpdateDelay = time.Millisecond
	}
	if opts.CreateBackoff == 0 {
		opts.CreateBackoff = time.Millisecond
	}
	return NewController(gen, rend, cache, nil, opts)
}

func TestController_FinalContentIsComplete(t *testing.T) {
	gen := &fakeGenerator{chunks: []string{"Hello ", "world", "!"}}
	rend := &fakeRenderer{}
	c := testController(t, gen, rend, Options{})

	res, err := c.Reply(context.Background(), "hi", "user-1")
	require.NoError(t, err)

	assert.True(t, res.Streamed)
	assert.Equal(t, "Hello world!", res.Text)

	// Exactly one terminal update, finished, carrying the full content,
	// regardless of how intermediate flushes were batched.
	terms := rend.terminals()
	require.Len(t, terms, 1)
	assert.True(t, terms[0].finished)
	assert.False(t, terms[0].failed)
	assert.Equal(t, "Hello world!", terms[0].content)

	// The terminal update is the last update sent.
	all := rend.all()
	assert.Equal(t, terms[0], all[len(all)-1])
}

func TestController_FinalUpdateEvenWhenAlreadyFlushed(t *testing.T) {
	// A single chunk ending in punctuation flushes immediately; the final
	// update must still follow, identical content and all.
	gen := &fakeGenerator{chunks: []string{"Done."}}
	rend := &fakeRenderer{}
	c := testController(t, gen, rend, Options{})

	res, err := c.Reply(context.Background(), "hi", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "Done.", res.Text)

	all := rend.all()
	require.GreaterOrEqual(t, len(all), 2)
	last := all[len(all)-1]
	assert.True(t, last.finished)
	assert.Equal(t, "Done.", last.content)
}

func TestController_PartialUpdatesAreMonotonic(t *testing.T) {
	gen := &fakeGenerator{chunks: []string{
		"The quick ", "brown fox ", "jumps over ", "the lazy dog.",
	}}
	rend := &fakeRenderer{}
	c := testController(t, gen, rend, Options{MinChunkSize: 8})

	res, err := c.Reply(context.Background(), "hi", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "The quick brown fox jumps over the lazy dog.", res.Text)

	// Every update carries the full accumulated prefix so far.
	prev := ""
	for _, u := range rend.all() {
		assert.True(t, len(u.content) >= len(prev), "content must grow")
		assert.Equal(t, prev, u.content[:len(prev)], "content must extend the previous flush")
		prev = u.content
	}
}

func TestController_TimeoutEmitsOneFailedUpdate(t *testing.T) {
	// Chunk delivery stalls past the overall deadline.
	gen := &fakeGenerator{chunks: []string{"part ", "never-arrives"}, chunkDelay: 200 * time.Millisecond}
	rend := &fakeRenderer{}
	c := testController(t, gen, rend, Options{MaxStreamDuration: 100 * time.Millisecond})

	res, err := c.Reply(context.Background(), "hi", "user-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, ApologyTimeout, res.Text)
	assert.False(t, res.Streamed)

	terms := rend.terminals()
	require.Len(t, terms, 1)
	assert.True(t, terms[0].failed)
	assert.False(t, terms[0].finished)
}

func TestController_GeneratorErrorEmitsFailedUpdate(t *testing.T) {
	gen := &fakeGenerator{chunks: []string{"partial "}, streamErr: errors.New("backend exploded")}
	rend := &fakeRenderer{}
	c := testController(t, gen, rend, Options{})

	res, err := c.Reply(context.Background(), "hi", "user-1")
	require.Error(t, err)
	assert.Equal(t, ApologyGeneric, res.Text)

	terms := rend.terminals()
	require.Len(t, terms, 1)
	assert.True(t, terms[0].failed)
}

func TestController_RendererErrorMidStreamAborts(t *testing.T) {
	gen := &fakeGenerator{chunks: []string{"one. ", "two. ", "three. "}}
	rend := &fakeRenderer{updateErr: errors.New("card gone")}
	c := testController(t, gen, rend, Options{})

	res, err := c.Reply(context.Background(), "hi", "user-1")
	require.Error(t, err)
	assert.Equal(t, ApologyGeneric, res.Text)
	assert.False(t, res.Streamed)
}

func TestController_CreateRetriesThenStreams(t *testing.T) {
	gen := &fakeGenerator{chunks: []string{"ok."}}
	rend := &fakeRenderer{createFails: 2}
	c := testController(t, gen, rend, Options{CreateAttempts: 3})

	res, err := c.Reply(context.Background(), "hi", "user-1")
	require.NoError(t, err)
	assert.True(t, res.Streamed)
	assert.Equal(t, 3, rend.createCalls)
}

func TestController_FallbackWhenCreateExhausted(t *testing.T) {
	gen := &fakeGenerator{completeOut: "plain answer"}
	rend := &fakeRenderer{createFails: 99}
	c := testController(t, gen, rend, Options{CreateAttempts: 2})

	res, err := c.Reply(context.Background(), "hi", "user-1")
	require.NoError(t, err)

	assert.False(t, res.Streamed)
	assert.Equal(t, "plain answer", res.Text)
	assert.Equal(t, 2, rend.createCalls)
	// No partial updates are attempted on the fallback path.
	assert.Empty(t, rend.all())
}

func TestController_FallbackGeneratorFailure(t *testing.T) {
	gen := &fakeGenerator{completeErr: errors.New("backend down")}
	rend := &fakeRenderer{createFails: 99}
	c := testController(t, gen, rend, Options{CreateAttempts: 1})

	res, err := c.Reply(context.Background(), "hi", "user-1")
	require.Error(t, err)
	assert.Equal(t, ApologyUnavailable, res.Text)
}

func TestController_DuplicateReplySuppressed(t *testing.T) {
	gen := &fakeGenerator{chunks: []string{"answer."}}
	rend := &fakeRenderer{}
	c := testController(t, gen, rend, Options{})

	_, err := c.Reply(context.Background(), "same question", "user-1")
	require.NoError(t, err)

	_, err = c.Reply(context.Background(), "same question", "user-1")
	assert.ErrorIs(t, err, ErrDuplicateReply)

	// A different user asking the same question is not a duplicate.
	_, err = c.Reply(context.Background(), "same question", "user-2")
	assert.NoError(t, err)
}

func TestController_FailedReplyDoesNotSuppressRetry(t *testing.T) {
	gen := &fakeGenerator{chunks: []string{"partial "}, streamErr: errors.New("backend exploded")}
	rend := &fakeRenderer{}
	c := testController(t, gen, rend, Options{})

	_, err := c.Reply(context.Background(), "same question", "user-1")
	require.Error(t, err)

	// The backend recovers; the user's retry must be answered.
	gen.streamErr = nil
	res, err := c.Reply(context.Background(), "same question", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "partial ", res.Text)
	assert.True(t, res.Streamed)

	// Only the completed reply leaves its mark.
	_, err = c.Reply(context.Background(), "same question", "user-1")
	assert.ErrorIs(t, err, ErrDuplicateReply)
}

func TestController_CancellationSendsBestEffortTerminal(t *testing.T) {
	gen := &fakeGenerator{chunks: []string{"a ", "b ", "c "}, chunkDelay: 50 * time.Millisecond}
	rend := &fakeRenderer{}
	c := testController(t, gen, rend, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(75 * time.Millisecond)
		cancel()
	}()

	res, err := c.Reply(ctx, "hi", "user-1")
	require.ErrorIs(t, err, context.Canceled)

	// Cancellation is not surfaced as a user-facing failure.
	assert.Empty(t, res.Text)

	// The card is not left dangling: one terminal failed update went out.
	terms := rend.terminals()
	require.Len(t, terms, 1)
	assert.True(t, terms[0].failed)
}

func TestEndsWithStrongPunctuation(t *testing.T) {
	cases := map[string]bool{
		"done.":   true,
		"really!": true,
		"why?":    true,
		"line\n":  true,
		"and,":    true,
		"mid":     false,
		"":        false,
	}
	for chunk, want := range cases {
		assert.Equal(t, want, endsWithStrongPunctuation(chunk), "chunk %q", chunk)
	}
}
