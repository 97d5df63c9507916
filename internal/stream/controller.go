// ABOUTME: Turns a chunked generation stream into rate-limited partial card updates.
// ABOUTME: Guarantees exactly one terminal update per session and a never-truncated result.

package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/relay-gateway/internal/dedupe"
)

// User-facing apology strings. Every error path that reaches an end user
// resolves to one of these; raw error text never does.
const (
	ApologyTimeout     = "I'm sorry, that took too long to answer. Please try again."
	ApologyGeneric     = "I'm sorry, I encountered an error processing your message. Please try again."
	ApologyUnavailable = "I'm sorry, the knowledge base is unavailable right now. Please try again later."
)

// ErrDuplicateReply indicates a reply for this message fingerprint is already
// in flight or was recently completed. Not a failure: callers acknowledge the
// message silently.
var ErrDuplicateReply = errors.New("duplicate reply suppressed")

// Options tunes the coalescing policy. Zero values fall back to the defaults.
type Options struct {
	// MinChunkSize flushes once this many unflushed characters accumulate.
	MinChunkSize int

	// LongChunkSize flushes immediately when a single chunk is this long.
	LongChunkSize int

	// MaxFlushInterval flushes once this much time passed since the last flush.
	MaxFlushInterval time.Duration

	// UpdateDelay is the fixed rate-limiting pause before each partial update.
	UpdateDelay time.Duration

	// CreateAttempts bounds render-target creation retries.
	CreateAttempts int

	// CreateBackoff is the initial creation retry backoff; it doubles per attempt.
	CreateBackoff time.Duration

	// MaxStreamDuration is the hard timeout across the whole streaming operation.
	MaxStreamDuration time.Duration
}

func (o *Options) withDefaults() {
	if o.MinChunkSize <= 0 {
		o.MinChunkSize = 16
	}
	if o.LongChunkSize <= 0 {
		o.LongChunkSize = 5
	}
	if o.MaxFlushInterval <= 0 {
		o.MaxFlushInterval = 500 * time.Millisecond
	}
	if o.UpdateDelay <= 0 {
		o.UpdateDelay = 30 * time.Millisecond
	}
	if o.CreateAttempts <= 0 {
		o.CreateAttempts = 3
	}
	if o.CreateBackoff <= 0 {
		o.CreateBackoff = 500 * time.Millisecond
	}
	if o.MaxStreamDuration <= 0 {
		o.MaxStreamDuration = 120 * time.Second
	}
}

// Result is what the caller delivers to the user.
type Result struct {
	// Text is the full reply. On the streaming path it equals the
	// generator's complete output; on failure paths it is an apology.
	Text string

	// Streamed reports whether the reply was already rendered to a card.
	// When false the caller sends Text as an ordinary platform reply.
	Streamed bool
}

// session tracks one streaming reply in progress.
type session struct {
	targetID       string
	accumulated    strings.Builder
	lastFlushedLen int
	lastFlushAt    time.Time
	renderErr      error
	cancel         context.CancelFunc
}

// Controller drives the streaming card protocol for one platform adapter.
// It coalesces generation chunks into rate-limited partial updates and makes
// exactly one terminal update (finished or failed) per session.
type Controller struct {
	gen    Generator
	rend   Renderer
	cache  *dedupe.Cache
	logger *slog.Logger
	opts   Options
}

// NewController creates a controller. The dedupe cache suppresses double
// replies to the same message fingerprint within its TTL.
func NewController(gen Generator, rend Renderer, cache *dedupe.Cache, logger *slog.Logger, opts Options) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	opts.withDefaults()
	return &Controller{
		gen:    gen,
		rend:   rend,
		cache:  cache,
		logger: logger.With("component", "stream"),
		opts:   opts,
	}
}

// Reply produces the reply for one inbound message. The returned Result.Text
// is always safe to show the user; err carries the underlying cause for
// logging and stats. ErrDuplicateReply means another session already covers
// this fingerprint and nothing should be sent.
func (c *Controller) Reply(ctx context.Context, message, userKey string) (Result, error) {
	guard := "reply:" + dedupe.Fingerprint(userKey, message)
	if c.cache.CheckAndMark(guard) {
		c.logger.Debug("duplicate reply suppressed", "user_key", userKey)
		return Result{}, ErrDuplicateReply
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.MaxStreamDuration)
	defer cancel()

	var res Result
	targetID, err := c.createTarget(ctx, userKey)
	if err != nil {
		// No card; fall back to one non-streaming call and one plain reply.
		c.logger.Warn("render target creation failed, falling back to non-streaming",
			"user_key", userKey, "error", err)
		res, err = c.fallback(ctx, message, userKey)
	} else {
		res, err = c.streamTo(ctx, cancel, targetID, message, userKey)
	}

	// Only a completed reply keeps its guard mark. A failed one releases it
	// so the user's retry of the same message is answered, not suppressed.
	if err != nil {
		c.cache.Forget(guard)
	}
	return res, err
}

// createTarget creates the render target with bounded retries and
// exponential backoff.
func (c *Controller) createTarget(ctx context.Context, userKey string) (string, error) {
	trackID := uuid.NewString()
	backoff := c.opts.CreateBackoff

	var lastErr error
	for attempt := 1; attempt <= c.opts.CreateAttempts; attempt++ {
		targetID, err := c.rend.Create(ctx, userKey, trackID, "")
		if err == nil {
			return targetID, nil
		}
		lastErr = err
		c.logger.Debug("render target creation attempt failed",
			"attempt", attempt, "error", err)

		if attempt == c.opts.CreateAttempts {
			break
		}
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("creating render target after %d attempts: %w",
		c.opts.CreateAttempts, lastErr)
}

// fallback performs one non-streaming generation call. No partial updates
// are attempted on this path.
func (c *Controller) fallback(ctx context.Context, message, userKey string) (Result, error) {
	text, err := c.gen.Complete(ctx, message, userKey)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{Text: ApologyTimeout}, err
		}
		return Result{Text: ApologyUnavailable}, err
	}
	return Result{Text: text}, nil
}

// streamTo runs the chunked generation stream against an open render target.
func (c *Controller) streamTo(ctx context.Context, cancel context.CancelFunc, targetID, message, userKey string) (Result, error) {
	sess := &session{
		targetID:    targetID,
		lastFlushAt: time.Now(),
		cancel:      cancel,
	}

	final, err := c.gen.Stream(ctx, message, userKey, func(chunk string) {
		c.onChunk(ctx, sess, chunk)
	})

	if sess.renderErr != nil {
		// A renderer failure mid-stream aborted the session.
		c.failTerminal(ctx, sess)
		return Result{Text: ApologyGeneric}, sess.renderErr
	}

	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil:
			c.failTerminal(ctx, sess)
			return Result{Text: ApologyTimeout}, err
		case errors.Is(err, context.Canceled):
			// Shutdown or adapter stop: best-effort terminal update so the
			// card is never left dangling, no user-facing reply.
			c.failTerminal(ctx, sess)
			return Result{}, err
		default:
			c.failTerminal(ctx, sess)
			return Result{Text: ApologyGeneric}, err
		}
	}

	if final == "" {
		final = sess.accumulated.String()
	}

	// Always send exactly one final update with the complete content, even
	// if it is identical to the last partial flush: the coalescing policy
	// may have deferred the last few characters.
	if err := c.rend.Update(ctx, sess.targetID, final, true, false); err != nil {
		c.logger.Warn("finalize update failed", "error", err)
		c.failTerminal(ctx, sess)
		// The text is still complete; deliver it as a plain reply instead.
		return Result{Text: final}, err
	}

	return Result{Text: final, Streamed: true}, nil
}

// onChunk appends one generation chunk and flushes a partial update when the
// coalescing policy triggers.
func (c *Controller) onChunk(ctx context.Context, sess *session, chunk string) {
	if sess.renderErr != nil || chunk == "" {
		return
	}
	sess.accumulated.WriteString(chunk)

	if !c.shouldFlush(sess, chunk) {
		return
	}

	// Fixed rate-limiting pause before each partial update.
	select {
	case <-time.After(c.opts.UpdateDelay):
	case <-ctx.Done():
		return
	}

	content := sess.accumulated.String()
	if err := c.rend.Update(ctx, sess.targetID, content, false, false); err != nil {
		// Abort the session; the generator observes cancellation.
		sess.renderErr = err
		sess.cancel()
		return
	}
	sess.lastFlushedLen = len(content)
	sess.lastFlushAt = time.Now()
}

// shouldFlush applies the combined coalescing policy: enough unflushed
// content, strong punctuation, enough elapsed time, or a long chunk.
func (c *Controller) shouldFlush(sess *session, chunk string) bool {
	unflushed := sess.accumulated.Len() - sess.lastFlushedLen
	if unflushed >= c.opts.MinChunkSize {
		return true
	}
	if endsWithStrongPunctuation(chunk) {
		return true
	}
	if time.Since(sess.lastFlushAt) >= c.opts.MaxFlushInterval {
		return true
	}
	if len(chunk) >= c.opts.LongChunkSize {
		return true
	}
	return false
}

// endsWithStrongPunctuation reports whether the chunk ends in punctuation
// that marks a natural flush point.
func endsWithStrongPunctuation(chunk string) bool {
	if chunk == "" {
		return false
	}
	switch chunk[len(chunk)-1] {
	case '.', '!', '?', '\n', ',':
		return true
	}
	return false
}

// failTerminal sends the session's single terminal failed update. Best
// effort: secondary failures are swallowed so the original error wins. The
// update uses a short grace context because the session's own context is
// usually already dead on this path.
func (c *Controller) failTerminal(ctx context.Context, sess *session) {
	grace, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := c.rend.Update(grace, sess.targetID, sess.accumulated.String(), false, true); err != nil {
		c.logger.Debug("terminal failed update could not be delivered", "error", err)
	}
}
