// ABOUTME: Collaborator contracts for the streaming reply controller.
// ABOUTME: Generation and rendering stay behind narrow interfaces; no platform details leak in.

package stream

import "context"

// Generator produces reply text for an inbound message. Implementations must
// signal failure through the error return, never through an ambiguous empty
// string: an empty answer with a nil error is a valid (empty) response.
type Generator interface {
	// Stream delivers the reply incrementally via onChunk and returns the
	// complete text on normal completion. onChunk is invoked sequentially
	// from the calling goroutine, never concurrently.
	Stream(ctx context.Context, message, userKey string, onChunk func(chunk string)) (string, error)

	// Complete returns the full reply in one call.
	Complete(ctx context.Context, message, userKey string) (string, error)
}

// Renderer manages one incrementally updatable reply surface (a "streaming
// card") per session.
type Renderer interface {
	// Create opens a render target seeded with initial content and returns
	// its id.
	Create(ctx context.Context, userKey, trackID, seed string) (string, error)

	// Update replaces the target's content. finished marks the terminal
	// successful update; failed marks the terminal failure update.
	Update(ctx context.Context, targetID, content string, finished, failed bool) error
}
