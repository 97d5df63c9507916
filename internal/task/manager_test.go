// ABOUTME: Tests for the task manager registry, cancellation, and stats.
// ABOUTME: Validates completion cleanup and scope/kind bulk cancellation.

package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// block runs until ctx is cancelled.
func block(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestManager_Create_UniqueIDs(t *testing.T) {
	m := NewManager(nil)
	defer m.Shutdown(context.Background())

	h1 := m.Create(context.Background(), block, "worker", "worker-1", ScopeApplication)
	h2 := m.Create(context.Background(), block, "worker", "worker-2", ScopeApplication)

	assert.NotEqual(t, h1.ID, h2.ID)
	assert.Equal(t, "worker", h1.Kind)
}

func TestManager_CompletionRemovesTask(t *testing.T) {
	m := NewManager(nil)

	h := m.Create(context.Background(), func(ctx context.Context) error {
		return nil
	}, "oneshot", "quick")

	require.NoError(t, h.Wait())

	// The completion callback removes the task from the live registry.
	assert.Eventually(t, func() bool {
		_, ok := m.Get(h.ID)
		return !ok
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, m.Stats().Total)
}

func TestManager_TaskErrorIsCallersProblem(t *testing.T) {
	m := NewManager(nil)

	wantErr := errors.New("boom")
	h := m.Create(context.Background(), func(ctx context.Context) error {
		return wantErr
	}, "oneshot", "failing")

	// The task's error surfaces through the handle, not the manager.
	assert.ErrorIs(t, h.Wait(), wantErr)
}

func TestManager_PanicBecomesError(t *testing.T) {
	m := NewManager(nil)

	h := m.Create(context.Background(), func(ctx context.Context) error {
		panic("kaboom")
	}, "oneshot", "panicky")

	err := h.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestManager_Cancel(t *testing.T) {
	m := NewManager(nil)

	h := m.Create(context.Background(), block, "worker", "cancellable")

	assert.True(t, m.Cancel(h.ID))
	assert.ErrorIs(t, h.Wait(), context.Canceled)

	// Unknown ids report false
	assert.False(t, m.Cancel("no-such-task"))
}

func TestManager_CancelByScope_ExactSet(t *testing.T) {
	m := NewManager(nil)
	defer m.Shutdown(context.Background())

	inScope1 := m.Create(context.Background(), block, "a", "a-1", ScopeAdapter, ScopePlatform)
	inScope2 := m.Create(context.Background(), block, "b", "b-1", ScopeAdapter)
	outScope := m.Create(context.Background(), block, "c", "c-1", ScopePlatform)

	n := m.CancelByScope(ScopeAdapter)
	assert.Equal(t, 2, n)

	assert.ErrorIs(t, inScope1.Wait(), context.Canceled)
	assert.ErrorIs(t, inScope2.Wait(), context.Canceled)

	// The non-matching task stays registered and running.
	assert.False(t, outScope.IsDone())
	_, ok := m.Get(outScope.ID)
	assert.True(t, ok)
}

func TestManager_CancelByKind(t *testing.T) {
	m := NewManager(nil)
	defer m.Shutdown(context.Background())

	worker := m.Create(context.Background(), block, "worker", "w-1")
	super := m.Create(context.Background(), block, "supervisor", "s-1")

	n := m.CancelByKind("worker")
	assert.Equal(t, 1, n)

	assert.ErrorIs(t, worker.Wait(), context.Canceled)
	assert.False(t, super.IsDone())
}

func TestManager_Stats(t *testing.T) {
	m := NewManager(nil)
	defer m.Shutdown(context.Background())

	m.Create(context.Background(), block, "worker", "w-1", ScopeApplication, ScopePlatform)
	m.Create(context.Background(), block, "worker", "w-2", ScopeApplication)
	m.Create(context.Background(), block, "supervisor", "s-1", ScopeApplication)

	s := m.Stats()
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 3, s.Running)
	assert.Equal(t, 2, s.ByKind["worker"])
	assert.Equal(t, 1, s.ByKind["supervisor"])
	assert.Equal(t, 3, s.ByScope[string(ScopeApplication)])
	assert.Equal(t, 1, s.ByScope[string(ScopePlatform)])
}

func TestManager_Shutdown(t *testing.T) {
	m := NewManager(nil)

	for i := 0; i < 5; i++ {
		m.Create(context.Background(), block, "worker", "w")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
	assert.Equal(t, 0, m.Stats().Total)
}

func TestHandle_Context(t *testing.T) {
	m := NewManager(nil)
	defer m.Shutdown(context.Background())

	h := m.Create(context.Background(), block, "worker", "w")
	h.Context.SetAction("connecting")
	h.Context.SetMetadata("attempt", 3)

	assert.Equal(t, "connecting", h.Context.Action())
	v, ok := h.Context.Metadata("attempt")
	require.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestHandle_Scopes(t *testing.T) {
	m := NewManager(nil)
	defer m.Shutdown(context.Background())

	h := m.Create(context.Background(), block, "worker", "w", ScopeApplication, ScopeAdapter)
	assert.True(t, h.HasScope(ScopeApplication))
	assert.True(t, h.HasScope(ScopeAdapter))
	assert.False(t, h.HasScope(ScopeSession))
	assert.Len(t, h.Scopes(), 2)
}
