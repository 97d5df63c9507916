// ABOUTME: Tests for the adapter registry and the health supervision loop.
// ABOUTME: Validates unique-id registration, bulk start/stop, and the restart breaker.

package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/task"
)

func TestRegistry_AddUniqueIDs(t *testing.T) {
	tm := task.NewManager(nil)
	reg := NewRegistry(nil)

	ra := NewRuntimeAdapter("a-1", &fakeAdapter{}, true, tm, nil)
	require.NoError(t, reg.Add(ra))

	dup := NewRuntimeAdapter("a-1", &fakeAdapter{}, true, tm, nil)
	assert.ErrorIs(t, reg.Add(dup), ErrAdapterExists)

	got, ok := reg.Get("a-1")
	require.True(t, ok)
	assert.Same(t, ra, got)
}

func TestRegistry_Remove(t *testing.T) {
	tm := task.NewManager(nil)
	reg := NewRegistry(nil)

	require.NoError(t, reg.Add(NewRuntimeAdapter("a-1", &fakeAdapter{}, true, tm, nil)))
	reg.Remove("a-1")

	_, ok := reg.Get("a-1")
	assert.False(t, ok)
	assert.Empty(t, reg.List())

	// Removing again is harmless.
	reg.Remove("a-1")
}

func TestRegistry_StartStopAll(t *testing.T) {
	tm := task.NewManager(nil)
	defer tm.Shutdown(context.Background())
	reg := NewRegistry(nil)

	fas := []*fakeAdapter{{}, {}, {}}
	for i, fa := range fas {
		require.NoError(t, reg.Add(NewRuntimeAdapter(
			string(rune('a'+i)), fa, true, tm, nil)))
	}

	require.NoError(t, reg.Start(context.Background()))
	for _, ra := range reg.List() {
		assert.Equal(t, StateRunning, ra.State())
	}

	require.NoError(t, reg.Stop(context.Background()))
	for _, ra := range reg.List() {
		assert.Equal(t, StateStopped, ra.State())
	}
}

func TestRegistry_Status(t *testing.T) {
	tm := task.NewManager(nil)
	reg := NewRegistry(nil)

	require.NoError(t, reg.Add(NewRuntimeAdapter("a-1", &fakeAdapter{}, true, tm, nil)))
	require.NoError(t, reg.Add(NewRuntimeAdapter("a-2", &fakeAdapter{}, false, tm, nil)))

	st := reg.Status()
	assert.Len(t, st, 2)
	assert.Equal(t, StateCreated, st["a-1"].State)
	assert.False(t, st["a-2"].Enabled)
}

func TestSupervisor_RestartsUnhealthyAdapter(t *testing.T) {
	tm := task.NewManager(nil)
	defer tm.Shutdown(context.Background())
	reg := NewRegistry(nil)

	fa := &fakeAdapter{runExits: make(chan struct{})}
	ra := NewRuntimeAdapter("flaky", fa, true, tm, nil)
	require.NoError(t, reg.Add(ra))
	require.NoError(t, ra.Start(context.Background()))

	close(fa.runExits) // run loop exits cleanly but unexpectedly
	assert.Eventually(t, func() bool { return !ra.HealthCheck() },
		time.Second, 10*time.Millisecond)

	fa.runExits = nil // next run blocks normally
	sup := NewSupervisor(reg, tm, nil, SupervisorOptions{
		CheckInterval: 20 * time.Millisecond,
	})
	require.NoError(t, sup.Start(context.Background()))
	defer sup.Stop(context.Background())

	assert.Eventually(t, ra.HealthCheck, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, ra.Stop(context.Background()))
}

func TestSupervisor_BreakerTripsAfterCeiling(t *testing.T) {
	tm := task.NewManager(nil)
	defer tm.Shutdown(context.Background())
	reg := NewRegistry(nil)

	fa := &fakeAdapter{}
	ra := NewRuntimeAdapter("crashy", fa, true, tm, nil)
	require.NoError(t, reg.Add(ra))

	sup := NewSupervisor(reg, tm, nil, SupervisorOptions{
		MaxRestarts:   2,
		RestartWindow: time.Minute,
	})

	// Drive the ceiling directly: each restartAdapter call counts one
	// restart attempt inside the window.
	sup.restartAdapter(context.Background(), ra)
	require.NoError(t, ra.Stop(context.Background()))
	sup.restartAdapter(context.Background(), ra)
	require.NoError(t, ra.Stop(context.Background()))
	sup.restartAdapter(context.Background(), ra)

	assert.True(t, sup.isTripped("crashy"))
	assert.Equal(t, StateError, ra.State())

	// Tripped adapters are skipped by the periodic check.
	sup.checkAll(context.Background())
	assert.Equal(t, StateError, ra.State())

	// Operator reset re-arms supervision.
	sup.Reset("crashy")
	assert.False(t, sup.isTripped("crashy"))
}
