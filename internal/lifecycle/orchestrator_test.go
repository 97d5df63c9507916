// ABOUTME: Tests for staged startup ordering, failure abort, and reverse shutdown.
// ABOUTME: Uses recording fake components to observe call order and health transitions.

package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder appends component lifecycle calls to a shared log.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
}

func (r *recorder) log() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// fakeComponent records Initialize/Shutdown calls and can fail on demand.
type fakeComponent struct {
	name    string
	rec     *recorder
	initErr error
	downErr error
}

func (f *fakeComponent) Initialize(ctx context.Context) error {
	f.rec.add("init:" + f.name)
	return f.initErr
}

func (f *fakeComponent) Shutdown(ctx context.Context) error {
	f.rec.add("down:" + f.name)
	return f.downErr
}

// starterOnly implements only Start/Stop, exercising the fallback hooks.
type starterOnly struct {
	name string
	rec  *recorder
}

func (s *starterOnly) Start(ctx context.Context) error {
	s.rec.add("start:" + s.name)
	return nil
}

func (s *starterOnly) Stop(ctx context.Context) error {
	s.rec.add("stop:" + s.name)
	return nil
}

func TestOrchestrator_StageOrder(t *testing.T) {
	rec := &recorder{}
	o := NewOrchestrator(nil)

	// Register out of stage order; execution must follow stage order.
	require.NoError(t, o.RegisterComponent("adapters", &fakeComponent{name: "adapters", rec: rec}, StageStartPlatformAdapters))
	require.NoError(t, o.RegisterComponent("cache", &fakeComponent{name: "cache", rec: rec}, StageInitializeStorage))
	require.NoError(t, o.RegisterComponent("bus", &fakeComponent{name: "bus", rec: rec}, StageStartEventProcessing))

	require.NoError(t, o.Initialize(context.Background()))

	assert.Equal(t, []string{"init:cache", "init:adapters", "init:bus"}, rec.log())
	assert.Equal(t, HealthHealthy, o.Health())
}

func TestOrchestrator_RegistrationOrderWithinStage(t *testing.T) {
	rec := &recorder{}
	o := NewOrchestrator(nil)

	require.NoError(t, o.RegisterComponent("first", &fakeComponent{name: "first", rec: rec}, StageInitializeStorage))
	require.NoError(t, o.RegisterComponent("second", &fakeComponent{name: "second", rec: rec}, StageInitializeStorage))

	require.NoError(t, o.Initialize(context.Background()))
	assert.Equal(t, []string{"init:first", "init:second"}, rec.log())
}

func TestOrchestrator_StageHandlersRunBeforeComponents(t *testing.T) {
	rec := &recorder{}
	o := NewOrchestrator(nil)

	o.RegisterStageHandler(StageInitializeStorage, func(ctx context.Context) error {
		rec.add("handler:storage")
		return nil
	})
	require.NoError(t, o.RegisterComponent("cache", &fakeComponent{name: "cache", rec: rec}, StageInitializeStorage))

	require.NoError(t, o.Initialize(context.Background()))
	assert.Equal(t, []string{"handler:storage", "init:cache"}, rec.log())
}

func TestOrchestrator_StarterFallback(t *testing.T) {
	rec := &recorder{}
	o := NewOrchestrator(nil)

	require.NoError(t, o.RegisterComponent("bus", &starterOnly{name: "bus", rec: rec}, StageStartEventProcessing))
	require.NoError(t, o.Initialize(context.Background()))
	o.Shutdown(context.Background())

	assert.Equal(t, []string{"start:bus", "stop:bus"}, rec.log())
}

func TestOrchestrator_FailureAbortsAndShutsDown(t *testing.T) {
	rec := &recorder{}
	o := NewOrchestrator(nil)

	wantErr := errors.New("storage broke")
	require.NoError(t, o.RegisterComponent("cache", &fakeComponent{name: "cache", rec: rec}, StageInitializeStorage))
	require.NoError(t, o.RegisterComponent("broken", &fakeComponent{name: "broken", rec: rec, initErr: wantErr}, StageStartPlatformAdapters))
	require.NoError(t, o.RegisterComponent("bus", &fakeComponent{name: "bus", rec: rec}, StageStartEventProcessing))

	err := o.Initialize(context.Background())
	require.ErrorIs(t, err, wantErr)

	// "bus" was never started, so it is never shut down; everything that
	// ran is torn down in reverse order.
	assert.Equal(t, []string{"init:cache", "init:broken", "down:broken", "down:cache"}, rec.log())
	assert.Equal(t, HealthUnhealthy, o.Health())
}

func TestOrchestrator_ShutdownReverseOrder(t *testing.T) {
	rec := &recorder{}
	o := NewOrchestrator(nil)

	require.NoError(t, o.RegisterComponent("a", &fakeComponent{name: "a", rec: rec}, StageInitializeStorage))
	require.NoError(t, o.RegisterComponent("b", &fakeComponent{name: "b", rec: rec}, StageStartPlatformAdapters))
	require.NoError(t, o.RegisterComponent("c", &fakeComponent{name: "c", rec: rec}, StageStartEventProcessing))

	require.NoError(t, o.Initialize(context.Background()))
	o.Shutdown(context.Background())

	assert.Equal(t,
		[]string{"init:a", "init:b", "init:c", "down:c", "down:b", "down:a"},
		rec.log())
}

func TestOrchestrator_ShutdownHandlerFailureIsNotFatal(t *testing.T) {
	rec := &recorder{}
	o := NewOrchestrator(nil)

	o.RegisterShutdownHandler(func(ctx context.Context) error {
		rec.add("down-handler:1")
		return errors.New("handler broke")
	})
	o.RegisterShutdownHandler(func(ctx context.Context) error {
		rec.add("down-handler:2")
		return nil
	})
	require.NoError(t, o.RegisterComponent("a", &fakeComponent{name: "a", rec: rec, downErr: errors.New("down broke")}, StageInitializeStorage))
	require.NoError(t, o.RegisterComponent("b", &fakeComponent{name: "b", rec: rec}, StageInitializeStorage))

	require.NoError(t, o.Initialize(context.Background()))
	o.Shutdown(context.Background())

	// All handlers run despite the first failing, and b still shuts down
	// despite a's failure.
	assert.Equal(t,
		[]string{"init:a", "init:b", "down-handler:1", "down-handler:2", "down:b", "down:a"},
		rec.log())
}

func TestOrchestrator_ShutdownIdempotent(t *testing.T) {
	rec := &recorder{}
	o := NewOrchestrator(nil)

	require.NoError(t, o.RegisterComponent("a", &fakeComponent{name: "a", rec: rec}, StageInitializeStorage))
	require.NoError(t, o.Initialize(context.Background()))

	o.Shutdown(context.Background())
	o.Shutdown(context.Background())

	assert.Equal(t, []string{"init:a", "down:a"}, rec.log())
}

func TestOrchestrator_DuplicateRegistration(t *testing.T) {
	o := NewOrchestrator(nil)
	require.NoError(t, o.RegisterComponent("a", &fakeComponent{name: "a", rec: &recorder{}}, StageInitializeStorage))
	assert.Error(t, o.RegisterComponent("a", &fakeComponent{name: "a", rec: &recorder{}}, StageInitializeStorage))
}

func TestOrchestrator_RegistrationAfterInitialize(t *testing.T) {
	o := NewOrchestrator(nil)
	require.NoError(t, o.Initialize(context.Background()))
	assert.Error(t, o.RegisterComponent("late", &fakeComponent{name: "late", rec: &recorder{}}, StageInitializeStorage))
}

func TestOrchestrator_StatusTimestampsFollowStageOrder(t *testing.T) {
	o := NewOrchestrator(nil)
	rec := &recorder{}

	require.NoError(t, o.RegisterComponent("late-stage", &fakeComponent{name: "late", rec: rec}, StageStartEventProcessing))
	require.NoError(t, o.RegisterComponent("early-stage", &fakeComponent{name: "early", rec: rec}, StageInitializeStorage))
	require.NoError(t, o.Initialize(context.Background()))

	byName := map[string]ComponentStatus{}
	for _, st := range o.Status() {
		byName[st.Name] = st
	}

	early, late := byName["early-stage"], byName["late-stage"]
	assert.Equal(t, StatusCompleted, early.Status)
	assert.Equal(t, StatusCompleted, late.Status)
	assert.False(t, late.StartedAt.Before(early.StartedAt),
		"stage K+1 component must not start before stage K component")
}

func TestOrchestrator_Health_Initializing(t *testing.T) {
	o := NewOrchestrator(nil)
	require.NoError(t, o.RegisterComponent("a", &fakeComponent{name: "a", rec: &recorder{}}, StageInitializeStorage))
	assert.Equal(t, HealthInitializing, o.Health())
}
