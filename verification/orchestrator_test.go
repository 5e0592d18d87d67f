package verification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go-proctoring-server/records"

	"github.com/stretchr/testify/require"
)

// blockingGate runs until cancelled, or returns err right away when set.
type blockingGate struct {
	name    string
	err     error
	mounts  *mountLog
	started chan struct{}
}

type mountLog struct {
	mutex  sync.Mutex
	active map[string]bool
	counts map[string]int
	// overlap is set when two gates were mounted at the same time
	overlap bool
}

func newMountLog() *mountLog {
	return &mountLog{active: map[string]bool{}, counts: map[string]int{}}
}

func (l *mountLog) enter(name string) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	for other, on := range l.active {
		if on && other != name {
			l.overlap = true
		}
	}
	l.active[name] = true
	l.counts[name]++
}

func (l *mountLog) leave(name string) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.active[name] = false
}

func (l *mountLog) count(name string) int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.counts[name]
}

func (g *blockingGate) Run(ctx context.Context) error {
	if g.err != nil {
		return g.err
	}
	g.mounts.enter(g.name)
	defer g.mounts.leave(g.name)
	<-ctx.Done()
	return ctx.Err()
}

func (g *blockingGate) Start()   {}
func (g *blockingGate) Restart() {}

type orchestratorFixture struct {
	orch   *Orchestrator
	store  *records.InMemoryStore
	events *eventRecorder
	mounts *mountLog
}

func newOrchestratorFixture(t *testing.T) *orchestratorFixture {
	t.Helper()
	f := &orchestratorFixture{
		store:  records.NewInMemoryStore(),
		events: &eventRecorder{},
		mounts: newMountLog(),
	}
	f.orch = NewOrchestrator(testSession(), NewFrameBuffer(), f.events, Deps{
		Records: f.store,
		Clock:   newManualClock(),
	}, DefaultFaceConfig(), DefaultGestureConfig())
	f.orch.newFace = func() gate { return &blockingGate{name: "face", mounts: f.mounts} }
	f.orch.newGesture = func() (gestureControl, error) {
		return &blockingGate{name: "gesture", mounts: f.mounts}, nil
	}
	return f
}

func TestOrchestrator_Transitions(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	defer f.orch.unmount()

	require.Equal(t, StageAwaitingFace, f.orch.apply(ctx, records.Record{}))
	require.Eventually(t, func() bool { return f.mounts.count("face") == 1 }, time.Second, 5*time.Millisecond)

	// repeated snapshots do not remount
	f.orch.apply(ctx, records.Record{})
	require.Equal(t, StageAwaitingGesture, f.orch.apply(ctx, records.Record{IsVerified: true}))
	require.Equal(t, StageAwaitingGesture, f.orch.apply(ctx, records.Record{IsVerified: true, NewPhotoURL: "u"}))
	require.Eventually(t, func() bool { return f.mounts.count("gesture") == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, f.mounts.count("face"))
	require.True(t, f.orch.StartGesture())

	require.Equal(t, StageAdmitted, f.orch.apply(ctx, records.Record{IsVerified: true, HandGesture: true}))
	require.Equal(t, StageAdmitted, f.orch.apply(ctx, records.Record{IsVerified: true, HandGesture: true}))
	require.False(t, f.orch.StartGesture())

	navigations := f.events.ofType(EventNavigate)
	require.Len(t, navigations, 1)
	require.Equal(t, "/rooms/user42", navigations[0].Path)
	require.False(t, f.mounts.overlap)
}

func TestOrchestrator_GestureAloneDoesNotAdmit(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	defer f.orch.unmount()

	require.Equal(t, StageAwaitingFace, f.orch.apply(ctx, records.Record{HandGesture: true}))
	require.Empty(t, f.events.ofType(EventNavigate))
	require.False(t, f.orch.StartGesture())
}

func TestOrchestrator_StageNeverMovesBack(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	defer f.orch.unmount()

	f.orch.apply(ctx, records.Record{IsVerified: true})
	require.Equal(t, StageAwaitingGesture, f.orch.apply(ctx, records.Record{}))
	require.Equal(t, 0, f.mounts.count("face"))
}

func TestOrchestrator_RunAdmitsThroughRecordUpdates(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	key := "2025-07-16-user42"

	done := make(chan error, 1)
	go func() { done <- f.orch.Run(ctx) }()

	require.Eventually(t, func() bool { return f.mounts.count("face") == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, f.store.Update(ctx, key, records.Fields{records.FieldIsVerified: true}))
	require.Eventually(t, func() bool { return f.mounts.count("gesture") == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, StageAwaitingGesture, f.orch.Stage())

	require.NoError(t, f.store.Update(ctx, key, records.Fields{records.FieldHandGesture: true}))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after admission")
	}
	require.Equal(t, StageAdmitted, f.orch.Stage())
	require.Len(t, f.events.ofType(EventNavigate), 1)
	require.False(t, f.mounts.overlap)
}

func TestOrchestrator_AlreadyAdmittedRecord(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Update(ctx, "2025-07-16-user42", records.Fields{
		records.FieldIsVerified:  true,
		records.FieldHandGesture: true,
	}))

	require.NoError(t, f.orch.Run(ctx))
	require.Equal(t, 0, f.mounts.count("face"))
	require.Len(t, f.events.ofType(EventNavigate), 1)
}

func TestOrchestrator_RunReturnsTerminalGateError(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.orch.newFace = func() gate { return &blockingGate{err: ErrNoReferenceFace} }

	err := f.orch.Run(context.Background())
	require.True(t, errors.Is(err, ErrNoReferenceFace))
}

func TestOrchestrator_PendingSnapshotKeepsFlags(t *testing.T) {
	f := newOrchestratorFixture(t)

	f.orch.onSnapshot(records.Record{IsVerified: true, HandGesture: true})
	f.orch.onSnapshot(records.Record{IsVerified: true, IsPaused: true})

	rec := <-f.orch.updates
	require.True(t, rec.Admitted())
	require.True(t, rec.IsPaused)

	ctx := context.Background()
	require.Equal(t, StageAdmitted, f.orch.apply(ctx, rec))
	require.Len(t, f.events.ofType(EventNavigate), 1)
}
