package verification

import (
	"context"
	"testing"
	"time"

	"go-proctoring-server/records"

	"github.com/stretchr/testify/require"
)

var (
	match    = []float32{1, 0}
	mismatch = []float32{0, 1}
)

type faceFixture struct {
	gate     *FaceGate
	clock    *manualClock
	vision   *fakeVision
	uploader *fakeUploader
	store    *countingStore
	events   *eventRecorder
}

func newFaceFixture(t *testing.T) *faceFixture {
	t.Helper()
	f := &faceFixture{
		clock:    newManualClock(),
		vision:   &fakeVision{},
		uploader: &fakeUploader{},
		store:    newCountingStore(),
		events:   &eventRecorder{},
	}
	frames := NewFrameBuffer()
	frames.Push(testJPEG(t), f.clock.Now())

	f.gate = NewFaceGate(DefaultFaceConfig(), testSession(), frames, f.events, Deps{
		Vision:     f.vision,
		Records:    f.store,
		Uploader:   f.uploader,
		References: staticReference{ref: Reference{Embedding: match}},
		Clock:      f.clock,
	})
	f.gate.setReference(match)
	return f
}

func (f *faceFixture) sampleWith(t *testing.T, embedding []float32) {
	t.Helper()
	f.vision.queueEmbedding(embedding)
	f.gate.sample(context.Background())
}

func (f *faceFixture) record(t *testing.T) records.Record {
	t.Helper()
	rec, err := f.store.Get(context.Background(), "2025-07-16-user42")
	require.NoError(t, err)
	return rec
}

func TestFaceGate_CommitsOnceAfterHold(t *testing.T) {
	f := newFaceFixture(t)

	f.sampleWith(t, match)
	require.Equal(t, 1, f.clock.Pending())

	// further qualifying samples do not start a second timer
	f.clock.Advance(250 * time.Millisecond)
	f.sampleWith(t, match)
	f.clock.Advance(250 * time.Millisecond)
	f.sampleWith(t, match)
	require.Equal(t, 1, f.clock.Pending())

	f.clock.Advance(1000 * time.Millisecond)

	rec := f.record(t)
	require.True(t, rec.IsVerified)
	require.Equal(t, "https://res.example/2025-07-16-user42-verified.jpg", rec.NewPhotoURL)
	require.Equal(t, 1, f.uploader.count())
	require.Equal(t, 1, f.store.writesOf(records.FieldIsVerified))
	require.Len(t, f.events.ofType(EventFaceVerified), 1)

	select {
	case <-f.gate.Verified():
	default:
		t.Fatal("expected gate to be verified")
	}

	// sampling stops after the commit
	detects, _ := f.vision.counts()
	f.sampleWith(t, match)
	f.clock.Advance(5 * time.Second)
	after, _ := f.vision.counts()
	require.Equal(t, detects, after)
	require.Equal(t, 1, f.uploader.count())
}

func TestFaceGate_DropBelowThresholdResetsHold(t *testing.T) {
	f := newFaceFixture(t)

	f.sampleWith(t, match)
	f.clock.Advance(1000 * time.Millisecond)
	f.sampleWith(t, mismatch)
	require.Equal(t, 0, f.clock.Pending())

	f.clock.Advance(1000 * time.Millisecond)
	require.False(t, f.record(t).IsVerified)

	// a fresh hold needs the full duration again
	f.sampleWith(t, match)
	f.clock.Advance(1499 * time.Millisecond)
	require.False(t, f.record(t).IsVerified)

	f.clock.Advance(time.Millisecond)
	require.True(t, f.record(t).IsVerified)
	require.Equal(t, 1, f.uploader.count())
}

func TestFaceGate_ThresholdIsInclusive(t *testing.T) {
	f := newFaceFixture(t)
	f.gate.observe(context.Background(), DefaultThreshold, []byte("crop"))
	require.Equal(t, 1, f.clock.Pending())

	f.gate.observe(context.Background(), DefaultThreshold-0.01, nil)
	require.Equal(t, 0, f.clock.Pending())
}

func TestFaceGate_StaleHoldIgnored(t *testing.T) {
	f := newFaceFixture(t)
	ctx := context.Background()

	f.gate.observe(ctx, 0.9, []byte("crop"))
	f.gate.mutex.Lock()
	gen := f.gate.holdGen
	f.gate.mutex.Unlock()

	f.gate.observe(ctx, 0.1, nil)
	f.gate.holdElapsed(ctx, gen)

	require.Equal(t, 0, f.uploader.count())
	require.False(t, f.record(t).IsVerified)
}

func TestFaceGate_FrameWithoutFaceLeavesHoldRunning(t *testing.T) {
	f := newFaceFixture(t)

	f.sampleWith(t, match)
	require.Equal(t, 1, f.clock.Pending())
	similarities := len(f.events.ofType(EventSimilarity))

	f.vision.mutex.Lock()
	f.vision.noFace = true
	f.vision.mutex.Unlock()
	f.gate.sample(context.Background())

	require.Equal(t, 1, f.clock.Pending())
	require.Len(t, f.events.ofType(EventSimilarity), similarities)

	f.clock.Advance(DefaultHoldDuration)
	require.True(t, f.record(t).IsVerified)
}

func TestFaceGate_CommitFailureAllowsRetry(t *testing.T) {
	f := newFaceFixture(t)
	f.uploader.fail = 1

	f.sampleWith(t, match)
	f.clock.Advance(DefaultHoldDuration)

	require.False(t, f.record(t).IsVerified)
	require.Len(t, f.events.ofType(EventNotice), 1)
	require.Equal(t, 0, f.clock.Pending())

	f.sampleWith(t, match)
	f.clock.Advance(DefaultHoldDuration)

	require.True(t, f.record(t).IsVerified)
	require.Equal(t, 2, f.uploader.count())
	require.Equal(t, 1, f.store.writesOf(records.FieldIsVerified))
}

func TestFaceGate_SimilarityReported(t *testing.T) {
	f := newFaceFixture(t)
	f.sampleWith(t, []float32{1, 1})

	events := f.events.ofType(EventSimilarity)
	require.Len(t, events, 1)
	require.InDelta(t, 0.7071, *events[0].Similarity, 1e-3)
}

func TestFaceGate_RunEndsOnMissingReference(t *testing.T) {
	events := &eventRecorder{}
	g := NewFaceGate(DefaultFaceConfig(), testSession(), NewFrameBuffer(), events, Deps{
		Vision:     &fakeVision{},
		Records:    records.NewInMemoryStore(),
		Uploader:   &fakeUploader{},
		References: staticReference{err: ErrNoReferencePhoto},
		Clock:      newManualClock(),
	})

	err := g.Run(context.Background())
	require.ErrorIs(t, err, ErrNoReferencePhoto)
	require.Len(t, events.ofType(EventError), 1)
}

func TestFaceGate_RunReturnsAfterVerification(t *testing.T) {
	f := newFaceFixture(t)
	f.vision.queueEmbedding(match, match, match, match, match, match, match, match)

	done := make(chan error, 1)
	go func() { done <- f.gate.Run(context.Background()) }()

	// wait for the sampling ticker to exist before moving time
	require.Eventually(t, func() bool {
		f.clock.mutex.Lock()
		defer f.clock.mutex.Unlock()
		return len(f.clock.tickers) == 1
	}, time.Second, 5*time.Millisecond)

	f.clock.Advance(DefaultSampleInterval)
	require.Eventually(t, func() bool { return f.clock.Pending() == 1 }, time.Second, 5*time.Millisecond)

	f.clock.Advance(DefaultHoldDuration)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after verification")
	}
	require.True(t, f.record(t).IsVerified)
}

func TestFaceGate_TeardownCancelsHold(t *testing.T) {
	f := newFaceFixture(t)
	f.vision.queueEmbedding(match, match)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.gate.Run(ctx) }()

	require.Eventually(t, func() bool {
		f.clock.mutex.Lock()
		defer f.clock.mutex.Unlock()
		return len(f.clock.tickers) == 1
	}, time.Second, 5*time.Millisecond)
	f.clock.Advance(DefaultSampleInterval)
	require.Eventually(t, func() bool { return f.clock.Pending() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.Equal(t, 0, f.clock.Pending())

	f.clock.Advance(DefaultHoldDuration)
	require.Equal(t, 0, f.uploader.count())
}

// heldUploader blocks every upload until release is closed.
type heldUploader struct {
	started chan struct{}
	release chan struct{}
}

func (u *heldUploader) Upload(_ context.Context, filename string, _ []byte) (string, error) {
	close(u.started)
	<-u.release
	return "https://res.example/" + filename, nil
}

func TestFaceGate_TeardownWaitsForRunningCommit(t *testing.T) {
	f := newFaceFixture(t)
	uploader := &heldUploader{started: make(chan struct{}), release: make(chan struct{})}
	f.gate.deps.Uploader = uploader

	ctx, cancel := context.WithCancel(context.Background())
	f.gate.observe(ctx, 1, []byte("crop"))
	go f.clock.Advance(DefaultHoldDuration)
	<-uploader.started

	cancel()
	tornDown := make(chan struct{})
	go func() {
		f.gate.teardown()
		close(tornDown)
	}()

	select {
	case <-tornDown:
		t.Fatal("teardown returned while the commit was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(uploader.release)
	select {
	case <-tornDown:
	case <-time.After(time.Second):
		t.Fatal("teardown did not return after the commit finished")
	}

	require.False(t, f.record(t).IsVerified)
	require.Equal(t, 0, f.store.writesOf(records.FieldIsVerified))
	require.Empty(t, f.events.ofType(EventFaceVerified))
}
