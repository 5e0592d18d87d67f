package verification

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"sort"
	"sync"
	"testing"
	"time"

	"go-proctoring-server/models"
	"go-proctoring-server/proctoring"
	"go-proctoring-server/records"

	"github.com/stretchr/testify/require"
)

// manualClock only moves when Advance is called. Timer callbacks run on the caller's
// goroutine.
type manualClock struct {
	mutex   sync.Mutex
	now     time.Time
	timers  []*manualTimer
	tickers []*manualTicker
}

type manualTimer struct {
	clock   *manualClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

type manualTicker struct {
	c      chan time.Time
	period time.Duration
	next   time.Time
	clock  *manualClock
	stop   bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2025, 7, 16, 9, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	t := &manualTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *manualClock) NewTicker(d time.Duration) Ticker {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	t := &manualTicker{c: make(chan time.Time, 1), period: d, next: c.now.Add(d), clock: c}
	c.tickers = append(c.tickers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mutex.Lock()
	defer t.clock.mutex.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (t *manualTicker) C() <-chan time.Time { return t.c }

func (t *manualTicker) Stop() {
	t.clock.mutex.Lock()
	defer t.clock.mutex.Unlock()
	t.stop = true
}

// Advance moves time forward, firing due timers in order and ticking tickers.
func (c *manualClock) Advance(d time.Duration) {
	c.mutex.Lock()
	target := c.now.Add(d)
	for {
		var due []*manualTimer
		for _, t := range c.timers {
			if !t.stopped && !t.fired && !t.at.After(target) {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			break
		}
		sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
		t := due[0]
		t.fired = true
		c.now = t.at
		c.mutex.Unlock()
		t.f()
		c.mutex.Lock()
	}
	c.now = target
	for _, t := range c.tickers {
		for !t.stop && !t.next.After(target) {
			select {
			case t.c <- t.next:
			default:
			}
			t.next = t.next.Add(t.period)
		}
	}
	c.mutex.Unlock()
}

// Pending counts timers that have neither fired nor been stopped.
func (c *manualClock) Pending() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type eventRecorder struct {
	mutex  sync.Mutex
	events []Event
}

func (r *eventRecorder) Report(e Event) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) ofType(typ string) []Event {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// fakeVision finds one face covering the whole frame and returns queued embeddings
// and gestures.
type fakeVision struct {
	mutex      sync.Mutex
	noFace     bool
	embeddings [][]float32
	gestures   []string
	detects    int
	recognizes int
}

func (v *fakeVision) DetectFaces(_ context.Context, _ []byte) ([]models.FaceDetection, error) {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	v.detects++
	if v.noFace {
		return nil, nil
	}
	return []models.FaceDetection{{Score: 0.9, BoundingBox: &models.BoundingBox{Width: 16, Height: 16}}}, nil
}

func (v *fakeVision) Embed(_ context.Context, _ []byte) ([]float32, error) {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	if len(v.embeddings) == 0 {
		return nil, errors.New("no embedding queued")
	}
	e := v.embeddings[0]
	v.embeddings = v.embeddings[1:]
	return e, nil
}

func (v *fakeVision) RecognizeGesture(_ context.Context, _ []byte) ([][]models.GestureCategory, error) {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	v.recognizes++
	if len(v.gestures) == 0 {
		return nil, nil
	}
	g := v.gestures[0]
	v.gestures = v.gestures[1:]
	return [][]models.GestureCategory{{{CategoryName: g, Score: 0.9}}}, nil
}

func (v *fakeVision) HealthCheck(context.Context) error { return nil }

func (v *fakeVision) queueEmbedding(e ...[]float32) {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	v.embeddings = append(v.embeddings, e...)
}

func (v *fakeVision) queueGesture(labels ...string) {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	v.gestures = append(v.gestures, labels...)
}

func (v *fakeVision) counts() (detects, recognizes int) {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	return v.detects, v.recognizes
}

type fakeUploader struct {
	mutex sync.Mutex
	fail  int
	calls int
}

func (u *fakeUploader) Upload(_ context.Context, filename string, _ []byte) (string, error) {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	u.calls++
	if u.fail > 0 {
		u.fail--
		return "", errors.New("upload unavailable")
	}
	return "https://res.example/" + filename, nil
}

func (u *fakeUploader) count() int {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return u.calls
}

// countingStore counts writes per field on top of the in-memory store.
type countingStore struct {
	*records.InMemoryStore
	mutex  sync.Mutex
	writes map[string]int
}

func newCountingStore() *countingStore {
	return &countingStore{InMemoryStore: records.NewInMemoryStore(), writes: map[string]int{}}
}

func (s *countingStore) Update(ctx context.Context, key string, fields records.Fields) error {
	s.mutex.Lock()
	for name := range fields {
		s.writes[name]++
	}
	s.mutex.Unlock()
	return s.InMemoryStore.Update(ctx, key, fields)
}

func (s *countingStore) writesOf(field string) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.writes[field]
}

type staticReference struct {
	ref Reference
	err error
}

func (s staticReference) Resolve(context.Context, string) (Reference, error) {
	return s.ref, s.err
}

func testJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for x := 0; x < 32; x++ {
		for y := 0; y < 32; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 8), G: uint8(y * 8), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func testSession() *proctoring.Session {
	return proctoring.NewSession("user42", time.Date(2025, 7, 16, 9, 0, 0, 0, time.UTC), time.UTC)
}
