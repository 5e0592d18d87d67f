package verification

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go-proctoring-server/inference"
	"go-proctoring-server/logging"
	"go-proctoring-server/proctoring"
	"go-proctoring-server/records"
)

const DefaultAutoStartDelay = 3 * time.Second

type GestureConfig struct {
	Length int
	// AutoStart begins recognition AutoStartDelay after the gate is mounted instead
	// of waiting for Start.
	AutoStart      bool
	AutoStartDelay time.Duration
}

func DefaultGestureConfig() GestureConfig {
	return GestureConfig{
		Length:         ChallengeLength,
		AutoStart:      true,
		AutoStartDelay: DefaultAutoStartDelay,
	}
}

// GestureGate asks the participant for a random sequence of hand gestures and marks
// the record once every gesture has been recognized in order.
type GestureGate struct {
	config   GestureConfig
	session  *proctoring.Session
	frames   *FrameBuffer
	reporter Reporter
	deps     Deps
	log      *slog.Logger

	start   chan struct{}
	restart chan struct{}

	mutex     sync.Mutex
	challenge *Challenge
	running   bool
	startedAt time.Time
	lastSeq   uint64
	marked    bool
}

func NewGestureGate(config GestureConfig, session *proctoring.Session, frames *FrameBuffer, reporter Reporter, deps Deps) (*GestureGate, error) {
	deps = deps.withDefaults()
	if config.Length <= 0 {
		config.Length = ChallengeLength
	}
	challenge, err := NewChallenge(deps.Catalog, config.Length, deps.Rand)
	if err != nil {
		return nil, err
	}
	return &GestureGate{
		config:    config,
		session:   session,
		frames:    frames,
		reporter:  reporter,
		deps:      deps,
		log:       logging.Component("gesture_gate").With("key", session.Key),
		start:     make(chan struct{}, 1),
		restart:   make(chan struct{}, 1),
		challenge: challenge,
	}, nil
}

// Start begins recognition. Extra calls are ignored.
func (g *GestureGate) Start() {
	select {
	case g.start <- struct{}{}:
	default:
	}
}

// Restart draws a new sequence and resets progress. A gesture result already written
// to the record is kept.
func (g *GestureGate) Restart() {
	select {
	case g.restart <- struct{}{}:
	default:
	}
}

// Run drives the gate until ctx is cancelled. After completion it stays idle so that a
// Restart can still be served.
func (g *GestureGate) Run(ctx context.Context) error {
	g.announce()

	if g.config.AutoStart {
		t := g.deps.Clock.AfterFunc(g.config.AutoStartDelay, g.Start)
		defer t.Stop()
	}

	var elapsed Ticker
	var elapsedC <-chan time.Time
	startTicker := func() {
		if elapsed == nil {
			elapsed = g.deps.Clock.NewTicker(time.Second)
			elapsedC = elapsed.C()
		}
	}
	stopTicker := func() {
		if elapsed != nil {
			elapsed.Stop()
			elapsed, elapsedC = nil, nil
		}
	}
	defer stopTicker()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.start:
			if g.begin() {
				startTicker()
			}
		case <-g.restart:
			stopTicker()
			if g.reset() {
				startTicker()
			}
		case <-g.frames.Updated():
			if g.process(ctx) {
				stopTicker()
			}
		case <-elapsedC:
			g.reportElapsed()
		}
	}
}

// begin switches recognition on. It reports false if it was already running or the
// challenge is complete.
func (g *GestureGate) begin() bool {
	g.mutex.Lock()
	if g.running || g.challenge.Completed() {
		g.mutex.Unlock()
		return false
	}
	g.running = true
	g.startedAt = g.deps.Clock.Now()
	g.mutex.Unlock()

	g.log.Debug("Gesture recognition started")
	g.announce()
	return true
}

// reset replaces the challenge. Recognition resumes right away if it had been started
// before.
func (g *GestureGate) reset() bool {
	g.mutex.Lock()
	challenge, err := NewChallenge(g.deps.Catalog, g.config.Length, g.deps.Rand)
	if err != nil {
		g.mutex.Unlock()
		g.log.Error("Failed to create gesture challenge", "error", err)
		return false
	}
	g.challenge = challenge
	resume := !g.startedAt.IsZero()
	g.running = resume
	if resume {
		g.startedAt = g.deps.Clock.Now()
	}
	g.mutex.Unlock()

	g.log.Debug("Gesture challenge restarted")
	g.announce()
	return resume
}

// process classifies the latest frame if it has not been seen yet. It reports true
// when this frame completed the challenge.
func (g *GestureGate) process(ctx context.Context) bool {
	g.mutex.Lock()
	if !g.running {
		g.mutex.Unlock()
		return false
	}
	frame, ok := g.frames.Latest()
	if !ok || frame.Seq == g.lastSeq {
		g.mutex.Unlock()
		return false
	}
	g.lastSeq = frame.Seq
	g.mutex.Unlock()

	gestures, err := g.deps.Vision.RecognizeGesture(ctx, frame.Data)
	if err != nil {
		g.log.Debug("Frame skipped", "seq", frame.Seq, "error", err)
		return false
	}
	top, ok := inference.DominantGesture(gestures)
	if !ok {
		return false
	}
	return g.observe(ctx, top.CategoryName)
}

func (g *GestureGate) observe(ctx context.Context, label string) bool {
	g.mutex.Lock()
	if !g.running || !g.challenge.Observe(label) {
		g.mutex.Unlock()
		return false
	}
	index, total := g.challenge.Cursor(), g.challenge.Len()
	completed := g.challenge.Completed()
	mark := false
	if completed {
		g.running = false
		mark = !g.marked
		g.marked = true
	}
	g.mutex.Unlock()

	g.reporter.Report(Event{
		Type:  EventGestureCorrect,
		Label: inference.NormalizeLabel(label),
		Index: index,
		Total: total,
	})
	if !completed {
		g.announce()
		return false
	}

	g.log.Info("Gesture challenge completed")
	g.reporter.Report(Event{Type: EventGestureDone, Total: total})
	if mark {
		g.markCompleted(ctx)
	}
	return true
}

func (g *GestureGate) markCompleted(ctx context.Context) {
	err := g.deps.Records.Update(ctx, g.session.Key, records.Fields{records.FieldHandGesture: true})
	if err == nil {
		return
	}
	g.log.Error("Failed to store gesture verification", "error", err)
	g.reporter.Report(Event{Type: EventNotice, Message: "Failed to store gesture verification, please restart the challenge"})

	g.mutex.Lock()
	g.marked = false
	g.mutex.Unlock()
}

// announce reports the current target.
func (g *GestureGate) announce() {
	g.mutex.Lock()
	target, ok := g.challenge.Current()
	index, total := g.challenge.Cursor(), g.challenge.Len()
	g.mutex.Unlock()
	if !ok {
		return
	}
	g.reporter.Report(Event{
		Type:  EventGestureTarget,
		Label: target.Name,
		Image: target.Image,
		Index: index,
		Total: total,
	})
}

func (g *GestureGate) reportElapsed() {
	g.mutex.Lock()
	running, startedAt := g.running, g.startedAt
	g.mutex.Unlock()
	if !running {
		return
	}
	seconds := int(g.deps.Clock.Now().Sub(startedAt) / time.Second)
	if seconds < 0 {
		seconds = 0
	}
	g.reporter.Report(Event{Type: EventElapsed, Seconds: seconds})
}

// Progress returns the cursor and sequence length.
func (g *GestureGate) Progress() (cursor, total int) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.challenge.Cursor(), g.challenge.Len()
}
