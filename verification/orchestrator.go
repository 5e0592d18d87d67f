package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go-proctoring-server/logging"
	"go-proctoring-server/proctoring"
	"go-proctoring-server/records"
)

type Stage string

const (
	StageAwaitingFace    Stage = "awaiting_face"
	StageAwaitingGesture Stage = "awaiting_gesture"
	StageAdmitted        Stage = "admitted"
)

func (s Stage) rank() int {
	switch s {
	case StageAwaitingGesture:
		return 1
	case StageAdmitted:
		return 2
	default:
		return 0
	}
}

// RoomPath is where an admitted participant is sent.
func RoomPath(participantID string) string {
	return "/rooms/" + participantID
}

type gate interface {
	Run(ctx context.Context) error
}

type gestureControl interface {
	gate
	Start()
	Restart()
}

type mountedGate struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Orchestrator follows a participant's record and mounts the face gate, then the
// gesture gate, until both verification flags are set.
type Orchestrator struct {
	session  *proctoring.Session
	frames   *FrameBuffer
	reporter Reporter
	deps     Deps
	log      *slog.Logger

	newFace    func() gate
	newGesture func() (gestureControl, error)

	updates     chan records.Record
	updateMutex sync.Mutex
	gateErrs    chan error

	mutex     sync.Mutex
	stage     Stage
	mounted   *mountedGate
	gesture   gestureControl
	navigated bool
}

func NewOrchestrator(session *proctoring.Session, frames *FrameBuffer, reporter Reporter, deps Deps, face FaceConfig, gesture GestureConfig) *Orchestrator {
	deps = deps.withDefaults()
	o := &Orchestrator{
		session:  session,
		frames:   frames,
		reporter: reporter,
		deps:     deps,
		log:      logging.Component("orchestrator").With("key", session.Key),
		updates:  make(chan records.Record, 1),
		gateErrs: make(chan error, 1),
		stage:    StageAwaitingFace,
	}
	o.newFace = func() gate {
		return NewFaceGate(face, session, frames, reporter, deps)
	}
	o.newGesture = func() (gestureControl, error) {
		return NewGestureGate(gesture, session, frames, reporter, deps)
	}
	return o
}

// Run subscribes to the participant's record and drives the stages. It returns nil
// once the participant is admitted, the terminal error of a gate, or ctx.Err().
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer o.unmount()

	unsubscribe, err := o.deps.Records.Subscribe(ctx, o.session.Key, o.onSnapshot)
	if err != nil {
		return fmt.Errorf("failed to subscribe to record %s: %w", o.session.Key, err)
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-o.gateErrs:
			return err
		case rec := <-o.updates:
			if o.apply(ctx, rec) == StageAdmitted {
				return nil
			}
		}
	}
}

// onSnapshot keeps one pending snapshot. The verification flags only ever turn on,
// so a replaced snapshot's flags are carried into the newer one.
func (o *Orchestrator) onSnapshot(rec records.Record) {
	o.updateMutex.Lock()
	defer o.updateMutex.Unlock()
	select {
	case pending := <-o.updates:
		rec = mergeFlags(pending, rec)
	default:
	}
	o.updates <- rec
}

func mergeFlags(older, newer records.Record) records.Record {
	newer.IsVerified = newer.IsVerified || older.IsVerified
	newer.HandGesture = newer.HandGesture || older.HandGesture
	return newer
}

// apply moves the stage forward according to a record snapshot and returns the
// resulting stage. Stages never move backwards.
func (o *Orchestrator) apply(ctx context.Context, rec records.Record) Stage {
	o.session.SetHydrated(true)

	next := StageAwaitingFace
	switch {
	case rec.Admitted():
		next = StageAdmitted
	case rec.IsVerified:
		next = StageAwaitingGesture
	}

	o.mutex.Lock()
	current, mounted := o.stage, o.mounted != nil
	o.mutex.Unlock()

	if next.rank() < current.rank() || (next == current && (mounted || next == StageAdmitted)) {
		return current
	}

	switch next {
	case StageAwaitingFace:
		o.mount(ctx, o.newFace())
	case StageAwaitingGesture:
		o.unmount()
		o.setStage(next)
		g, err := o.newGesture()
		if err != nil {
			o.log.Error("Failed to create gesture gate", "error", err)
			o.fail(err)
			return next
		}
		o.mutex.Lock()
		o.gesture = g
		o.mutex.Unlock()
		o.mount(ctx, g)
	case StageAdmitted:
		o.unmount()
		o.setStage(next)
		o.navigate()
	}
	return next
}

func (o *Orchestrator) setStage(stage Stage) {
	o.mutex.Lock()
	o.stage = stage
	o.mutex.Unlock()

	o.log.Info("Verification stage changed", "stage", stage)
	o.reporter.Report(Event{Type: EventStage, Stage: stage})
}

func (o *Orchestrator) navigate() {
	o.mutex.Lock()
	if o.navigated {
		o.mutex.Unlock()
		return
	}
	o.navigated = true
	o.mutex.Unlock()

	o.reporter.Report(Event{Type: EventNavigate, Path: RoomPath(o.session.ParticipantID)})
}

// mount runs g as the only gate reading the camera.
func (o *Orchestrator) mount(ctx context.Context, g gate) {
	gctx, cancel := context.WithCancel(ctx)
	m := &mountedGate{cancel: cancel, done: make(chan struct{})}

	o.mutex.Lock()
	o.mounted = m
	stage := o.stage
	o.mutex.Unlock()

	if stage == StageAwaitingFace {
		o.reporter.Report(Event{Type: EventStage, Stage: stage})
	}

	go func() {
		defer close(m.done)
		if err := g.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			o.fail(err)
		}
	}()
}

// unmount cancels the mounted gate and waits for it to release the camera.
func (o *Orchestrator) unmount() {
	o.mutex.Lock()
	m := o.mounted
	o.mounted = nil
	o.gesture = nil
	o.mutex.Unlock()

	if m == nil {
		return
	}
	m.cancel()
	<-m.done
}

func (o *Orchestrator) fail(err error) {
	select {
	case o.gateErrs <- err:
	default:
	}
}

// Stage returns the current stage.
func (o *Orchestrator) Stage() Stage {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.stage
}

// StartGesture starts gesture recognition if the gesture gate is mounted.
func (o *Orchestrator) StartGesture() bool {
	o.mutex.Lock()
	g := o.gesture
	o.mutex.Unlock()
	if g == nil {
		return false
	}
	g.Start()
	return true
}

// RestartGesture draws a new gesture sequence if the gesture gate is mounted.
func (o *Orchestrator) RestartGesture() bool {
	o.mutex.Lock()
	g := o.gesture
	o.mutex.Unlock()
	if g == nil {
		return false
	}
	g.Restart()
	return true
}
