// Package presence watches the exam camera for a missing face or extra faces and logs
// a violation for each, at most once per cooldown.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go-proctoring-server/inference"
	"go-proctoring-server/logging"
	"go-proctoring-server/verification"
	"go-proctoring-server/violations"
)

const (
	DefaultSampleInterval = 500 * time.Millisecond
	DefaultNoFaceHold     = 2 * time.Second
	DefaultCooldown       = 10 * time.Second
)

type Config struct {
	SampleInterval time.Duration
	// NoFaceHold is how long the face must be missing before it counts.
	NoFaceHold time.Duration
	// Cooldown is the quiet period after a violation of one kind.
	Cooldown time.Duration
}

func DefaultConfig() Config {
	return Config{
		SampleInterval: DefaultSampleInterval,
		NoFaceHold:     DefaultNoFaceHold,
		Cooldown:       DefaultCooldown,
	}
}

func (c Config) withDefaults() Config {
	if c.SampleInterval <= 0 {
		c.SampleInterval = DefaultSampleInterval
	}
	if c.NoFaceHold <= 0 {
		c.NoFaceHold = DefaultNoFaceHold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	return c
}

// Event types sent to the exam page.
const (
	EventFaceCount = "face_count"
	EventViolation = "violation"
	EventShowVideo = "show_video"
	EventNotice    = "notice"
)

type Event struct {
	Type    string          `json:"type"`
	Faces   *int            `json:"faces,omitempty"`
	Kind    violations.Kind `json:"kind,omitempty"`
	Message string          `json:"message,omitempty"`
}

type Reporter interface {
	Report(Event)
}

type Deps struct {
	Vision     inference.Client
	Violations violations.Store
	Clock      verification.Clock
}

// Monitor samples the exam camera of one participant.
type Monitor struct {
	config        Config
	participantID string
	frames        *verification.FrameBuffer
	reporter      Reporter
	deps          Deps
	log           *slog.Logger

	mutex     sync.Mutex
	lastSeq   uint64
	noFace    verification.Timer
	noFaceGen uint64
	cooling   map[violations.Kind]verification.Timer
	closed    bool
	inflight  sync.WaitGroup
}

func NewMonitor(config Config, participantID string, frames *verification.FrameBuffer, reporter Reporter, deps Deps) *Monitor {
	if deps.Clock == nil {
		deps.Clock = verification.SystemClock()
	}
	return &Monitor{
		config:        config.withDefaults(),
		participantID: participantID,
		frames:        frames,
		reporter:      reporter,
		deps:          deps,
		log:           logging.Component("presence").With("participant_id", participantID),
		cooling:       make(map[violations.Kind]verification.Timer),
	}
}

// Run samples the camera until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := m.deps.Clock.NewTicker(m.config.SampleInterval)
	defer ticker.Stop()
	defer m.teardown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			m.sample(ctx)
			select {
			case <-ticker.C():
			default:
			}
		}
	}
}

func (m *Monitor) sample(ctx context.Context) {
	frame, ok := m.frames.Latest()
	if !ok {
		return
	}
	m.mutex.Lock()
	if frame.Seq == m.lastSeq {
		m.mutex.Unlock()
		return
	}
	m.lastSeq = frame.Seq
	m.mutex.Unlock()

	detections, err := m.deps.Vision.DetectFaces(ctx, frame.Data)
	if err != nil {
		m.log.Debug("Frame skipped", "seq", frame.Seq, "error", err)
		return
	}
	m.observe(ctx, len(detections))
}

// observe applies one face count. A missing face arms the hold timer once per absence;
// extra faces are logged right away.
func (m *Monitor) observe(ctx context.Context, faces int) {
	m.reporter.Report(Event{Type: EventFaceCount, Faces: &faces})

	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()
		return
	}
	now := m.deps.Clock.Now()
	if faces == 0 {
		if m.noFace == nil {
			m.noFaceGen++
			gen := m.noFaceGen
			m.noFace = m.deps.Clock.AfterFunc(m.config.NoFaceHold, func() {
				m.noFaceElapsed(ctx, gen, now)
			})
		}
	} else if m.noFace != nil {
		m.noFace.Stop()
		m.noFace = nil
		m.noFaceGen++
	}
	multiple := faces > 1 && m.beginCooldownLocked(violations.KindMultipleFaces)
	m.mutex.Unlock()

	if multiple {
		m.record(ctx, violations.Entry{
			Kind:      violations.KindMultipleFaces,
			Message:   fmt.Sprintf("more than one face detected (%d)", faces),
			Faces:     faces,
			Timestamp: now.UnixMilli(),
		})
	}
}

// noFaceElapsed runs when the face has been missing for the whole hold. The timer
// stays armed until a face is seen again.
func (m *Monitor) noFaceElapsed(ctx context.Context, gen uint64, since time.Time) {
	m.mutex.Lock()
	if m.closed || gen != m.noFaceGen || !m.beginCooldownLocked(violations.KindNoFace) {
		m.mutex.Unlock()
		return
	}
	m.inflight.Add(1)
	m.mutex.Unlock()
	defer m.inflight.Done()

	m.record(ctx, violations.Entry{
		Kind:      violations.KindNoFace,
		Message:   "no face detected",
		Timestamp: since.UnixMilli(),
	})
}

// beginCooldownLocked reports false while kind is cooling down; otherwise it starts
// the cooldown.
func (m *Monitor) beginCooldownLocked(kind violations.Kind) bool {
	if _, cooling := m.cooling[kind]; cooling {
		return false
	}
	var timer verification.Timer
	timer = m.deps.Clock.AfterFunc(m.config.Cooldown, func() {
		m.mutex.Lock()
		defer m.mutex.Unlock()
		if m.cooling[kind] == timer {
			delete(m.cooling, kind)
		}
	})
	m.cooling[kind] = timer
	return true
}

func (m *Monitor) record(ctx context.Context, entry violations.Entry) {
	if ctx.Err() != nil {
		return
	}
	m.log.Warn("Violation detected", "kind", entry.Kind, "faces", entry.Faces)
	m.reporter.Report(Event{Type: EventViolation, Kind: entry.Kind, Message: entry.Message})

	if err := m.deps.Violations.Append(ctx, m.participantID, entry); err != nil {
		m.log.Error("Failed to store violation", "kind", entry.Kind, "error", err)
		m.reporter.Report(Event{Type: EventNotice, Message: "failed to store warning"})
	}
}

// teardown stops every timer and waits for a violation that is being written.
func (m *Monitor) teardown() {
	m.mutex.Lock()
	m.closed = true
	if m.noFace != nil {
		m.noFace.Stop()
		m.noFace = nil
	}
	for kind, timer := range m.cooling {
		timer.Stop()
		delete(m.cooling, kind)
	}
	m.mutex.Unlock()

	m.inflight.Wait()
}
