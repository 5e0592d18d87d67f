package verification

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go-proctoring-server/images"
	"go-proctoring-server/inference"
	"go-proctoring-server/logging"
	"go-proctoring-server/proctoring"
	"go-proctoring-server/records"
)

const (
	DefaultThreshold      = 0.4
	DefaultHoldDuration   = 1500 * time.Millisecond
	DefaultSampleInterval = 250 * time.Millisecond
)

type FaceConfig struct {
	Threshold      float64
	HoldDuration   time.Duration
	SampleInterval time.Duration
}

func DefaultFaceConfig() FaceConfig {
	return FaceConfig{
		Threshold:      DefaultThreshold,
		HoldDuration:   DefaultHoldDuration,
		SampleInterval: DefaultSampleInterval,
	}
}

// FaceGate compares the live camera against the participant's reference face and
// marks the record verified once the similarity stays above the threshold for the
// whole hold duration.
type FaceGate struct {
	config   FaceConfig
	session  *proctoring.Session
	frames   *FrameBuffer
	reporter Reporter
	deps     Deps
	log      *slog.Logger

	mutex     sync.Mutex
	reference []float32
	hold      Timer
	holdGen   uint64
	done      bool
	closed    bool
	crop      []byte
	commits   sync.WaitGroup

	verified     chan struct{}
	verifiedOnce sync.Once
}

func NewFaceGate(config FaceConfig, session *proctoring.Session, frames *FrameBuffer, reporter Reporter, deps Deps) *FaceGate {
	return &FaceGate{
		config:   config,
		session:  session,
		frames:   frames,
		reporter: reporter,
		deps:     deps.withDefaults(),
		log:      logging.Component("face_gate").With("key", session.Key),
		verified: make(chan struct{}),
	}
}

// Run resolves the reference face and samples the camera until the face is verified
// or ctx is cancelled. A missing reference photo or face ends the gate with an error.
func (g *FaceGate) Run(ctx context.Context) error {
	ref, err := g.deps.References.Resolve(ctx, g.session.ParticipantID)
	if err != nil {
		g.log.Warn("Reference face unavailable", "error", err)
		g.reporter.Report(Event{Type: EventError, Message: err.Error()})
		return err
	}
	g.setReference(ref.Embedding)
	if len(ref.Crop) > 0 {
		g.reporter.Report(Event{Type: EventReference, Image: "data:image/jpeg;base64," + images.Base64(ref.Crop)})
	}

	ticker := g.deps.Clock.NewTicker(g.config.SampleInterval)
	defer ticker.Stop()
	defer g.teardown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.verified:
			return nil
		case <-ticker.C():
			g.sample(ctx)
			// drop ticks that piled up while sampling
			select {
			case <-ticker.C():
			default:
			}
		}
	}
}

// Verified is closed after the verification has been committed.
func (g *FaceGate) Verified() <-chan struct{} {
	return g.verified
}

func (g *FaceGate) setReference(embedding []float32) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.reference = embedding
}

func (g *FaceGate) sample(ctx context.Context) {
	g.mutex.Lock()
	done, reference := g.done, g.reference
	g.mutex.Unlock()
	if done || reference == nil {
		return
	}

	frame, ok := g.frames.Latest()
	if !ok {
		return
	}

	crop, err := faceCrop(ctx, g.deps.Vision, frame.Data)
	if err != nil {
		g.log.Debug("Frame skipped", "seq", frame.Seq, "error", err)
		return
	}
	embedding, err := g.deps.Vision.Embed(ctx, crop)
	if err != nil {
		g.log.Debug("Frame skipped", "seq", frame.Seq, "error", err)
		return
	}

	similarity := inference.CosineSimilarity(reference, embedding)
	g.reporter.Report(Event{Type: EventSimilarity, Similarity: &similarity})
	g.observe(ctx, similarity, crop)
}

// observe applies one similarity sample to the hold timer.
func (g *FaceGate) observe(ctx context.Context, similarity float64, crop []byte) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if g.done {
		return
	}
	if similarity < g.config.Threshold {
		g.clearHoldLocked()
		return
	}

	g.crop = crop
	if g.hold != nil {
		return
	}
	g.holdGen++
	gen := g.holdGen
	g.hold = g.deps.Clock.AfterFunc(g.config.HoldDuration, func() {
		g.holdElapsed(ctx, gen)
	})
}

func (g *FaceGate) clearHoldLocked() {
	if g.hold != nil {
		g.hold.Stop()
		g.hold = nil
	}
	g.holdGen++
}

func (g *FaceGate) holdElapsed(ctx context.Context, gen uint64) {
	g.mutex.Lock()
	if g.done || g.closed || g.hold == nil || gen != g.holdGen {
		g.mutex.Unlock()
		return
	}
	g.done = true
	g.hold = nil
	crop := g.crop
	g.commits.Add(1)
	g.mutex.Unlock()

	defer g.commits.Done()
	g.commit(ctx, crop)
}

func (g *FaceGate) commit(ctx context.Context, crop []byte) {
	url, err := g.deps.Uploader.Upload(ctx, g.session.Key+"-verified.jpg", crop)
	if err != nil {
		g.commitFailed("Failed to upload verification photo", err)
		return
	}
	if ctx.Err() != nil {
		g.log.Debug("Face verification dropped after teardown")
		return
	}

	err = g.deps.Records.Update(ctx, g.session.Key, records.Fields{
		records.FieldIsVerified:  true,
		records.FieldNewPhotoURL: url,
	})
	if err != nil {
		g.commitFailed("Failed to store face verification", err)
		return
	}

	g.log.Info("Face verified", "photo", url)
	g.reporter.Report(Event{Type: EventFaceVerified, Image: url})
	g.verifiedOnce.Do(func() { close(g.verified) })
}

// commitFailed re-arms the gate so a later hold can commit again.
func (g *FaceGate) commitFailed(msg string, err error) {
	g.log.Error(msg, "error", err)
	g.reporter.Report(Event{Type: EventNotice, Message: msg})

	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.done = false
	g.clearHoldLocked()
}

// teardown stops the hold timer and waits for a commit that is already running.
func (g *FaceGate) teardown() {
	g.mutex.Lock()
	g.closed = true
	g.clearHoldLocked()
	g.mutex.Unlock()

	g.commits.Wait()
}
