// Package autorecord starts a room's recording while anyone is in it and stops it when
// the room empties.
package autorecord

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"go-proctoring-server/logging"
	"go-proctoring-server/proctoring"
	"go-proctoring-server/recording"
	"go-proctoring-server/records"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultRetryInterval = 2 * time.Second
	DefaultMaxRetries    = 4
)

type Config struct {
	RetryInterval time.Duration
	// MaxRetries is the number of start attempts after the first one.
	MaxRetries uint64
	Location   *time.Location
	Now        func() time.Time
	// NewTimer creates the timer waited on between start attempts.
	NewTimer func() backoff.Timer
}

func DefaultConfig() Config {
	return Config{
		RetryInterval: DefaultRetryInterval,
		MaxRetries:    DefaultMaxRetries,
		Location:      time.UTC,
		Now:           time.Now,
	}
}

func (c Config) withDefaults() Config {
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Watcher reconciles the recording of one room with its participant count. Counts
// are handled one at a time in the order they were observed.
type Watcher struct {
	room     string
	recorder recording.Controller
	store    records.Store
	session  *proctoring.Session
	config   Config
	log      *slog.Logger

	counts    chan int
	recording atomic.Bool
}

func NewWatcher(room string, recorder recording.Controller, store records.Store, session *proctoring.Session, config Config) *Watcher {
	return &Watcher{
		room:     room,
		recorder: recorder,
		store:    store,
		session:  session,
		config:   config.withDefaults(),
		log:      logging.Component("autorecord").With("room", room),
		counts:   make(chan int, 64),
	}
}

// Observe queues a participant count. It never blocks; when the queue is full the
// oldest count is dropped since only the latest one decides the outcome.
func (w *Watcher) Observe(count int) {
	for {
		select {
		case w.counts <- count:
			return
		default:
		}
		select {
		case <-w.counts:
		default:
		}
	}
}

// Run handles queued counts until ctx is cancelled. Cancelling also aborts a pending
// retry wait.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case count := <-w.counts:
			w.handle(ctx, count)
		}
	}
}

// Recording reports whether the watcher believes the room is being recorded.
func (w *Watcher) Recording() bool {
	return w.recording.Load()
}

func (w *Watcher) handle(ctx context.Context, count int) {
	w.log.Debug("Checking participants", "count", count)

	switch {
	case count > 0 && !w.recording.Load():
		w.start(ctx)
	case count == 0 && w.recording.Load():
		w.stop(ctx)
	}
}

func (w *Watcher) start(ctx context.Context) {
	operation := func() error {
		err := w.recorder.Start(ctx, w.room)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, recording.ErrAlreadyRecording):
			w.log.Info("Recording already active")
			return nil
		case errors.Is(err, recording.ErrMissingRoom):
			return backoff.Permanent(err)
		default:
			return err
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(w.config.RetryInterval), w.config.MaxRetries),
		ctx,
	)
	notify := func(err error, next time.Duration) {
		w.log.Warn("Failed to start recording, retrying", "error", err, "retry_in", next)
	}

	var timer backoff.Timer
	if w.config.NewTimer != nil {
		timer = w.config.NewTimer()
	}
	if err := backoff.RetryNotifyWithTimer(operation, policy, notify, timer); err != nil {
		w.log.Error("Failed to start recording, giving up", "error", err)
		return
	}

	w.recording.Store(true)
	w.log.Info("Recording started")

	key := records.Key(records.DateString(w.config.Now(), w.config.Location), w.room)
	if err := w.store.Update(ctx, key, records.Fields{records.FieldIsJoined: true}); err != nil {
		w.log.Error("Failed to mark participant joined", "key", key, "error", err)
	}
	if w.session != nil {
		w.session.SetStartProctoring(true)
	}
}

func (w *Watcher) stop(ctx context.Context) {
	_, err := w.recorder.Stop(ctx, w.room)
	switch {
	case err == nil:
		w.log.Info("Recording stopped")
	case errors.Is(err, recording.ErrNoActiveRecording):
		w.log.Info("No active recording to stop")
	default:
		w.log.Error("Failed to stop recording", "error", err)
		return
	}
	w.recording.Store(false)
}
