package autorecord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go-proctoring-server/proctoring"
	"go-proctoring-server/recording"
	"go-proctoring-server/records"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
)

// ParticipantCounter returns the number of participants currently in a room.
type ParticipantCounter interface {
	ParticipantCount(ctx context.Context, room string) (int, error)
}

type roomAPI interface {
	ListParticipants(ctx context.Context, req *livekit.ListParticipantsRequest) (*livekit.ListParticipantsResponse, error)
}

// LiveKitCounter counts room participants through the LiveKit room service. Egress
// recorders joining the room are not counted.
type LiveKitCounter struct {
	client roomAPI
}

func NewLiveKitCounter(cfg recording.LiveKitConfig) (*LiveKitCounter, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("livekit api key and secret are required")
	}
	host, err := cfg.HostURL()
	if err != nil {
		return nil, err
	}
	return &LiveKitCounter{client: lksdk.NewRoomServiceClient(host, cfg.APIKey, cfg.APISecret)}, nil
}

func (c *LiveKitCounter) ParticipantCount(ctx context.Context, room string) (int, error) {
	resp, err := c.client.ListParticipants(ctx, &livekit.ListParticipantsRequest{Room: room})
	if err != nil {
		return 0, fmt.Errorf("failed to list participants of room %s: %w", room, err)
	}
	count := 0
	for _, p := range resp.GetParticipants() {
		if p.GetKind() == livekit.ParticipantInfo_EGRESS {
			continue
		}
		count++
	}
	return count, nil
}

type attached struct {
	watcher *Watcher
	session *proctoring.Session
	cancel  context.CancelFunc
	done    chan struct{}
}

// Registry owns one watcher per room.
type Registry struct {
	recorder recording.Controller
	store    records.Store
	counter  ParticipantCounter
	config   Config

	ctx    context.Context
	cancel context.CancelFunc

	mutex sync.Mutex
	rooms map[string]*attached
}

func NewRegistry(recorder recording.Controller, store records.Store, counter ParticipantCounter, config Config) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		recorder: recorder,
		store:    store,
		counter:  counter,
		config:   config.withDefaults(),
		ctx:      ctx,
		cancel:   cancel,
		rooms:    make(map[string]*attached),
	}
}

// Attach starts watching a room and reconciles it with the current participant count.
// Attaching a watched room only re-reads the count.
func (r *Registry) Attach(ctx context.Context, room string) (*Watcher, error) {
	w := r.watcher(room)
	return w, r.Refresh(ctx, room)
}

// Refresh re-reads the participant count of a room and feeds it to its watcher.
func (r *Registry) Refresh(ctx context.Context, room string) error {
	w := r.watcher(room)
	count, err := r.counter.ParticipantCount(ctx, room)
	if err != nil {
		slog.Warn("Failed to read participant count", "room", room, "error", err)
		return err
	}
	w.Observe(count)
	return nil
}

func (r *Registry) watcher(room string) *Watcher {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if a, ok := r.rooms[room]; ok {
		return a.watcher
	}

	session := proctoring.NewSession(room, r.config.Now(), r.config.Location)
	w := NewWatcher(room, r.recorder, r.store, session, r.config)
	ctx, cancel := context.WithCancel(r.ctx)
	a := &attached{watcher: w, session: session, cancel: cancel, done: make(chan struct{})}
	r.rooms[room] = a

	go func() {
		defer close(a.done)
		w.Run(ctx)
	}()
	slog.Info("Watching room", "room", room)
	return w
}

// Session returns the proctoring session of a watched room.
func (r *Registry) Session(room string) (*proctoring.Session, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	a, ok := r.rooms[room]
	if !ok {
		return nil, false
	}
	return a.session, true
}

// Rooms returns the watched rooms and whether each is believed to be recording.
func (r *Registry) Rooms() map[string]bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	out := make(map[string]bool, len(r.rooms))
	for room, a := range r.rooms {
		out[room] = a.watcher.Recording()
	}
	return out
}

// Detach stops watching a room. Pending counts and retry waits are abandoned.
func (r *Registry) Detach(room string) {
	if r.remove(room) != nil {
		slog.Info("Stopped watching room", "room", room)
	}
}

// Finish handles a room that has closed: the watcher is detached and a recording it
// believes active is stopped.
func (r *Registry) Finish(ctx context.Context, room string) {
	a := r.remove(room)
	if a == nil {
		return
	}
	a.watcher.handle(ctx, 0)
	slog.Info("Room finished", "room", room)
}

// remove detaches a room and waits for its watcher to return.
func (r *Registry) remove(room string) *attached {
	r.mutex.Lock()
	a, ok := r.rooms[room]
	delete(r.rooms, room)
	r.mutex.Unlock()

	if !ok {
		return nil
	}
	a.cancel()
	<-a.done
	return a
}

// Close detaches every room.
func (r *Registry) Close() {
	r.cancel()
	r.mutex.Lock()
	rooms := r.rooms
	r.rooms = make(map[string]*attached)
	r.mutex.Unlock()

	for _, a := range rooms {
		<-a.done
	}
}
