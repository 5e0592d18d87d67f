package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"go-proctoring-server/logging"
	"go-proctoring-server/presence"
	"go-proctoring-server/records"
	"go-proctoring-server/verification"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gorilla/mux"
)

func handleRoomSocket(state *ServerState, w http.ResponseWriter, r *http.Request) {
	sessionId := mux.Vars(r)["session_id"]
	pending, err := redeemVerification(state.tokenStorage, sessionId, r.URL.Query().Get("nonce"), PurposeRoom)
	if err != nil {
		respondWithErr(w, http.StatusUnauthorized, "error:session", ERR_INVALID_NONCE_SESSION, err)
		return
	}

	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: state.originPatterns})
	if err != nil {
		slog.Warn("Failed to accept room socket", "session_id", sessionId, "error", err)
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	socket := newRoomSocket(r.Context(), conn, pending.ParticipantId, records.Key(state.today(), pending.ParticipantId))
	socket.serve(state)
}

// roomSocket carries the exam camera to a presence monitor and sends its events and
// briefing video requests back.
type roomSocket struct {
	conn          *websocket.Conn
	participantId string
	key           string
	frames        *verification.FrameBuffer
	events        chan presence.Event
	ctx           context.Context
	cancel        context.CancelFunc
	log           *slog.Logger
}

func newRoomSocket(parent context.Context, conn *websocket.Conn, participantId, key string) *roomSocket {
	ctx, cancel := context.WithCancel(parent)
	return &roomSocket{
		conn:          conn,
		participantId: participantId,
		key:           key,
		frames:        verification.NewFrameBuffer(),
		events:        make(chan presence.Event, socketEventBuffer),
		ctx:           ctx,
		cancel:        cancel,
		log:           logging.Component("room_socket").With("key", key),
	}
}

func (s *roomSocket) Report(e presence.Event) {
	select {
	case s.events <- e:
	case <-s.ctx.Done():
	}
}

func (s *roomSocket) serve(state *ServerState) {
	ctx, cancel := s.ctx, s.cancel
	defer cancel()

	s.log.Info("Room socket opened", "participant_id", s.participantId)

	unsubscribe, err := presence.WatchBriefing(ctx, state.records, s.key, s)
	if err != nil {
		s.log.Error("Failed to watch briefing requests", "error", err)
		_ = s.conn.Close(websocket.StatusInternalError, "record unavailable")
		return
	}
	defer unsubscribe()

	monitor := presence.NewMonitor(state.presenceConfig, s.participantId, s.frames, s, presence.Deps{
		Vision:     state.vision,
		Violations: state.violations,
		Clock:      state.verificationDeps.Clock,
	})
	runErr := make(chan error, 1)
	go func() {
		runErr <- monitor.Run(ctx)
	}()

	readErr := make(chan error, 1)
	go func() {
		readErr <- s.readLoop(ctx, state.now)
	}()

	for {
		select {
		case e := <-s.events:
			if err := s.write(ctx, e); err != nil {
				s.log.Warn("Failed to write event", "type", e.Type, "error", err)
				cancel()
				<-runErr
				_ = s.conn.Close(websocket.StatusGoingAway, "write failed")
				return
			}
		case err := <-readErr:
			s.log.Info("Room socket closed by client", "reason", websocket.CloseStatus(err))
			cancel()
			<-runErr
			_ = s.conn.CloseNow()
			return
		}
	}
}

func (s *roomSocket) write(ctx context.Context, e presence.Event) error {
	ctx, cancel := context.WithTimeout(ctx, socketWriteWait)
	defer cancel()
	return wsjson.Write(ctx, s.conn, e)
}

// readLoop keeps the latest camera frame. Text messages are ignored.
func (s *roomSocket) readLoop(ctx context.Context, now func() time.Time) error {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ == websocket.MessageBinary {
			s.frames.Push(data, now())
		}
	}
}
