package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go-proctoring-server/logging"
	"go-proctoring-server/models"
	"go-proctoring-server/proctoring"
	"go-proctoring-server/verification"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

const (
	maxFrameBytes     = 4 << 20
	socketEventBuffer = 32
	socketWriteWait   = 5 * time.Second
)

func handleVerificationSocket(state *ServerState, w http.ResponseWriter, r *http.Request) {
	sessionId := mux.Vars(r)["session_id"]
	pending, err := redeemVerification(state.tokenStorage, sessionId, r.URL.Query().Get("nonce"), PurposeVerify)
	if err != nil {
		respondWithErr(w, http.StatusUnauthorized, "error:session", ERR_INVALID_NONCE_SESSION, err)
		return
	}

	// the verification socket outlives the server's request timeouts
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: state.originPatterns})
	if err != nil {
		slog.Warn("Failed to accept verification socket", "session_id", sessionId, "error", err)
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	session := proctoring.NewSession(pending.ParticipantId, state.now(), state.location)
	session.SetMainDevice(true)

	socket := newVerificationSocket(r.Context(), conn, session, state.validate)
	socket.serve(state)
}

// verificationSocket carries camera frames and control messages from the browser to
// one orchestrator and its events back.
type verificationSocket struct {
	conn     *websocket.Conn
	session  *proctoring.Session
	frames   *verification.FrameBuffer
	validate *validator.Validate
	events   chan verification.Event
	ctx      context.Context
	cancel   context.CancelFunc
	log      *slog.Logger
}

func newVerificationSocket(parent context.Context, conn *websocket.Conn, session *proctoring.Session, validate *validator.Validate) *verificationSocket {
	ctx, cancel := context.WithCancel(parent)
	return &verificationSocket{
		conn:     conn,
		session:  session,
		frames:   verification.NewFrameBuffer(),
		validate: validate,
		events:   make(chan verification.Event, socketEventBuffer),
		ctx:      ctx,
		cancel:   cancel,
		log:      logging.Component("verify_socket").With("key", session.Key, "session", session.ID),
	}
}

// Report queues an event for the browser. It blocks while the queue is full and gives
// up once the socket is gone.
func (s *verificationSocket) Report(e verification.Event) {
	select {
	case s.events <- e:
	case <-s.ctx.Done():
	}
}

func (s *verificationSocket) serve(state *ServerState) {
	ctx, cancel := s.ctx, s.cancel
	defer cancel()

	s.log.Info("Verification socket opened", "participant_id", s.session.ParticipantID)

	orchestrator := verification.NewOrchestrator(s.session, s.frames, s, state.verificationDeps, state.faceConfig, state.gestureConfig)
	runErr := make(chan error, 1)
	go func() {
		runErr <- orchestrator.Run(ctx)
	}()

	readErr := make(chan error, 1)
	go func() {
		readErr <- s.readLoop(ctx, orchestrator, state.now)
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
			s.log.Info("Verification socket closed by client", "reason", websocket.CloseStatus(err))
			cancel()
			<-runErr
			_ = s.conn.CloseNow()
			return
		case err := <-runErr:
			s.flush(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn("Verification ended with error", "error", err)
				_ = s.conn.Close(websocket.StatusPolicyViolation, "verification failed")
				return
			}
			s.log.Info("Participant admitted", "stage", orchestrator.Stage())
			_ = s.conn.Close(websocket.StatusNormalClosure, "admitted")
			return
		}
	}
}

// flush writes the events queued before the orchestrator returned.
func (s *verificationSocket) flush(ctx context.Context) {
	for {
		select {
		case e := <-s.events:
			if err := s.write(ctx, e); err != nil {
				s.log.Warn("Failed to flush event", "type", e.Type, "error", err)
				return
			}
		default:
			return
		}
	}
}

func (s *verificationSocket) write(ctx context.Context, e verification.Event) error {
	ctx, cancel := context.WithTimeout(ctx, socketWriteWait)
	defer cancel()
	return wsjson.Write(ctx, s.conn, e)
}

// readLoop pushes binary messages into the frame buffer and dispatches text messages
// as control messages until the socket fails.
func (s *verificationSocket) readLoop(ctx context.Context, orchestrator *verification.Orchestrator, now func() time.Time) error {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}
		switch typ {
		case websocket.MessageBinary:
			s.frames.Push(data, now())
		case websocket.MessageText:
			s.control(orchestrator, data)
		}
	}
}

func (s *verificationSocket) control(orchestrator *verification.Orchestrator, data []byte) {
	var msg models.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Debug("Ignoring malformed control message", "error", err)
		return
	}
	if err := s.validate.Struct(msg); err != nil {
		s.log.Debug("Ignoring unknown control message", "type", msg.Type)
		return
	}

	var accepted bool
	switch msg.Type {
	case "start":
		accepted = orchestrator.StartGesture()
	case "restart":
		accepted = orchestrator.RestartGesture()
	}
	if !accepted {
		s.Report(verification.Event{Type: verification.EventNotice, Message: "gesture challenge is not active"})
	}
}
