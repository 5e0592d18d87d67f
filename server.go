package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go-proctoring-server/admin"
	"go-proctoring-server/autorecord"
	"go-proctoring-server/inference"
	"go-proctoring-server/models"
	"go-proctoring-server/presence"
	"go-proctoring-server/recording"
	"go-proctoring-server/records"
	"go-proctoring-server/verification"
	"go-proctoring-server/violations"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/unrolled/secure"
)

const ErrorInternal = "error:internal"
const ErrorBadRequest = "error:bad-request"
const ERR_TOKEN_STORE = "failed to store verification token"
const ERR_TOKEN_RETRIEVAL = "failed to get verification token from storage"
const ERR_INVALID_NONCE_SESSION = "invalid session or nonce"
const ERR_RECORD_READ = "failed to read verification record"
const ERR_NOT_ADMITTED = "participant has not been admitted today"

const maxRequestBody = 64 << 10

type ServerConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port" validate:"gte=0,lte=65535"`
	UseTls         bool   `json:"use_tls,omitempty"`
	TlsPrivKeyPath string `json:"tls_priv_key_path,omitempty"`
	TlsCertPath    string `json:"tls_cert_path,omitempty"`
}

type ServerState struct {
	tokenStorage TokenStorage
	records      records.Store
	vision       inference.Client
	validate     *validator.Validate

	verificationDeps verification.Deps
	faceConfig       verification.FaceConfig
	gestureConfig    verification.GestureConfig
	originPatterns   []string

	violations     violations.Store
	presenceConfig presence.Config

	recorder  recording.Controller
	inspector recording.Inspector
	registry  *autorecord.Registry
	webhook   http.Handler

	monitor     *admin.Monitor
	adminTokens *AdminTokenIssuer

	staticPath string
	location   *time.Location
	now        func() time.Time
}

func (s *ServerState) today() string {
	return records.DateString(s.now(), s.location)
}

type SpaHandler struct {
	staticPath string
	indexPath  string
}

type Server struct {
	server *http.Server
	config ServerConfig
}

func (s *Server) ListenAndServe() error {
	if s.config.UseTls {
		slog.Info("Starting server with TLS", "host", s.config.Host, "port", s.config.Port, "cert", s.config.TlsCertPath, "key", s.config.TlsPrivKeyPath)
		return s.server.ListenAndServeTLS(s.config.TlsCertPath, s.config.TlsPrivKeyPath)
	} else {
		slog.Info("Starting server without TLS", "host", s.config.Host, "port", s.config.Port)
		return s.server.ListenAndServe()
	}
}

func (s *Server) Stop() error {
	slog.Info("Shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	if err != nil {
		slog.Error("Error during server shutdown", "error", err)
	} else {
		slog.Info("Server shut down successfully")
	}
	return err
}

// ServeHTTP inspects the URL path to locate a file within the static dir
// on the SPA handler. If a file is found, it will be served. If not, the
// file located at the index path on the SPA handler will be served. This
// is suitable behavior for serving an SPA (single page application).
// https://github.com/gorilla/mux?tab=readme-ov-file#serving-single-page-applications
func (h SpaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	slog.Debug("SPA handler serving request", "path", r.URL.Path)
	// Join internally call path.Clean to prevent directory traversal
	path := filepath.Join(h.staticPath, r.URL.Path)
	fi, err := os.Stat(path)
	if os.IsNotExist(err) || (err == nil && fi.IsDir()) {
		// rooms, verification and admin pages are client side routes
		http.ServeFile(w, r, filepath.Join(h.staticPath, h.indexPath))
		return
	}

	if err != nil {
		slog.Error("Error stating file", "path", path, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	http.FileServer(http.Dir(h.staticPath)).ServeHTTP(w, r)
}

func securityHeaders(config ServerConfig) *secure.Secure {
	return secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
		ReferrerPolicy:     "same-origin",
		// camera access is needed by the verification page itself
		PermissionsPolicy: "camera=(self), microphone=(self)",
		IsDevelopment:     !config.UseTls,
	})
}

func NewServer(state *ServerState, config ServerConfig) (*Server, error) {
	slog.Info("Creating new server", "host", config.Host, "port", config.Port, "tls", config.UseTls)
	if state.validate == nil {
		state.validate = validator.New()
	}
	if state.now == nil {
		state.now = time.Now
	}
	if state.location == nil {
		state.location = time.UTC
	}

	router := mux.NewRouter()
	router.Use(securityHeaders(config).Handler)

	router.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		handleHealth(state, w, r)
	}).Methods(http.MethodGet)

	router.HandleFunc("/api/verify/start", func(w http.ResponseWriter, r *http.Request) {
		handleStartVerification(state, w, r)
	})
	router.HandleFunc("/api/verify/{session_id}/ws", func(w http.ResponseWriter, r *http.Request) {
		handleVerificationSocket(state, w, r)
	}).Methods(http.MethodGet)
	router.HandleFunc("/api/verify/{participant_id}/status", func(w http.ResponseWriter, r *http.Request) {
		handleVerificationStatus(state, w, r)
	}).Methods(http.MethodGet)
	router.HandleFunc("/api/rooms/start", func(w http.ResponseWriter, r *http.Request) {
		handleStartRoomSession(state, w, r)
	})
	router.HandleFunc("/api/rooms/{session_id}/ws", func(w http.ResponseWriter, r *http.Request) {
		handleRoomSocket(state, w, r)
	}).Methods(http.MethodGet)
	router.HandleFunc("/api/gestures", func(w http.ResponseWriter, r *http.Request) {
		handleGestureCatalog(state, w, r)
	}).Methods(http.MethodGet)

	router.HandleFunc("/api/record/start", func(w http.ResponseWriter, r *http.Request) {
		handleRecordStart(state, w, r)
	}).Methods(http.MethodGet)
	router.HandleFunc("/api/record/stop", func(w http.ResponseWriter, r *http.Request) {
		handleRecordStop(state, w, r)
	}).Methods(http.MethodGet)

	if state.webhook != nil {
		router.Handle("/api/livekit/webhook", state.webhook).Methods(http.MethodPost)
	}

	if state.adminTokens != nil {
		registerAdminRoutes(router.PathPrefix("/api/admin").Subrouter(), state)
	}

	slog.Debug("Registered all API routes")

	if state.staticPath != "" {
		spa := SpaHandler{staticPath: state.staticPath, indexPath: "index.html"}
		router.PathPrefix("/").Handler(spa)
	}

	addr := fmt.Sprintf("%v:%v", config.Host, config.Port)
	srv := &http.Server{
		Handler: router,
		Addr:    addr,
		// streaming handlers lift these on their own connection
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	slog.Info("Server created successfully", "address", addr)
	return &Server{
		server: srv,
		config: config,
	}, nil
}

func handleHealth(state *ServerState, w http.ResponseWriter, r *http.Request) {
	slog.Debug("Health check request received")
	status := map[string]bool{"ok": true, "inference": true}
	code := http.StatusOK
	if state.vision != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := state.vision.HealthCheck(ctx); err != nil {
			slog.Warn("Inference service unhealthy", "error", err)
			status["ok"] = false
			status["inference"] = false
			code = http.StatusServiceUnavailable
		}
	}
	_ = writeJSON(w, code, status)
}

func handleStartVerification(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	if !requirePOST(w, r) {
		return
	}

	var request models.StartVerificationRequest
	if err := decodeValidated(state.validate, r, &request); err != nil {
		respondWithErr(w, http.StatusBadRequest, ErrorBadRequest, "invalid verification start request", err)
		return
	}

	sessionId := GenerateSessionId()
	nonce, err := GenerateNonce(16)
	if sessionId == "" || err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, "failed to generate session", err)
		return
	}

	issueSession(state, w, PendingVerification{ParticipantId: request.ParticipantId, Nonce: nonce, Purpose: PurposeVerify}, sessionId)
}

// handleStartRoomSession issues the token of the exam room socket. Only a participant
// admitted today gets one.
func handleStartRoomSession(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	if !requirePOST(w, r) {
		return
	}

	var request models.StartVerificationRequest
	if err := decodeValidated(state.validate, r, &request); err != nil {
		respondWithErr(w, http.StatusBadRequest, ErrorBadRequest, "invalid room session request", err)
		return
	}

	rec, err := state.records.Get(r.Context(), records.Key(state.today(), request.ParticipantId))
	if err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_RECORD_READ, err)
		return
	}
	if !rec.Admitted() {
		respondWithErr(w, http.StatusForbidden, "error:not-admitted", ERR_NOT_ADMITTED, nil)
		return
	}

	sessionId := GenerateSessionId()
	nonce, err := GenerateNonce(16)
	if sessionId == "" || err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, "failed to generate session", err)
		return
	}

	issueSession(state, w, PendingVerification{ParticipantId: request.ParticipantId, Nonce: nonce, Purpose: PurposeRoom}, sessionId)
}

func issueSession(state *ServerState, w http.ResponseWriter, pending PendingVerification, sessionId string) {
	if err := state.tokenStorage.StoreToken(sessionId, pending); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_TOKEN_STORE, err)
		return
	}

	slog.Info("Session issued", "purpose", pending.Purpose, "session_id", sessionId, "participant_id", pending.ParticipantId)
	_ = writeJSON(w, http.StatusOK, models.StartVerificationResponse{SessionId: sessionId, Nonce: pending.Nonce})
}

// redeemVerification consumes the pending verification of a session id. The token is
// removed even when the nonce does not match.
func redeemVerification(storage TokenStorage, sessionId, nonce, purpose string) (PendingVerification, error) {
	slog.Debug("Validating session and nonce", "session_id", sessionId)
	pending, err := storage.TakeToken(sessionId)
	if err != nil {
		slog.Warn("Failed to retrieve token from storage", "session_id", sessionId, "error", err)
		return PendingVerification{}, fmt.Errorf("%s: %w", ERR_TOKEN_RETRIEVAL, err)
	}

	if pending.Nonce == "" || pending.Nonce != nonce || pending.Purpose != purpose {
		slog.Warn("Invalid nonce or session", "session_id", sessionId, "nonce_empty", pending.Nonce == "", "purpose", pending.Purpose)
		return PendingVerification{}, fmt.Errorf("%s", ERR_INVALID_NONCE_SESSION)
	}

	slog.Debug("Session validation successful", "session_id", sessionId)
	return pending, nil
}

func handleVerificationStatus(state *ServerState, w http.ResponseWriter, r *http.Request) {
	participantId := mux.Vars(r)["participant_id"]
	key := records.Key(state.today(), participantId)

	rec, err := state.records.Get(r.Context(), key)
	if err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_RECORD_READ, err)
		return
	}

	_ = writeJSON(w, http.StatusOK, models.VerificationStatus{
		ParticipantId: participantId,
		Key:           key,
		IsVerified:    rec.IsVerified,
		HandGesture:   rec.HandGesture,
		Admitted:      rec.Admitted(),
	})
}

func handleGestureCatalog(state *ServerState, w http.ResponseWriter, r *http.Request) {
	catalog := state.verificationDeps.Catalog
	if catalog == nil {
		catalog = verification.DefaultCatalog()
	}
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_ = writeJSON(w, http.StatusOK, catalog.Gestures)
}

func handleRecordStart(state *ServerState, w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("roomName")
	if room == "" {
		respondWithErr(w, http.StatusForbidden, "error:missing-room", "record start without room name", recording.ErrMissingRoom)
		return
	}

	err := state.recorder.Start(r.Context(), room)
	switch {
	case err == nil:
		slog.Info("Recording started", "room", room)
		_ = writeJSON(w, http.StatusOK, map[string]string{"room_name": room, "status": "started"})
	case errors.Is(err, recording.ErrAlreadyRecording):
		respondWithErr(w, http.StatusConflict, "error:already-recording", "recording already active", err)
	case errors.Is(err, recording.ErrMissingRoom):
		respondWithErr(w, http.StatusForbidden, "error:missing-room", "recording start rejected", err)
	default:
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, "failed to start recording", err)
	}
}

func handleRecordStop(state *ServerState, w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("roomName")
	if room == "" {
		respondWithErr(w, http.StatusForbidden, "error:missing-room", "record stop without room name", recording.ErrMissingRoom)
		return
	}

	stopped, err := state.recorder.Stop(r.Context(), room)
	switch {
	case err == nil:
		slog.Info("Recording stopped", "room", room, "stopped", stopped)
		_ = writeJSON(w, http.StatusOK, models.StopRecordingsResponse{RoomName: room, Stopped: stopped})
	case errors.Is(err, recording.ErrNoActiveRecording):
		respondWithErr(w, http.StatusNotFound, "error:not-recording", "no active recording", err)
	case errors.Is(err, recording.ErrMissingRoom):
		respondWithErr(w, http.StatusForbidden, "error:missing-room", "recording stop rejected", err)
	default:
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, "failed to stop recording", err)
	}
}

func GenerateSessionId() string {
	sessionId := make([]byte, 16)
	if _, err := rand.Read(sessionId); err != nil {
		slog.Error("failed to generate session ID", "error", err)
		return ""
	}
	hexId := fmt.Sprintf("%x", sessionId)
	slog.Debug("Session ID generated successfully", "session_id", hexId)
	return hexId
}

// GenerateNonce Generates a random nonce
func GenerateNonce(i int) (string, error) {
	nonce := make([]byte, i)
	if _, err := rand.Read(nonce); err != nil {
		slog.Error("failed to generate nonce", "error", err)
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	hexString := hex.EncodeToString(nonce)
	slog.Debug("Nonce generated successfully", "length", i)
	return hexString, nil
}

func respondWithErr(w http.ResponseWriter, code int, responseBody string, logMsg string, e error) {
	slog.Error(logMsg, "error", e, "status_code", code, "response_body", responseBody)
	w.WriteHeader(code)
	if _, err := w.Write([]byte(responseBody)); err != nil {
		slog.Error("failed to write body to http response", "error", err)
	}
}

// helpers ------------

func closeRequestBody(r *http.Request) {
	if err := r.Body.Close(); err != nil {
		slog.Error("failed to close request body", "error", err)
	}

}

func requirePOST(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		slog.Debug("Non-POST request rejected", "method", r.Method, "path", r.URL.Path)
		respondWithErr(w, http.StatusMethodNotAllowed, "method not allowed", "invalid method", nil)
		return false
	}
	return true
}

// decodeValidated decodes a JSON request body into v and runs its validate tags.
func decodeValidated(validate *validator.Validate, r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("field %s failed %q validation", verrs[0].Field(), verrs[0].Tag())
		}
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	slog.Debug("Writing JSON response", "status_code", status)
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to marshal JSON payload", "error", err)
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(payload)
	if err != nil {
		slog.Error("failed to write body to http response", "error", err)
	}
	return nil
}
