package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"go-proctoring-server/admin"
	"go-proctoring-server/models"
	"go-proctoring-server/presence"
	"go-proctoring-server/recording"
	"go-proctoring-server/records"
	"go-proctoring-server/verification"
	"go-proctoring-server/violations"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"
)

var testConfig = ServerConfig{
	Host:           "localhost",
	Port:           8081,
	UseTls:         false,
	TlsCertPath:    "",
	TlsPrivKeyPath: "",
}

const testBaseURL = "http://localhost:8081"

const testAdminSecret = "test-admin-secret-with-32-bytes!!"

// testNow is inside the day the integration tests write their records for.
var testNow = time.Date(2025, 7, 16, 10, 0, 0, 0, time.UTC)

type testEnv struct {
	state      *ServerState
	storage    *InMemoryTokenStorage
	records    *records.InMemoryStore
	violations *violations.InMemoryStore
	recorder   *fakeRecorder
	uploader   *fakeUploader
	vision     *fakeVision
}

type testOption func(*ServerState)

func startTestServer(t *testing.T, opts ...testOption) *testEnv {
	t.Helper()

	env := &testEnv{
		storage:    NewInMemoryTokenStorage(time.Minute),
		records:    records.NewInMemoryStore(),
		violations: violations.NewInMemoryStore(),
		recorder:   &fakeRecorder{active: map[string]int{}},
		uploader:   &fakeUploader{url: "https://res.example/verified.jpg"},
		vision:     &fakeVision{embedding: []float32{1, 0, 0}},
	}

	adminTokens, err := NewAdminTokenIssuer(testAdminSecret, "")
	require.NoError(t, err)

	monitor := admin.NewMonitor(env.records, time.UTC, func() time.Time { return testNow })
	require.NoError(t, monitor.Start(context.Background()))
	t.Cleanup(monitor.Close)

	gesture := verification.DefaultGestureConfig()
	gesture.AutoStart = false

	env.state = &ServerState{
		tokenStorage: env.storage,
		records:      env.records,
		vision:       env.vision,
		validate:     validator.New(),
		verificationDeps: verification.Deps{
			Vision:     env.vision,
			Records:    env.records,
			Uploader:   env.uploader,
			References: staticReference{embedding: []float32{1, 0, 0}},
		},
		faceConfig: verification.FaceConfig{
			Threshold:      0.4,
			HoldDuration:   50 * time.Millisecond,
			SampleInterval: 10 * time.Millisecond,
		},
		gestureConfig: gesture,
		violations:    env.violations,
		presenceConfig: presence.Config{
			SampleInterval: 10 * time.Millisecond,
			NoFaceHold:     50 * time.Millisecond,
			Cooldown:       time.Hour,
		},
		recorder:    env.recorder,
		inspector:   env.recorder,
		monitor:     monitor,
		adminTokens: adminTokens,
		location:    time.UTC,
		now:         func() time.Time { return testNow },
	}
	for _, opt := range opts {
		opt(env.state)
	}

	srv, err := NewServer(env.state, testConfig)
	require.NoError(t, err)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Errorf("server error: %v", err)
		}
	}()

	waitUntilHealthy(t, testBaseURL+"/api/health")
	t.Cleanup(func() {
		if err := srv.Stop(); err != nil {
			t.Logf("error shutting down server: %v", err)
		}
	})
	return env
}

func waitUntilHealthy(t *testing.T, url string) {
	t.Helper()
	const maxAttempts = 50
	for i := 0; i < maxAttempts; i++ {
		if resp, err := http.Get(url); err == nil {
			_ = resp.Body.Close()
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("server did not start in time")
}

func postJSON[T any](t *testing.T, url string, payload any) (*http.Response, []byte, *T) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewBuffer(b)
	}
	resp, err := http.Post(url, "application/json", body)
	require.NoError(t, err)

	return readResponse[T](t, resp)
}

func getJSON[T any](t *testing.T, url string) (*http.Response, []byte, *T) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	return readResponse[T](t, resp)
}

func adminRequest[T any](t *testing.T, method, url, token string) (*http.Response, []byte, *T) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return readResponse[T](t, resp)
}

func readResponse[T any](t *testing.T, resp *http.Response) (*http.Response, []byte, *T) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var v T
	_ = json.Unmarshal(respBody, &v)
	return resp, respBody, &v
}

func mustStatus(t *testing.T, resp *http.Response, want int, body []byte) {
	t.Helper()
	require.Equalf(t, want, resp.StatusCode, "body: %s", body)
}

// startVerification bootstraps a verification session for participant.
func startVerification(t *testing.T, participant string) (sessionID, nonce string) {
	t.Helper()
	resp, body, sr := postJSON[models.StartVerificationResponse](t, testBaseURL+"/api/verify/start",
		models.StartVerificationRequest{ParticipantId: participant})
	mustStatus(t, resp, http.StatusOK, body)
	require.NotEmpty(t, sr.SessionId)
	require.NotEmpty(t, sr.Nonce)
	return sr.SessionId, sr.Nonce
}

func adminToken(t *testing.T) string {
	t.Helper()
	issuer, err := NewAdminTokenIssuer(testAdminSecret, "")
	require.NoError(t, err)
	token, err := issuer.CreateToken("tester", time.Hour)
	require.NoError(t, err)
	return token
}

func testJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 4), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

// test doubles

type fakeVision struct {
	mutex     sync.Mutex
	embedding []float32
	unhealthy bool
	// extraFaces adds detections beyond the first one.
	extraFaces int
}

func (f *fakeVision) DetectFaces(_ context.Context, _ []byte) ([]models.FaceDetection, error) {
	f.mutex.Lock()
	extra := f.extraFaces
	f.mutex.Unlock()

	face := models.FaceDetection{
		Score:       0.9,
		BoundingBox: &models.BoundingBox{OriginX: 8, OriginY: 8, Width: 32, Height: 32},
	}
	faces := []models.FaceDetection{face}
	for i := 0; i < extra; i++ {
		faces = append(faces, face)
	}
	return faces, nil
}

func (f *fakeVision) Embed(_ context.Context, _ []byte) ([]float32, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]float32(nil), f.embedding...), nil
}

func (f *fakeVision) RecognizeGesture(_ context.Context, _ []byte) ([][]models.GestureCategory, error) {
	return nil, nil
}

func (f *fakeVision) HealthCheck(_ context.Context) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.unhealthy {
		return errors.New("inference down")
	}
	return nil
}

type fakeUploader struct {
	mutex sync.Mutex
	url   string
	names []string
}

func (f *fakeUploader) Upload(_ context.Context, filename string, _ []byte) (string, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.names = append(f.names, filename)
	return f.url, nil
}

func (f *fakeUploader) uploaded() []string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]string(nil), f.names...)
}

type staticReference struct {
	embedding []float32
}

func (s staticReference) Resolve(_ context.Context, _ string) (verification.Reference, error) {
	return verification.Reference{PhotoURL: "https://photos.example/ref.jpg", Embedding: s.embedding}, nil
}

// fakeRecorder keeps a count of active recordings per room.
type fakeRecorder struct {
	mutex    sync.Mutex
	active   map[string]int
	startErr error
}

func (f *fakeRecorder) Start(_ context.Context, room string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	if f.active[room] > 0 {
		return recording.ErrAlreadyRecording
	}
	f.active[room]++
	return nil
}

func (f *fakeRecorder) Stop(_ context.Context, room string) (int, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	n := f.active[room]
	if n == 0 {
		return 0, recording.ErrNoActiveRecording
	}
	delete(f.active, room)
	return n, nil
}

func (f *fakeRecorder) Active(_ context.Context, room string) ([]models.RecordingInfo, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	var out []models.RecordingInfo
	for i := 0; i < f.active[room]; i++ {
		out = append(out, models.RecordingInfo{EgressId: "EG_test", RoomName: room, Status: "EGRESS_ACTIVE"})
	}
	return out, nil
}
