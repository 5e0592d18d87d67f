// Package inference talks to the vision sidecar that runs face detection, image
// embedding and gesture recognition models.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go-proctoring-server/images"
	"go-proctoring-server/models"
)

// Client defines the vision operations the verification gates depend on.
type Client interface {
	// DetectFaces returns every face found in a JPEG/PNG image with its confidence.
	DetectFaces(ctx context.Context, image []byte) ([]models.FaceDetection, error)

	// Embed returns the embedding vector of an image (usually a face crop).
	Embed(ctx context.Context, image []byte) ([]float32, error)

	// RecognizeGesture returns the ranked gesture categories per detected hand.
	RecognizeGesture(ctx context.Context, image []byte) ([][]models.GestureCategory, error)

	// HealthCheck verifies the inference service is available
	HealthCheck(ctx context.Context) error
}

// HTTPClient implements Client against the sidecar's JSON API.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient creates a new instance of HTTPClient
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *HTTPClient) DetectFaces(ctx context.Context, image []byte) ([]models.FaceDetection, error) {
	var resp models.FaceDetectResponse
	if err := c.postImage(ctx, "/api/detect", image, &resp); err != nil {
		return nil, fmt.Errorf("face detection failed: %w", err)
	}
	slog.Debug("Face detection completed", "faces", len(resp.Detections))
	return resp.Detections, nil
}

func (c *HTTPClient) Embed(ctx context.Context, image []byte) ([]float32, error) {
	var resp models.EmbedResponse
	if err := c.postImage(ctx, "/api/embed", image, &resp); err != nil {
		return nil, fmt.Errorf("embedding failed: %w", err)
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("embedding failed: empty embedding returned")
	}
	return resp.Embedding, nil
}

func (c *HTTPClient) RecognizeGesture(ctx context.Context, image []byte) ([][]models.GestureCategory, error) {
	var resp models.GestureResponse
	if err := c.postImage(ctx, "/api/gesture", image, &resp); err != nil {
		return nil, fmt.Errorf("gesture recognition failed: %w", err)
	}
	return resp.Gestures, nil
}

// HealthCheck verifies the inference service is available
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	url := fmt.Sprintf("%s/api/healthz", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute health check request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("health check failed with status %d: %s", resp.StatusCode, string(body))
	}

	slog.Debug("Inference service health check passed")
	return nil
}

func (c *HTTPClient) postImage(ctx context.Context, path string, image []byte, out any) error {
	url := c.baseURL + path

	jsonData, err := json.Marshal(models.ImageRequest{Image: images.Base64(image)})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
