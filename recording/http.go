package recording

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPController drives recordings through the /api/record endpoints of another
// deployment of this server.
type HTTPController struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPController(baseURL string, timeout time.Duration) *HTTPController {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPController{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPController) Start(ctx context.Context, room string) error {
	status, body, err := c.call(ctx, "start", room)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK:
		return nil
	case http.StatusConflict:
		return ErrAlreadyRecording
	case http.StatusForbidden:
		return ErrMissingRoom
	default:
		return fmt.Errorf("record start failed with status %d: %s", status, body)
	}
}

func (c *HTTPController) Stop(ctx context.Context, room string) (int, error) {
	status, body, err := c.call(ctx, "stop", room)
	if err != nil {
		return 0, err
	}
	switch status {
	case http.StatusOK:
		return 1, nil
	case http.StatusNotFound:
		return 0, ErrNoActiveRecording
	case http.StatusForbidden:
		return 0, ErrMissingRoom
	default:
		return 0, fmt.Errorf("record stop failed with status %d: %s", status, body)
	}
}

func (c *HTTPController) call(ctx context.Context, action, room string) (int, string, error) {
	endpoint := fmt.Sprintf("%s/api/record/%s?%s", c.baseURL, action, url.Values{"roomName": {room}}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, "", fmt.Errorf("failed to create record %s request: %w", action, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("failed to execute record %s request: %w", action, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, string(body), nil
}
