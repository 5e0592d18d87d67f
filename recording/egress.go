package recording

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"time"

	"go-proctoring-server/models"

	"github.com/google/uuid"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
)

type LiveKitConfig struct {
	URL       string `json:"url"`
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
	// OutputDir is the directory of the egress file output.
	OutputDir string `json:"output_dir"`
	Layout    string `json:"layout"`
}

// HostURL is the HTTP(S) origin of the LiveKit server; ws/wss URLs are converted.
func (c LiveKitConfig) HostURL() (string, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return "", fmt.Errorf("invalid livekit url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss", "":
		u.Scheme = "https"
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid livekit url %q: missing host", c.URL)
	}
	return u.Scheme + "://" + u.Host, nil
}

// egressAPI is the part of the LiveKit egress client used here.
type egressAPI interface {
	StartRoomCompositeEgress(ctx context.Context, req *livekit.RoomCompositeEgressRequest) (*livekit.EgressInfo, error)
	ListEgress(ctx context.Context, req *livekit.ListEgressRequest) (*livekit.ListEgressResponse, error)
	StopEgress(ctx context.Context, req *livekit.StopEgressRequest) (*livekit.EgressInfo, error)
}

// EgressController records rooms with LiveKit room composite egress.
type EgressController struct {
	client    egressAPI
	outputDir string
	layout    string
}

func NewEgressController(cfg LiveKitConfig) (*EgressController, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("livekit api key and secret are required")
	}
	host, err := cfg.HostURL()
	if err != nil {
		return nil, err
	}
	return newEgressController(lksdk.NewEgressClient(host, cfg.APIKey, cfg.APISecret), cfg), nil
}

func newEgressController(client egressAPI, cfg LiveKitConfig) *EgressController {
	layout := cfg.Layout
	if layout == "" {
		layout = "grid"
	}
	outputDir := cfg.OutputDir
	if outputDir == "" {
		outputDir = "recordings"
	}
	return &EgressController{client: client, outputDir: outputDir, layout: layout}
}

func (c *EgressController) Start(ctx context.Context, room string) error {
	if room == "" {
		return ErrMissingRoom
	}

	active, err := c.active(ctx, room)
	if err != nil {
		return err
	}
	if len(active) > 0 {
		return ErrAlreadyRecording
	}

	filepath := path.Join(c.outputDir, room, fmt.Sprintf("%s-%s.mp4", time.Now().UTC().Format("20060102-150405"), uuid.NewString()))
	info, err := c.client.StartRoomCompositeEgress(ctx, &livekit.RoomCompositeEgressRequest{
		RoomName: room,
		Layout:   c.layout,
		FileOutputs: []*livekit.EncodedFileOutput{{
			FileType: livekit.EncodedFileType_MP4,
			Filepath: filepath,
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to start egress for room %s: %w", room, err)
	}

	slog.Info("Recording started", "room", room, "egress", info.GetEgressId(), "file", filepath)
	return nil
}

func (c *EgressController) Stop(ctx context.Context, room string) (int, error) {
	if room == "" {
		return 0, ErrMissingRoom
	}

	active, err := c.active(ctx, room)
	if err != nil {
		return 0, err
	}
	if len(active) == 0 {
		return 0, ErrNoActiveRecording
	}

	for _, info := range active {
		if _, err := c.client.StopEgress(ctx, &livekit.StopEgressRequest{EgressId: info.EgressId}); err != nil {
			return 0, fmt.Errorf("failed to stop egress %s: %w", info.EgressId, err)
		}
		slog.Info("Recording stopped", "room", room, "egress", info.EgressId)
	}
	return len(active), nil
}

func (c *EgressController) Active(ctx context.Context, room string) ([]models.RecordingInfo, error) {
	active, err := c.active(ctx, room)
	if err != nil {
		return nil, err
	}
	out := make([]models.RecordingInfo, 0, len(active))
	for _, info := range active {
		out = append(out, models.RecordingInfo{
			EgressId:  info.EgressId,
			RoomName:  info.RoomName,
			Status:    info.Status.String(),
			StartedAt: info.StartedAt,
		})
	}
	return out, nil
}

func (c *EgressController) active(ctx context.Context, room string) ([]*livekit.EgressInfo, error) {
	resp, err := c.client.ListEgress(ctx, &livekit.ListEgressRequest{RoomName: room})
	if err != nil {
		return nil, fmt.Errorf("failed to list egress for room %s: %w", room, err)
	}
	var active []*livekit.EgressInfo
	for _, info := range resp.GetItems() {
		switch info.Status {
		case livekit.EgressStatus_EGRESS_STARTING, livekit.EgressStatus_EGRESS_ACTIVE:
			active = append(active, info)
		}
	}
	return active, nil
}
