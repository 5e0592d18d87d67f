// Package evidence stores the face crop that passed verification on an external image
// host and returns its public URL.
package evidence

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/cloudinary/cloudinary-go/v2/config"
)

// Uploader stores a JPEG image and returns the URL it is served from.
type Uploader interface {
	Upload(ctx context.Context, filename string, jpeg []byte) (string, error)
}

var ErrNoURL = errors.New("upload response did not contain a secure_url")

const defaultEndpoint = "https://api.cloudinary.com"

type CloudinaryConfig struct {
	CloudName    string `json:"cloud_name"`
	UploadPreset string `json:"upload_preset"`
	// Endpoint overrides the API host, mostly for tests.
	Endpoint string `json:"endpoint,omitempty"`
}

// CloudinaryUploader performs unsigned uploads through an upload preset.
type CloudinaryUploader struct {
	config  CloudinaryConfig
	cld     *cloudinary.Cloudinary
	timeout time.Duration
}

func NewCloudinaryUploader(cfg CloudinaryConfig, timeout time.Duration) (*CloudinaryUploader, error) {
	if cfg.CloudName == "" {
		return nil, fmt.Errorf("cloudinary cloud name is required")
	}
	if cfg.UploadPreset == "" {
		return nil, fmt.Errorf("cloudinary upload preset is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	// unsigned uploads need no api key or secret
	conf, err := config.NewFromParams(cfg.CloudName, "", "")
	if err != nil {
		return nil, fmt.Errorf("failed to configure cloudinary: %w", err)
	}
	conf.API.UploadPrefix = cfg.Endpoint

	cld, err := cloudinary.NewFromConfiguration(*conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create cloudinary client: %w", err)
	}
	return &CloudinaryUploader{config: cfg, cld: cld, timeout: timeout}, nil
}

func (u *CloudinaryUploader) Upload(ctx context.Context, filename string, jpeg []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	result, err := u.cld.Upload.UnsignedUpload(ctx, bytes.NewReader(jpeg), u.config.UploadPreset, uploader.UploadParams{
		PublicID: strings.TrimSuffix(filename, ".jpg"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", filename, err)
	}
	if result.Error.Message != "" {
		return "", fmt.Errorf("upload rejected: %s", result.Error.Message)
	}
	if result.SecureURL == "" {
		return "", ErrNoURL
	}

	slog.Debug("Evidence uploaded", "file", filename, "url", result.SecureURL)
	return result.SecureURL, nil
}
