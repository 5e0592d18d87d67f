package verification

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go-proctoring-server/images"
	"go-proctoring-server/inference"
	"go-proctoring-server/profiles"
)

var (
	ErrNoReferencePhoto = errors.New("reference photo not available")
	ErrNoReferenceFace  = errors.New("no face found in reference photo")
)

const maxReferenceBytes = 10 << 20

// Reference is the face the live camera is compared against.
type Reference struct {
	PhotoURL  string
	Embedding []float32
	// Crop is the JPEG face crop, empty when the embedding came from the cache.
	Crop []byte
}

// ReferenceResolver turns a participant id into a reference embedding.
type ReferenceResolver struct {
	profiles   profiles.Store
	vision     inference.Client
	httpClient *http.Client
}

func NewReferenceResolver(store profiles.Store, vision inference.Client, timeout time.Duration) *ReferenceResolver {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ReferenceResolver{
		profiles:   store,
		vision:     vision,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Resolve looks up the participant's photo, finds the most confident face in it and
// embeds the face crop. Embeddings are cached per participant and photo URL.
func (r *ReferenceResolver) Resolve(ctx context.Context, participantID string) (Reference, error) {
	url, err := r.profiles.PhotoURL(ctx, participantID)
	if errors.Is(err, profiles.ErrNotFound) {
		return Reference{}, ErrNoReferencePhoto
	}
	if err != nil {
		return Reference{}, fmt.Errorf("%w: %v", ErrNoReferencePhoto, err)
	}

	if cached, ok, err := r.profiles.ReferenceEmbedding(ctx, participantID, url); err != nil {
		slog.Warn("Reference embedding cache read failed", "participant", participantID, "error", err)
	} else if ok {
		slog.Debug("Using cached reference embedding", "participant", participantID)
		return Reference{PhotoURL: url, Embedding: cached}, nil
	}

	photo, err := r.fetch(ctx, url)
	if err != nil {
		return Reference{}, fmt.Errorf("%w: %v", ErrNoReferencePhoto, err)
	}

	crop, err := faceCrop(ctx, r.vision, photo)
	if errors.Is(err, errNoFace) {
		return Reference{}, ErrNoReferenceFace
	}
	if err != nil {
		return Reference{}, fmt.Errorf("failed to process reference photo: %w", err)
	}

	embedding, err := r.vision.Embed(ctx, crop)
	if err != nil {
		return Reference{}, fmt.Errorf("failed to embed reference face: %w", err)
	}

	if err := r.profiles.SaveReferenceEmbedding(ctx, participantID, url, embedding); err != nil {
		slog.Warn("Failed to cache reference embedding", "participant", participantID, "error", err)
	}

	return Reference{PhotoURL: url, Embedding: embedding, Crop: crop}, nil
}

func (r *ReferenceResolver) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create photo request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch photo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("photo request returned status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxReferenceBytes))
}

var errNoFace = errors.New("no face detected")

// faceCrop returns the JPEG crop of the most confident face in image.
func faceCrop(ctx context.Context, vision inference.Client, image []byte) ([]byte, error) {
	detections, err := vision.DetectFaces(ctx, image)
	if err != nil {
		return nil, err
	}
	best, ok := inference.BestFace(detections)
	if !ok {
		return nil, errNoFace
	}

	img, err := images.Decode(image)
	if err != nil {
		return nil, err
	}
	cropped, err := images.Crop(img, *best.BoundingBox)
	if err != nil {
		return nil, errNoFace
	}
	return images.EncodeJPEG(cropped, images.MaxSide)
}
