// Package profiles resolves a participant's reference photo and caches the face
// embedding extracted from it.
package profiles

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a participant has no profile or no photo URL on it.
var ErrNotFound = errors.New("reference photo not found")

type Profile struct {
	ParticipantID string `json:"participant_id"`
	PhotoURL      string `json:"photo_url"`
}

// Store is the participant directory used by the face gate.
type Store interface {
	// PhotoURL returns the reference photo URL, or ErrNotFound.
	PhotoURL(ctx context.Context, participantID string) (string, error)

	PutProfile(ctx context.Context, profile Profile) error

	// ReferenceEmbedding returns a cached embedding for the participant and photo URL.
	// A changed photo URL is a cache miss.
	ReferenceEmbedding(ctx context.Context, participantID, photoURL string) ([]float32, bool, error)

	SaveReferenceEmbedding(ctx context.Context, participantID, photoURL string, embedding []float32) error
}
