// Package violations keeps the per-participant log of proctoring warnings raised while
// the exam is running.
package violations

import (
	"context"
	"errors"
)

// Collection is the name every violation log lives under.
const Collection = "TESTING-LOG-PELANGGARAN"

type Kind string

const (
	KindNoFace        Kind = "no_face"
	KindMultipleFaces Kind = "multiple_faces"
)

var ErrEmptyParticipant = errors.New("participant id is required")

// Entry is one warning. Timestamp is in unix milliseconds.
type Entry struct {
	Kind      Kind   `json:"kind"`
	Message   string `json:"message"`
	Faces     int    `json:"faces"`
	Timestamp int64  `json:"timestamp"`
}

// Store is an append-only log per participant. Implementations must be safe for
// concurrent use.
type Store interface {
	Append(ctx context.Context, participantID string, entry Entry) error

	// List returns the entries of a participant in the order they were appended. An
	// unknown participant has an empty log.
	List(ctx context.Context, participantID string) ([]Entry, error)
}
