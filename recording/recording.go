// Package recording starts and stops room recordings.
package recording

import (
	"context"
	"errors"

	"go-proctoring-server/models"
)

var (
	// ErrAlreadyRecording means a recording of the room is already starting or active.
	ErrAlreadyRecording = errors.New("recording already active")
	// ErrNoActiveRecording means there was nothing to stop.
	ErrNoActiveRecording = errors.New("no active recording found")
	ErrMissingRoom       = errors.New("missing room name")
)

// Controller starts and stops the recording of a room.
type Controller interface {
	Start(ctx context.Context, room string) error
	// Stop stops every starting or active recording of the room and returns how many
	// were stopped.
	Stop(ctx context.Context, room string) (int, error)
}

// Inspector lists the recordings of a room that are starting or active.
type Inspector interface {
	Active(ctx context.Context, room string) ([]models.RecordingInfo, error)
}
