// Package proctoring holds the per-session context shared by the verification gates and
// the auto-record watcher of one participant on one day.
package proctoring

import (
	"sync"
	"time"

	"go-proctoring-server/records"

	"github.com/google/uuid"
)

// Session is created when a participant starts verification or a room is attached, and
// dropped when that session ends.
type Session struct {
	ID            string
	ParticipantID string
	Date          string
	Key           string
	StartedAt     time.Time

	mutex           sync.RWMutex
	hydrated        bool
	mainDevice      bool
	startProctoring bool
}

// Flags is a point-in-time copy of the session flags.
type Flags struct {
	Hydrated        bool `json:"hydrated"`
	MainDevice      bool `json:"main_device"`
	StartProctoring bool `json:"start_proctoring"`
}

// NewSession binds a participant to the calendar day of now in loc.
func NewSession(participantID string, now time.Time, loc *time.Location) *Session {
	date := records.DateString(now, loc)
	return &Session{
		ID:            uuid.NewString(),
		ParticipantID: participantID,
		Date:          date,
		Key:           records.Key(date, participantID),
		StartedAt:     now,
	}
}

func (s *Session) SetHydrated(v bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.hydrated = v
}

func (s *Session) SetMainDevice(v bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.mainDevice = v
}

func (s *Session) SetStartProctoring(v bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.startProctoring = v
}

func (s *Session) Flags() Flags {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return Flags{
		Hydrated:        s.hydrated,
		MainDevice:      s.mainDevice,
		StartProctoring: s.startProctoring,
	}
}
