package violations

import (
	"context"
	"slices"
	"sync"
)

type InMemoryStore struct {
	mutex sync.Mutex
	logs  map[string][]Entry
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{logs: make(map[string][]Entry)}
}

func (s *InMemoryStore) Append(_ context.Context, participantID string, entry Entry) error {
	if participantID == "" {
		return ErrEmptyParticipant
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.logs[participantID] = append(s.logs[participantID], entry)
	return nil
}

func (s *InMemoryStore) List(_ context.Context, participantID string) ([]Entry, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	entries := slices.Clone(s.logs[participantID])
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}
