package profiles

import (
	"context"
	"slices"
	"sync"
)

type embeddingKey struct {
	participantID string
	photoURL      string
}

type InMemoryStore struct {
	mutex      sync.RWMutex
	profiles   map[string]Profile
	embeddings map[embeddingKey][]float32
}

func NewInMemoryStore(profiles ...Profile) *InMemoryStore {
	s := &InMemoryStore{
		profiles:   make(map[string]Profile),
		embeddings: make(map[embeddingKey][]float32),
	}
	for _, p := range profiles {
		s.profiles[p.ParticipantID] = p
	}
	return s
}

func (s *InMemoryStore) PhotoURL(_ context.Context, participantID string) (string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	p, ok := s.profiles[participantID]
	if !ok || p.PhotoURL == "" {
		return "", ErrNotFound
	}
	return p.PhotoURL, nil
}

func (s *InMemoryStore) PutProfile(_ context.Context, profile Profile) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.profiles[profile.ParticipantID] = profile
	return nil
}

func (s *InMemoryStore) ReferenceEmbedding(_ context.Context, participantID, photoURL string) ([]float32, bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	e, ok := s.embeddings[embeddingKey{participantID, photoURL}]
	return slices.Clone(e), ok, nil
}

func (s *InMemoryStore) SaveReferenceEmbedding(_ context.Context, participantID, photoURL string, embedding []float32) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.embeddings[embeddingKey{participantID, photoURL}] = slices.Clone(embedding)
	return nil
}
