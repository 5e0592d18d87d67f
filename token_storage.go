package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrTokenNotFound = errors.New("verification token not found")

// Session purposes. A token only opens the socket it was issued for.
const (
	PurposeVerify = "verify"
	PurposeRoom   = "room"
)

// PendingVerification is handed out by /api/verify/start or /api/rooms/start and
// redeemed, once, when the participant opens the matching socket.
type PendingVerification struct {
	ParticipantId string `json:"participant_id"`
	Nonce         string `json:"nonce"`
	Purpose       string `json:"purpose"`
}

type pendingEntry struct {
	pending PendingVerification
	expires time.Time
}

type InMemoryTokenStorage struct {
	TokenMap map[string]pendingEntry
	ttl      time.Duration
	now      func() time.Time
	mutex    sync.Mutex
}

func NewInMemoryTokenStorage(ttl time.Duration) *InMemoryTokenStorage {
	return &InMemoryTokenStorage{
		TokenMap: make(map[string]pendingEntry),
		ttl:      ttl,
		now:      time.Now,
	}
}

type RedisTokenStorage struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
}

func NewRedisTokenStorage(client *redis.Client, namespace string, ttl time.Duration) *RedisTokenStorage {
	return &RedisTokenStorage{client: client, namespace: namespace, ttl: ttl}
}

// Should be safe to use in concurreny
type TokenStorage interface {
	// Store the pending verification for the given session id, replacing any
	// previous value. Entries expire after the storage's ttl.
	StoreToken(sessionId string, pending PendingVerification) error

	// TakeToken returns the pending verification and removes it in the same step,
	// so a session id can be redeemed only once. A missing or expired entry is
	// ErrTokenNotFound.
	TakeToken(sessionId string) (PendingVerification, error)
}

// ------------------------------------------------------------------------------

func createKey(namespace, sessionId string) string {
	return fmt.Sprintf("%s:verify-token:%s", namespace, sessionId)
}

func (s *RedisTokenStorage) StoreToken(sessionId string, pending PendingVerification) error {
	ctx := context.Background()
	payload, err := json.Marshal(pending)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, createKey(s.namespace, sessionId), payload, s.ttl).Err()
}

func (s *RedisTokenStorage) TakeToken(sessionId string) (PendingVerification, error) {
	ctx := context.Background()
	payload, err := s.client.GetDel(ctx, createKey(s.namespace, sessionId)).Bytes()
	if errors.Is(err, redis.Nil) {
		return PendingVerification{}, ErrTokenNotFound
	}
	if err != nil {
		return PendingVerification{}, err
	}
	var pending PendingVerification
	if err := json.Unmarshal(payload, &pending); err != nil {
		return PendingVerification{}, fmt.Errorf("corrupt verification token %s: %w", sessionId, err)
	}
	return pending, nil
}

// ------------------------------------------------------------------------------

func (s *InMemoryTokenStorage) StoreToken(sessionId string, pending PendingVerification) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.evictExpiredLocked()
	s.TokenMap[sessionId] = pendingEntry{pending: pending, expires: s.now().Add(s.ttl)}
	return nil
}

func (s *InMemoryTokenStorage) TakeToken(sessionId string) (PendingVerification, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	entry, ok := s.TokenMap[sessionId]
	if !ok {
		return PendingVerification{}, ErrTokenNotFound
	}
	delete(s.TokenMap, sessionId)
	if s.ttl > 0 && !s.now().Before(entry.expires) {
		return PendingVerification{}, ErrTokenNotFound
	}
	return entry.pending, nil
}

func (s *InMemoryTokenStorage) evictExpiredLocked() {
	if s.ttl <= 0 {
		return
	}
	now := s.now()
	for id, entry := range s.TokenMap {
		if !now.Before(entry.expires) {
			delete(s.TokenMap, id)
		}
	}
}
