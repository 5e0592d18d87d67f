package violations

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	rediskeys "go-proctoring-server/redis"

	goredis "github.com/redis/go-redis/v9"
)

// RedisStore keeps each participant's log as a redis list of JSON entries.
type RedisStore struct {
	client    *goredis.Client
	namespace string
}

func NewRedisStore(client *goredis.Client, namespace string) *RedisStore {
	return &RedisStore{client: client, namespace: namespace}
}

func (s *RedisStore) listKey(participantID string) string {
	return rediskeys.Key(s.namespace, Collection, participantID)
}

func (s *RedisStore) Append(ctx context.Context, participantID string, entry Entry) error {
	if participantID == "" {
		return ErrEmptyParticipant
	}
	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode violation: %w", err)
	}
	if err := s.client.RPush(ctx, s.listKey(participantID), value).Err(); err != nil {
		return fmt.Errorf("failed to append violation for %s: %w", participantID, err)
	}
	slog.Debug("Violation appended", "participant_id", participantID, "kind", entry.Kind)
	return nil
}

func (s *RedisStore) List(ctx context.Context, participantID string) ([]Entry, error) {
	raw, err := s.client.LRange(ctx, s.listKey(participantID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read violations of %s: %w", participantID, err)
	}
	entries := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			slog.Warn("Skipping malformed violation", "participant_id", participantID, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}
