package records

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	rediskeys "go-proctoring-server/redis"

	goredis "github.com/redis/go-redis/v9"
)

// RedisStore keeps each record as a redis hash, indexes the keys in a set and
// announces every change on a pub/sub channel carrying the changed key.
type RedisStore struct {
	client    *goredis.Client
	namespace string
}

func NewRedisStore(client *goredis.Client, namespace string) *RedisStore {
	return &RedisStore{client: client, namespace: namespace}
}

func (s *RedisStore) hashKey(key string) string {
	return rediskeys.Key(s.namespace, Collection, key)
}

func (s *RedisStore) indexKey() string {
	return rediskeys.Key(s.namespace, Collection+"-index")
}

func (s *RedisStore) channel() string {
	return rediskeys.Key(s.namespace, Collection+"-changes")
}

func (s *RedisStore) Get(ctx context.Context, key string) (Record, error) {
	h, err := s.client.HGetAll(ctx, s.hashKey(key)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("failed to read record %s: %w", key, err)
	}
	return fromHash(h), nil
}

func (s *RedisStore) All(ctx context.Context) (map[string]Record, error) {
	keys, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	cmds := make(map[string]*goredis.MapStringStringCmd, len(keys))
	_, err = s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, k := range keys {
			cmds[k] = pipe.HGetAll(ctx, s.hashKey(k))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}

	all := make(map[string]Record, len(keys))
	for k, cmd := range cmds {
		all[k] = fromHash(cmd.Val())
	}
	return all, nil
}

func (s *RedisStore) Update(ctx context.Context, key string, fields Fields) error {
	if err := fields.validate(); err != nil {
		return err
	}

	values := make(map[string]any, len(fields))
	for name, v := range fields {
		values[name] = v
	}

	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, s.hashKey(key), values)
		pipe.SAdd(ctx, s.indexKey(), key)
		pipe.Publish(ctx, s.channel(), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update record %s: %w", key, err)
	}
	slog.Debug("Record updated", "key", key, "fields", len(fields))
	return nil
}

func (s *RedisStore) Subscribe(ctx context.Context, key string, handler func(Record)) (Unsubscribe, error) {
	deliver := func(ctx context.Context) error {
		rec, err := s.Get(ctx, key)
		if err != nil {
			return err
		}
		handler(rec)
		return nil
	}
	return s.listen(ctx, func(changed string) bool { return changed == key }, deliver)
}

func (s *RedisStore) SubscribeAll(ctx context.Context, handler func(map[string]Record)) (Unsubscribe, error) {
	deliver := func(ctx context.Context) error {
		all, err := s.All(ctx)
		if err != nil {
			return err
		}
		handler(all)
		return nil
	}
	return s.listen(ctx, func(string) bool { return true }, deliver)
}

// listen subscribes before taking the initial snapshot so no change between the two is lost.
func (s *RedisStore) listen(ctx context.Context, match func(string) bool, deliver func(context.Context) error) (Unsubscribe, error) {
	subCtx, cancel := context.WithCancel(ctx)

	ps := s.client.Subscribe(subCtx, s.channel())
	if _, err := ps.Receive(subCtx); err != nil {
		cancel()
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to record changes: %w", err)
	}

	if err := deliver(subCtx); err != nil {
		cancel()
		_ = ps.Close()
		return nil, err
	}

	go func() {
		ch := ps.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if !match(msg.Payload) {
					continue
				}
				if err := deliver(subCtx); err != nil && subCtx.Err() == nil {
					slog.Warn("Failed to deliver record snapshot", "key", msg.Payload, "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			if err := ps.Close(); err != nil {
				slog.Debug("Error closing record subscription", "error", err)
			}
		})
	}, nil
}
