package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable wraps Redis transport failures.
var ErrRedisUnavailable = errors.New("redis unavailable")

// RedisStore is a [Store] backed by a single Redis key. Changes are announced on the
// channel "<key>:events".
type RedisStore struct {
	redis   redis.UniversalClient
	key     string
	channel string
}

// NewRedisStore returns a store using key. key defaults to "portal:credential".
func NewRedisStore(client redis.UniversalClient, key string) *RedisStore {
	if key == "" {
		key = "portal:credential"
	}
	return &RedisStore{
		redis:   client,
		key:     key,
		channel: key + ":events",
	}
}

func (s *RedisStore) Load(ctx context.Context) (Tokens, error) {
	raw, err := s.redis.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Tokens{}, ErrNotFound
	}
	if err != nil {
		return Tokens{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	var tokens Tokens
	if err := json.Unmarshal(raw, &tokens); err != nil {
		return Tokens{}, fmt.Errorf("decode credential: %w", err)
	}
	return tokens, nil
}

func (s *RedisStore) Save(ctx context.Context, tokens Tokens) error {
	raw, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}

	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, s.key, raw, 0)
	pipe.Publish(ctx, s.channel, "saved")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	pipe := s.redis.TxPipeline()
	pipe.Del(ctx, s.key)
	pipe.Publish(ctx, s.channel, "cleared")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Watch(ctx context.Context) (<-chan struct{}, error) {
	pubsub := s.redis.Subscribe(ctx, s.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("%w: subscribe: %v", ErrRedisUnavailable, err)
	}

	out := make(chan struct{}, 1)
	messages := pubsub.Channel()
	go func() {
		defer close(out)
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-messages:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()

	return out, nil
}
