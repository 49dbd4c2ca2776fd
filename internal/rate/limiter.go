package rate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config tunes the sign-in limiter.
type Config struct {
	// MaxAttempts is the number of failed sign-ins allowed per window.
	MaxAttempts int
	Window      time.Duration
	// PerIP also counts failures per client address.
	PerIP bool
	// Prefix namespaces the Redis keys. Defaults to "portal:signin".
	Prefix string
}

// Limiter counts failed sign-ins per email (and optionally per client address) in
// fixed Redis windows.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
}

// New returns a limiter using client.
func New(client redis.UniversalClient, cfg Config) (*Limiter, error) {
	if client == nil {
		return nil, errors.New("rate: nil redis client")
	}
	if cfg.MaxAttempts <= 0 || cfg.Window <= 0 {
		return nil, errors.New("rate: MaxAttempts and Window must be > 0")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "portal:signin"
	}
	return &Limiter{redis: client, config: cfg}, nil
}

// Allow reports ErrRateLimited once the email or address has used its failure
// budget for the current window.
func (l *Limiter) Allow(ctx context.Context, email, ip string) error {
	for _, key := range l.keys(email, ip) {
		count, err := l.redis.Get(ctx, key).Int64()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		if count >= int64(l.config.MaxAttempts) {
			return ErrRateLimited
		}
	}
	return nil
}

// Failure records one failed sign-in.
func (l *Limiter) Failure(ctx context.Context, email, ip string) error {
	for _, key := range l.keys(email, ip) {
		count, err := l.redis.Incr(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		// The window starts at the first failure.
		if count == 1 {
			if err := l.redis.Expire(ctx, key, l.config.Window).Err(); err != nil {
				return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
			}
		}
	}
	return nil
}

// Success clears the email's failure count. The address count is kept so one
// good account cannot reset a spraying client.
func (l *Limiter) Success(ctx context.Context, email string) error {
	if err := l.redis.Del(ctx, l.emailKey(email)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Failures returns the current failure count for email. Unknown emails report zero.
func (l *Limiter) Failures(ctx context.Context, email string) (int, error) {
	count, err := l.redis.Get(ctx, l.emailKey(email)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return int(count), nil
}

func (l *Limiter) keys(email, ip string) []string {
	keys := []string{l.emailKey(email)}
	if l.config.PerIP && ip != "" {
		keys = append(keys, l.config.Prefix+":ip:"+ip)
	}
	return keys
}

func (l *Limiter) emailKey(email string) string {
	return l.config.Prefix + ":email:" + strings.ToLower(strings.TrimSpace(email))
}
