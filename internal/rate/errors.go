package rate

import "errors"

var (
	// ErrRateLimited is returned once a failure budget is spent.
	ErrRateLimited = errors.New("too many failed sign-in attempts")
	// ErrRedisUnavailable wraps Redis transport failures.
	ErrRedisUnavailable = errors.New("redis unavailable")
)
