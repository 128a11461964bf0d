package rate

import "errors"

var (
	// ErrRateLimited is returned when an identifier exhausted its attempt budget.
	ErrRateLimited = errors.New("rate limited")
	// ErrRedisUnavailable wraps transport failures talking to the limiter backend.
	ErrRedisUnavailable = errors.New("redis unavailable")
)
