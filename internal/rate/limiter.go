package rate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Action names the guarded operation. Limits are tracked independently
// per (action, identifier) pair.
type Action string

const (
	ActionLogin    Action = "login"
	ActionRefresh  Action = "refresh"
	ActionRegister Action = "register"
)

// Config holds rate limiter tuning parameters.
type Config struct {
	Window      time.Duration
	MaxAttempts int

	// Progressive delay: attempts beyond GraceAttempts within the window
	// must wait BaseDelay doubled per excess attempt, capped at MaxDelay.
	// GraceAttempts < 0 disables the delay entirely.
	GraceAttempts int
	BaseDelay     time.Duration
	MaxDelay      time.Duration

	EnableIPThrottle bool
	KeyPrefix        string
}

// Decision is the outcome of a limiter check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter enforces sliding-window rate limits with progressive delay,
// backed by a Redis sorted set per (action, identifier) pair. The whole
// check-and-record step runs in a single Lua script so it stays atomic
// across server processes.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
}

// Window layout per key: ZSET of attempt timestamps in milliseconds.
// The script prunes entries older than the window, then answers in order:
// hard block when the window is full, progressive delay when the attempt
// count exceeds the grace budget, otherwise allowed (optionally recording
// the attempt).
const slidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local grace = tonumber(ARGV[4])
local base = tonumber(ARGV[5])
local cap = tonumber(ARGV[6])
local record = ARGV[7]
local member = ARGV[8]

redis.call("ZREMRANGEBYSCORE", key, 0, now - window)
local count = redis.call("ZCARD", key)

if count >= max then
  local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
  local retry = window
  if oldest[2] then
    retry = tonumber(oldest[2]) + window - now
  end
  if retry < 1 then
    retry = 1
  end
  return {0, retry}
end

if grace >= 0 and count >= grace then
  local newest = redis.call("ZRANGE", key, -1, -1, "WITHSCORES")
  if newest[2] then
    local delay = base
    local excess = count - grace
    while excess > 0 and delay < cap do
      delay = delay * 2
      excess = excess - 1
    end
    if delay > cap then
      delay = cap
    end
    local ready = tonumber(newest[2]) + delay
    if now < ready then
      return {0, ready - now}
    end
  end
end

if record == "1" then
  redis.call("ZADD", key, now, member)
  redis.call("PEXPIRE", key, window)
end
return {1, 0}
`

var slidingWindowLua = redis.NewScript(slidingWindowScript)

// New creates a rate [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient, cfg Config) *Limiter {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "rl:"
	}
	return &Limiter{
		redis:  redisClient,
		config: cfg,
	}
}

// Check reports whether the identifier is currently within budget for
// the action. Nothing is recorded.
func (l *Limiter) Check(ctx context.Context, action Action, identifier string, now time.Time) (Decision, error) {
	return l.run(ctx, action, identifier, now, false)
}

// Record counts one attempt against the identifier and returns the
// resulting decision. Failed operations must call Record regardless of
// why they failed, so probing always costs budget.
func (l *Limiter) Record(ctx context.Context, action Action, identifier string, now time.Time) (Decision, error) {
	return l.run(ctx, action, identifier, now, true)
}

// Reset clears the attempt window for the identifier, e.g. after a
// successful login.
func (l *Limiter) Reset(ctx context.Context, action Action, identifiers ...string) error {
	keys := make([]string, 0, len(identifiers))
	for _, id := range identifiers {
		if id == "" {
			continue
		}
		keys = append(keys, l.key(action, id))
	}
	if len(keys) == 0 {
		return nil
	}

	if err := l.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Attempts returns the live attempt count for an identifier. Missing
// keys return zero and do not reveal account existence.
func (l *Limiter) Attempts(ctx context.Context, action Action, identifier string, now time.Time) (int, error) {
	if err := l.redis.ZRemRangeByScore(ctx, l.key(action, identifier), "0",
		strconv.FormatInt(now.UnixMilli()-l.config.Window.Milliseconds(), 10)).Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	count, err := l.redis.ZCard(ctx, l.key(action, identifier)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return int(count), nil
}

func (l *Limiter) run(ctx context.Context, action Action, identifier string, now time.Time, record bool) (Decision, error) {
	rec := "0"
	if record {
		rec = "1"
	}

	res, err := slidingWindowLua.Run(ctx, l.redis,
		[]string{l.key(action, identifier)},
		now.UnixMilli(),
		l.config.Window.Milliseconds(),
		l.config.MaxAttempts,
		l.config.GraceAttempts,
		l.config.BaseDelay.Milliseconds(),
		l.config.MaxDelay.Milliseconds(),
		rec,
		uuid.NewString(), // member must be unique even at equal timestamps
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("%w: malformed script reply", ErrRedisUnavailable)
	}

	d := Decision{
		Allowed:    res[0] == 1,
		RetryAfter: time.Duration(res[1]) * time.Millisecond,
	}
	return d, nil
}

func (l *Limiter) key(action Action, identifier string) string {
	return l.config.KeyPrefix + string(action) + ":" + identifier
}
