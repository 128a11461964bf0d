package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrRedisUnavailable wraps transport failures talking to Redis.
	ErrRedisUnavailable = errors.New("redis unavailable")
	// ErrNotFound is returned when the session record does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrCorrupt is returned when a stored record cannot be decoded.
	ErrCorrupt = errors.New("session record corrupt")

	// ErrTokenNotFound is returned when the presented refresh token id is unknown.
	ErrTokenNotFound = errors.New("refresh token not found")
	// ErrTokenRevoked is returned when the presented refresh token was revoked by logout.
	ErrTokenRevoked = errors.New("refresh token revoked")
	// ErrTokenExpired is returned when the presented refresh token is past its expiry.
	ErrTokenExpired = errors.New("refresh token expired")
	// ErrTokenMismatch is returned when the presented secret does not match the stored hash.
	ErrTokenMismatch = errors.New("refresh token secret mismatch")
	// ErrTokenReused is returned when an already-rotated token is presented again.
	// The store has terminated the session by the time this is returned.
	ErrTokenReused = errors.New("refresh token reuse detected")
	// ErrSessionExpired is returned when the owning session passed an expiry bound.
	ErrSessionExpired = errors.New("session expired")
)

// Config holds session store tuning parameters.
type Config struct {
	// Prefix namespaces every key the store writes.
	Prefix string

	IdleTimeout      time.Duration
	AbsoluteLifetime time.Duration
	RefreshTTL       time.Duration
}

// Store persists sessions and refresh-token records in Redis. All
// multi-key mutations run as Lua scripts so they are atomic under
// arbitrary request interleaving.
type Store struct {
	redis  redis.UniversalClient
	config Config
}

const (
	rotateStatusTokenNotFound  int64 = 0
	rotateStatusTokenRevoked   int64 = 1
	rotateStatusTokenExpired   int64 = 2
	rotateStatusSessionGone    int64 = 3
	rotateStatusReuseDetected  int64 = 4
	rotateStatusSecretMismatch int64 = 5
	rotateStatusRotated        int64 = 6
	rotateStatusSessionExpired int64 = 7
)

const createSessionScript = `
local sess_key = KEYS[1]
local token_key = KEYS[2]
local user_key = KEYS[3]

redis.call("HSET", sess_key,
  "uid", ARGV[1], "did", ARGV[2], "dev", ARGV[3], "ip", ARGV[4],
  "role", ARGV[5], "tid", ARGV[6], "ver", ARGV[7], "csrf", ARGV[8],
  "created", ARGV[9], "last", ARGV[9], "idle_exp", ARGV[10], "abs_exp", ARGV[11])
redis.call("EXPIREAT", sess_key, ARGV[11])

redis.call("HSET", token_key,
  "sid", ARGV[12], "uid", ARGV[1], "did", ARGV[2], "ver", ARGV[7],
  "iat", ARGV[9], "exp", ARGV[13], "rh", ARGV[14], "rvk", "")
redis.call("EXPIRE", token_key, ARGV[15])

redis.call("SADD", user_key, ARGV[12])
redis.call("EXPIREAT", user_key, ARGV[11])
return 1
`

// Rotation is the one safety-critical script. Status codes mirror the
// rotateStatus constants; on success the reply carries the session
// fields the Engine needs to mint the next access token.
const rotateTokenScript = `
local token_key = KEYS[1]
local tid = ARGV[1]
local provided = ARGV[2]
local now = tonumber(ARGV[3])
local new_tid = ARGV[4]
local new_hash = ARGV[5]
local new_csrf = ARGV[6]
local idle = tonumber(ARGV[7])
local refresh_ttl = tonumber(ARGV[8])
local sess_prefix = ARGV[9]
local token_prefix = ARGV[10]
local user_prefix = ARGV[11]

local t = redis.call("HMGET", token_key, "sid", "ver", "exp", "rh", "rvk")
if not t[1] then
  return {0}
end
local sid = t[1]
local ver = tonumber(t[2])
local exp = tonumber(t[3])
local rvk = t[5]
local sess_key = sess_prefix .. sid

if rvk == "rotated" then
  -- Predecessor replayed after rotation: race or theft. Kill the session
  -- and its active token so neither side keeps a valid credential.
  local cur = redis.call("HMGET", sess_key, "uid", "tid")
  if cur[1] then
    if cur[2] then
      redis.call("HSET", token_prefix .. cur[2], "rvk", "revoked")
    end
    redis.call("DEL", sess_key)
    redis.call("SREM", user_prefix .. cur[1], sid)
  end
  return {4}
end
if rvk ~= "" then
  return {1}
end
if exp and exp <= now then
  return {2}
end
if t[4] ~= provided then
  return {5}
end

local s = redis.call("HGETALL", sess_key)
if #s == 0 then
  redis.call("HSET", token_key, "rvk", "revoked")
  return {3}
end
local sess = {}
for i = 1, #s, 2 do
  sess[s[i]] = s[i + 1]
end

local abs_exp = tonumber(sess["abs_exp"])
local idle_exp = tonumber(sess["idle_exp"])
if abs_exp <= now or idle_exp <= now then
  redis.call("HSET", token_key, "rvk", "revoked")
  redis.call("DEL", sess_key)
  redis.call("SREM", user_prefix .. sess["uid"], sid)
  return {7}
end

-- Compare-and-swap on the rotation version. A mismatch here means the
-- session moved on without this token being marked rotated; treat it
-- like reuse and fail closed.
if sess["tid"] ~= tid or tonumber(sess["ver"]) ~= ver then
  if sess["tid"] then
    redis.call("HSET", token_prefix .. sess["tid"], "rvk", "revoked")
  end
  redis.call("DEL", sess_key)
  redis.call("SREM", user_prefix .. sess["uid"], sid)
  return {4}
end

redis.call("HSET", token_key, "rvk", "rotated")

local new_key = token_prefix .. new_tid
redis.call("HSET", new_key,
  "sid", sid, "uid", sess["uid"], "did", sess["did"], "ver", ver + 1,
  "iat", now, "exp", now + refresh_ttl, "rh", new_hash, "rvk", "")
redis.call("EXPIRE", new_key, refresh_ttl)

local next_idle = now + idle
if next_idle > abs_exp then
  next_idle = abs_exp
end
redis.call("HSET", sess_key,
  "tid", new_tid, "ver", ver + 1, "last", now, "idle_exp", next_idle, "csrf", new_csrf)

return {6, sid, sess["uid"], sess["did"], sess["dev"], sess["ip"], sess["role"],
  sess["created"], tostring(next_idle), tostring(abs_exp), tostring(ver + 1)}
`

const touchSessionScript = `
local sess_key = KEYS[1]
local user_key = KEYS[2]
local now = tonumber(ARGV[1])
local idle = tonumber(ARGV[2])
local sid = ARGV[3]
local token_prefix = ARGV[4]

local s = redis.call("HMGET", sess_key, "idle_exp", "abs_exp", "tid")
if not s[1] then
  return {0}
end
local idle_exp = tonumber(s[1])
local abs_exp = tonumber(s[2])

if idle_exp <= now or abs_exp <= now then
  if s[3] then
    redis.call("HSET", token_prefix .. s[3], "rvk", "revoked")
  end
  redis.call("DEL", sess_key)
  redis.call("SREM", user_key, sid)
  return {2}
end

local next_idle = now + idle
if next_idle > abs_exp then
  next_idle = abs_exp
end
redis.call("HSET", sess_key, "last", now, "idle_exp", next_idle)
return {1, tostring(next_idle), tostring(abs_exp)}
`

const deleteSessionScript = `
local sess_key = KEYS[1]
local user_key = KEYS[2]
local sid = ARGV[1]
local token_prefix = ARGV[2]

local tid = redis.call("HGET", sess_key, "tid")
redis.call("SREM", user_key, sid)
if not tid then
  return 0
end
redis.call("HSET", token_prefix .. tid, "rvk", "revoked")
return redis.call("DEL", sess_key)
`

const setCSRFScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[1], "csrf", ARGV[1])
return 1
`

var (
	createSessionLua = redis.NewScript(createSessionScript)
	rotateTokenLua   = redis.NewScript(rotateTokenScript)
	touchSessionLua  = redis.NewScript(touchSessionScript)
	deleteSessionLua = redis.NewScript(deleteSessionScript)
	setCSRFLua       = redis.NewScript(setCSRFScript)
)

// New creates a session [Store] backed by the given Redis client.
func New(redisClient redis.UniversalClient, cfg Config) *Store {
	if cfg.Prefix == "" {
		cfg.Prefix = "ac:"
	}
	return &Store{
		redis:  redisClient,
		config: cfg,
	}
}

func (s *Store) sessionKey(sid string) string { return s.config.Prefix + "sess:" + sid }
func (s *Store) tokenKey(tid string) string   { return s.config.Prefix + "rt:" + tid }
func (s *Store) userKey(uid string) string    { return s.config.Prefix + "usr:" + uid }

// Create persists a new session together with its first refresh-token
// record, atomically.
func (s *Store) Create(ctx context.Context, sess *Session, refreshHash string, now time.Time) error {
	err := createSessionLua.Run(ctx, s.redis,
		[]string{s.sessionKey(sess.SessionID), s.tokenKey(sess.TokenID), s.userKey(sess.UserID)},
		sess.UserID,
		sess.DeviceID,
		sess.DeviceInfo,
		sess.IPAddress,
		sess.Role,
		sess.TokenID,
		sess.TokenVersion,
		sess.CSRFHash,
		sess.CreatedAt,
		sess.IdleExpiresAt,
		sess.AbsoluteExpiresAt,
		sess.SessionID,
		now.Add(s.config.RefreshTTL).Unix(),
		refreshHash,
		int64(s.config.RefreshTTL/time.Second),
	).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Get loads a session without evaluating expiry. Callers that need the
// lazy-expiry contract should use [Store.GetLive].
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	fields, err := s.redis.HGetAll(ctx, s.sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeSession(sessionID, fields)
}

// GetLive loads a session and enforces idle/absolute expiry lazily: an
// expired record is deleted and reported as [ErrSessionExpired].
func (s *Store) GetLive(ctx context.Context, sessionID string, now time.Time) (*Session, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.ExpiredAt(now) {
		_ = s.Delete(ctx, sess.UserID, sessionID)
		return nil, ErrSessionExpired
	}
	return sess, nil
}

// Touch updates the activity timestamp and recomputes the idle expiry,
// capped by the absolute bound. Returns the refreshed session bounds.
func (s *Store) Touch(ctx context.Context, userID, sessionID string, now time.Time) (idleExpiresAt, absoluteExpiresAt int64, err error) {
	res, err := touchSessionLua.Run(ctx, s.redis,
		[]string{s.sessionKey(sessionID), s.userKey(userID)},
		now.Unix(),
		int64(s.config.IdleTimeout/time.Second),
		sessionID,
		s.config.Prefix+"rt:",
	).Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	status, ok := res[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("%w: malformed script reply", ErrRedisUnavailable)
	}
	switch status {
	case 0:
		return 0, 0, ErrNotFound
	case 2:
		return 0, 0, ErrSessionExpired
	}

	idleExpiresAt, err = int64Reply(res, 1)
	if err != nil {
		return 0, 0, err
	}
	absoluteExpiresAt, err = int64Reply(res, 2)
	if err != nil {
		return 0, 0, err
	}
	return idleExpiresAt, absoluteExpiresAt, nil
}

// RotateParams carries everything the rotation script needs. The caller
// generates the successor id, secret hash, and CSRF digest up front so
// the script itself never produces randomness.
type RotateParams struct {
	TokenID      string
	ProvidedHash string
	NextTokenID  string
	NextHash     string
	NextCSRFHash string
}

// Rotate atomically revokes the presented refresh token and installs its
// successor, compare-and-swapped on the session's rotation version.
// Exactly one concurrent caller succeeds; the losers observe
// [ErrTokenReused] and the session is terminated server-side.
func (s *Store) Rotate(ctx context.Context, p RotateParams, now time.Time) (*Session, error) {
	res, err := rotateTokenLua.Run(ctx, s.redis,
		[]string{s.tokenKey(p.TokenID)},
		p.TokenID,
		p.ProvidedHash,
		now.Unix(),
		p.NextTokenID,
		p.NextHash,
		p.NextCSRFHash,
		int64(s.config.IdleTimeout/time.Second),
		int64(s.config.RefreshTTL/time.Second),
		s.config.Prefix+"sess:",
		s.config.Prefix+"rt:",
		s.config.Prefix+"usr:",
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	status, ok := res[0].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: malformed script reply", ErrRedisUnavailable)
	}

	switch status {
	case rotateStatusTokenNotFound:
		return nil, ErrTokenNotFound
	case rotateStatusTokenRevoked:
		return nil, ErrTokenRevoked
	case rotateStatusTokenExpired:
		return nil, ErrTokenExpired
	case rotateStatusSessionGone:
		return nil, ErrNotFound
	case rotateStatusReuseDetected:
		return nil, ErrTokenReused
	case rotateStatusSecretMismatch:
		return nil, ErrTokenMismatch
	case rotateStatusSessionExpired:
		return nil, ErrSessionExpired
	case rotateStatusRotated:
		// fallthrough to decode below
	default:
		return nil, fmt.Errorf("%w: unknown rotate status %d", ErrRedisUnavailable, status)
	}

	if len(res) != 11 {
		return nil, fmt.Errorf("%w: malformed rotate reply", ErrRedisUnavailable)
	}
	sess := &Session{
		SessionID:  stringReply(res, 1),
		UserID:     stringReply(res, 2),
		DeviceID:   stringReply(res, 3),
		DeviceInfo: stringReply(res, 4),
		IPAddress:  stringReply(res, 5),
		Role:       stringReply(res, 6),
		TokenID:    p.NextTokenID,
		CSRFHash:   p.NextCSRFHash,
	}
	var convErr error
	if sess.CreatedAt, convErr = int64Reply(res, 7); convErr != nil {
		return nil, convErr
	}
	if sess.IdleExpiresAt, convErr = int64Reply(res, 8); convErr != nil {
		return nil, convErr
	}
	if sess.AbsoluteExpiresAt, convErr = int64Reply(res, 9); convErr != nil {
		return nil, convErr
	}
	ver, convErr := int64Reply(res, 10)
	if convErr != nil {
		return nil, convErr
	}
	sess.TokenVersion = uint32(ver)
	sess.LastActivityAt = now.Unix()
	return sess, nil
}

// Delete terminates a session and revokes its active refresh token.
// Idempotent: deleting a missing session is not an error.
func (s *Store) Delete(ctx context.Context, userID, sessionID string) error {
	err := deleteSessionLua.Run(ctx, s.redis,
		[]string{s.sessionKey(sessionID), s.userKey(userID)},
		sessionID,
		s.config.Prefix+"rt:",
	).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// DeleteAllForUser terminates every session owned by the user. Returns
// the number of sessions that existed.
func (s *Store) DeleteAllForUser(ctx context.Context, userID string) (int, error) {
	ids, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	deleted := 0
	for _, sid := range ids {
		existed, err := deleteSessionLua.Run(ctx, s.redis,
			[]string{s.sessionKey(sid), s.userKey(userID)},
			sid,
			s.config.Prefix+"rt:",
		).Int64()
		if err != nil {
			return deleted, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		if existed == 1 {
			deleted++
		}
	}

	if err := s.redis.Del(ctx, s.userKey(userID)).Err(); err != nil {
		return deleted, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return deleted, nil
}

// SessionsForUser enumerates the user's live sessions, pruning ids whose
// records have already expired out from under the index.
func (s *Store) SessionsForUser(ctx context.Context, userID string, now time.Time) ([]*Session, error) {
	ids, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sessions := make([]*Session, 0, len(ids))
	for _, sid := range ids {
		sess, err := s.GetLive(ctx, sid, now)
		if err != nil {
			if errors.Is(err, ErrNotFound) || errors.Is(err, ErrSessionExpired) {
				_ = s.redis.SRem(ctx, s.userKey(userID), sid).Err()
				continue
			}
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// SetCSRF replaces the session's CSRF digest. Returns [ErrNotFound] when
// the session does not exist.
func (s *Store) SetCSRF(ctx context.Context, sessionID, csrfHash string) error {
	set, err := setCSRFLua.Run(ctx, s.redis, []string{s.sessionKey(sessionID)}, csrfHash).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if set == 0 {
		return ErrNotFound
	}
	return nil
}

// GetToken loads a refresh-token record, revoked or not. Used by tests
// and introspection; the rotation path never reads records outside the
// rotate script.
func (s *Store) GetToken(ctx context.Context, tokenID string) (*TokenRecord, error) {
	fields, err := s.redis.HGetAll(ctx, s.tokenKey(tokenID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, ErrTokenNotFound
	}

	rec := &TokenRecord{
		TokenID:   tokenID,
		SessionID: fields["sid"],
		UserID:    fields["uid"],
		DeviceID:  fields["did"],
		Revoked:   fields["rvk"],
	}
	ver, err := strconv.ParseUint(fields["ver"], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: bad token version", ErrCorrupt)
	}
	rec.TokenVersion = uint32(ver)
	if rec.IssuedAt, err = strconv.ParseInt(fields["iat"], 10, 64); err != nil {
		return nil, fmt.Errorf("%w: bad token iat", ErrCorrupt)
	}
	if rec.ExpiresAt, err = strconv.ParseInt(fields["exp"], 10, 64); err != nil {
		return nil, fmt.Errorf("%w: bad token exp", ErrCorrupt)
	}
	return rec, nil
}

func decodeSession(sessionID string, fields map[string]string) (*Session, error) {
	sess := &Session{
		SessionID:  sessionID,
		UserID:     fields["uid"],
		DeviceID:   fields["did"],
		DeviceInfo: fields["dev"],
		IPAddress:  fields["ip"],
		Role:       fields["role"],
		TokenID:    fields["tid"],
		CSRFHash:   fields["csrf"],
	}
	if sess.UserID == "" || sess.TokenID == "" {
		return nil, ErrCorrupt
	}

	ver, err := strconv.ParseUint(fields["ver"], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: bad session version", ErrCorrupt)
	}
	sess.TokenVersion = uint32(ver)

	for _, f := range []struct {
		name string
		dst  *int64
	}{
		{"created", &sess.CreatedAt},
		{"last", &sess.LastActivityAt},
		{"idle_exp", &sess.IdleExpiresAt},
		{"abs_exp", &sess.AbsoluteExpiresAt},
	} {
		v, err := strconv.ParseInt(fields[f.name], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad session field %s", ErrCorrupt, f.name)
		}
		*f.dst = v
	}
	return sess, nil
}

func stringReply(res []interface{}, i int) string {
	v, _ := res[i].(string)
	return v
}

func int64Reply(res []interface{}, i int) (int64, error) {
	switch v := res[i].(type) {
	case int64:
		return v, nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: bad numeric reply", ErrCorrupt)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%w: bad reply type", ErrCorrupt)
	}
}
