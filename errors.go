package authcore

import (
	"errors"
	"time"
)

var (
	// ErrInvalidCredentials is returned by Login when the identifier or
	// password does not match. The two cases are indistinguishable on
	// purpose.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserNotFound is returned by provider-backed lookups for unknown users.
	ErrUserNotFound = errors.New("user not found")
	// ErrLoginRateLimited is returned when the login attempt budget is exhausted.
	ErrLoginRateLimited = errors.New("login rate limited")
	// ErrRefreshRateLimited is returned when the refresh attempt budget is exhausted.
	ErrRefreshRateLimited = errors.New("refresh rate limited")
	// ErrTokenInvalid covers malformed, forged or otherwise unverifiable tokens.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrTokenExpired is returned when an access token's lifetime has passed.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenRevoked is returned when a refresh token was revoked by logout.
	ErrTokenRevoked = errors.New("token revoked")
	// ErrRefreshInvalid covers refresh tokens that are unknown, malformed
	// or bound to a different session.
	ErrRefreshInvalid = errors.New("invalid refresh token")
	// ErrRefreshReuse is returned when an already-rotated refresh token is
	// replayed. The whole session is terminated as a containment measure.
	ErrRefreshReuse = errors.New("refresh token reuse detected")
	// ErrSessionNotFound is returned when the referenced session does not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExpired is returned when the session idled out or hit its
	// absolute lifetime bound.
	ErrSessionExpired = errors.New("session expired")
	// ErrCSRFInvalid is returned when a state-changing request carries a
	// missing, stale or foreign CSRF token.
	ErrCSRFInvalid = errors.New("invalid csrf token")
	// ErrEngineNotReady is returned when an Engine method is called before
	// Build completed.
	ErrEngineNotReady = errors.New("engine not initialized")
	// ErrStoreUnavailable is returned when Redis cannot be reached. Callers
	// should fail closed.
	ErrStoreUnavailable = errors.New("session store unavailable")
)

// RateLimitedError wraps a rate limit sentinel with the wait hint the
// limiter produced. Transport layers surface RetryAfter to clients.
type RateLimitedError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string { return e.Err.Error() }

func (e *RateLimitedError) Unwrap() error { return e.Err }
