package session

import "time"

// Status is the lifecycle state of a session as observed at read time.
// Live records are always active; expiry is computed lazily from the
// idle and absolute bounds, and termination deletes the record.
type Status string

const (
	StatusActive     Status = "active"
	StatusExpired    Status = "expired"
	StatusTerminated Status = "terminated"
)

// Session is the server-side record of one authenticated device
// connection. All timestamps are Unix seconds.
type Session struct {
	SessionID  string
	UserID     string
	DeviceID   string
	DeviceInfo string
	IPAddress  string
	Role       string

	// TokenID and TokenVersion identify the single active refresh token.
	// Rotation advances both atomically.
	TokenID      string
	TokenVersion uint32

	// CSRFHash is the hex SHA-256 digest of the current CSRF value.
	CSRFHash string

	CreatedAt         int64
	LastActivityAt    int64
	IdleExpiresAt     int64
	AbsoluteExpiresAt int64
}

// ExpiredAt reports whether the session has passed either expiry bound
// at the given instant.
func (s *Session) ExpiredAt(now time.Time) bool {
	ts := now.Unix()
	return s.IdleExpiresAt <= ts || s.AbsoluteExpiresAt <= ts
}

// TokenRecord is the persisted trace of one issued refresh token.
type TokenRecord struct {
	TokenID      string
	SessionID    string
	UserID       string
	DeviceID     string
	TokenVersion uint32
	IssuedAt     int64
	ExpiresAt    int64

	// Revoked is empty for the active token, "rotated" for a revoked
	// predecessor (presenting it signals reuse), or "revoked" for
	// logout/admin revocation.
	Revoked string
}
