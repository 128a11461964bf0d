package authcore

import "time"

// UserProvider is the interface callers must implement to integrate the
// engine with their user database. The engine never stores users itself;
// it only needs credential lookup.
type UserProvider interface {
	GetUserByIdentifier(identifier string) (UserRecord, error)
	GetUserByID(userID string) (UserRecord, error)
}

// UserRecord is the account record returned by [UserProvider]. It
// carries the credential hash and the role embedded into access tokens.
type UserRecord struct {
	UserID       string
	Identifier   string
	PasswordHash string
	Role         string
}

// Device describes the client device a session is bound to. DeviceID is
// a client-generated stable identifier; one session exists per
// (user, device) login.
type Device struct {
	DeviceID  string
	UserAgent string
	IP        string
}

// TokenSet is the full credential bundle issued on login and refresh.
// RefreshToken and CSRFToken are opaque; AccessToken is a signed JWT.
type TokenSet struct {
	AccessToken     string
	RefreshToken    string
	CSRFToken       string
	SessionID       string
	AccessExpiresAt time.Time
}

// AuthResult is returned by [Engine.Validate]. It identifies the
// authenticated user and the session the access token was minted from.
type AuthResult struct {
	UserID    string
	SessionID string
	DeviceID  string
	Role      string
}

// SessionInfo is the read-only per-device session view returned by
// [Engine.SessionsForUser]. No token material is ever included.
type SessionInfo struct {
	SessionID      string
	DeviceID       string
	DeviceInfo     string
	IPAddress      string
	CreatedAt      time.Time
	LastActivityAt time.Time
	IdleExpiresAt  time.Time
	AbsoluteExpiry time.Time
	Current        bool
}
