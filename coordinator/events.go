package coordinator

import "time"

// EventType discriminates broadcast events on the tab bus.
type EventType string

const (
	// EventAuthStateUpdate carries a routine auth-state change, merged
	// last-writer-wins on the revision counter.
	EventAuthStateUpdate EventType = "AUTH_STATE_UPDATE"
	// EventTokensUpdated announces a completed refresh. Priority.
	EventTokensUpdated EventType = "TOKENS_UPDATED"
	// EventLogoutConfirmed announces session termination. Priority and
	// idempotent: applying it twice leaves state unchanged.
	EventLogoutConfirmed EventType = "LOGOUT_CONFIRMED"
	// EventSessionExpired announces that the server rejected the session
	// as expired or invalid. Priority.
	EventSessionExpired EventType = "SESSION_EXPIRED"
	// EventLeaderElected announces the current leader tab id.
	EventLeaderElected EventType = "LEADER_ELECTED"
)

// AuthState is the client's view of the authenticated session. It is an
// explicit value owned by the coordinator; tabs never mutate it
// directly, they apply events.
type AuthState struct {
	Authenticated   bool
	UserID          string
	SessionID       string
	CSRFToken       string
	AccessExpiresAt time.Time

	// Revision increases on every state transition and orders
	// non-priority updates across tabs.
	Revision int64
}

// Event is one message on the broadcast bus.
type Event struct {
	Type     EventType
	State    AuthState
	LeaderID string

	// Priority events override any locally cached state; others merge
	// only when State.Revision is newer.
	Priority bool
}

func priorityFor(t EventType) bool {
	switch t {
	case EventTokensUpdated, EventLogoutConfirmed, EventSessionExpired:
		return true
	default:
		return false
	}
}
