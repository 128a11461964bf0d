package coordinator

import (
	"context"
	"sync"
)

// Tab is one connected client process. It owns a local copy of the auth
// state, updated exclusively by applying events from the bus.
type Tab struct {
	id     string
	coord  *Coordinator
	events <-chan Event

	mu       sync.Mutex
	state    AuthState
	leaderID string
	closed   bool

	// fallback refreshes independently when the coordinator is
	// unreachable. Duplicate refresh calls may race other tabs then, but
	// server-side rotation guarantees at most one succeeds.
	fallback Refresher
}

// ID returns the tab's identifier.
func (t *Tab) ID() string { return t.id }

// Events exposes the tab's bus channel. It closes when the tab
// disconnects.
func (t *Tab) Events() <-chan Event { return t.events }

// IsLeader reports whether this tab currently holds leadership.
func (t *Tab) IsLeader() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.leaderID == t.id
}

// State returns the tab's local auth-state copy.
func (t *Tab) State() AuthState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetFallback installs the refresher used when the coordinator is
// unreachable.
func (t *Tab) SetFallback(r Refresher) {
	t.mu.Lock()
	t.fallback = r
	t.mu.Unlock()
}

// Apply merges one event into the tab's local state. Priority events
// override unconditionally; routine updates only advance state,
// never rewind it. Applying the same logout twice is a no-op by
// construction.
func (t *Tab) Apply(ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ev.Type == EventLeaderElected {
		t.leaderID = ev.LeaderID
		return
	}

	if ev.Priority || ev.State.Revision > t.state.Revision {
		t.state = ev.State
	}
}

// Run consumes the bus until the tab disconnects or ctx is done.
func (t *Tab) Run(ctx context.Context) {
	for {
		select {
		case ev, ok := <-t.events:
			if !ok {
				return
			}
			t.Apply(ev)
		case <-ctx.Done():
			return
		}
	}
}

// Refresh requests a token refresh through the coordinator, falling
// back to an independent call when disconnected.
func (t *Tab) Refresh(ctx context.Context) (AuthState, error) {
	t.mu.Lock()
	closed := t.closed
	fallback := t.fallback
	t.mu.Unlock()

	if !closed && t.coord != nil {
		return t.coord.RequestRefresh(ctx)
	}
	if fallback == nil {
		return AuthState{}, ErrNotConnected
	}

	state, err := fallback.Refresh(ctx)
	if err != nil {
		return AuthState{}, err
	}
	t.mu.Lock()
	state.Authenticated = true
	state.Revision = t.state.Revision + 1
	t.state = state
	t.mu.Unlock()
	return state, nil
}

// Close disconnects the tab from the coordinator. Further refreshes go
// through the fallback refresher if one is set.
func (t *Tab) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	if t.coord != nil {
		t.coord.Disconnect(t.id)
	}
}
