package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrLoggedOut is returned to refresh waiters when a logout lands while
// their refresh is in flight. The late result is discarded so a
// terminated session is never resurrected.
var ErrLoggedOut = errors.New("session logged out")

// ErrNotConnected is returned by tab operations after Disconnect.
var ErrNotConnected = errors.New("tab not connected")

// Refresher performs the actual network refresh call. The coordinator
// serializes calls to it; implementations do not need their own
// locking.
type Refresher interface {
	Refresh(ctx context.Context) (AuthState, error)
}

// RefresherFunc adapts a function to the [Refresher] interface.
type RefresherFunc func(ctx context.Context) (AuthState, error)

func (f RefresherFunc) Refresh(ctx context.Context) (AuthState, error) { return f(ctx) }

const tabBufferSize = 16

type tabConn struct {
	id  string
	seq uint64
	ch  chan Event
}

type refreshCall struct {
	done  chan struct{}
	state AuthState
	err   error
}

// Coordinator is the single coordination point shared by all tabs of a
// browser profile. All methods are safe for concurrent use.
type Coordinator struct {
	refresher Refresher

	mu          sync.Mutex
	tabs        map[string]*tabConn
	leaderID    string
	connectSeq  uint64
	state       AuthState
	inflight    *refreshCall
	logoutEpoch uint64

	dropped atomic.Uint64
}

// New creates a coordinator with no connected tabs. The refresher is
// invoked at most once per in-flight window regardless of how many
// tabs request a refresh.
func New(refresher Refresher) *Coordinator {
	return &Coordinator{
		refresher: refresher,
		tabs:      make(map[string]*tabConn),
	}
}

// Connect registers a tab and returns its bus handle together with the
// current auth state and leader. The first tab to connect becomes
// leader immediately.
func (c *Coordinator) Connect(tabID string) (*Tab, AuthState, string) {
	c.mu.Lock()

	c.connectSeq++
	conn := &tabConn{
		id:  tabID,
		seq: c.connectSeq,
		ch:  make(chan Event, tabBufferSize),
	}
	c.tabs[tabID] = conn

	elected := false
	if c.leaderID == "" {
		c.leaderID = tabID
		elected = true
	}
	state := c.state
	leader := c.leaderID
	c.mu.Unlock()

	if elected {
		c.broadcast(Event{Type: EventLeaderElected, LeaderID: leader})
	}

	return &Tab{id: tabID, coord: c, events: conn.ch, state: state, leaderID: leader}, state, leader
}

// Disconnect removes a tab. When the leader disconnects, the oldest
// remaining connection is promoted and LEADER_ELECTED is broadcast.
func (c *Coordinator) Disconnect(tabID string) {
	c.mu.Lock()
	conn, ok := c.tabs[tabID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.tabs, tabID)
	close(conn.ch)

	promoted := ""
	if c.leaderID == tabID {
		c.leaderID = ""
		var oldest *tabConn
		for _, t := range c.tabs {
			if oldest == nil || t.seq < oldest.seq {
				oldest = t
			}
		}
		if oldest != nil {
			c.leaderID = oldest.id
			promoted = oldest.id
		}
	}
	c.mu.Unlock()

	if promoted != "" {
		c.broadcast(Event{Type: EventLeaderElected, LeaderID: promoted})
	}
}

// Leader returns the current leader tab id, or "" with no tabs
// connected.
func (c *Coordinator) Leader() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaderID
}

// AuthState returns a snapshot of the current auth state.
func (c *Coordinator) AuthState() AuthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetAuthenticated installs the state produced by a login and
// broadcasts it as a priority update.
func (c *Coordinator) SetAuthenticated(state AuthState) {
	c.mu.Lock()
	c.state = state
	c.state.Authenticated = true
	c.state.Revision++
	out := c.state
	c.mu.Unlock()

	c.broadcast(Event{Type: EventTokensUpdated, State: out, Priority: true})
}

// RequestRefresh asks for a token refresh. Concurrent callers share a
// single network call and receive the same outcome. A logout that
// lands while the refresh is in flight wins: the refresh result is
// discarded and every waiter receives [ErrLoggedOut].
func (c *Coordinator) RequestRefresh(ctx context.Context) (AuthState, error) {
	c.mu.Lock()
	if call := c.inflight; call != nil {
		c.mu.Unlock()
		select {
		case <-call.done:
			return call.state, call.err
		case <-ctx.Done():
			return AuthState{}, ctx.Err()
		}
	}

	call := &refreshCall{done: make(chan struct{})}
	c.inflight = call
	epoch := c.logoutEpoch
	c.mu.Unlock()

	state, err := c.refresher.Refresh(ctx)

	c.mu.Lock()
	c.inflight = nil
	if c.logoutEpoch != epoch {
		// Logged out mid-flight: the rotation result is stale.
		call.state, call.err = AuthState{}, ErrLoggedOut
		c.mu.Unlock()
		close(call.done)
		return call.state, call.err
	}
	if err == nil {
		state.Revision = c.state.Revision + 1
		state.Authenticated = true
		c.state = state
	}
	call.state, call.err = state, err
	c.mu.Unlock()
	close(call.done)

	switch {
	case err == nil:
		c.broadcast(Event{Type: EventTokensUpdated, State: state, Priority: true})
	case errors.Is(err, ErrSessionTerminated):
		// The server rejected the session itself. Every tab goes dark.
		c.expireSession()
	default:
		// Network hiccups and timeouts do not invalidate local auth
		// state. Waiters see the error and may try again; the bus
		// stays quiet.
	}
	return state, err
}

// ConfirmLogout marks the session terminated and broadcasts
// LOGOUT_CONFIRMED. Any in-flight refresh is invalidated. Calling it
// repeatedly is harmless.
func (c *Coordinator) ConfirmLogout() {
	c.mu.Lock()
	c.logoutEpoch++
	c.state = AuthState{Revision: c.state.Revision + 1}
	out := c.state
	c.mu.Unlock()

	c.broadcast(Event{Type: EventLogoutConfirmed, State: out, Priority: true})
}

// PublishActivity broadcasts a routine state update (activity deadline
// movement). Tabs merge it only when the revision is newer than their
// local copy.
func (c *Coordinator) PublishActivity(mutate func(*AuthState)) {
	c.mu.Lock()
	if mutate != nil {
		mutate(&c.state)
	}
	c.state.Revision++
	out := c.state
	c.mu.Unlock()

	c.broadcast(Event{Type: EventAuthStateUpdate, State: out})
}

// Dropped reports how many events were discarded because a tab's
// buffer was full.
func (c *Coordinator) Dropped() uint64 {
	return c.dropped.Load()
}

func (c *Coordinator) expireSession() {
	c.mu.Lock()
	c.state = AuthState{Revision: c.state.Revision + 1}
	out := c.state
	c.mu.Unlock()

	c.broadcast(Event{Type: EventSessionExpired, State: out, Priority: true})
}

// broadcast delivers to every tab without blocking. A slow tab loses
// the event; priority events carry full state so the next one
// resynchronizes it. Sends happen under the mutex so they can never
// race a Disconnect closing the channel.
func (c *Coordinator) broadcast(ev Event) {
	ev.Priority = ev.Priority || priorityFor(ev.Type)

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.tabs {
		select {
		case t.ch <- ev:
		default:
			c.dropped.Add(1)
		}
	}
}
