package authcore

import (
	"context"
	"errors"
	"time"

	"github.com/ticketwell/authcore/session"
)

// TouchSession extends the session's idle window after authenticated
// activity. The idle deadline slides forward but never past the
// absolute expiry set at login. Returns the new idle and absolute
// deadlines.
//
// TouchSession may return an error when input validation, dependency calls, or security checks fail.
// TouchSession does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) TouchSession(ctx context.Context, userID, sessionID string) (idleExpiresAt, absoluteExpiresAt time.Time, err error) {
	if e == nil || e.store == nil {
		return time.Time{}, time.Time{}, ErrEngineNotReady
	}

	idle, abs, err := e.store.Touch(ctx, userID, sessionID, time.Now())
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			return time.Time{}, time.Time{}, ErrSessionNotFound
		case errors.Is(err, session.ErrSessionExpired):
			e.metricInc(MetricSessionExpired)
			e.emitAudit(ctx, auditEventSessionExpired, false, userID, sessionID, "", ErrSessionExpired, nil)
			return time.Time{}, time.Time{}, ErrSessionExpired
		case errors.Is(err, session.ErrRedisUnavailable):
			return time.Time{}, time.Time{}, ErrStoreUnavailable
		default:
			return time.Time{}, time.Time{}, err
		}
	}

	return time.Unix(idle, 0), time.Unix(abs, 0), nil
}

// SessionsForUser lists the user's live sessions across all devices.
// currentSessionID, when non-empty, marks the matching entry so a UI
// can label "this device". Token material is never exposed.
//
// SessionsForUser may return an error when input validation, dependency calls, or security checks fail.
// SessionsForUser does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) SessionsForUser(ctx context.Context, userID, currentSessionID string) ([]SessionInfo, error) {
	if e == nil || e.store == nil {
		return nil, ErrEngineNotReady
	}

	sessions, err := e.store.SessionsForUser(ctx, userID, time.Now())
	if err != nil {
		if errors.Is(err, session.ErrRedisUnavailable) {
			return nil, ErrStoreUnavailable
		}
		return nil, err
	}

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, SessionInfo{
			SessionID:      s.SessionID,
			DeviceID:       s.DeviceID,
			DeviceInfo:     s.DeviceInfo,
			IPAddress:      s.IPAddress,
			CreatedAt:      time.Unix(s.CreatedAt, 0),
			LastActivityAt: time.Unix(s.LastActivityAt, 0),
			IdleExpiresAt:  time.Unix(s.IdleExpiresAt, 0),
			AbsoluteExpiry: time.Unix(s.AbsoluteExpiresAt, 0),
			Current:        currentSessionID != "" && s.SessionID == currentSessionID,
		})
	}
	return infos, nil
}

// InvalidateSession terminates one of the user's sessions by id, as
// used by the active-sessions view ("sign out that device"). Unlike
// [Engine.Logout] it verifies ownership: a session belonging to a
// different user is reported as not found.
//
// InvalidateSession may return an error when input validation, dependency calls, or security checks fail.
// InvalidateSession does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) InvalidateSession(ctx context.Context, userID, sessionID string) error {
	if e == nil || e.store == nil {
		return ErrEngineNotReady
	}

	sess, err := e.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return ErrSessionNotFound
		}
		if errors.Is(err, session.ErrRedisUnavailable) {
			return ErrStoreUnavailable
		}
		return err
	}
	if sess.UserID != userID {
		return ErrSessionNotFound
	}

	if err := e.store.Delete(ctx, userID, sessionID); err != nil {
		e.emitAudit(ctx, auditEventLogoutSession, false, userID, sessionID, sess.DeviceID, err, nil)
		return ErrStoreUnavailable
	}

	e.metricInc(MetricSessionInvalidated)
	e.emitAudit(ctx, auditEventLogoutSession, true, userID, sessionID, sess.DeviceID, nil, func() map[string]string {
		return map[string]string{"initiator": "sessions_view"}
	})
	return nil
}
