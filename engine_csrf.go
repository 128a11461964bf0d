package authcore

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"

	"github.com/ticketwell/authcore/internal"
	"github.com/ticketwell/authcore/session"
)

// IssueCSRF mints a fresh CSRF value for the session, replacing the
// previous one. The plaintext is returned once; only its digest is
// persisted.
//
// IssueCSRF may return an error when input validation, dependency calls, or security checks fail.
// IssueCSRF does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) IssueCSRF(ctx context.Context, sessionID string) (string, error) {
	if e == nil || e.store == nil {
		return "", ErrEngineNotReady
	}

	value, err := internal.NewCSRFValue()
	if err != nil {
		return "", err
	}
	digest := internal.HashCSRFValue(value)

	if err := e.store.SetCSRF(ctx, sessionID, hex.EncodeToString(digest[:])); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return "", ErrSessionNotFound
		}
		if errors.Is(err, session.ErrRedisUnavailable) {
			return "", ErrStoreUnavailable
		}
		return "", err
	}
	return value, nil
}

// ValidateCSRF checks a client-supplied CSRF value against the
// session's stored digest. Comparison runs in constant time over the
// digests so the value's length and content leak nothing.
//
// ValidateCSRF may return an error when input validation, dependency calls, or security checks fail.
// ValidateCSRF does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) ValidateCSRF(ctx context.Context, sessionID, provided string) error {
	if e == nil || e.store == nil {
		return ErrEngineNotReady
	}
	if !e.config.Security.CSRFProtection {
		return nil
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

	stored, err := hex.DecodeString(sess.CSRFHash)
	if err != nil || len(stored) != 32 {
		e.metricInc(MetricCSRFFailure)
		e.emitAudit(ctx, auditEventCSRFRejected, false, sess.UserID, sessionID, sess.DeviceID, ErrCSRFInvalid, nil)
		return ErrCSRFInvalid
	}
	digest := internal.HashCSRFValue(provided)
	if provided == "" || subtle.ConstantTimeCompare(stored, digest[:]) != 1 {
		e.metricInc(MetricCSRFFailure)
		e.emitAudit(ctx, auditEventCSRFRejected, false, sess.UserID, sessionID, sess.DeviceID, ErrCSRFInvalid, nil)
		return ErrCSRFInvalid
	}
	return nil
}
