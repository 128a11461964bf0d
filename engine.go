package authcore

import (
	"context"
	"encoding/hex"
	"errors"
	"log"
	"time"

	"github.com/ticketwell/authcore/internal"
	"github.com/ticketwell/authcore/internal/rate"
	"github.com/ticketwell/authcore/jwt"
	"github.com/ticketwell/authcore/password"
	"github.com/ticketwell/authcore/session"
)

// Engine is the server-side authority for the token and session
// lifecycle: credential login, access-token validation, refresh-token
// rotation and logout.
//
// Engine instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Engine struct {
	config         Config
	store          *session.Store
	loginLimiter   *rate.Limiter
	refreshLimiter *rate.Limiter
	audit          *auditDispatcher
	metrics        *Metrics
	passwordHash   *password.Argon2
	jwtManager     *jwt.Manager
	userProvider   UserProvider
}

// Close releases background resources. Safe to call more than once.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped reports how many audit events were discarded because the
// dispatch buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns a point-in-time copy of all engine metrics.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

// Login verifies credentials and opens a per-device session. Any prior
// session for the same (user, device) pair is replaced. On success the
// full credential bundle is returned: access JWT, opaque refresh token,
// CSRF token and session id.
//
// Login may return an error when input validation, dependency calls, or security checks fail.
// Login does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) Login(ctx context.Context, identifier, pass string, device Device) (*TokenSet, error) {
	if e == nil || e.passwordHash == nil {
		return nil, ErrEngineNotReady
	}
	ip := clientIPFromContext(ctx)
	if ip == "" {
		ip = device.IP
	}
	now := time.Now()

	limitIDs := []string{identifier}
	if e.config.RateLimit.EnableIPThrottle && ip != "" {
		limitIDs = append(limitIDs, ip)
	}

	if err := e.checkBudget(ctx, e.loginLimiter, rate.ActionLogin, now, limitIDs...); err != nil {
		e.metricInc(MetricLoginRateLimited)
		e.emitAudit(ctx, auditEventLoginRateLimited, false, "", "", device.DeviceID, ErrLoginRateLimited, func() map[string]string {
			return map[string]string{"identifier": identifier}
		})
		return nil, err
	}

	if identifier == "" || pass == "" {
		e.recordAttempt(ctx, e.loginLimiter, rate.ActionLogin, now, limitIDs...)
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, "", "", device.DeviceID, ErrInvalidCredentials, func() map[string]string {
			return map[string]string{"identifier": identifier, "reason": "empty_input"}
		})
		return nil, ErrInvalidCredentials
	}
	if device.DeviceID == "" {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, "", "", "", ErrInvalidCredentials, func() map[string]string {
			return map[string]string{"identifier": identifier, "reason": "missing_device_id"}
		})
		return nil, ErrInvalidCredentials
	}

	user, err := e.userProvider.GetUserByIdentifier(identifier)
	if err != nil {
		e.recordAttempt(ctx, e.loginLimiter, rate.ActionLogin, now, limitIDs...)
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, "", "", device.DeviceID, ErrInvalidCredentials, func() map[string]string {
			return map[string]string{"identifier": identifier, "reason": "user_not_found"}
		})
		return nil, ErrInvalidCredentials
	}

	ok, err := e.passwordHash.Verify(pass, user.PasswordHash)
	if err != nil || !ok {
		e.recordAttempt(ctx, e.loginLimiter, rate.ActionLogin, now, limitIDs...)
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, user.UserID, "", device.DeviceID, ErrInvalidCredentials, func() map[string]string {
			return map[string]string{"identifier": identifier, "reason": "password_mismatch"}
		})
		return nil, ErrInvalidCredentials
	}
	pass = ""

	// One live session per (user, device): a fresh login on a device the
	// user already has a session on replaces it.
	if existing, err := e.store.SessionsForUser(ctx, user.UserID, now); err == nil {
		for _, s := range existing {
			if s.DeviceID == device.DeviceID {
				_ = e.store.Delete(ctx, user.UserID, s.SessionID)
				e.metricInc(MetricSessionInvalidated)
			}
		}
	}

	sid, err := internal.NewSessionID()
	if err != nil {
		e.metricInc(MetricLoginFailure)
		return nil, err
	}
	sessionID := sid.String()
	tid, err := internal.NewTokenID()
	if err != nil {
		e.metricInc(MetricLoginFailure)
		return nil, err
	}
	tokenID := tid.String()
	refreshSecret, err := internal.NewRefreshSecret()
	if err != nil {
		e.metricInc(MetricLoginFailure)
		return nil, err
	}
	csrfValue, err := internal.NewCSRFValue()
	if err != nil {
		e.metricInc(MetricLoginFailure)
		return nil, err
	}

	deviceInfo := device.UserAgent
	if ua := userAgentFromContext(ctx); ua != "" {
		deviceInfo = ua
	}
	csrfHash := internal.HashCSRFValue(csrfValue)
	refreshHash := internal.HashRefreshSecret(refreshSecret)

	sess := &session.Session{
		SessionID:         sessionID,
		UserID:            user.UserID,
		DeviceID:          device.DeviceID,
		DeviceInfo:        deviceInfo,
		IPAddress:         ip,
		Role:              user.Role,
		TokenID:           tokenID,
		TokenVersion:      0,
		CSRFHash:          hex.EncodeToString(csrfHash[:]),
		CreatedAt:         now.Unix(),
		LastActivityAt:    now.Unix(),
		IdleExpiresAt:     now.Add(e.config.Session.IdleTimeout).Unix(),
		AbsoluteExpiresAt: now.Add(e.config.Session.AbsoluteLifetime).Unix(),
	}

	if err := e.store.Create(ctx, sess, hex.EncodeToString(refreshHash[:]), now); err != nil {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, user.UserID, sessionID, device.DeviceID, err, func() map[string]string {
			return map[string]string{"identifier": identifier, "reason": "session_save_failed"}
		})
		return nil, ErrStoreUnavailable
	}

	access, accessExp, err := e.jwtManager.CreateAccess(user.UserID, sessionID, device.DeviceID, user.Role)
	if err != nil {
		_ = e.store.Delete(ctx, user.UserID, sessionID)
		e.metricInc(MetricLoginFailure)
		return nil, err
	}
	refresh, err := internal.EncodeRefreshToken(sessionID, tokenID, refreshSecret)
	if err != nil {
		_ = e.store.Delete(ctx, user.UserID, sessionID)
		e.metricInc(MetricLoginFailure)
		return nil, err
	}

	if e.loginLimiter != nil {
		if err := e.loginLimiter.Reset(ctx, rate.ActionLogin, limitIDs...); err != nil {
			log.Print("authcore: login limiter reset failed")
		}
	}

	if e.config.Password.UpgradeOnLogin {
		// Rehash checks run after success so a slow upgrade path cannot be
		// used to probe credentials.
		if needsUpgrade, err := e.passwordHash.NeedsUpgrade(user.PasswordHash); err == nil && needsUpgrade {
			log.Print("authcore: stored password hash uses outdated parameters")
		}
	}

	e.metricInc(MetricSessionCreated)
	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, user.UserID, sessionID, device.DeviceID, nil, func() map[string]string {
		return map[string]string{"identifier": identifier}
	})

	return &TokenSet{
		AccessToken:     access,
		RefreshToken:    refresh,
		CSRFToken:       csrfValue,
		SessionID:       sessionID,
		AccessExpiresAt: accessExp,
	}, nil
}

// Refresh rotates the presented refresh token and returns a fresh
// credential bundle. Exactly one concurrent caller per token succeeds;
// replaying an already-rotated token terminates the whole session.
//
// Refresh may return an error when input validation, dependency calls, or security checks fail.
// Refresh does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	if e == nil || e.store == nil {
		return nil, ErrEngineNotReady
	}
	ip := clientIPFromContext(ctx)
	now := time.Now()

	sessionID, tokenID, providedSecret, err := internal.DecodeRefreshToken(refreshToken)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, "", "", "", ErrRefreshInvalid, func() map[string]string {
			return map[string]string{"reason": "decode_failed"}
		})
		return nil, ErrRefreshInvalid
	}

	refreshIDs := []string{sessionID}
	if e.config.RateLimit.EnableIPThrottle && ip != "" {
		refreshIDs = append(refreshIDs, ip)
	}
	if err := e.recordBudget(ctx, e.refreshLimiter, rate.ActionRefresh, now, refreshIDs...); err != nil {
		e.metricInc(MetricRefreshRateLimited)
		e.emitAudit(ctx, auditEventRefreshRateLimited, false, "", sessionID, "", ErrRefreshRateLimited, nil)
		return nil, err
	}

	nextTID, err := internal.NewTokenID()
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return nil, err
	}
	nextSecret, err := internal.NewRefreshSecret()
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return nil, err
	}
	nextCSRF, err := internal.NewCSRFValue()
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return nil, err
	}
	providedHash := internal.HashRefreshSecret(providedSecret)
	nextHash := internal.HashRefreshSecret(nextSecret)
	nextCSRFHash := internal.HashCSRFValue(nextCSRF)

	sess, err := e.store.Rotate(ctx, session.RotateParams{
		TokenID:      tokenID,
		ProvidedHash: hex.EncodeToString(providedHash[:]),
		NextTokenID:  nextTID.String(),
		NextHash:     hex.EncodeToString(nextHash[:]),
		NextCSRFHash: hex.EncodeToString(nextCSRFHash[:]),
	}, now)
	if err != nil {
		return nil, e.mapRotateError(ctx, sessionID, err)
	}
	if sess.SessionID != sessionID {
		// A token whose embedded session id disagrees with the store record
		// is forged or corrupted. The rotation already happened, so undo it
		// by terminating the session.
		_ = e.store.Delete(ctx, sess.UserID, sess.SessionID)
		e.metricInc(MetricRefreshFailure)
		e.metricInc(MetricSessionInvalidated)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, sess.UserID, sessionID, sess.DeviceID, ErrRefreshInvalid, func() map[string]string {
			return map[string]string{"reason": "session_mismatch"}
		})
		return nil, ErrRefreshInvalid
	}

	// Re-read the user so a role change lands in the next access token
	// instead of riding the session snapshot for 24 hours. A failed
	// lookup falls back to the role captured at login.
	role := sess.Role
	if e.userProvider != nil {
		if user, lookupErr := e.userProvider.GetUserByID(sess.UserID); lookupErr == nil {
			role = user.Role
		}
	}

	access, accessExp, err := e.jwtManager.CreateAccess(sess.UserID, sess.SessionID, sess.DeviceID, role)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return nil, err
	}
	refresh, err := internal.EncodeRefreshToken(sess.SessionID, nextTID.String(), nextSecret)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return nil, err
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshSuccess, true, sess.UserID, sess.SessionID, sess.DeviceID, nil, nil)

	return &TokenSet{
		AccessToken:     access,
		RefreshToken:    refresh,
		CSRFToken:       nextCSRF,
		SessionID:       sess.SessionID,
		AccessExpiresAt: accessExp,
	}, nil
}

func (e *Engine) mapRotateError(ctx context.Context, sessionID string, err error) error {
	switch {
	case errors.Is(err, session.ErrTokenReused):
		e.metricInc(MetricRefreshReuseDetected)
		e.metricInc(MetricSessionInvalidated)
		e.emitAudit(ctx, auditEventRefreshReuseDetected, false, "", sessionID, "", ErrRefreshReuse, nil)
		return ErrRefreshReuse
	case errors.Is(err, session.ErrTokenRevoked):
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, "", sessionID, "", ErrTokenRevoked, func() map[string]string {
			return map[string]string{"reason": "token_revoked"}
		})
		return ErrTokenRevoked
	case errors.Is(err, session.ErrTokenExpired):
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, "", sessionID, "", ErrTokenExpired, func() map[string]string {
			return map[string]string{"reason": "token_expired"}
		})
		return ErrTokenExpired
	case errors.Is(err, session.ErrSessionExpired):
		e.metricInc(MetricRefreshFailure)
		e.metricInc(MetricSessionExpired)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, "", sessionID, "", ErrSessionExpired, func() map[string]string {
			return map[string]string{"reason": "session_expired"}
		})
		return ErrSessionExpired
	case errors.Is(err, session.ErrNotFound):
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, "", sessionID, "", ErrSessionNotFound, func() map[string]string {
			return map[string]string{"reason": "session_not_found"}
		})
		return ErrSessionNotFound
	case errors.Is(err, session.ErrTokenNotFound), errors.Is(err, session.ErrTokenMismatch):
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, "", sessionID, "", ErrRefreshInvalid, func() map[string]string {
			return map[string]string{"reason": "token_unknown_or_mismatch"}
		})
		return ErrRefreshInvalid
	case errors.Is(err, session.ErrRedisUnavailable):
		e.metricInc(MetricRefreshFailure)
		return ErrStoreUnavailable
	default:
		e.metricInc(MetricRefreshFailure)
		return err
	}
}

// Validate verifies an access token and returns the authenticated
// identity. A token is only accepted when the signature and expiry
// check out AND the session it was minted from is still live: a
// logged-out or reuse-terminated session invalidates its outstanding
// access tokens immediately, not at access-token expiry.
//
// Validate may return an error when input validation, dependency calls, or security checks fail.
// Validate does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) Validate(ctx context.Context, tokenStr string) (*AuthResult, error) {
	if e == nil || e.jwtManager == nil || e.store == nil {
		return nil, ErrEngineNotReady
	}
	if e.metrics != nil && e.metrics.LatencyEnabled() {
		start := time.Now()
		defer func() {
			e.metrics.Observe(MetricValidateLatency, time.Since(start))
		}()
	}

	claims, err := e.jwtManager.ParseAccess(tokenStr)
	if err != nil {
		e.metricInc(MetricValidateFailure)
		if jwt.IsExpired(err) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	// Signature checks out; the session must still be live. Termination
	// (logout, reuse detection) deletes the record, so a missing session
	// means the token no longer represents an authenticated caller.
	if _, err := e.store.GetLive(ctx, claims.SID, time.Now()); err != nil {
		e.metricInc(MetricValidateFailure)
		switch {
		case errors.Is(err, session.ErrNotFound):
			return nil, ErrSessionNotFound
		case errors.Is(err, session.ErrSessionExpired):
			e.metricInc(MetricSessionExpired)
			return nil, ErrSessionExpired
		case errors.Is(err, session.ErrRedisUnavailable):
			return nil, ErrStoreUnavailable
		default:
			return nil, err
		}
	}

	e.metricInc(MetricValidateSuccess)
	return &AuthResult{
		UserID:    claims.UID,
		SessionID: claims.SID,
		DeviceID:  claims.DID,
		Role:      claims.Role,
	}, nil
}

// Logout terminates a single session and revokes its refresh token.
// Logging out an already-terminated session succeeds; the operation is
// idempotent so duplicate logout broadcasts are harmless.
//
// Logout may return an error when input validation, dependency calls, or security checks fail.
// Logout does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) Logout(ctx context.Context, sessionID string) error {
	if e == nil || e.store == nil {
		return ErrEngineNotReady
	}

	sess, err := e.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil
		}
		if errors.Is(err, session.ErrRedisUnavailable) {
			return ErrStoreUnavailable
		}
		return err
	}

	if err := e.store.Delete(ctx, sess.UserID, sessionID); err != nil {
		e.emitAudit(ctx, auditEventLogoutSession, false, sess.UserID, sessionID, sess.DeviceID, err, nil)
		return ErrStoreUnavailable
	}

	e.metricInc(MetricLogout)
	e.metricInc(MetricSessionInvalidated)
	e.emitAudit(ctx, auditEventLogoutSession, true, sess.UserID, sessionID, sess.DeviceID, nil, nil)
	return nil
}

// LogoutByAccessToken parses the access token and terminates the
// session it was minted from.
func (e *Engine) LogoutByAccessToken(ctx context.Context, tokenStr string) error {
	claims, err := e.jwtManager.ParseAccess(tokenStr)
	if err != nil {
		e.emitAudit(ctx, auditEventLogoutSession, false, "", "", "", ErrTokenInvalid, func() map[string]string {
			return map[string]string{"reason": "invalid_access_token"}
		})
		return ErrTokenInvalid
	}
	return e.Logout(ctx, claims.SID)
}

// LogoutAll terminates every session the user owns across all devices.
// Returns the number of sessions that were live.
//
// LogoutAll may return an error when input validation, dependency calls, or security checks fail.
// LogoutAll does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) LogoutAll(ctx context.Context, userID string) (int, error) {
	if e == nil || e.store == nil {
		return 0, ErrEngineNotReady
	}

	deleted, err := e.store.DeleteAllForUser(ctx, userID)
	if err != nil {
		e.emitAudit(ctx, auditEventLogoutAll, false, userID, "", "", err, nil)
		return deleted, ErrStoreUnavailable
	}

	e.metricInc(MetricLogoutAll)
	e.metricInc(MetricSessionInvalidated)
	e.emitAudit(ctx, auditEventLogoutAll, true, userID, "", "", nil, nil)
	return deleted, nil
}

// checkBudget consults the limiter for every non-empty identifier
// without consuming budget.
func (e *Engine) checkBudget(ctx context.Context, l *rate.Limiter, action rate.Action, now time.Time, identifiers ...string) error {
	if l == nil {
		return nil
	}
	for _, id := range identifiers {
		if id == "" {
			continue
		}
		d, err := l.Check(ctx, action, id, now)
		if err != nil {
			return ErrStoreUnavailable
		}
		if !d.Allowed {
			return &RateLimitedError{Err: e.limitSentinel(action), RetryAfter: d.RetryAfter}
		}
	}
	return nil
}

// recordBudget counts one attempt for every non-empty identifier and
// blocks when any budget is exhausted.
func (e *Engine) recordBudget(ctx context.Context, l *rate.Limiter, action rate.Action, now time.Time, identifiers ...string) error {
	if l == nil {
		return nil
	}
	for _, id := range identifiers {
		if id == "" {
			continue
		}
		d, err := l.Record(ctx, action, id, now)
		if err != nil {
			return ErrStoreUnavailable
		}
		if !d.Allowed {
			return &RateLimitedError{Err: e.limitSentinel(action), RetryAfter: d.RetryAfter}
		}
	}
	return nil
}

// recordAttempt counts a failed attempt, best effort.
func (e *Engine) recordAttempt(ctx context.Context, l *rate.Limiter, action rate.Action, now time.Time, identifiers ...string) {
	if l == nil {
		return
	}
	for _, id := range identifiers {
		if id == "" {
			continue
		}
		if _, err := l.Record(ctx, action, id, now); err != nil {
			log.Print("authcore: attempt recording failed")
			return
		}
	}
}

func (e *Engine) limitSentinel(action rate.Action) error {
	if action == rate.ActionRefresh {
		return ErrRefreshRateLimited
	}
	return ErrLoginRateLimited
}
