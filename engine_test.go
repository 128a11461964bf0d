package authcore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ticketwell/authcore/password"
)

type mapUserProvider struct {
	byIdentifier map[string]UserRecord
}

func (p *mapUserProvider) GetUserByIdentifier(identifier string) (UserRecord, error) {
	u, ok := p.byIdentifier[identifier]
	if !ok {
		return UserRecord{}, ErrUserNotFound
	}
	return u, nil
}

func (p *mapUserProvider) GetUserByID(userID string) (UserRecord, error) {
	for _, u := range p.byIdentifier {
		if u.UserID == userID {
			return u, nil
		}
	}
	return UserRecord{}, ErrUserNotFound
}

func engineTestConfig() Config {
	cfg := defaultConfig()
	cfg.JWT.SigningMethod = "hs256"
	cfg.JWT.PrivateKey = []byte("0123456789abcdef0123456789abcdef")
	cfg.JWT.Leeway = 0
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Password.SaltLength = 16
	cfg.Password.KeyLength = 16
	cfg.Metrics.Enabled = true
	return cfg
}

func newTestProvider(t testing.TB, cfg Config) *mapUserProvider {
	t.Helper()

	ph, err := password.NewArgon2(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		t.Fatalf("hasher: %v", err)
	}
	hash, err := ph.Hash("correct-password-123")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	return &mapUserProvider{byIdentifier: map[string]UserRecord{
		"alice": {UserID: "u-alice", Identifier: "alice", PasswordHash: hash, Role: "agent"},
		"bob":   {UserID: "u-bob", Identifier: "bob", PasswordHash: hash, Role: "admin"},
	}}
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserProvider(newTestProvider(t, cfg)).
		Build()
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	t.Cleanup(engine.Close)

	return engine, mr
}

func testDevice(id string) Device {
	return Device{DeviceID: id, UserAgent: "test-agent/1.0", IP: "203.0.113.10"}
}

func TestLoginIssuesTokenBundle(t *testing.T) {
	engine, _ := newTestEngine(t, engineTestConfig())
	ctx := context.Background()

	ts, err := engine.Login(ctx, "alice", "correct-password-123", testDevice("dev-1"))
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if ts.AccessToken == "" || ts.RefreshToken == "" || ts.CSRFToken == "" || ts.SessionID == "" {
		t.Fatalf("incomplete token set: %+v", ts)
	}
	if !ts.AccessExpiresAt.After(time.Now()) {
		t.Fatalf("access token already expired: %v", ts.AccessExpiresAt)
	}

	res, err := engine.Validate(ctx, ts.AccessToken)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if res.UserID != "u-alice" || res.SessionID != ts.SessionID || res.DeviceID != "dev-1" || res.Role != "agent" {
		t.Fatalf("unexpected auth result: %+v", res)
	}

	infos, err := engine.SessionsForUser(ctx, "u-alice", ts.SessionID)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(infos) != 1 || !infos[0].Current || infos[0].DeviceID != "dev-1" {
		t.Fatalf("unexpected session list: %+v", infos)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	engine, _ := newTestEngine(t, engineTestConfig())
	ctx := context.Background()

	if _, err := engine.Login(ctx, "alice", "wrong-password", testDevice("dev-1")); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: got %v, want ErrInvalidCredentials", err)
	}
	// Unknown users fail identically so identifiers cannot be enumerated.
	if _, err := engine.Login(ctx, "mallory", "correct-password-123", testDevice("dev-1")); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown user: got %v, want ErrInvalidCredentials", err)
	}
	if _, err := engine.Login(ctx, "alice", "correct-password-123", Device{}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("missing device id: got %v, want ErrInvalidCredentials", err)
	}
}

func TestLoginRateLimitBlocks(t *testing.T) {
	cfg := engineTestConfig()
	cfg.RateLimit.MaxLoginAttempts = 3
	cfg.RateLimit.EnableIPThrottle = false
	engine, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := engine.Login(ctx, "alice", "wrong-password", testDevice("dev-1")); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}

	_, err := engine.Login(ctx, "alice", "correct-password-123", testDevice("dev-1"))
	if !errors.Is(err, ErrLoginRateLimited) {
		t.Fatalf("got %v, want ErrLoginRateLimited", err)
	}
	var rl *RateLimitedError
	if !errors.As(err, &rl) || rl.RetryAfter <= 0 {
		t.Fatalf("expected RateLimitedError with positive RetryAfter, got %v", err)
	}

	// Budgets are per identifier.
	if _, err := engine.Login(ctx, "bob", "correct-password-123", testDevice("dev-1")); err != nil {
		t.Fatalf("unrelated identifier blocked: %v", err)
	}
}

func TestLoginReplacesSameDeviceSession(t *testing.T) {
	engine, _ := newTestEngine(t, engineTestConfig())
	ctx := context.Background()

	first, err := engine.Login(ctx, "alice", "correct-password-123", testDevice("dev-1"))
	if err != nil {
		t.Fatalf("first login: %v", err)
	}
	second, err := engine.Login(ctx, "alice", "correct-password-123", testDevice("dev-1"))
	if err != nil {
		t.Fatalf("second login: %v", err)
	}
	if first.SessionID == second.SessionID {
		t.Fatal("expected a fresh session id on re-login")
	}

	infos, err := engine.SessionsForUser(ctx, "u-alice", second.SessionID)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(infos) != 1 || infos[0].SessionID != second.SessionID {
		t.Fatalf("expected only the new session, got %+v", infos)
	}

	// The replaced session's refresh token is revoked, not reusable.
	if _, err := engine.Refresh(ctx, first.RefreshToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("old device token: got %v, want ErrTokenRevoked", err)
	}
}

func TestLoginKeepsDistinctDeviceSessions(t *testing.T) {
	engine, _ := newTestEngine(t, engineTestConfig())
	ctx := context.Background()

	if _, err := engine.Login(ctx, "alice", "correct-password-123", testDevice("dev-1")); err != nil {
		t.Fatalf("login dev-1: %v", err)
	}
	if _, err := engine.Login(ctx, "alice", "correct-password-123", testDevice("dev-2")); err != nil {
		t.Fatalf("login dev-2: %v", err)
	}

	infos, err := engine.SessionsForUser(ctx, "u-alice", "")
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected two sessions, got %+v", infos)
	}
}

func TestRefreshRotatesAndDetectsReuse(t *testing.T) {
	engine, _ := newTestEngine(t, engineTestConfig())
	ctx := context.Background()

	ts, err := engine.Login(ctx, "alice", "correct-password-123", testDevice("dev-1"))
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	rotated, err := engine.Refresh(ctx, ts.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rotated.SessionID != ts.SessionID {
		t.Fatalf("session id changed on rotation: %s -> %s", ts.SessionID, rotated.SessionID)
	}
	if rotated.RefreshToken == ts.RefreshToken {
		t.Fatal("refresh token did not rotate")
	}
	if rotated.CSRFToken == ts.CSRFToken {
		t.Fatal("csrf token did not rotate")
	}

	// Replaying the consumed token is theft evidence: the session dies and
	// the successor token dies with it.
	if _, err := engine.Refresh(ctx, ts.RefreshToken); !errors.Is(err, ErrRefreshReuse) {
		t.Fatalf("replay: got %v, want ErrRefreshReuse", err)
	}
	if _, err := engine.Refresh(ctx, rotated.RefreshToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("successor after reuse: got %v, want ErrTokenRevoked", err)
	}
	infos, err := engine.SessionsForUser(ctx, "u-alice", "")
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(infos) != 0 {
		t.Fatalf("session survived reuse detection: %+v", infos)
	}
}

func TestRefreshConcurrencySingleWinner(t *testing.T) {
	engine, _ := newTestEngine(t, engineTestConfig())
	ctx := context.Background()

	ts, err := engine.Login(ctx, "alice", "correct-password-123", testDevice("dev-1"))
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	const n = 16
	var wg sync.WaitGroup
	wg.Add(n)

	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := engine.Refresh(ctx, ts.RefreshToken)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	success := 0
	fail := 0
	for err := range results {
		if err == nil {
			success++
			continue
		}
		if errors.Is(err, ErrRefreshReuse) || errors.Is(err, ErrSessionNotFound) {
			fail++
			continue
		}
		t.Fatalf("unexpected refresh error: %v", err)
	}

	if success != 1 {
		t.Fatalf("expected exactly one refresh success, got %d", success)
	}
	if fail != n-1 {
		t.Fatalf("expected %d refresh failures, got %d", n-1, fail)
	}
}

func TestRefreshPicksUpRoleChange(t *testing.T) {
	cfg := engineTestConfig()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	provider := newTestProvider(t, cfg)
	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserProvider(provider).
		Build()
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	t.Cleanup(engine.Close)
	ctx := context.Background()

	ts, err := engine.Login(ctx, "alice", "correct-password-123", testDevice("dev-1"))
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	// Promote alice between login and refresh. The next access token
	// must carry the new role, not the one captured at login.
	promoted := provider.byIdentifier["alice"]
	promoted.Role = "admin"
	provider.byIdentifier["alice"] = promoted

	rotated, err := engine.Refresh(ctx, ts.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	res, err := engine.Validate(ctx, rotated.AccessToken)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Role != "admin" {
		t.Fatalf("refreshed token role %q, want admin", res.Role)
	}
}

func TestRefreshRejectsMalformedToken(t *testing.T) {
	engine, _ := newTestEngine(t, engineTestConfig())

	if _, err := engine.Refresh(context.Background(), "not-a-refresh-token"); !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("got %v, want ErrRefreshInvalid", err)
	}
}

func TestRefreshRateLimited(t *testing.T) {
	cfg := engineTestConfig()
	cfg.RateLimit.MaxRefreshAttempts = 2
	cfg.RateLimit.GraceAttempts = -1
	engine, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	ts, err := engine.Login(ctx, "alice", "correct-password-123", testDevice("dev-1"))
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	current := ts
	for i := 0; i < 2; i++ {
		next, err := engine.Refresh(ctx, current.RefreshToken)
		if err != nil {
			t.Fatalf("refresh %d: %v", i, err)
		}
		current = next
	}

	_, err = engine.Refresh(ctx, current.RefreshToken)
	if !errors.Is(err, ErrRefreshRateLimited) {
		t.Fatalf("got %v, want ErrRefreshRateLimited", err)
	}
	var rl *RateLimitedError
	if !errors.As(err, &rl) || rl.RetryAfter <= 0 {
		t.Fatalf("expected RateLimitedError with positive RetryAfter, got %v", err)
	}

	// The blocked attempt must not have consumed the token.
	// The budget is per session, so waiting out the window would allow
	// the same token through again; here we only assert it still exists.
	infos, err := engine.SessionsForUser(ctx, "u-alice", "")
	if err != nil || len(infos) != 1 {
		t.Fatalf("session lost after rate limit: %v %+v", err, infos)
	}
}

func TestValidateExpiredToken(t *testing.T) {
	cfg := engineTestConfig()
	cfg.JWT.AccessTTL = time.Nanosecond
	engine, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	ts, err := engine.Login(ctx, "alice", "correct-password-123", testDevice("dev-1"))
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	if _, err := engine.Validate(ctx, ts.AccessToken); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("got %v, want ErrTokenExpired", err)
	}
}

func TestValidateRejectsTerminatedSession(t *testing.T) {
	engine, _ := newTestEngine(t, engineTestConfig())
	ctx := context.Background()

	ts, err := engine.Login(ctx, "alice", "correct-password-123", testDevice("dev-1"))
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	if _, err := engine.Validate(ctx, ts.AccessToken); err != nil {
		t.Fatalf("validate before logout: %v", err)
	}

	if err := engine.Logout(ctx, ts.SessionID); err != nil {
		t.Fatalf("logout: %v", err)
	}

	// The signature still verifies, but the session backing the token
	// is gone. A token for a terminated session must not pass.
	if _, err := engine.Validate(ctx, ts.AccessToken); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("got %v, want ErrSessionNotFound", err)
	}
}

func TestValidateRejectsSessionKilledByReuse(t *testing.T) {
	engine, _ := newTestEngine(t, engineTestConfig())
	ctx := context.Background()

	ts, err := engine.Login(ctx, "alice", "correct-password-123", testDevice("dev-1"))
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	rotated, err := engine.Refresh(ctx, ts.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}

	// Replay of the old refresh token terminates the session.
	if _, err := engine.Refresh(ctx, ts.RefreshToken); !errors.Is(err, ErrRefreshReuse) {
		t.Fatalf("got %v, want ErrRefreshReuse", err)
	}

	if _, err := engine.Validate(ctx, rotated.AccessToken); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("got %v, want ErrSessionNotFound", err)
	}
}

func TestValidateGarbageToken(t *testing.T) {
	engine, _ := newTestEngine(t, engineTestConfig())

	if _, err := engine.Validate(context.Background(), "garbage.token.here"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("got %v, want ErrTokenInvalid", err)
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	engine, _ := newTestEngine(t, engineTestConfig())
	ctx := context.Background()

	ts, err := engine.Login(ctx, "alice", "correct-password-123", testDevice("dev-1"))
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	if err := engine.Logout(ctx, ts.SessionID); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if err := engine.Logout(ctx, ts.SessionID); err != nil {
		t.Fatalf("repeat logout: %v", err)
	}

	// The session's refresh token is revoked, and revocation is not
	// mistaken for reuse.
	if _, err := engine.Refresh(ctx, ts.RefreshToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("refresh after logout: got %v, want ErrTokenRevoked", err)
	}
}

func TestLogoutAllTerminatesEveryDevice(t *testing.T) {
	engine, _ := newTestEngine(t, engineTestConfig())
	ctx := context.Background()

	a, err := engine.Login(ctx, "alice", "correct-password-123", testDevice("dev-1"))
	if err != nil {
		t.Fatalf("login dev-1: %v", err)
	}
	b, err := engine.Login(ctx, "alice", "correct-password-123", testDevice("dev-2"))
	if err != nil {
		t.Fatalf("login dev-2: %v", err)
	}

	n, err := engine.LogoutAll(ctx, "u-alice")
	if err != nil {
		t.Fatalf("logout all: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 sessions terminated, got %d", n)
	}

	for _, ts := range []*TokenSet{a, b} {
		if _, err := engine.Refresh(ctx, ts.RefreshToken); err == nil {
			t.Fatal("refresh token survived logout-all")
		}
	}
	infos, err := engine.SessionsForUser(ctx, "u-alice", "")
	if err != nil || len(infos) != 0 {
		t.Fatalf("sessions survived logout-all: %v %+v", err, infos)
	}
}

func TestInvalidateSessionChecksOwnership(t *testing.T) {
	engine, _ := newTestEngine(t, engineTestConfig())
	ctx := context.Background()

	ts, err := engine.Login(ctx, "alice", "correct-password-123", testDevice("dev-1"))
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	if err := engine.InvalidateSession(ctx, "u-bob", ts.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("cross-user invalidate: got %v, want ErrSessionNotFound", err)
	}
	if err := engine.InvalidateSession(ctx, "u-alice", ts.SessionID); err != nil {
		t.Fatalf("owner invalidate: %v", err)
	}
	if err := engine.InvalidateSession(ctx, "u-alice", ts.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("repeat invalidate: got %v, want ErrSessionNotFound", err)
	}
}

func TestCSRFLifecycle(t *testing.T) {
	engine, _ := newTestEngine(t, engineTestConfig())
	ctx := context.Background()

	ts, err := engine.Login(ctx, "alice", "correct-password-123", testDevice("dev-1"))
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	if err := engine.ValidateCSRF(ctx, ts.SessionID, ts.CSRFToken); err != nil {
		t.Fatalf("valid csrf rejected: %v", err)
	}
	if err := engine.ValidateCSRF(ctx, ts.SessionID, "forged-value"); !errors.Is(err, ErrCSRFInvalid) {
		t.Fatalf("forged csrf: got %v, want ErrCSRFInvalid", err)
	}
	if err := engine.ValidateCSRF(ctx, ts.SessionID, ""); !errors.Is(err, ErrCSRFInvalid) {
		t.Fatalf("empty csrf: got %v, want ErrCSRFInvalid", err)
	}

	fresh, err := engine.IssueCSRF(ctx, ts.SessionID)
	if err != nil {
		t.Fatalf("issue csrf: %v", err)
	}
	if err := engine.ValidateCSRF(ctx, ts.SessionID, ts.CSRFToken); !errors.Is(err, ErrCSRFInvalid) {
		t.Fatalf("stale csrf still accepted after reissue")
	}
	if err := engine.ValidateCSRF(ctx, ts.SessionID, fresh); err != nil {
		t.Fatalf("fresh csrf rejected: %v", err)
	}
}

func TestCSRFBoundToSession(t *testing.T) {
	engine, _ := newTestEngine(t, engineTestConfig())
	ctx := context.Background()

	a, err := engine.Login(ctx, "alice", "correct-password-123", testDevice("dev-1"))
	if err != nil {
		t.Fatalf("login alice: %v", err)
	}
	b, err := engine.Login(ctx, "bob", "correct-password-123", testDevice("dev-2"))
	if err != nil {
		t.Fatalf("login bob: %v", err)
	}

	if err := engine.ValidateCSRF(ctx, b.SessionID, a.CSRFToken); !errors.Is(err, ErrCSRFInvalid) {
		t.Fatalf("csrf token crossed sessions: got %v, want ErrCSRFInvalid", err)
	}
	if err := engine.ValidateCSRF(ctx, a.SessionID, a.CSRFToken); err != nil {
		t.Fatalf("own csrf rejected: %v", err)
	}
}

func TestCSRFRotatesOnRefresh(t *testing.T) {
	engine, _ := newTestEngine(t, engineTestConfig())
	ctx := context.Background()

	ts, err := engine.Login(ctx, "alice", "correct-password-123", testDevice("dev-1"))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	rotated, err := engine.Refresh(ctx, ts.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if err := engine.ValidateCSRF(ctx, ts.SessionID, ts.CSRFToken); !errors.Is(err, ErrCSRFInvalid) {
		t.Fatalf("pre-rotation csrf still accepted")
	}
	if err := engine.ValidateCSRF(ctx, ts.SessionID, rotated.CSRFToken); err != nil {
		t.Fatalf("post-rotation csrf rejected: %v", err)
	}
}

func TestTouchSessionSlidesIdleDeadline(t *testing.T) {
	engine, _ := newTestEngine(t, engineTestConfig())
	ctx := context.Background()

	ts, err := engine.Login(ctx, "alice", "correct-password-123", testDevice("dev-1"))
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	idle, abs, err := engine.TouchSession(ctx, "u-alice", ts.SessionID)
	if err != nil {
		t.Fatalf("touch: %v", err)
	}
	if !idle.After(time.Now()) {
		t.Fatalf("idle deadline in the past: %v", idle)
	}
	if idle.After(abs) {
		t.Fatalf("idle deadline %v past absolute expiry %v", idle, abs)
	}

	if _, _, err := engine.TouchSession(ctx, "u-alice", "no-such-session"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("got %v, want ErrSessionNotFound", err)
	}
}

func TestLogoutByAccessToken(t *testing.T) {
	engine, _ := newTestEngine(t, engineTestConfig())
	ctx := context.Background()

	ts, err := engine.Login(ctx, "alice", "correct-password-123", testDevice("dev-1"))
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	if err := engine.LogoutByAccessToken(ctx, ts.AccessToken); err != nil {
		t.Fatalf("logout by token: %v", err)
	}
	if err := engine.LogoutByAccessToken(ctx, "garbage"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("got %v, want ErrTokenInvalid", err)
	}

	infos, err := engine.SessionsForUser(ctx, "u-alice", "")
	if err != nil || len(infos) != 0 {
		t.Fatalf("session survived logout: %v %+v", err, infos)
	}
}

func TestMetricsCountCoreFlows(t *testing.T) {
	engine, _ := newTestEngine(t, engineTestConfig())
	ctx := context.Background()

	ts, err := engine.Login(ctx, "alice", "correct-password-123", testDevice("dev-1"))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := engine.Login(ctx, "alice", "wrong-password", testDevice("dev-1")); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("bad login: %v", err)
	}
	if _, err := engine.Refresh(ctx, ts.RefreshToken); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := engine.Refresh(ctx, ts.RefreshToken); !errors.Is(err, ErrRefreshReuse) {
		t.Fatalf("replay: %v", err)
	}

	snap := engine.MetricsSnapshot()
	want := map[MetricID]uint64{
		MetricLoginSuccess:         1,
		MetricLoginFailure:         1,
		MetricRefreshSuccess:       1,
		MetricRefreshReuseDetected: 1,
	}
	for id, n := range want {
		if got := snap.Counters[id]; got != n {
			t.Errorf("metric %d: got %d, want %d", id, got, n)
		}
	}
}

func TestAuditEventsEmitted(t *testing.T) {
	cfg := engineTestConfig()
	cfg.Audit.Enabled = true
	sink := NewChannelSink(64)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserProvider(newTestProvider(t, cfg)).
		WithAuditSink(sink).
		Build()
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}

	ctx := context.Background()
	if _, err := engine.Login(ctx, "alice", "correct-password-123", testDevice("dev-1")); err != nil {
		t.Fatalf("login: %v", err)
	}
	engine.Close()

	select {
	case ev := <-sink.Events():
		if ev.EventType != auditEventLoginSuccess || !ev.Success || ev.UserID != "u-alice" {
			t.Fatalf("unexpected audit event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no audit event delivered")
	}
}
