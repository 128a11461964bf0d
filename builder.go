package authcore

import (
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/ticketwell/authcore/internal/rate"
	"github.com/ticketwell/authcore/jwt"
	"github.com/ticketwell/authcore/password"
	"github.com/ticketwell/authcore/session"
)

// Builder assembles an [Engine] from its configuration and
// dependencies. A Builder is single use.
//
// Builder instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Builder struct {
	config Config
	redis  *redis.Client

	userProvider UserProvider
	auditSink    AuditSink

	built bool
}

// New returns a [Builder] seeded with the default configuration.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the entire configuration. The config is cloned;
// later mutation of cfg has no effect.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the Redis client backing sessions, refresh tokens and
// rate limits.
func (b *Builder) WithRedis(client *redis.Client) *Builder {
	b.redis = client
	return b
}

// WithUserProvider sets the credential lookup implementation.
func (b *Builder) WithUserProvider(up UserProvider) *Builder {
	b.userProvider = up
	return b
}

// WithAuditSink sets the destination for audit events. Without a sink,
// enabled auditing discards events.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithMetricsEnabled toggles the in-process metrics registry.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles validation latency histograms.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration, wires the subsystems and returns
// the [Engine].
//
// Build may return an error when input validation, dependency calls, or security checks fail.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.userProvider == nil {
		return nil, errors.New("user provider required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// -------- SESSION STORE --------
	store := session.New(b.redis, session.Config{
		Prefix:           cfg.Session.RedisPrefix,
		IdleTimeout:      cfg.Session.IdleTimeout,
		AbsoluteLifetime: cfg.Session.AbsoluteLifetime,
		RefreshTTL:       cfg.Session.RefreshTTL,
	})

	engine := &Engine{
		config:       cfg,
		store:        store,
		userProvider: b.userProvider,
	}

	engine.loginLimiter = rate.New(b.redis, rate.Config{
		Window:           cfg.RateLimit.LoginWindow,
		MaxAttempts:      cfg.RateLimit.MaxLoginAttempts,
		GraceAttempts:    -1,
		EnableIPThrottle: cfg.RateLimit.EnableIPThrottle,
	})
	engine.refreshLimiter = rate.New(b.redis, rate.Config{
		Window:           cfg.RateLimit.RefreshWindow,
		MaxAttempts:      cfg.RateLimit.MaxRefreshAttempts,
		GraceAttempts:    cfg.RateLimit.GraceAttempts,
		BaseDelay:        cfg.RateLimit.BaseDelay,
		MaxDelay:         cfg.RateLimit.MaxDelay,
		EnableIPThrottle: cfg.RateLimit.EnableIPThrottle,
	})
	engine.audit = newAuditDispatcher(cfg.Audit, b.auditSink)
	engine.metrics = NewMetrics(cfg.Metrics)

	ph, err := password.NewArgon2(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}
	engine.passwordHash = ph

	jm, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
		KeyID:         cfg.JWT.KeyID,
		VerifyKeys:    cfg.JWT.VerifyKeys,
	})
	if err != nil {
		return nil, err
	}
	engine.jwtManager = jm

	b.built = true

	return engine, nil
}
