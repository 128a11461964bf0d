// Command authd runs the authentication service as a standalone HTTP
// daemon. It is suitable for local development and for deployments that
// front the CRM with a dedicated auth endpoint.
//
// Configuration is environment-driven (a .env file is honored when
// present):
//
//	AUTHD_ADDR          listen address (default ":8080")
//	REDIS_ADDR          redis address; empty starts an embedded miniredis
//	AUTHD_JWT_SECRET    hs256 signing secret (min 32 bytes); empty
//	                    generates an ephemeral key at startup
//	AUTHD_COOKIE_DOMAIN cookie Domain attribute (default empty)
//	AUTHD_INSECURE      "1" disables the Secure cookie flag for local HTTP
//	AUTHD_SEED_USER     identifier of a demo account (default none)
//	AUTHD_SEED_PASSWORD password for the demo account
//
// The daemon serves the /api/auth endpoints plus /metrics in Prometheus
// text format and /healthz.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	authcore "github.com/ticketwell/authcore"
	"github.com/ticketwell/authcore/httpapi"
	"github.com/ticketwell/authcore/metrics/export/prometheus"
	"github.com/ticketwell/authcore/password"
)

func main() {
	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(logger); err != nil {
		logger.Fatal("authd exited", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	addr := envOr("AUTHD_ADDR", ":8080")

	rdb, cleanup, err := redisClient(logger)
	if err != nil {
		return err
	}
	defer cleanup()

	cfg := authcore.DefaultConfig()
	cfg.JWT.SigningMethod = "hs256"
	cfg.JWT.PrivateKey = signingSecret(logger)
	cfg.Cookie.Domain = os.Getenv("AUTHD_COOKIE_DOMAIN")
	cfg.Metrics.Enabled = true
	cfg.Metrics.EnableLatencyHistograms = true
	if os.Getenv("AUTHD_INSECURE") == "1" {
		cfg.Cookie.Secure = false
		cfg.Security.ProductionMode = false
	}

	provider, err := seedProvider(cfg.Password, logger)
	if err != nil {
		return err
	}

	engine, err := authcore.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserProvider(provider).
		Build()
	if err != nil {
		return err
	}
	defer engine.Close()

	api := httpapi.NewHandler(engine, logger, httpapi.Options{
		Cookies:    cfg.Cookie,
		RefreshTTL: cfg.Session.RefreshTTL,
	})

	root := chi.NewRouter()
	root.Mount("/", api.Routes())
	root.Method(http.MethodGet, "/metrics", prometheus.NewPrometheusExporter(engine).Handler())
	root.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           root,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func redisClient(logger *zap.Logger) (*redis.Client, func(), error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		logger.Info("using redis", zap.String("addr", addr))
		return client, func() { _ = client.Close() }, nil
	}

	mr, err := miniredis.Run()
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger.Warn("REDIS_ADDR not set, using embedded miniredis; sessions will not survive restarts",
		zap.String("addr", mr.Addr()))
	return client, func() {
		_ = client.Close()
		mr.Close()
	}, nil
}

func signingSecret(logger *zap.Logger) []byte {
	if secret := os.Getenv("AUTHD_JWT_SECRET"); secret != "" {
		return []byte(secret)
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		logger.Fatal("generate signing key", zap.Error(err))
	}
	logger.Warn("AUTHD_JWT_SECRET not set, using ephemeral key; access tokens will not survive restarts")
	return key
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// staticProvider serves the optional demo account seeded from the
// environment. Production deployments implement [authcore.UserProvider]
// against the CRM user database instead.
type staticProvider struct {
	users map[string]authcore.UserRecord
	byID  map[string]authcore.UserRecord
}

func seedProvider(pwCfg authcore.PasswordConfig, logger *zap.Logger) (*staticProvider, error) {
	p := &staticProvider{
		users: make(map[string]authcore.UserRecord),
		byID:  make(map[string]authcore.UserRecord),
	}

	identifier := os.Getenv("AUTHD_SEED_USER")
	if identifier == "" {
		return p, nil
	}
	pass := os.Getenv("AUTHD_SEED_PASSWORD")
	if pass == "" {
		return nil, errors.New("AUTHD_SEED_USER set without AUTHD_SEED_PASSWORD")
	}

	hasher, err := password.NewArgon2(password.Config{
		Memory:      pwCfg.Memory,
		Time:        pwCfg.Time,
		Parallelism: pwCfg.Parallelism,
		SaltLength:  pwCfg.SaltLength,
		KeyLength:   pwCfg.KeyLength,
	})
	if err != nil {
		return nil, err
	}
	hash, err := hasher.Hash(pass)
	if err != nil {
		return nil, err
	}

	record := authcore.UserRecord{
		UserID:       "seed-user",
		Identifier:   identifier,
		PasswordHash: hash,
		Role:         "agent",
	}
	p.users[identifier] = record
	p.byID[record.UserID] = record
	logger.Info("seeded demo account", zap.String("identifier", identifier))
	return p, nil
}

func (p *staticProvider) GetUserByIdentifier(identifier string) (authcore.UserRecord, error) {
	record, ok := p.users[identifier]
	if !ok {
		return authcore.UserRecord{}, authcore.ErrUserNotFound
	}
	return record, nil
}

func (p *staticProvider) GetUserByID(userID string) (authcore.UserRecord, error) {
	record, ok := p.byID[userID]
	if !ok {
		return authcore.UserRecord{}, authcore.ErrUserNotFound
	}
	return record, nil
}
