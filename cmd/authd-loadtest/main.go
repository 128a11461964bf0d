// Command authd-loadtest exercises the Redis session store under load.
// It seeds a population of sessions, then drives two phases: concurrent
// session reads (modeling the liveness lookup every token validation
// performs, plus the session sync endpoint) and concurrent refresh
// rotations with per-session token chains.
//
// With no -redis-addr flag and no REDIS_ADDR env, an embedded miniredis
// is used so the tool runs standalone.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ticketwell/authcore/internal"
	"github.com/ticketwell/authcore/session"
)

// sessionState tracks the live refresh chain for one seeded session.
// Rotation is serialized per session so the chain never forks, which
// keeps reuse detection out of the measurement.
type sessionState struct {
	sid    string
	tid    string
	secret [32]byte
	mu     sync.Mutex
}

func main() {
	var (
		sessions    = flag.Int("sessions", 100000, "number of sessions to seed")
		concurrency = flag.Int("concurrency", 256, "number of concurrent workers")
		ops         = flag.Int("ops", 200000, "operations per phase (read + rotate)")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		prefix      = flag.String("prefix", "authcore:", "redis key prefix")
	)
	flag.Parse()

	if *sessions <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "sessions, concurrency, and ops must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		cleanup func()
		client  *redis.Client
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		addr = mr.Addr()
		client = redis.NewClient(&redis.Options{Addr: addr})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", addr)
	} else {
		client = redis.NewClient(&redis.Options{Addr: addr})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	store := session.New(client, session.Config{
		Prefix:           *prefix,
		IdleTimeout:      30 * time.Minute,
		AbsoluteLifetime: 24 * time.Hour,
		RefreshTTL:       24 * time.Hour,
	})

	states := make([]*sessionState, *sessions)
	fmt.Printf("seeding %d sessions...\n", *sessions)
	startSeed := time.Now()
	now := time.Now()
	for i := 0; i < *sessions; i++ {
		state, err := seedSession(ctx, store, i, now)
		if err != nil {
			fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
			os.Exit(1)
		}
		states[i] = state
	}
	fmt.Printf("seeded in %s\n", time.Since(startSeed).Round(time.Millisecond))

	readStats := runReadPhase(ctx, store, states, *ops, *concurrency)
	rotateStats := runRotatePhase(ctx, store, states, *ops, *concurrency)

	fmt.Println("---- results ----")
	printStats("read", readStats)
	printStats("rotate", rotateStats)
}

func seedSession(ctx context.Context, store *session.Store, i int, now time.Time) (*sessionState, error) {
	sid, err := internal.NewSessionID()
	if err != nil {
		return nil, err
	}
	tid, err := internal.NewTokenID()
	if err != nil {
		return nil, err
	}
	secret, err := internal.NewRefreshSecret()
	if err != nil {
		return nil, err
	}
	hash := internal.HashRefreshSecret(secret)

	sess := &session.Session{
		SessionID:         sid.String(),
		UserID:            fmt.Sprintf("u-%d", i%1000),
		DeviceID:          fmt.Sprintf("dev-%d", i),
		DeviceInfo:        "loadtest",
		IPAddress:         "127.0.0.1",
		Role:              "agent",
		TokenID:           tid.String(),
		TokenVersion:      1,
		CreatedAt:         now.Unix(),
		LastActivityAt:    now.Unix(),
		IdleExpiresAt:     now.Add(30 * time.Minute).Unix(),
		AbsoluteExpiresAt: now.Add(24 * time.Hour).Unix(),
	}
	if err := store.Create(ctx, sess, hex.EncodeToString(hash[:]), now); err != nil {
		return nil, err
	}

	return &sessionState{sid: sid.String(), tid: tid.String(), secret: secret}, nil
}

func runReadPhase(ctx context.Context, store *session.Store, states []*sessionState, ops, concurrency int) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				idx := r.Intn(len(states))
				t0 := time.Now()
				_, err := store.GetLive(ctx, states[idx].sid, time.Now())
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	total := time.Since(start)
	return computeStats(total, latencies, failures)
}

func runRotatePhase(ctx context.Context, store *session.Store, states []*sessionState, ops, concurrency int) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*6151))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				idx := r.Intn(len(states))
				state := states[idx]

				state.mu.Lock()
				d, err := rotateOnce(ctx, store, state)
				state.mu.Unlock()
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}

				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	total := time.Since(start)
	return computeStats(total, latencies, failures)
}

func rotateOnce(ctx context.Context, store *session.Store, state *sessionState) (time.Duration, error) {
	nextTID, err := internal.NewTokenID()
	if err != nil {
		return 0, err
	}
	nextSecret, err := internal.NewRefreshSecret()
	if err != nil {
		return 0, err
	}

	providedHash := internal.HashRefreshSecret(state.secret)
	nextHash := internal.HashRefreshSecret(nextSecret)

	t0 := time.Now()
	_, err = store.Rotate(ctx, session.RotateParams{
		TokenID:      state.tid,
		ProvidedHash: hex.EncodeToString(providedHash[:]),
		NextTokenID:  nextTID.String(),
		NextHash:     hex.EncodeToString(nextHash[:]),
		NextCSRFHash: "",
	}, time.Now())
	d := time.Since(t0)
	if err == nil {
		state.tid = nextTID.String()
		state.secret = nextSecret
	}
	return d, err
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
