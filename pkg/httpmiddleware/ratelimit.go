package httpmiddleware

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// LimitStore counts hits per key.
type LimitStore interface {
	Allow(ctx context.Context, key string, now time.Time) (Decision, error)
}

// RateLimitConfig configures the RateLimit middleware.
type RateLimitConfig struct {
	Max    int
	Window time.Duration
	// Store defaults to an in-process sliding window.
	Store LimitStore
	// KeyFunc extracts the client key. Defaults to the client IP.
	KeyFunc func(*http.Request) string
	// TrustedProxies is the number of reverse proxies in front of the server
	// that append to X-Forwarded-For. Zero keys on the peer address alone.
	TrustedProxies int
}

// RateLimit rejects requests over the configured budget with 429 and a JSON
// body. Every response carries X-RateLimit-* headers. Store failures let the
// request through.
func RateLimit(cfg RateLimitConfig) Middleware {
	if cfg.Store == nil {
		cfg.Store = NewMemoryLimitStore(cfg.Max, cfg.Window)
	}
	if cfg.KeyFunc == nil {
		hops := cfg.TrustedProxies
		cfg.KeyFunc = func(r *http.Request) string { return ClientIP(r, hops) }
	}
	limit := strconv.Itoa(cfg.Max)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			now := time.Now()
			d, err := cfg.Store.Allow(r.Context(), cfg.KeyFunc(r), now)
			if err != nil {
				zctx.From(r.Context()).Warn("Rate limit store unavailable", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", limit)
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
			if !d.Allowed {
				wait := max(d.ResetAt.Sub(now), 0)
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the address of the client as seen by the outermost of
// trustedProxies reverse proxies. Forwarding headers are client controlled,
// so only entries appended by trusted proxies are read: the
// trustedProxies-th X-Forwarded-For entry from the right. With no trusted
// proxies the peer address is used.
func ClientIP(r *http.Request, trustedProxies int) string {
	if trustedProxies > 0 {
		var hops []string
		for _, v := range r.Header.Values("X-Forwarded-For") {
			for hop := range strings.SplitSeq(v, ",") {
				if hop = strings.TrimSpace(hop); hop != "" {
					hops = append(hops, hop)
				}
			}
		}
		if len(hops) > 0 {
			return hops[max(len(hops)-trustedProxies, 0)]
		}
		if ip := r.Header.Get("X-Real-IP"); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// window holds two adjacent fixed windows; the previous one is weighted by
// its overlap with the sliding window.
type window struct {
	prev, curr float64
	start      time.Time
}

// MemoryLimitStore is a per-process sliding window limiter.
type MemoryLimitStore struct {
	max    int
	size   time.Duration
	mu     sync.Mutex
	counts map[string]*window
}

// NewMemoryLimitStore allows limit hits per key in every sliding window of size.
func NewMemoryLimitStore(limit int, size time.Duration) *MemoryLimitStore {
	return &MemoryLimitStore{max: limit, size: size, counts: make(map[string]*window)}
}

// Allow implements LimitStore.
func (s *MemoryLimitStore) Allow(_ context.Context, key string, now time.Time) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := now.Truncate(s.size)
	w, ok := s.counts[key]
	switch {
	case !ok:
		w = &window{start: start}
		s.counts[key] = w
	case start.Sub(w.start) >= 2*s.size:
		w.prev, w.curr, w.start = 0, 0, start
	case start.After(w.start):
		w.prev, w.curr, w.start = w.curr, 0, start
	}

	overlap := 1 - float64(now.Sub(w.start))/float64(s.size)
	used := w.prev*overlap + w.curr
	reset := w.start.Add(s.size)
	if used >= float64(s.max) {
		return Decision{ResetAt: reset}, nil
	}
	w.curr++
	return Decision{
		Allowed:   true,
		Remaining: max(int(float64(s.max)-used-1), 0),
		ResetAt:   reset,
	}, nil
}

// Sweep drops keys idle for two windows.
func (s *MemoryLimitStore) Sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, w := range s.counts {
		if now.Sub(w.start) >= 2*s.size {
			delete(s.counts, k)
		}
	}
}

// RunSweeper calls Sweep every two windows until ctx is done.
func (s *MemoryLimitStore) RunSweeper(ctx context.Context) {
	t := time.NewTicker(2 * s.size)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			s.Sweep(now)
		}
	}
}

// incrScript increments a fixed-window counter and sets its expiry on the
// first hit.
const incrScript = `local n = redis.call('INCR', KEYS[1])
if n == 1 then redis.call('PEXPIRE', KEYS[1], ARGV[1]) end
return n`

type evaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// RedisLimitStore is a fixed window limiter shared by every replica.
type RedisLimitStore struct {
	rdb    evaler
	prefix string
	max    int
	size   time.Duration
}

// NewRedisLimitStore allows limit hits per key in each window of size.
func NewRedisLimitStore(rdb evaler, prefix string, limit int, size time.Duration) *RedisLimitStore {
	return &RedisLimitStore{rdb: rdb, prefix: prefix, max: limit, size: size}
}

// Allow implements LimitStore.
func (s *RedisLimitStore) Allow(ctx context.Context, key string, now time.Time) (Decision, error) {
	start := now.Truncate(s.size)
	k := fmt.Sprintf("%s%s:%d", s.prefix, key, start.Unix())
	n, err := s.rdb.Eval(ctx, incrScript, []string{k}, s.size.Milliseconds()).Int64()
	if err != nil {
		return Decision{}, errors.Wrap(err, "incr window")
	}
	reset := start.Add(s.size)
	if n > int64(s.max) {
		return Decision{ResetAt: reset}, nil
	}
	return Decision{Allowed: true, Remaining: s.max - int(n), ResetAt: reset}, nil
}
