package middleware

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"iot-sensor-gateway/internal/logger"
	"iot-sensor-gateway/internal/metrics"
)

// Counter is a fixed-window hit counter keyed by client.
type Counter interface {
	// Incr counts one hit and returns the total in the current window and
	// the time until the window resets.
	Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	// Decr takes back one hit, for requests that should not count.
	Decr(ctx context.Context, key string) error
}

// RedisCounter shares windows between gateway replicas using INCR/EXPIRE.
type RedisCounter struct {
	client *redis.Client
	prefix string
}

func NewRedisCounter(client *redis.Client, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &RedisCounter{client: client, prefix: prefix}
}

func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	key = c.prefix + key

	count, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, 0, err
	}
	if count == 1 {
		if err := c.client.Expire(ctx, key, window).Err(); err != nil {
			return 0, 0, err
		}
		return count, window, nil
	}

	ttl, err := c.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, 0, err
	}
	// -1: the key lost its expiry (EXPIRE never ran after the first INCR)
	if ttl < 0 {
		if err := c.client.Expire(ctx, key, window).Err(); err != nil {
			return 0, 0, err
		}
		ttl = window
	}
	return count, ttl, nil
}

func (c *RedisCounter) Decr(ctx context.Context, key string) error {
	key = c.prefix + key

	n, err := c.client.Decr(ctx, key).Result()
	if err != nil {
		return err
	}
	if n <= 0 {
		return c.client.Del(ctx, key).Err()
	}
	return nil
}

type fixedWindow struct {
	count int64
	reset time.Time
}

// MemoryCounter keeps windows in process. Expired windows are swept at most
// once per window length.
type MemoryCounter struct {
	mu        sync.Mutex
	windows   map[string]*fixedWindow
	now       func() time.Time
	lastSweep time.Time
}

func NewMemoryCounter() *MemoryCounter {
	return newMemoryCounter(time.Now)
}

func newMemoryCounter(now func() time.Time) *MemoryCounter {
	return &MemoryCounter{windows: make(map[string]*fixedWindow), now: now, lastSweep: now()}
}

func (c *MemoryCounter) Incr(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if now.Sub(c.lastSweep) >= window {
		for k, w := range c.windows {
			if !now.Before(w.reset) {
				delete(c.windows, k)
			}
		}
		c.lastSweep = now
	}

	w, ok := c.windows[key]
	if !ok || !now.Before(w.reset) {
		w = &fixedWindow{reset: now.Add(window)}
		c.windows[key] = w
	}
	w.count++
	return w.count, w.reset.Sub(now), nil
}

func (c *MemoryCounter) Decr(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if w, ok := c.windows[key]; ok && w.count > 0 {
		w.count--
	}
	return nil
}

// Len returns the number of tracked windows.
func (c *MemoryCounter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.windows)
}

type RateLimitConfig struct {
	Name       string // metrics label and key namespace
	Counter    Counter
	Limit      int
	Window     time.Duration
	Skip       func(r *http.Request) bool
	SkipFailed bool // responses >= 400 do not count against the client
}

// RateLimit limits requests per client IP in fixed windows and answers 429
// once the limit is passed. Counter errors let the request through.
func RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Skip != nil && cfg.Skip(r) {
				next.ServeHTTP(w, r)
				return
			}

			key := cfg.Name + ":" + clientIP(r)
			count, ttl, err := cfg.Counter.Incr(r.Context(), key, cfg.Window)
			if err != nil {
				logger.WithComponent("ratelimit").Warn().
					Err(err).
					Str("limiter", cfg.Name).
					Msg("rate limit check failed, allowing request")
				next.ServeHTTP(w, r)
				return
			}

			reset := max(int(math.Ceil(ttl.Seconds())), 0)
			h := w.Header()
			h.Set("RateLimit-Limit", strconv.Itoa(cfg.Limit))
			h.Set("RateLimit-Remaining", strconv.Itoa(max(cfg.Limit-int(count), 0)))
			h.Set("RateLimit-Reset", strconv.Itoa(reset))

			if count > int64(cfg.Limit) {
				metrics.RateLimited.WithLabelValues(cfg.Name).Inc()
				h.Set("Retry-After", strconv.Itoa(reset))
				h.Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"error":      "Too many requests",
					"message":    "Too many requests from this IP, please try again later.",
					"retryAfter": reset,
				})
				return
			}

			if !cfg.SkipFailed {
				next.ServeHTTP(w, r)
				return
			}

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			if ww.Status() >= http.StatusBadRequest {
				if err := cfg.Counter.Decr(context.WithoutCancel(r.Context()), key); err != nil {
					logger.WithComponent("ratelimit").Warn().Err(err).Str("limiter", cfg.Name).Msg("failed to refund hit")
				}
			}
		})
	}
}

// SkipOrigins exempts browser requests from the dashboard's own origins.
func SkipOrigins(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return false
		}
		for _, a := range allowed {
			if a != "" && a != "*" && strings.HasPrefix(origin, a) {
				return true
			}
		}
		return false
	}
}

// clientIP expects chi's RealIP to have run; it strips the port from
// RemoteAddr when one is present.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if r.RemoteAddr == "" {
		return "anonymous"
	}
	return r.RemoteAddr
}
