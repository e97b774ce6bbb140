package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/platinummonkey/entitle/pkg/contextkeys"
	"github.com/platinummonkey/entitle/pkg/observability"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the sustained number of requests per window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
	// BurstSize is how many requests may arrive at once
	BurstSize int
}

// DefaultRateLimitConfig allows 600 checks a minute with bursts of 50
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerWindow: 600,
		WindowDuration:    time.Minute,
		BurstSize:         50,
	}
}

// Decision is the outcome of a rate limit check
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether the request identified by key may proceed
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is an in-process token bucket per key
type RateLimiter struct {
	config  RateLimitConfig
	limit   rate.Limit
	burst   int
	buckets map[string]*bucket
	mu      sync.Mutex
	now     func() time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	if config.WindowDuration <= 0 {
		config.WindowDuration = time.Minute
	}
	burst := config.BurstSize
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		config:  config,
		limit:   rate.Limit(float64(config.RequestsPerWindow) / config.WindowDuration.Seconds()),
		burst:   burst,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow takes one token from key's bucket
func (rl *RateLimiter) Allow(_ context.Context, key string) (Decision, error) {
	now := rl.now()

	rl.mu.Lock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	rl.mu.Unlock()

	d := Decision{Limit: rl.config.RequestsPerWindow}
	if b.limiter.AllowN(now, 1) {
		d.Allowed = true
	} else if rl.limit > 0 {
		d.RetryAfter = time.Duration(float64(time.Second) / float64(rl.limit))
	} else {
		d.RetryAfter = rl.config.WindowDuration
	}
	d.Remaining = int(b.limiter.TokensAt(now))
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	return d, nil
}

// Cleanup drops buckets idle for more than two windows
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-2 * rl.config.WindowDuration)
	for key, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
}

// Len reports the number of tracked keys
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// StartCleanup runs Cleanup once per window until ctx is done
func (rl *RateLimiter) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(rl.config.WindowDuration)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// RateLimitMiddleware rejects callers that exceed their limit with 429.
// Limiter failures let the request through.
type RateLimitMiddleware struct {
	limiter Limiter
	logger  *observability.Logger
}

// NewRateLimitMiddleware creates a new rate limit middleware
func NewRateLimitMiddleware(limiter Limiter, logger *observability.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{limiter: limiter, logger: logger}
}

// Handler wraps an HTTP handler with rate limiting
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := "ip:" + clientIP(r)
		if principal := contextkeys.GetPrincipalID(r.Context()); principal != "" {
			key = "principal:" + principal
		}

		d, err := m.limiter.Allow(r.Context(), key)
		if err != nil {
			if m.logger != nil {
				m.logger.WithError(err).WithField("key", key).Warn("rate limiter unavailable, allowing request")
			}
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if !d.Allowed {
			retryAfter := int(d.RetryAfter.Round(time.Second).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w, `{"error":"rate limit exceeded","retry_after":%d}`+"\n", retryAfter)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}
