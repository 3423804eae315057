package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimitConfig bounds requests per authenticated identity.
type RateLimitConfig struct {
	RequestsPerMinute int
	BurstSize         int
}

// RateLimiter is a per-identity token bucket. Requests over the limit are
// shed with 429 rather than queued.
type RateLimiter struct {
	cfg     RateLimitConfig
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	done    chan struct{}
	once    sync.Once
}

type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

// NewRateLimiter creates a limiter and starts its idle-bucket cleanup
// loop. Stop releases the loop.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 600
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = cfg.RequestsPerMinute / 10
		if cfg.BurstSize < 1 {
			cfg.BurstSize = 1
		}
	}
	rl := &RateLimiter{
		cfg:     cfg,
		buckets: make(map[string]*tokenBucket),
		done:    make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Stop terminates the cleanup loop.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.done) })
}

// Allow consumes one token for the identity if available.
func (rl *RateLimiter) Allow(identity string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	bucket, ok := rl.buckets[identity]
	if !ok {
		bucket = &tokenBucket{tokens: float64(rl.cfg.BurstSize), lastRefill: now}
		rl.buckets[identity] = bucket
	}

	refillRate := float64(rl.cfg.RequestsPerMinute) / 60.0
	bucket.tokens += now.Sub(bucket.lastRefill).Seconds() * refillRate
	if max := float64(rl.cfg.BurstSize); bucket.tokens > max {
		bucket.tokens = max
	}
	bucket.lastRefill = now

	if bucket.tokens < 1 {
		return false
	}
	bucket.tokens--
	return true
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			horizon := time.Now().Add(-10 * time.Minute)
			rl.mu.Lock()
			for id, bucket := range rl.buckets {
				if bucket.lastRefill.Before(horizon) {
					delete(rl.buckets, id)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// RateLimitMiddleware sheds over-limit requests with 429. The identity is
// derived from the credential so limits follow the key across hosts.
func RateLimitMiddleware(rl *RateLimiter, a *Authenticator, m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rl == nil || (a != nil && a.Allowed(r.URL.Path)) {
				next.ServeHTTP(w, r)
				return
			}
			identity := "anonymous"
			if a != nil {
				identity = a.identity(r)
			}
			if !rl.Allow(identity) {
				if m != nil {
					m.RateLimited.Inc()
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.cfg.RequestsPerMinute))
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("Retry-After", "60")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
