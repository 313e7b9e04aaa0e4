package main

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

type rateRecord struct {
	count int
	reset time.Time
}

// RateLimiter counts requests per key in fixed windows.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]rateRecord
	now     func() time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{entries: make(map[string]rateRecord), now: time.Now}
}

// Allow reports whether key may make another call under limit per window. A
// non-positive limit disables limiting.
func (rl *RateLimiter) Allow(key string, limit int, window time.Duration) bool {
	if limit <= 0 {
		return true
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec := rl.entries[key]
	if now.After(rec.reset) {
		rec = rateRecord{reset: now.Add(window)}
	}
	if rec.count >= limit {
		return false
	}
	rec.count++
	rl.entries[key] = rec
	return true
}

// Sweep drops windows that have already reset.
func (rl *RateLimiter) Sweep() int {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for k, rec := range rl.entries {
		if now.After(rec.reset) {
			delete(rl.entries, k)
			removed++
		}
	}
	return removed
}

// rateLimited wraps a handler with a per-key limit. keyFn returning "" skips
// the limit.
func (s *Server) rateLimited(bucket string, limit int, window time.Duration, keyFn func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := keyFn(c)
		if key != "" && !s.rateLimiter.Allow(bucket+":"+key, limit, window) {
			c.Header("Retry-After", "60")
			respondError(c, http.StatusTooManyRequests, "rate limit exceeded", s.logger)
			return
		}
		c.Next()
	}
}
