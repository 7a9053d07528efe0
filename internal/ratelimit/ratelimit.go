// Package ratelimit throttles token-guessing on the public entitlement routes.
package ratelimit

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"houseplans.app/cloud/internal/logger"
	"houseplans.app/cloud/internal/metrics"
)

type RateLimit interface {
	Allow(key string) bool
}

type windowData struct {
	count       int
	windowStart time.Time
}

// FixedWindowLimiter admits maxRequests per key in each window.
type FixedWindowLimiter struct {
	maxRequests int
	window      time.Duration
	requests    map[string]*windowData
	mutex       sync.Mutex
	now         func() time.Time

	// sweepAt bounds how often expired keys are dropped.
	sweepAt time.Time
}

func New(maxRequests int, window time.Duration) *FixedWindowLimiter {
	return newWithClock(maxRequests, window, time.Now)
}

func newWithClock(maxRequests int, window time.Duration, now func() time.Time) *FixedWindowLimiter {
	return &FixedWindowLimiter{
		maxRequests: maxRequests,
		window:      window,
		requests:    make(map[string]*windowData),
		now:         now,
	}
}

func (rl *FixedWindowLimiter) Allow(key string) bool {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	rl.sweep(now)

	wd := rl.requests[key]
	if wd == nil || now.Sub(wd.windowStart) >= rl.window {
		if rl.maxRequests <= 0 {
			return false
		}
		rl.requests[key] = &windowData{count: 1, windowStart: now}
		return true
	}

	if wd.count >= rl.maxRequests {
		return false
	}
	wd.count++
	return true
}

// RetryAfter is how long key must wait before its window resets.
func (rl *FixedWindowLimiter) RetryAfter(key string) time.Duration {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	wd := rl.requests[key]
	if wd == nil {
		return 0
	}
	left := rl.window - rl.now().Sub(wd.windowStart)
	if left < 0 {
		return 0
	}
	return left
}

// Len reports how many keys are currently tracked.
func (rl *FixedWindowLimiter) Len() int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	return len(rl.requests)
}

func (rl *FixedWindowLimiter) sweep(now time.Time) {
	if now.Before(rl.sweepAt) {
		return
	}
	for key, wd := range rl.requests {
		if now.Sub(wd.windowStart) >= rl.window {
			delete(rl.requests, key)
		}
	}
	rl.sweepAt = now.Add(rl.window)
}

// Middleware answers 429 once the caller's IP exceeds the limit. Put it
// behind RealIP so proxied requests are keyed by the client address.
func Middleware(rl *FixedWindowLimiter, route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientIP(r)
			if rl.Allow(key) {
				next.ServeHTTP(w, r)
				return
			}

			metrics.RateLimited.WithLabelValues(route).Inc()
			logger.Warn("rate limit exceeded", map[string]interface{}{
				"route":  route,
				"client": key,
			})

			retry := int(math.Ceil(rl.RetryAfter(key).Seconds()))
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error": "too many requests",
				"code":  "RATE_LIMITED",
			})
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
