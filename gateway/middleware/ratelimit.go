package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit is a per-client budget for one route group.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies per-client token buckets keyed by route group.
type RateLimiter struct {
	limits map[string]RateLimit

	mu       sync.Mutex
	visitors map[string]*rateEntry
}

// NewRateLimiter builds a limiter from the per-group limits. Groups without
// an entry are unlimited.
func NewRateLimiter(limits map[string]RateLimit) *RateLimiter {
	return &RateLimiter{
		limits:   limits,
		visitors: make(map[string]*rateEntry),
	}
}

// Middleware limits the wrapped routes under the named budget.
func (rl *RateLimiter) Middleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limit, ok := rl.limits[key]
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			if !rl.allow(key+"|"+clientID(r), limit) {
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) allow(id string, limit RateLimit) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	entry, ok := rl.visitors[id]
	if !ok {
		entry = &rateEntry{
			limiter: rate.NewLimiter(rate.Limit(limit.RequestsPerMinute/60.0), limit.Burst),
		}
		rl.visitors[id] = entry
	}
	entry.lastSeen = time.Now()
	if len(rl.visitors) > 10_000 {
		rl.evictStale()
	}
	return entry.limiter.Allow()
}

func (rl *RateLimiter) evictStale() {
	cutoff := time.Now().Add(-10 * time.Minute)
	for id, entry := range rl.visitors {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.visitors, id)
		}
	}
}

func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
