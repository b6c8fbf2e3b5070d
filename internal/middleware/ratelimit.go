package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stemsi/exstem-attempt/internal/response"
)

// staleAfter is how long an idle key keeps its bucket.
const staleAfter = 3 * time.Minute

// KeyFunc picks the bucket a request is charged to.
type KeyFunc func(c *gin.Context) string

// ByClientIP charges requests to the caller's IP.
func ByClientIP(c *gin.Context) string {
	return c.ClientIP()
}

// ByParam charges requests to a path parameter, falling back to the client IP.
func ByParam(name string) KeyFunc {
	return func(c *gin.Context) string {
		if v := c.Param(name); v != "" {
			return name + ":" + v
		}
		return ByClientIP(c)
	}
}

// RateLimiter implements a keyed token bucket rate limiter.
type RateLimiter struct {
	mu          sync.Mutex
	visitors    map[string]*visitor
	rate        int           // Tokens per interval
	interval    time.Duration // Refill interval
	clock       clockwork.Clock
	lastCleanup time.Time
}

type visitor struct {
	tokens   int
	lastSeen time.Time // last refill
	lastHit  time.Time
}

// NewRateLimiter creates a RateLimiter (e.g., 10 requests per minute).
func NewRateLimiter(rate int, interval time.Duration) *RateLimiter {
	return NewRateLimiterWithClock(rate, interval, clockwork.NewRealClock())
}

// NewRateLimiterWithClock is NewRateLimiter with an injectable clock.
func NewRateLimiterWithClock(rate int, interval time.Duration, clock clockwork.Clock) *RateLimiter {
	return &RateLimiter{
		visitors:    make(map[string]*visitor),
		rate:        rate,
		interval:    interval,
		clock:       clock,
		lastCleanup: clock.Now(),
	}
}

// Allow takes a token from key's bucket.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	if now.Sub(rl.lastCleanup) >= time.Minute {
		rl.cleanupLocked(now)
	}

	v, exists := rl.visitors[key]
	if !exists {
		v = &visitor{tokens: rl.rate, lastSeen: now}
		rl.visitors[key] = v
	}
	v.lastHit = now

	// Refill tokens based on elapsed time.
	intervals := int(now.Sub(v.lastSeen) / rl.interval)
	if intervals > 0 {
		v.tokens = min(rl.rate, v.tokens+intervals*rl.rate)
		v.lastSeen = v.lastSeen.Add(time.Duration(intervals) * rl.interval)
	}

	if v.tokens <= 0 {
		return false
	}
	v.tokens--
	return true
}

// Middleware returns a Gin middleware that rate-limits requests by key.
func (rl *RateLimiter) Middleware(key KeyFunc) gin.HandlerFunc {
	if key == nil {
		key = ByClientIP
	}
	return func(c *gin.Context) {
		if !rl.Allow(key(c)) {
			response.AbortFail(c, http.StatusTooManyRequests, response.ErrRateLimitExceeded)
			return
		}
		c.Next()
	}
}

func (rl *RateLimiter) cleanupLocked(now time.Time) {
	rl.lastCleanup = now
	for k, v := range rl.visitors {
		if now.Sub(v.lastHit) > staleAfter {
			delete(rl.visitors, k)
		}
	}
}

func (rl *RateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.visitors)
}
