package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-session/internal/response"
	"golang.org/x/time/rate"
)

const sweepInterval = time.Minute

// RateLimiter keeps one token bucket per caller. Authenticated callers are
// keyed by user id, anonymous ones by client IP.
type RateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*keyLimiter
	every     time.Duration // One token per every
	burst     int
	idleTTL   time.Duration
	now       func() time.Time
	lastSweep time.Time
}

type keyLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows n requests per interval and a burst of n (e.g., 120 per minute).
func NewRateLimiter(n int, interval time.Duration) *RateLimiter {
	return newRateLimiter(n, interval, time.Now)
}

func newRateLimiter(n int, interval time.Duration, now func() time.Time) *RateLimiter {
	return &RateLimiter{
		limiters:  make(map[string]*keyLimiter),
		every:     interval / time.Duration(n),
		burst:     n,
		idleTTL:   3 * interval,
		now:       now,
		lastSweep: now(),
	}
}

// Allow takes one token from key's bucket.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.sweepLocked(now)

	kl, ok := rl.limiters[key]
	if !ok {
		kl = &keyLimiter{limiter: rate.NewLimiter(rate.Every(rl.every), rl.burst)}
		rl.limiters[key] = kl
	}
	kl.lastSeen = now
	return kl.limiter.AllowN(now, 1)
}

// sweepLocked drops limiters idle for three intervals, at most once a minute.
func (rl *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(rl.lastSweep) < sweepInterval {
		return
	}
	rl.lastSweep = now
	for key, kl := range rl.limiters {
		if now.Sub(kl.lastSeen) > rl.idleTTL {
			delete(rl.limiters, key)
		}
	}
}

// Middleware returns a Gin middleware enforcing the limit. It must run after
// the JWT middleware to key by user.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	retryAfter := strconv.Itoa(int(math.Ceil(rl.every.Seconds())))
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if claims := GetClaims(c); claims != nil {
			key = string(claims.TokenType) + ":" + strconv.Itoa(claims.UserID)
		}

		if !rl.Allow(key) {
			c.Header("Retry-After", retryAfter)
			response.AbortFail(c, http.StatusTooManyRequests, response.ErrRateLimitExceeded)
			return
		}
		c.Next()
	}
}
