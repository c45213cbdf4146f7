package middleware

import (
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/storefront/server/internal/shared/response"
	apperrors "github.com/storefront/server/internal/utils/errors"
)

const (
	// RateLimitLimit is the header for the burst size.
	RateLimitLimit = "X-RateLimit-Limit"
	// RateLimitRemaining is the header for remaining requests.
	RateLimitRemaining = "X-RateLimit-Remaining"
	// RetryAfter is the header for retry time.
	RetryAfter = "Retry-After"
)

// RateLimitConfig holds rate limit configuration.
type RateLimitConfig struct {
	// Rate is the sustained number of requests per second.
	Rate float64
	// Burst is the maximum number of requests allowed at once.
	Burst int
	// KeyFunc generates the rate limit key from request.
	// Default uses client IP.
	KeyFunc func(*gin.Context) string
	// SkipFunc determines if the request should skip rate limiting.
	SkipFunc func(*gin.Context) bool
}

// DefaultRateLimitConfig returns the default rate limit configuration.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Rate:  10,
		Burst: 20,
		KeyFunc: func(c *gin.Context) string {
			return "ip:" + c.ClientIP()
		},
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per key. Buckets idle for longer than
// the idle window are dropped by Sweep.
type Limiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     rate.Limit
	burst    int
	idle     time.Duration
}

// NewLimiter creates a limiter allowing r requests per second with burst b.
func NewLimiter(r float64, b int) *Limiter {
	if b < 1 {
		b = 1
	}
	return &Limiter{
		visitors: make(map[string]*visitor),
		rate:     rate.Limit(r),
		burst:    b,
		idle:     3 * time.Minute,
	}
}

// Allow consumes a token for key and reports the tokens left.
func (l *Limiter) Allow(key string) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = time.Now()

	allowed := v.limiter.Allow()
	remaining := int(math.Max(0, math.Floor(v.limiter.Tokens())))
	return allowed, remaining
}

// Sweep removes buckets that have been idle past the idle window.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, v := range l.visitors {
		if time.Since(v.lastSeen) > l.idle {
			delete(l.visitors, k)
		}
	}
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

// RateLimit returns a middleware that limits requests per key.
func RateLimit(cfg RateLimitConfig) gin.HandlerFunc {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = func(c *gin.Context) string {
			return "ip:" + c.ClientIP()
		}
	}
	limiter := NewLimiter(cfg.Rate, cfg.Burst)
	retryAfter := 1
	if cfg.Rate > 0 {
		retryAfter = int(math.Ceil(1 / cfg.Rate))
	}

	var calls atomic.Uint64
	return func(c *gin.Context) {
		if cfg.SkipFunc != nil && cfg.SkipFunc(c) {
			c.Next()
			return
		}

		allowed, remaining := limiter.Allow(cfg.KeyFunc(c))
		c.Header(RateLimitLimit, strconv.Itoa(limiter.burst))
		c.Header(RateLimitRemaining, strconv.Itoa(remaining))

		if calls.Add(1)%1024 == 0 {
			limiter.Sweep()
		}

		if !allowed {
			c.Header(RetryAfter, strconv.Itoa(retryAfter))
			response.Abort(c, apperrors.RateLimited("too many requests, please try again later"))
			return
		}

		c.Next()
	}
}

// RateLimitByIP returns a rate limiter that limits by IP address.
func RateLimitByIP(r float64, burst int) gin.HandlerFunc {
	return RateLimit(RateLimitConfig{Rate: r, Burst: burst})
}

// RateLimitByUser returns a rate limiter that limits by user ID.
// Falls back to IP if user is not authenticated.
func RateLimitByUser(r float64, burst int) gin.HandlerFunc {
	return RateLimit(RateLimitConfig{
		Rate:  r,
		Burst: burst,
		KeyFunc: func(c *gin.Context) string {
			if userID := GetUserID(c); userID != uuid.Nil {
				return "user:" + userID.String()
			}
			return "ip:" + c.ClientIP()
		},
	})
}
