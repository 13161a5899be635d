package middleware

import (
	"context"
	"time"

	"vox_back/authorization"
	"vox_back/envelope"

	"github.com/gin-gonic/gin"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

// RateLimiter keeps one token bucket per key. Buckets idle for ten minutes are
// dropped.
type RateLimiter struct {
	limits *gocache.Cache
	limit  rate.Limit
	burst  int
}

// NewRateLimiter allows perSecond requests per key with the given burst.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limits: gocache.New(limiterIdleTTL, limiterIdleTTL),
		limit:  rate.Limit(perSecond),
		burst:  burst,
	}
}

// getLimiter gets or creates a limiter for the given key.
func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	if cached, ok := rl.limits.Get(key); ok {
		limiter := cached.(*rate.Limiter)
		rl.limits.SetDefault(key, limiter)
		return limiter
	}
	limiter := rate.NewLimiter(rl.limit, rl.burst)
	if err := rl.limits.Add(key, limiter, gocache.DefaultExpiration); err != nil {
		// Lost the race to another request; use the stored bucket.
		if cached, ok := rl.limits.Get(key); ok {
			return cached.(*rate.Limiter)
		}
	}
	return limiter
}

// Allow checks if a request is allowed for the given key.
func (rl *RateLimiter) Allow(key string) bool {
	return rl.getLimiter(key).Allow()
}

// Wait blocks until a request is allowed or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	return rl.getLimiter(key).Wait(ctx)
}

// PerUser rejects requests with 429 once the authenticated user exhausts
// their bucket. Requests without a user are keyed by client IP.
func (rl *RateLimiter) PerUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := authorization.CurrentUserID(c)
		if key == "" {
			key = "ip:" + c.ClientIP()
		}
		if !rl.Allow(key) {
			envelope.Abort(c, envelope.RateLimited("too many requests, slow down and retry shortly"))
			return
		}
		c.Next()
	}
}
