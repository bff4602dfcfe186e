package httpmiddleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"sakato/internal/auth"
)

// RateLimiter is an in-memory token bucket keyed by user (falling back
// to client IP for unauthenticated routes). State is per-process; a
// deployment behind multiple replicas gets a proportionally looser
// effective limit.
type RateLimiter struct {
	capacity int
	rate     int
	mu       sync.Mutex
	state    map[string]*bucket
}

type bucket struct {
	tokens int
	last   time.Time
}

// NewRateLimiter creates a limiter refilling perMinute tokens per minute
// with burst capacity equal to perMinute.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &RateLimiter{
		capacity: perMinute,
		rate:     perMinute,
		state:    make(map[string]*bucket),
	}
}

// Gin returns a handler enforcing the limit per caller.
func (l *RateLimiter) Gin() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if claims, ok := auth.FromContext(c); ok && claims.UserID != "" {
			key = claims.UserID
		}
		if key == "" {
			key = "unknown"
		}
		if !l.allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (l *RateLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.state[key]
	now := time.Now()
	if !ok {
		l.state[key] = &bucket{tokens: l.capacity - 1, last: now}
		return true
	}
	refill := int(now.Sub(b.last).Minutes() * float64(l.rate))
	if refill > 0 {
		b.tokens += refill
		if b.tokens > l.capacity {
			b.tokens = l.capacity
		}
		b.last = now
	}
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}
