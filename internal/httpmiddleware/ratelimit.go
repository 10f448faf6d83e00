package httpmiddleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// KeyFunc picks the bucket a request is charged to.
type KeyFunc func(c *gin.Context) string

// ClientIP charges requests to the caller's address.
func ClientIP(c *gin.Context) string {
	if ip := c.ClientIP(); ip != "" {
		return ip
	}
	return "unknown"
}

// idleTTL outlives the time a bucket needs to refill, so evicting an idle
// bucket never grants more than the caller would have had anyway.
const idleTTL = 10 * time.Minute

// Limiter keeps one token bucket per key. Buckets idle for idleTTL are evicted.
type Limiter struct {
	mu      sync.Mutex
	buckets *cache.Cache
	limit   rate.Limit
	burst   int
}

// NewLimiter allows perMinute requests per key with bursts of the same size.
func NewLimiter(perMinute int) *Limiter {
	return newLimiter(perMinute, idleTTL)
}

func newLimiter(perMinute int, idle time.Duration) *Limiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &Limiter{
		buckets: cache.New(idle, idle),
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   perMinute,
	}
}

// Allow reports whether key may make a request now.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	var b *rate.Limiter
	if v, ok := l.buckets.Get(key); ok {
		b = v.(*rate.Limiter)
	} else {
		b = rate.NewLimiter(l.limit, l.burst)
	}
	// refresh the expiry on every use
	l.buckets.SetDefault(key, b)
	l.mu.Unlock()
	return b.Allow()
}

// Middleware rejects requests over the limit with 429.
func (l *Limiter) Middleware(key KeyFunc) gin.HandlerFunc {
	if key == nil {
		key = ClientIP
	}
	return func(c *gin.Context) {
		if !l.Allow(key(c)) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"code": "rate_limited", "error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
