package web

import (
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/deemkeen/federa/domain"
	"github.com/deemkeen/federa/federation"
	"github.com/deemkeen/federa/util"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const nodeKey = "node"

// RateLimiter holds one limiter per client IP
type RateLimiter struct {
	limiters map[string]*visitor
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	idle     time.Duration
	cleanup  sync.Once
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter
// r is requests per second, b is burst size
func NewRateLimiter(r rate.Limit, b int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*visitor),
		rate:     r,
		burst:    b,
		idle:     10 * time.Minute,
	}
}

func (rl *RateLimiter) getLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.limiters[ip]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// forgetIdle drops limiters not used since before cutoff
func (rl *RateLimiter) forgetIdle(cutoff time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for ip, v := range rl.limiters {
		if v.lastSeen.Before(cutoff) {
			delete(rl.limiters, ip)
			removed++
		}
	}
	return removed
}

func (rl *RateLimiter) cleanupOldLimiters() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.forgetIdle(time.Now().Add(-rl.idle))
	}
}

// RateLimitMiddleware creates a Gin middleware for rate limiting
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	rl.cleanup.Do(func() { go rl.cleanupOldLimiters() })

	return func(c *gin.Context) {
		if !rl.getLimiter(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded. Please try again later.",
			})
			return
		}
		c.Next()
	}
}

// MaxBytesMiddleware limits the size of request bodies
func MaxBytesMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "Request body too large",
			})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// NodeAuthMiddleware admits requests carrying the basic auth credentials of
// an active peer node and stores that node in the context.
func NodeAuthMiddleware(registry *federation.Registry) gin.HandlerFunc {
	challenge := fmt.Sprintf(`Basic realm="%s"`, util.Name)
	return func(c *gin.Context) {
		username, password, ok := c.Request.BasicAuth()
		if !ok {
			c.Header("WWW-Authenticate", challenge)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		node, err := registry.Authenticate(c.Request.Context(), username, password)
		if err != nil {
			log.Printf("Auth: Rejected %s from %s: %v", username, c.ClientIP(), err)
			c.Header("WWW-Authenticate", challenge)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid node credentials"})
			return
		}
		c.Set(nodeKey, node)
		c.Next()
	}
}

// sourceNode returns the node authenticated by NodeAuthMiddleware
func sourceNode(c *gin.Context) *domain.Node {
	if v, ok := c.Get(nodeKey); ok {
		if node, ok := v.(*domain.Node); ok {
			return node
		}
	}
	return nil
}
