package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

func limitedRouter(rl *RateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RateLimitMiddleware(rl))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func hit(router http.Handler, ip string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/test", nil)
	req.RemoteAddr = ip + ":12345"
	router.ServeHTTP(w, req)
	return w
}

func TestGetLimiter(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(10), 20)

	first := rl.getLimiter("192.168.1.1")
	if first == nil {
		t.Fatal("getLimiter returned nil")
	}
	if again := rl.getLimiter("192.168.1.1"); again != first {
		t.Error("Expected the same limiter for the same IP")
	}
	if other := rl.getLimiter("192.168.1.2"); other == first {
		t.Error("Expected a separate limiter per IP")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		requests       int
		rateLimit      rate.Limit
		burst          int
		expectedStatus int
	}{
		{"under limit", 5, rate.Limit(10), 10, http.StatusOK},
		{"whole burst", 5, rate.Limit(1), 5, http.StatusOK},
		{"past burst", 6, rate.Limit(1), 5, http.StatusTooManyRequests},
		{"far past burst", 15, rate.Limit(1), 10, http.StatusTooManyRequests},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := limitedRouter(NewRateLimiter(tt.rateLimit, tt.burst))

			var last *httptest.ResponseRecorder
			for i := 0; i < tt.requests; i++ {
				last = hit(router, "192.168.1.100")
			}
			if last.Code != tt.expectedStatus {
				t.Errorf("Expected final status %d, got %d", tt.expectedStatus, last.Code)
			}
			if last.Code == http.StatusTooManyRequests && !strings.Contains(last.Body.String(), "Rate limit exceeded") {
				t.Errorf("Expected rate limit message, got: %s", last.Body.String())
			}
		})
	}
}

func TestRateLimitMiddlewareIsPerIP(t *testing.T) {
	router := limitedRouter(NewRateLimiter(rate.Limit(1), 1))

	if w := hit(router, "192.168.1.1"); w.Code != http.StatusOK {
		t.Errorf("First IP should pass, got %d", w.Code)
	}
	if w := hit(router, "192.168.1.1"); w.Code != http.StatusTooManyRequests {
		t.Errorf("First IP should now be limited, got %d", w.Code)
	}
	if w := hit(router, "192.168.1.2"); w.Code != http.StatusOK {
		t.Errorf("Second IP should pass, got %d", w.Code)
	}
}

func TestMaxBytesMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name           string
		bodySize       int
		expectedStatus int
	}{
		{"under limit", 512, http.StatusOK},
		{"at limit", 1024, http.StatusOK},
		{"over limit", 2048, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(MaxBytesMiddleware(1024))
			router.POST("/test", func(c *gin.Context) {
				c.Status(http.StatusOK)
			})

			w := httptest.NewRecorder()
			req, _ := http.NewRequest("POST", "/test", strings.NewReader(strings.Repeat("x", tt.bodySize)))
			router.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
			if w.Code == http.StatusRequestEntityTooLarge && !strings.Contains(w.Body.String(), "Request body too large") {
				t.Errorf("Expected body size message, got: %s", w.Body.String())
			}
		})
	}
}

func TestForgetIdleLimiters(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(10), 20)

	rl.getLimiter("192.168.1.1")
	rl.getLimiter("192.168.1.2")

	rl.mu.Lock()
	rl.limiters["192.168.1.1"].lastSeen = time.Now().Add(-time.Hour)
	rl.mu.Unlock()

	if removed := rl.forgetIdle(time.Now().Add(-rl.idle)); removed != 1 {
		t.Errorf("Expected 1 idle limiter removed, got %d", removed)
	}

	rl.mu.Lock()
	_, stale := rl.limiters["192.168.1.1"]
	_, fresh := rl.limiters["192.168.1.2"]
	rl.mu.Unlock()

	if stale || !fresh {
		t.Errorf("Expected only the idle limiter to be dropped (stale=%v fresh=%v)", stale, fresh)
	}
}

func TestNodeAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	fed := newTestFederation(t, "http://node-a.test")
	node, err := fed.Registry.Create(context.Background(), "node-b", "http://node-b.test", "node-b", "s3cret")
	if err != nil {
		t.Fatalf("Failed to register node: %v", err)
	}
	if _, err := fed.Registry.Create(context.Background(), "node-c", "http://node-c.test", "node-c", "gone"); err != nil {
		t.Fatalf("Failed to register node: %v", err)
	}
	if _, err := fed.Registry.Deactivate(context.Background(), "node-c"); err != nil {
		t.Fatalf("Deactivate failed: %v", err)
	}

	router := gin.New()
	router.Use(NodeAuthMiddleware(fed.Registry))
	router.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, sourceNode(c).Name)
	})

	tests := []struct {
		name           string
		user, password string
		expectedStatus int
	}{
		{"no credentials", "", "", http.StatusUnauthorized},
		{"wrong password", "node-b", "nope", http.StatusUnauthorized},
		{"unknown user", "node-x", "s3cret", http.StatusUnauthorized},
		{"inactive node", "node-c", "gone", http.StatusUnauthorized},
		{"valid", "node-b", "s3cret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest("GET", "/test", nil)
			if tt.user != "" {
				req.SetBasicAuth(tt.user, tt.password)
			}
			router.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
			if w.Code == http.StatusUnauthorized && !strings.HasPrefix(w.Header().Get("WWW-Authenticate"), "Basic") {
				t.Errorf("Expected a basic auth challenge, got %q", w.Header().Get("WWW-Authenticate"))
			}
			if w.Code == http.StatusOK && w.Body.String() != node.Name {
				t.Errorf("Expected source node %s, got %s", node.Name, w.Body.String())
			}
		})
	}
}
