package web

import (
	"fmt"
	"log"

	"github.com/deemkeen/federa/federation"
	"github.com/deemkeen/federa/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

const maxActivityBytes = 1 * 1024 * 1024

// NewRouter builds the HTTP surface peers talk to
func NewRouter(fed *federation.Federation) *gin.Engine {
	g := gin.Default()
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	h := &handlers{fed: fed}

	g.GET("/metrics", gin.WrapH(promhttp.Handler()))
	g.GET("/authors/:id/feed", h.getAuthorFeed)

	// Stricter rate limit for inbox deliveries: 5 req/sec per IP
	inboxLimiter := NewRateLimiter(rate.Limit(5), 10)
	maxBodySize := MaxBytesMiddleware(maxActivityBytes)

	peers := g.Group("/", NodeAuthMiddleware(fed.Registry))
	{
		peers.POST("/inbox", RateLimitMiddleware(inboxLimiter), maxBodySize, h.postInbox)
		peers.POST("/authors/:id/inbox", RateLimitMiddleware(inboxLimiter), maxBodySize, h.postAuthorInbox)

		peers.GET("/authors/", h.listAuthors)
		peers.GET("/authors/:id", h.getAuthor)
		peers.GET("/entries/", h.listEntries)
		peers.GET("/authors/:id/entries/:eid", h.getEntry)
		peers.GET("/authors/:id/entries/:eid/comments/:cid", h.getComment)
	}
	return g
}

// Router serves the node until the listener fails
func Router(conf *util.AppConfig, fed *federation.Federation) error {
	log.Printf("Starting federation server on %s:%d (%s)", conf.Conf.Host, conf.Conf.HttpPort, conf.Conf.PublicURL)
	g := NewRouter(fed)
	return g.Run(fmt.Sprintf("%s:%d", conf.Conf.Host, conf.Conf.HttpPort))
}

type handlers struct {
	fed *federation.Federation
}
