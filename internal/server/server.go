package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/opentrail/opentrail/internal/ledger"
)

// Options configure the HTTP router.
type Options struct {
	CORSOrigins  []string
	RateLimitRPS int
	Auth         *Issuer // nil leaves the producer endpoint unguarded
}

// NewRouter assembles the full HTTP surface: middleware, health and
// metrics endpoints, and the versioned ledger API.
func NewRouter(l *ledger.Ledger, opts Options, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(PrometheusMiddleware())

	if len(opts.CORSOrigins) > 0 {
		cfg := cors.DefaultConfig()
		cfg.AllowOrigins = opts.CORSOrigins
		cfg.AllowHeaders = append(cfg.AllowHeaders, "Authorization")
		r.Use(cors.New(cfg))
	}
	if opts.RateLimitRPS > 0 {
		r.Use(NewLimiter(opts.RateLimitRPS, opts.RateLimitRPS*2).Middleware())
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "entries": l.Len()})
	})
	r.GET("/metrics", MetricsHandler())

	v1 := r.Group("/api/v1")
	NewLedgerHandler(l, opts.Auth, logger).Register(v1)
	return r
}
