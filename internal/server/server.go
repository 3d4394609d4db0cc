package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/loanlife/loanledger/internal/covenant"
	"github.com/loanlife/loanledger/internal/custody"
	"github.com/loanlife/loanledger/internal/esg"
	"github.com/loanlife/loanledger/internal/governance"
	"github.com/loanlife/loanledger/internal/identity"
	"github.com/loanlife/loanledger/internal/ledger"
	"github.com/loanlife/loanledger/internal/notify"
	"github.com/loanlife/loanledger/internal/orchestrator"
)

// Config carries the HTTP-layer settings.
type Config struct {
	CORSOrigins    []string
	RateLimitRPS   int
	IdempotencyTTL time.Duration
}

// Deps are the wired collaborators. Tokens, Custodian, Transport,
// Idempotency, and Notify may be nil; the corresponding feature is
// disabled.
type Deps struct {
	Covenants   *covenant.Registry
	Governance  *governance.Engine
	ESG         *esg.Service
	Ledger      ledger.Ledger
	Tokens      *identity.TokenIssuer
	Custodian   *custody.Custodian
	Transport   orchestrator.Transport
	Idempotency IdempotencyStore
	Notify      *notify.Service
	Logger      *zap.Logger
}

// NewRouter assembles the gin engine: middleware stack, public
// endpoints, and the authenticated /api/v1 surface.
func NewRouter(cfg Config, deps Deps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept", "Idempotency-Key"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(cfg.CORSOrigins),
		MaxAge:           12 * time.Hour,
	}
	router.Use(cors.New(corsConfig))

	// Security headers
	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	if cfg.RateLimitRPS > 0 {
		router.Use(RateLimiter(cfg.RateLimitRPS, cfg.RateLimitRPS*2))
	}
	router.Use(PrometheusMiddleware())
	router.Use(requestLogger(deps.Logger))

	statusHandler := NewStatusHandler(deps.Ledger, deps.Custodian, deps.Transport, deps.Logger)

	// Public endpoints
	router.GET("/healthz", statusHandler.Healthz)
	router.GET("/metrics", MetricsHandler())

	// API v1
	v1 := router.Group("/api/v1")
	if deps.Tokens != nil {
		v1.Use(identity.OptionalActor(deps.Tokens))
	}
	if deps.Idempotency != nil {
		ttl := cfg.IdempotencyTTL
		if ttl == 0 {
			ttl = 24 * time.Hour
		}
		v1.Use(Idempotency(deps.Idempotency, ttl, deps.Logger))
	}

	statusHandler.Register(v1)
	NewCovenantHandler(deps.Covenants, deps.Logger).Register(v1)
	NewGovernanceHandler(deps.Governance, deps.Logger).Register(v1)
	NewESGHandler(deps.ESG, deps.Logger).Register(v1)
	NewAuditHandler(deps.Ledger, deps.Logger).Register(v1)
	if deps.Notify != nil {
		NewNotifyHandler(deps.Notify, deps.Logger).Register(v1)
	}

	return router
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
