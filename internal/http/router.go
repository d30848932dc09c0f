// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging, panic recovery, metrics, CORS, and
// rate limiting.
//
// Design goals:
//   - Observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-casedesk/internal/config"
	"github.com/tbourn/go-casedesk/internal/domain"
	"github.com/tbourn/go-casedesk/internal/http/handlers"
	"github.com/tbourn/go-casedesk/internal/http/middleware"
	"github.com/tbourn/go-casedesk/internal/repo"
	"github.com/tbourn/go-casedesk/internal/services"
)

// caseRepoShim adapts the repository free functions to the services.CaseRepo
// interface expected by CaseService. This keeps services decoupled from the
// concrete repo package while reusing existing functions.
type caseRepoShim struct{}

func (caseRepoShim) CreateCase(ctx context.Context, db *gorm.DB, customerID string) (*domain.Case, error) {
	return repo.CreateCase(ctx, db, customerID)
}

func (caseRepoShim) GetOpenCase(ctx context.Context, db *gorm.DB, customerID string) (*domain.Case, error) {
	return repo.GetOpenCase(ctx, db, customerID)
}

func (caseRepoShim) GetCase(ctx context.Context, db *gorm.DB, id string) (*domain.Case, error) {
	return repo.GetCase(ctx, db, id)
}

func (caseRepoShim) MostRecentOpenCase(ctx context.Context, db *gorm.DB) (*domain.Case, error) {
	return repo.MostRecentOpenCase(ctx, db)
}

func (caseRepoShim) AppendMessage(ctx context.Context, db *gorm.DB, c *domain.Case, sender, body, source string, isAdmin, countsToward bool) (*domain.Message, error) {
	return repo.AppendMessage(ctx, db, c, sender, body, source, isAdmin, countsToward)
}

func (caseRepoShim) ListMessages(ctx context.Context, db *gorm.DB, caseID string, limit int) ([]domain.Message, error) {
	return repo.ListMessages(ctx, db, caseID, limit)
}

func (caseRepoShim) EscalateCase(ctx context.Context, db *gorm.DB, c *domain.Case) error {
	return repo.EscalateCase(ctx, db, c)
}

func (caseRepoShim) CloseCase(ctx context.Context, db *gorm.DB, c *domain.Case) error {
	return repo.CloseCase(ctx, db, c)
}

func (caseRepoShim) MarkAlertSent(ctx context.Context, db *gorm.DB, c *domain.Case) error {
	return repo.MarkAlertSent(ctx, db, c)
}

func (caseRepoShim) CountCases(ctx context.Context, db *gorm.DB, status string) (int64, error) {
	return repo.CountCases(ctx, db, status)
}

func (caseRepoShim) ListCasesPage(ctx context.Context, db *gorm.DB, status string, offset, limit int) ([]domain.Case, error) {
	return repo.ListCasesPage(ctx, db, status, offset, limit)
}

// NewCaseService builds the CaseService used by both the HTTP layer and the
// background components, backed by the repository free functions.
func NewCaseService(db *gorm.DB) *services.CaseService {
	return services.NewCaseService(db, caseRepoShim{})
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine: observability (tracing, metrics), rate limiting, CORS, health and
// metrics endpoints, the Slack events webhook, and the read-only cases API.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured access logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Rate limiter (per client IP)
//  8. CORS and security headers
func RegisterRoutes(r *gin.Engine, db *gorm.DB, cases *services.CaseService, queue handlers.Ingestor, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{}))
	r.Use(middleware.Recovery())

	// Global body size limit (1 MiB); Slack event payloads are far below it.
	r.Use(limitBody(1 << 20))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst)
	r.Use(rl.Handler())

	if len(cfg.CORS.AllowedOrigins) == 0 {
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	} else {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and the request is HTTPS).
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness and readiness. Readiness verifies the database connection.
	r.GET("/live", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "alive"}) })
	readiness := func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
	r.GET("/health", readiness)
	r.GET("/ready", readiness)

	h := handlers.New(cases, queue, cfg.Slack.SigningSecret)

	r.POST("/slack/events", h.SlackEvents)
	r.GET("/cases", h.ListCases)
	r.GET("/cases/:id", h.GetCase)
}

// limitBody caps the request body size for all endpoints using
// http.MaxBytesReader; oversized bodies error on downstream reads.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
