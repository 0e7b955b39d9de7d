package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/PratikDhanave/feed-cdc-service/internal/auth"
	"github.com/PratikDhanave/feed-cdc-service/internal/canonical"
	"github.com/PratikDhanave/feed-cdc-service/internal/handlers"
)

// Store is what the router reads from.
type Store interface {
	handlers.DocumentReader
	Ping(ctx context.Context) error
}

// Options wires the router.
type Options struct {
	Store     Store
	APIKeys   map[string]string
	Metrics   http.Handler
	Precision canonical.Precision
	Logger    *zap.Logger
}

// NewRouter wires public endpoints and the document read API.
// Public: /health, /ready, /metrics
// Authenticated when API keys are configured: /documents
func NewRouter(opts Options) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := gin.New()
	r.Use(gin.Recovery())

	// Liveness: confirms the process is running.
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Readiness: confirms the DB dependency is reachable.
	r.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		if err := opts.Store.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	docs := r.Group("/")
	docs.Use(auth.APIKeyMiddleware(opts.APIKeys))
	handlers.RegisterDocumentRoutes(docs, opts.Store, opts.Precision, logger)

	return r
}

// NewServer wraps the router in an http.Server with conservative timeouts.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
