package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wa-gateway/backend/internal/journal"
	"github.com/wa-gateway/backend/internal/session"
	"github.com/wa-gateway/backend/internal/ws"
)

// RouterConfig wires the API surface.
type RouterConfig struct {
	Manager     *session.Manager
	Events      *ws.Handler
	Journal     *journal.Recorder
	Media       *MediaFetcher
	RateLimiter *RateLimiter
	APIKey      string
	Logger      *slog.Logger
}

// NewRouter builds the gin engine serving /api.
func NewRouter(cfg RouterConfig) *gin.Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(cfg.Logger.With("component", "http")))
	r.Use(corsMiddleware())

	api := r.Group("/api")
	if cfg.RateLimiter != nil {
		api.Use(cfg.RateLimiter.Middleware())
	}

	api.GET("/health", func(c *gin.Context) {
		respond(c, http.StatusOK, "Server is running", gin.H{
			"sessions": len(cfg.Manager.List()),
			"time":     time.Now().UTC().Format(time.RFC3339),
		})
	})

	protected := api.Group("")
	protected.Use(APIKeyAuth(cfg.APIKey))
	{
		NewSessionHandler(cfg.Manager, cfg.Journal).RegisterRoutes(protected)
		NewMessageHandler(cfg.Manager, cfg.Media).RegisterRoutes(protected)
		if cfg.Events != nil {
			NewWebSocketHandler(cfg.Manager, cfg.Events).RegisterRoutes(protected)
		}
	}
	return r
}
