package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-testengine/internal/config"
	"github.com/stemsi/exstem-testengine/internal/handler"
	"github.com/stemsi/exstem-testengine/internal/identity"
	"github.com/stemsi/exstem-testengine/internal/metrics"
	"github.com/stemsi/exstem-testengine/internal/middleware"
	"github.com/stemsi/exstem-testengine/internal/response"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Session *handler.SessionHandler
	Attempt *handler.AttemptHandler
	WS      *handler.WSHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	owner identity.Identity,
	handlers *Handlers,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())
	router.Use(middleware.Metrics())

	// Snapshots carry the whole question set; /metrics negotiates its own encoding.
	router.Use(middleware.BrotliWithConfig(middleware.BrotliConfig{
		Quality:   middleware.DefaultBrotliConfig.Quality,
		MinLength: middleware.DefaultBrotliConfig.MinLength,
		Skipper: func(c *gin.Context) bool {
			return c.Request.URL.Path == "/metrics"
		},
	}))

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	auth := middleware.RequireIdentity(owner, cfg.JWTSecret)
	// Start and resume reach the grading service.
	startLimiter := middleware.NewRateLimiter(10, time.Minute)

	// ─── 1. Session Group ──────────────────────────────────────────────
	sessionAPI := router.Group("/api/v1/session")
	sessionAPI.Use(auth, middleware.CacheControl("no-store"))
	{
		sessionAPI.GET("", handlers.Session.GetSession)
		sessionAPI.GET("/checkpoints", handlers.Attempt.ListCheckpoints)
		sessionAPI.POST("/start", startLimiter.Middleware(), handlers.Session.StartSession)
		sessionAPI.POST("/resume", startLimiter.Middleware(), handlers.Session.ResumeSession)
		sessionAPI.POST("/select", handlers.Session.Select)
		sessionAPI.POST("/confirm", handlers.Session.Confirm)
		sessionAPI.POST("/save-for-later", handlers.Session.SaveForLater)
		sessionAPI.POST("/visit", handlers.Session.Visit)
		sessionAPI.POST("/next", handlers.Session.Next)
		sessionAPI.POST("/previous", handlers.Session.Previous)
		sessionAPI.POST("/submit", handlers.Session.Submit)
		sessionAPI.POST("/exit", handlers.Session.Exit)
	}

	// ─── 2. Attempt History ────────────────────────────────────────────
	attemptAPI := router.Group("/api/v1/attempts")
	attemptAPI.Use(auth, middleware.CacheControl("no-store"))
	{
		attemptAPI.GET("", handlers.Attempt.ListAttempts)
	}

	// ─── 3. WebSocket Group ────────────────────────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(auth)
	{
		ws.GET("/session", handlers.WS.SessionStream)
	}

	return router
}
