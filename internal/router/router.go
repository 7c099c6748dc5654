package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/response"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Session *handler.SessionHandler
	Shell   gin.HandlerFunc
}

// SetupRouter configures the local API used by the participant shell.
func SetupRouter(handlers *Handlers, collector *metrics.Collector, limiter *middleware.RateLimiter, cfg *config.Config) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	router.Use(response.RequestIDMiddleware())
	router.Use(collector.Middleware())
	router.Use(middleware.Brotli(middleware.DefaultMinCompressLength, "/metrics"))

	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", collector.Handler())

	// ─── Participant API ───────────────────────────────────────────────
	api := router.Group("/api/v1")
	api.Use(limiter.Middleware())
	{
		api.POST("/register", handlers.Session.Register)
		api.GET("/session", handlers.Session.GetSession)
		api.POST("/fullscreen/confirm", handlers.Session.ConfirmFullscreen)
		api.POST("/fullscreen/denied", handlers.Session.FullscreenDenied)
		api.GET("/questions", handlers.Session.GetQuestions)
		api.PUT("/answers/:question_id", handlers.Session.SaveAnswer)
		api.POST("/submit", handlers.Session.Submit)
		api.DELETE("/notices/:id", handlers.Session.DismissNotice)
		api.GET("/exit", handlers.Session.GetExit)
	}

	// ─── Shell stream ──────────────────────────────────────────────────
	// State snapshots and guard directives go out, environment signals come in.
	router.GET("/ws/v1/shell", handlers.Shell)

	return router
}
