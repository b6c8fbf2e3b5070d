package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/handler"
	"github.com/stemsi/exstem-attempt/internal/middleware"
	"github.com/stemsi/exstem-attempt/internal/response"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Attempt   *handler.AttemptHandler
	Interrupt *handler.InterruptHandler
	Monitor   *handler.MonitorHandler
	WS        *handler.WSHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
// progressLimiter may be nil to disable progress rate limiting.
func SetupRouter(handlers *Handlers, progressLimiter *middleware.RateLimiter, cfg *config.Config) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.GinMode != gin.TestMode {
		router.Use(gin.Logger())
	}

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", response.HeaderRequestID}
	corsConfig.ExposeHeaders = []string{response.HeaderRequestID}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	router.Use(response.RequestIDMiddleware())
	router.Use(middleware.Brotli())

	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	// ─── 1. Attempt Group (student session) ────────────────────────────
	attemptAPI := router.Group("/api/v1/attempts/:attempt_id")
	attemptAPI.Use(middleware.NoStore())
	{
		attemptAPI.GET("/content", handlers.Attempt.GetContent)
		progress := []gin.HandlerFunc{handlers.Attempt.SaveProgress}
		if progressLimiter != nil {
			progress = append([]gin.HandlerFunc{progressLimiter.Middleware(middleware.ByParam("attempt_id"))}, progress...)
		}
		attemptAPI.PUT("/progress", progress...)
		attemptAPI.POST("/complete", handlers.Attempt.Complete)
	}

	// ─── 2. Instructor Group ───────────────────────────────────────────
	instructorAPI := router.Group("/api/v1/instructor")
	{
		instructorAPI.POST("/attempts/:attempt_id/interrupt", handlers.Interrupt.InterruptAttempt)
		instructorAPI.POST("/quizzes/:quiz_id/interrupt", handlers.Interrupt.BroadcastQuiz)
		instructorAPI.GET("/quizzes/:quiz_id/monitor", handlers.Monitor.MonitorQuizSSE)
	}

	// ─── 3. WebSocket Group ────────────────────────────────────────────
	ws := router.Group("/ws/v1")
	{
		ws.GET("/attempts/:attempt_id/channel", handlers.WS.AttemptChannel)
	}

	return router
}
