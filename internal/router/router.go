package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Attempt *handler.AttemptHandler
	WS      *handler.WSHandler
	Monitor *handler.MonitorHandler
	System  *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
// startLimiter throttles attempt starts per student.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	startLimiter *middleware.RateLimiter,
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

	// Streams are never compressed.
	brotliCfg := middleware.DefaultBrotliConfig
	brotliCfg.SkipPrefixes = []string{"/ws/"}
	router.Use(middleware.BrotliWithConfig(brotliCfg))

	// Health check.
	router.GET("/health", handlers.System.Health)

	// ─── 1. Student Group (JWT + Single Device) ────────────────────────
	studentAPI := router.Group("/api/v1/student")
	studentAPI.Use(
		middleware.RequireStudentJWT(authService),
		middleware.CheckSingleDeviceSession(authService),
	)
	{
		// The paper is fixed once published, so the browser may reuse it.
		studentAPI.GET("/quizzes/:quiz_id",
			middleware.CacheControl(60),
			handlers.Attempt.GetQuiz,
		)
		studentAPI.POST("/quizzes/:quiz_id/attempts",
			startLimiter.Middleware(),
			handlers.Attempt.StartAttempt,
		)

		attempts := studentAPI.Group("/attempts/:attempt_id")
		attempts.Use(middleware.NoStore())
		{
			attempts.GET("", handlers.Attempt.GetAttempt)
			attempts.POST("/submit", handlers.Attempt.SubmitAttempt)
			attempts.GET("/result", handlers.Attempt.GetResult)
		}
	}

	// ─── 2. WebSocket Group (token in query) ───────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(
		middleware.RequireStudentJWT(authService),
		middleware.CheckSingleDeviceSession(authService),
	)
	{
		ws.GET("/student/attempts/:attempt_id/stream", handlers.WS.AttemptStream)
	}

	// ─── 3. Admin Group (JWT + RBAC) ───────────────────────────────────
	adminAPI := router.Group("/api/v1/admin")
	adminAPI.Use(middleware.RequireAdminJWT(authService))
	{
		adminAPI.GET("/quizzes/:quiz_id/monitor",
			middleware.RequirePermission(model.PermissionQuizzesMonitor),
			handlers.Monitor.MonitorQuizSSE,
		)
		adminAPI.GET("/quizzes/:quiz_id/progress",
			middleware.RequireAnyPermission(model.PermissionQuizzesMonitor, model.PermissionQuizzesRead),
			handlers.Monitor.GetQuizProgress,
		)
		adminAPI.POST("/quizzes/:quiz_id/refresh-cache",
			middleware.RequirePermission(model.PermissionQuizzesPublish),
			handlers.Monitor.RefreshQuizCache,
		)

		// System Monitoring
		adminAPI.GET("/system/metrics",
			handlers.System.SystemMetricsSSE, // Open to all admins
		)
	}

	return router
}
