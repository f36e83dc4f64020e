package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/handler"
	"github.com/stemsi/exstem-session/internal/middleware"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/response"
	"github.com/stemsi/exstem-session/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Auth          *handler.AuthHandler
	StudentPortal *handler.StudentPortalHandler
	Session       *handler.SessionHandler
	WS            *handler.WSHandler
	Monitor       *handler.MonitorHandler
	System        *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	cfg *config.Config,
	log zerolog.Logger,
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
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", response.HeaderRequestID}
	corsConfig.ExposeHeaders = []string{response.HeaderRequestID}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	// Start and resume responses carry the full question list.
	router.Use(middleware.Compress())

	// Health check.
	router.GET("/health", handlers.System.Health)

	revocation := middleware.CheckTokenRevocation(authService, log)
	noStore := middleware.CacheControl("no-store")

	// Client telemetry is the chattiest route; throttle it per student.
	var throttle gin.HandlerFunc = func(c *gin.Context) { c.Next() }
	if cfg.ActivityRateLimit > 0 {
		throttle = middleware.NewRateLimiter(cfg.ActivityRateLimit, time.Minute).Middleware()
	}

	// ─── 1. Auth Group ─────────────────────────────────────────────────
	auth := router.Group("/api/v1/auth")
	{
		auth.POST("/logout", middleware.RequireAnyJWT(authService), revocation, handlers.Auth.Logout)
	}

	// ─── 2. Student Group (JWT + Revocation) ───────────────────────────
	studentAPI := router.Group("/api/v1/student")
	studentAPI.Use(middleware.RequireStudentJWT(authService), revocation, noStore)
	{
		studentAPI.POST("/exams/:exam_id/start", handlers.StudentPortal.StartExam)
		studentAPI.PUT("/exams/:exam_id/answers", handlers.StudentPortal.SaveAnswers)
		studentAPI.POST("/exams/:exam_id/submit", handlers.StudentPortal.SubmitExam)
		studentAPI.GET("/exams/:exam_id/status", handlers.StudentPortal.GetStatus)
		studentAPI.POST("/exams/:exam_id/activity", throttle, handlers.StudentPortal.TrackActivity)
		studentAPI.POST("/exams/:exam_id/suspicious", throttle, handlers.StudentPortal.ReportSuspicious)
	}

	// ─── 3. WebSocket Group (Student WS Auth) ──────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireStudentWSAuth(authService), revocation)
	{
		ws.GET("/student/exams/:exam_id/stream", handlers.WS.ExamWebSocketStream)
	}

	// ─── 4. Admin Group (JWT + RBAC) ───────────────────────────────────
	adminAPI := router.Group("/api/v1/admin")
	adminAPI.Use(middleware.RequireAdminJWT(authService), revocation, noStore)
	{
		// Attempt review
		adminAPI.GET("/attempts/:id/security",
			middleware.RequirePermission(string(model.PermissionAttemptsRead)),
			handlers.Session.GetSecurityStatus,
		)
		adminAPI.GET("/attempts/:id/timeline",
			middleware.RequirePermission(string(model.PermissionAttemptsRead)),
			handlers.Session.GetTimeline,
		)
		adminAPI.POST("/attempts/:id/force-submit",
			middleware.RequirePermission(string(model.PermissionAttemptsWrite)),
			handlers.Session.ForceSubmit,
		)

		// Exam review queue and live monitor
		adminAPI.GET("/exams/:id/flagged",
			middleware.RequireAnyPermission(string(model.PermissionAttemptsRead), string(model.PermissionExamsMonitor)),
			handlers.Session.ListFlagged,
		)
		adminAPI.GET("/exams/:id/monitor",
			middleware.RequirePermission(string(model.PermissionExamsMonitor)),
			handlers.Monitor.MonitorExamSSE,
		)
	}

	return router
}
