package api

import (
	"consult-service/internal/config"
	"consult-service/internal/middleware"
	"consult-service/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter 注册全部路由与中间件
func NewRouter(svc *service.ConsultService) *gin.Engine {
	cfg := svc.Config
	r := gin.New()

	r.Use(middleware.TraceMiddleware())
	r.Use(middleware.Recovery())
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.RequestLogger())
	r.Use(middleware.Security())
	r.Use(middleware.CORS())
	r.Use(middleware.Metrics())

	r.HandleMethodNotAllowed = true
	r.NoMethod(func(c *gin.Context) {
		JSONError(c, CodeMethodNotAllowed, c.Request.Method+" not allowed on "+c.Request.URL.Path)
	})
	r.NoRoute(func(c *gin.Context) {
		JSONError(c, CodeNotFound, "no route for "+c.Request.URL.Path)
	})

	meta := NewMetaHandler(svc)
	r.GET("/health", meta.Health)
	if cfg.Monitoring.Metrics.Enabled {
		path := cfg.Monitoring.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(promhttp.Handler()))
	}

	v1 := r.Group("/api/v1")
	v1.Use(middleware.JWTAuth(svc))
	v1.Use(middleware.InjectRequestContext())

	// 写接口在权限校验之后、handler 之前额外挂限流与幂等
	rateLimit := middleware.RateLimit(svc.Redis, cfg.Security.RateLimitPerSecond)
	idempotency := middleware.Idempotency(svc.Redis, cfg.Security.IdempotencyTTL)
	writes := func(handlers ...gin.HandlerFunc) []gin.HandlerFunc {
		last := len(handlers) - 1
		chain := make([]gin.HandlerFunc, 0, len(handlers)+2)
		chain = append(chain, handlers[:last]...)
		chain = append(chain, rateLimit, idempotency)
		return append(chain, handlers[last])
	}

	v1.GET("/meta/permissions", meta.GetPermissions)

	submissions := NewSubmissionHandler(svc)
	{
		g := v1.Group("/submissions")
		g.POST("", writes(submissions.Submit)...)
		g.GET("", submissions.List)
		g.GET("/:id", submissions.Get)
	}

	tokens := NewTokenHandler(svc)
	{
		g := v1.Group("/tokens")
		g.GET("/balance", tokens.Balance)
		g.GET("/transactions", tokens.Transactions)
	}

	invitations := NewInvitationHandler(svc)
	{
		g := v1.Group("/consultant/invitations")
		g.Use(middleware.RequireConsultant())
		g.GET("", invitations.List)
		g.POST("/:id/accept", writes(invitations.Accept)...)
		g.POST("/:id/decline", writes(invitations.Decline)...)
	}

	notifications := NewNotificationHandler(svc)
	{
		g := v1.Group("/notifications")
		g.GET("", notifications.List)
		g.POST("/:id/read", notifications.MarkRead)
		g.GET("/ws", notifications.WebSocket)
	}

	admin := NewAdminHandler(svc)
	{
		g := v1.Group("/admin")
		g.POST("/sweeps", writes(middleware.RequirePermission(config.PermSweepsRun), admin.RunSweep)...)
		g.GET("/sweeps", middleware.RequirePermission(config.PermSweepsRead), admin.ListSweepRuns)
		g.GET("/sweeps/:id", middleware.RequirePermission(config.PermSweepsRead), admin.GetSweepRun)
		g.POST("/submissions/:id/refund", writes(middleware.RequirePermission(config.PermRefundsWrite), admin.RefundSubmission)...)
		g.POST("/submissions/:id/match", writes(middleware.RequirePermission(config.PermMatchingWrite), admin.MatchSubmission)...)
		g.POST("/users/:id/tokens", writes(middleware.RequirePlatformAdmin(), middleware.RequirePermission(config.PermTokensWrite), admin.GrantTokens)...)
		g.GET("/audit-logs", middleware.RequirePermission(config.PermAuditRead), admin.ListAuditLogs)
		g.GET("/audit-actions", middleware.RequirePermission(config.PermAuditRead), admin.ListAuditActions)
	}

	return r
}
