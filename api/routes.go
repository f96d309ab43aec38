package api

import (
	"net/http"

	auditHandlers "audittrail/api/handlers/audit"
	"audittrail/internal/capture"
	"audittrail/internal/config"
	"audittrail/internal/infra"
	"audittrail/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// NewRouter 构建 HTTP 路由
func NewRouter(
	cfg *config.Config,
	apiAdapter *capture.APIAdapter,
	audit *auditHandlers.AuditHandler,
	export *auditHandlers.ExportHandler,
	db *gorm.DB,
) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationMiddleware())
	router.Use(apiAdapter.Middleware())

	// 运维端点
	router.GET("/health", healthHandler(db))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	apiV1 := router.Group("/api/v1")
	registerAuditRoutes(apiV1, audit, export)

	return router
}

// registerAuditRoutes 注册审计相关路由
func registerAuditRoutes(group *gin.RouterGroup, h *auditHandlers.AuditHandler, e *auditHandlers.ExportHandler) {
	audit := group.Group("/audit")
	{
		// 事件写入
		audit.POST("/events", h.IngestEvents)
		audit.POST("/events/frontend", h.CollectFrontend)

		// 查询与聚合
		audit.GET("/events", h.QueryEvents)
		audit.GET("/events/:id", h.GetEvent)
		audit.GET("/aggregate", h.Aggregate)
		audit.GET("/export", e.Export)

		// 法律保全
		audit.PUT("/events/:id/hold", h.SetLegalHold)
		audit.POST("/holds", h.HoldEntity)

		// 配置产物
		audit.POST("/configs/generate", h.GenerateConfig)
		audit.GET("/configs", h.ListConfigs)
		audit.GET("/configs/:entity", h.GetConfig)

		// 实时订阅
		audit.GET("/stream", h.Stream)
	}
}

// healthHandler 健康检查：数据库必须可用，Redis 降级为状态上报
func healthHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := gin.H{
			"status":   "ok",
			"database": "ok",
			"redis":    "ok",
		}
		if sqlDB, err := db.DB(); err != nil || sqlDB.Ping() != nil {
			status["status"] = "degraded"
			status["database"] = "unavailable"
			c.JSON(http.StatusServiceUnavailable, status)
			return
		}
		if err := infra.HealthCheckRedis(); err != nil {
			status["redis"] = "unavailable"
		}
		c.JSON(http.StatusOK, status)
	}
}
