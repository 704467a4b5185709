package api

import (
	"net/http"

	"github.com/Mieluoxxx/Flow2API/internal/api/handlers"
	"github.com/Mieluoxxx/Flow2API/internal/api/middleware"
	"github.com/Mieluoxxx/Flow2API/internal/balancer"
	"github.com/Mieluoxxx/Flow2API/internal/events"
	"github.com/Mieluoxxx/Flow2API/internal/generation"
	"github.com/Mieluoxxx/Flow2API/internal/stats"
	"github.com/Mieluoxxx/Flow2API/internal/token"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// Dependencies 路由依赖
type Dependencies struct {
	AdminAPIKey string

	Manager    *token.Manager
	Repository *token.Repository
	Selector   *balancer.Selector
	Generation *generation.Service
	Events     *events.Service
	Metrics    *stats.Metrics

	// Browser 验证码配置变化时关闭已启动的浏览器，可以为 nil
	Browser handlers.BrowserResetter
}

// SetupRouter 配置路由
func SetupRouter(deps Dependencies) *gin.Engine {
	// 创建 Gin 引擎
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:    []string{"Origin", "Content-Type", "Authorization"},
	}))
	router.Use(middleware.RequestCounterMiddleware(deps.Metrics))

	// 健康检查端点
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "Flow2API",
		})
	})
	router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	// API 路由组
	apiGroup := router.Group("/api", middleware.AdminAuthMiddleware(deps.AdminAPIKey))
	{
		setupTokenRoutes(apiGroup, deps)
		setupConfigRoutes(apiGroup, deps)
		setupStatsRoutes(apiGroup, deps)
		if deps.Generation != nil {
			setupGenerationRoutes(apiGroup, deps)
		}
	}

	return router
}

// setupTokenRoutes 配置 Token 路由
func setupTokenRoutes(group *gin.RouterGroup, deps Dependencies) {
	var slots handlers.SlotReleaser
	if deps.Selector != nil {
		slots = deps.Selector
	}
	handler := handlers.NewTokenHandler(deps.Manager, slots)

	tokens := group.Group("/tokens")
	{
		tokens.POST("", handler.CreateToken)
		tokens.GET("", handler.ListTokens)
		tokens.POST("/sync", handler.SyncToken)
		tokens.POST("/unban", handler.UnbanRateLimited)
		tokens.GET("/:id", handler.GetToken)
		tokens.PUT("/:id", handler.UpdateToken)
		tokens.DELETE("/:id", handler.DeleteToken)
		tokens.POST("/:id/refresh-credits", handler.RefreshCredits)
		tokens.POST("/:id/refresh-at", handler.RefreshAccessToken)
		tokens.POST("/:id/enable", handler.EnableToken)
		tokens.POST("/:id/disable", handler.DisableToken)
	}
}

// setupConfigRoutes 配置运行时配置路由
func setupConfigRoutes(group *gin.RouterGroup, deps Dependencies) {
	handler := handlers.NewConfigHandler(deps.Repository, deps.Browser)

	cfg := group.Group("/config")
	{
		cfg.GET("", handler.GetConfig)
		cfg.PUT("/admin", handler.UpdateAdminConfig)
		cfg.PUT("/captcha", handler.UpdateCaptchaConfig)
	}
}

// setupStatsRoutes 配置统计与事件路由
func setupStatsRoutes(group *gin.RouterGroup, deps Dependencies) {
	statsHandler := handlers.NewStatsHandler(deps.Manager, deps.Selector, deps.Events)
	eventHandler := handlers.NewEventHandler(deps.Events)

	group.GET("/stats", statsHandler.GetStats)
	group.GET("/events", eventHandler.ListEvents)
}

// setupGenerationRoutes 配置生成路由
func setupGenerationRoutes(group *gin.RouterGroup, deps Dependencies) {
	handler := handlers.NewGenerationHandler(deps.Generation)

	gen := group.Group("/generate")
	{
		gen.POST("/image", handler.GenerateImage)
		gen.POST("/video", handler.GenerateVideo)
		gen.POST("/video/status", handler.CheckVideoStatus)
	}
}
