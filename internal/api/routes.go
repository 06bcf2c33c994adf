package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/idro-ble/internal/api/middleware"
)

// RouteOptions 路由注册选项
type RouteOptions struct {
	Auth middleware.AuthConfig
	CORS bool
}

// RegisterBLERoutes 注册蓝牙控制路由
func RegisterBLERoutes(r *gin.Engine, h *BLEHandler, opts RouteOptions, logger *zap.Logger) {
	if r == nil || h == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	api := r.Group("/api/v1")
	if opts.CORS {
		api.Use(middleware.CORS())
	}
	if opts.Auth.Enabled {
		api.Use(middleware.APIKeyAuth(opts.Auth, logger))
		logger.Info("api authentication enabled", zap.Int("api_keys_count", len(opts.Auth.APIKeys)))
	} else {
		logger.Warn("api authentication disabled - only for development!")
	}

	// 只读与离线
	api.GET("/codes", h.ListCodes)
	api.GET("/status", h.Status)
	api.GET("/peripherals", h.ListPeripherals)
	api.POST("/decode", h.Decode)

	// 会话控制
	api.POST("/scan", h.StartScan)
	api.POST("/scan/stop", h.StopScan)
	api.POST("/connect", h.Connect)
	api.POST("/reconnect", h.Reconnect)
	api.POST("/disconnect", h.Disconnect)
	api.POST("/subscribe", h.Subscribe)

	// 指令写入（限流）
	api.POST("/commands", middleware.RateLimit(h.limiter), h.SendCommand)

	logger.Info("ble routes registered", zap.Int("endpoints", 11))
}
