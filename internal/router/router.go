package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/meshmon-dev/meshmon/internal/handlers"
)

func NewRouter(h *handlers.Handler, allowedOrigins []string) *gin.Engine {
	r := gin.Default()

	r.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Accept", "X-Requested-With"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	api := r.Group("/api")
	{
		api.GET("/health", h.HealthCheck)
		if h.Hub != nil {
			api.GET("/ws", h.Hub.WebSocket)
		}
		api.POST("/reports", h.SubmitReport)

		devices := api.Group("/devices")
		{
			devices.GET("", h.ListDevices)
			devices.GET("/:mac", h.GetDevice)
			devices.GET("/:mac/checks", h.GetDeviceChecks)
			devices.GET("/:mac/alerts", h.GetDeviceAlerts)
			devices.GET("/:mac/metrics/:kind", h.GetDeviceMetrics)
			devices.POST("/:mac/reboot", h.RequestReboot)
		}
	}

	return r
}
