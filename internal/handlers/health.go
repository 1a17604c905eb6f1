package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

func (h *Handler) HealthCheck(c *gin.Context) {
	body := gin.H{
		"status":    "ok",
		"message":   "Meshmon is running",
		"timestamp": time.Now().Format(time.RFC3339),
	}
	if h.Scheduler != nil {
		body["scheduler"] = gin.H{
			"running": h.Scheduler.Running(),
			"jobs":    h.Scheduler.Status(),
		}
	}
	if h.Hub != nil {
		body["clients"] = h.Hub.Clients()
	}
	c.JSON(http.StatusOK, body)
}
