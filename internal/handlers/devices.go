package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/meshmon-dev/meshmon/internal/metrics"
	"github.com/meshmon-dev/meshmon/internal/models"
	"github.com/meshmon-dev/meshmon/internal/monitor"
	"github.com/meshmon-dev/meshmon/internal/registry"
	"github.com/meshmon-dev/meshmon/internal/types"
	"github.com/meshmon-dev/meshmon/internal/utils"
	"github.com/rs/zerolog/log"
)

type AlertSummary struct {
	ID         uint              `json:"id"`
	Level      types.AlertLevel  `json:"level"`
	Type       types.AlertType   `json:"type"`
	Status     types.AlertStatus `json:"status"`
	Title      string            `json:"title"`
	Body       string            `json:"body"`
	Device     *string           `json:"device"`
	Mesh       *string           `json:"mesh"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	ResolvedAt *time.Time        `json:"resolved_at"`
}

type MetricPoint struct {
	Created time.Time           `json:"created"`
	Values  map[string]*float64 `json:"values"`
}

func (h *Handler) ListDevices(ctx *gin.Context) {
	devices, err := h.Devices.Devices(ctx.Request.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list devices")
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve devices"})
		return
	}
	ctx.JSON(http.StatusOK, devices)
}

func (h *Handler) GetDevice(ctx *gin.Context) {
	mac, err := utils.GetMAC(ctx)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	device, err := h.Devices.Device(ctx.Request.Context(), mac)
	if err != nil {
		deviceError(ctx, mac, err)
		return
	}
	ctx.JSON(http.StatusOK, device)
}

// GetDeviceChecks evaluates the check battery on demand.
func (h *Handler) GetDeviceChecks(ctx *gin.Context) {
	mac, err := utils.GetMAC(ctx)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	results, err := h.Pipeline.EvaluateDevice(ctx.Request.Context(), mac)
	if err != nil {
		deviceError(ctx, mac, err)
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"mac":           mac,
		"health_status": h.Pipeline.Classify(results),
		"checks":        results,
	})
}

func (h *Handler) GetDeviceAlerts(ctx *gin.Context) {
	mac, err := utils.GetMAC(ctx)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	alerts, err := h.Alerts.Alerts(ctx.Request.Context(), mac, ctx.Query("active") == "true")
	if err != nil {
		log.Error().Err(err).Str("mac", mac).Msg("Failed to list alerts")
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve alerts"})
		return
	}

	summaries := make([]AlertSummary, 0, len(alerts))
	for i := range alerts {
		summaries = append(summaries, summarizeAlert(&alerts[i]))
	}
	ctx.JSON(http.StatusOK, summaries)
}

func (h *Handler) GetDeviceMetrics(ctx *gin.Context) {
	mac, err := utils.GetMAC(ctx)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	kind, ok := metrics.KindByName(ctx.Param("kind"))
	if !ok {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "Unknown metric kind"})
		return
	}

	granularity, err := utils.GetGranularityQuery(ctx)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	from, err := utils.GetTimeQuery(ctx, "from")
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	to, err := utils.GetTimeQuery(ctx, "to")
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rows, err := h.Metrics.Range(ctx.Request.Context(), kind, metrics.Query{
		MAC:         mac,
		Granularity: granularity,
		From:        from,
		To:          to,
	})
	if err != nil {
		log.Error().Err(err).Str("mac", mac).Str("kind", kind.Name).Msg("Failed to read metrics")
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve metrics"})
		return
	}

	points := make([]MetricPoint, 0, len(rows))
	for _, row := range rows {
		points = append(points, MetricPoint{Created: row.Created, Values: row.Values})
	}
	ctx.JSON(http.StatusOK, gin.H{
		"mac":         mac,
		"kind":        kind.Name,
		"granularity": granularity.String(),
		"points":      points,
	})
}

// RequestReboot flags the device; the reboot is delivered with its next ack.
func (h *Handler) RequestReboot(ctx *gin.Context) {
	mac, err := utils.GetMAC(ctx)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.Devices.RequestReboot(ctx.Request.Context(), mac); err != nil {
		deviceError(ctx, mac, err)
		return
	}
	ctx.JSON(http.StatusAccepted, gin.H{"message": "Reboot requested", "mac": mac})
}

func deviceError(ctx *gin.Context, mac string, err error) {
	if errors.Is(err, monitor.ErrUnknownDevice) || errors.Is(err, registry.ErrDeviceNotFound) {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
		return
	}
	log.Error().Err(err).Str("mac", mac).Msg("Device request failed")
	ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve device"})
}

func summarizeAlert(alert *models.Alert) AlertSummary {
	return AlertSummary{
		ID:         alert.ID,
		Level:      alert.Level,
		Type:       alert.Type,
		Status:     alert.Status,
		Title:      alert.Title,
		Body:       alert.RenderBody(),
		Device:     alert.DeviceMAC,
		Mesh:       alert.MeshName,
		CreatedAt:  alert.CreatedAt,
		UpdatedAt:  alert.UpdatedAt,
		ResolvedAt: alert.ResolvedAt,
	}
}
