package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/meshmon-dev/meshmon/internal/monitor"
	"github.com/meshmon-dev/meshmon/internal/utils"
	"github.com/rs/zerolog/log"
)

// SubmitReport accepts a device check-in and answers with the ack. The
// pipeline runs inline so the response carries a fresh evaluation.
func (h *Handler) SubmitReport(ctx *gin.Context) {
	var report monitor.Report

	if err := ctx.ShouldBindJSON(&report); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ack, eval, err := h.Pipeline.HandleReport(ctx.Request.Context(), report)
	if err != nil {
		if errors.Is(err, utils.ErrInvalidMAC) {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Error().Err(err).Str("mac", report.MAC).Msg("Failed to process report")
		if ack.MAC == "" {
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record report"})
			return
		}
		// The contact was stored; the device still needs its ack.
		ctx.JSON(http.StatusAccepted, gin.H{"ack": ack, "error": "Evaluation failed"})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"ack":           ack,
		"health_status": eval.Health,
		"checks":        eval.Results,
		"alert_changed": eval.Changed,
	})
}
