package handlers

import (
	"context"

	"github.com/meshmon-dev/meshmon/internal/checks"
	"github.com/meshmon-dev/meshmon/internal/metrics"
	"github.com/meshmon-dev/meshmon/internal/models"
	"github.com/meshmon-dev/meshmon/internal/monitor"
	"github.com/meshmon-dev/meshmon/internal/scheduler"
	"github.com/meshmon-dev/meshmon/internal/types"
)

type Pipeline interface {
	HandleReport(ctx context.Context, report monitor.Report) (monitor.ReportAck, monitor.Evaluation, error)
	EvaluateDevice(ctx context.Context, mac string) (checks.Results, error)
	Classify(results checks.Results) types.HealthStatus
}

type Devices interface {
	Device(ctx context.Context, mac string) (models.Device, error)
	Devices(ctx context.Context) ([]models.Device, error)
	RequestReboot(ctx context.Context, mac string) error
}

type AlertReader interface {
	Alerts(ctx context.Context, mac string, activeOnly bool) ([]models.Alert, error)
}

type MetricReader interface {
	Range(ctx context.Context, kind metrics.Kind, q metrics.Query) ([]metrics.Row, error)
}

type JobStatus interface {
	Status() []scheduler.JobStatus
	Running() bool
}

// Handler serves the HTTP API.
type Handler struct {
	Pipeline  Pipeline
	Devices   Devices
	Alerts    AlertReader
	Metrics   MetricReader
	Scheduler JobStatus
	Hub       *Hub
}
