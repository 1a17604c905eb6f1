package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/meshmon-dev/meshmon/internal/metrics"
	"github.com/meshmon-dev/meshmon/internal/models"
	"github.com/meshmon-dev/meshmon/internal/registry"
	"github.com/meshmon-dev/meshmon/internal/types"
	"github.com/meshmon-dev/meshmon/internal/utils"
)

// Report is what a device sends when it checks in. Sample sections it did
// not collect are left out.
type Report struct {
	MAC       string           `json:"mac" binding:"required"`
	Mode      string           `json:"mode"`
	IP        string           `json:"ip,omitempty"`
	Resources *ResourceSample  `json:"resources,omitempty"`
	DataRate  *DataRateSample  `json:"data_rate,omitempty"`
	DataUsage *DataUsageSample `json:"data_usage,omitempty"`
	Failures  *FailureSample   `json:"failures,omitempty"`
}

type ResourceSample struct {
	CPU    *float64 `json:"cpu"`
	Memory *float64 `json:"memory"`
}

type DataRateSample struct {
	TxRate *float64 `json:"tx_rate"`
	RxRate *float64 `json:"rx_rate"`
}

type DataUsageSample struct {
	TxBytes *float64 `json:"tx_bytes"`
	RxBytes *float64 `json:"rx_bytes"`
}

type FailureSample struct {
	TxPackets *float64 `json:"tx_packets"`
	RxPackets *float64 `json:"rx_packets"`
	TxDropped *float64 `json:"tx_dropped"`
	RxDropped *float64 `json:"rx_dropped"`
	TxRetries *float64 `json:"tx_retries"`
	TxErrors  *float64 `json:"tx_errors"`
	RxErrors  *float64 `json:"rx_errors"`
}

// ReportAck is returned to the reporting device.
type ReportAck struct {
	MAC    string `json:"mac"`
	Reboot bool   `json:"reboot"`
}

// HandleReport records a device check-in and runs the pipeline for it. The
// returned ack is valid whenever the contact was stored, even if a later
// step failed.
func (s *Service) HandleReport(ctx context.Context, report Report) (ReportAck, Evaluation, error) {
	mac, err := utils.NormalizeMAC(report.MAC)
	if err != nil {
		return ReportAck{}, Evaluation{}, err
	}

	contact := registry.Contact{
		MAC:  mac,
		IsAP: strings.EqualFold(report.Mode, "ap"),
		At:   s.now(),
	}
	if report.IP != "" {
		ip := report.IP
		contact.IP = &ip
	}

	var (
		device models.Device
		reboot bool
	)
	err = s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		device, reboot, err = s.registry.RecordContact(ctx, contact)
		return err
	})
	if err != nil {
		return ReportAck{}, Evaluation{}, fmt.Errorf("record contact: %w", err)
	}
	ack := ReportAck{MAC: mac, Reboot: reboot}

	if err := s.withTimeout(ctx, func(ctx context.Context) error {
		return s.insertSamples(ctx, mac, contact.At, report)
	}); err != nil {
		return ack, Evaluation{}, err
	}

	eval, err := s.process(ctx, device)
	if err != nil {
		return ack, Evaluation{}, err
	}
	return ack, eval, nil
}

func (s *Service) insertSamples(ctx context.Context, mac string, at time.Time, report Report) error {
	type sample struct {
		kind   metrics.Kind
		values map[string]*float64
	}
	var samples []sample

	if r := report.Resources; r != nil {
		samples = append(samples, sample{metrics.Resources, map[string]*float64{
			metrics.FieldCPU:    r.CPU,
			metrics.FieldMemory: r.Memory,
		}})
	}
	if r := report.DataRate; r != nil {
		samples = append(samples, sample{metrics.DataRate, map[string]*float64{
			metrics.FieldTxRate: r.TxRate,
			metrics.FieldRxRate: r.RxRate,
		}})
	}
	if r := report.DataUsage; r != nil {
		samples = append(samples, sample{metrics.DataUsage, map[string]*float64{
			metrics.FieldTxBytes: r.TxBytes,
			metrics.FieldRxBytes: r.RxBytes,
		}})
	}
	if r := report.Failures; r != nil {
		samples = append(samples, sample{metrics.Failures, map[string]*float64{
			metrics.FieldTxPackets: r.TxPackets,
			metrics.FieldRxPackets: r.RxPackets,
			metrics.FieldTxDropped: r.TxDropped,
			metrics.FieldRxDropped: r.RxDropped,
			metrics.FieldTxRetries: r.TxRetries,
			metrics.FieldTxErrors:  r.TxErrors,
			metrics.FieldRxErrors:  r.RxErrors,
		}})
	}

	for _, sm := range samples {
		if empty(sm.values) {
			continue
		}
		row := metrics.Row{
			MAC:         mac,
			Created:     at,
			Granularity: types.GranularityRaw,
			Values:      sm.values,
		}
		if err := s.metrics.Insert(ctx, sm.kind, row); err != nil {
			return fmt.Errorf("store %s sample for %s: %w", sm.kind.Name, mac, err)
		}
	}
	return nil
}

func empty(values map[string]*float64) bool {
	for _, v := range values {
		if v != nil {
			return false
		}
	}
	return true
}
