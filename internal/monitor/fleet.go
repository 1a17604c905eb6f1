package monitor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/meshmon-dev/meshmon/internal/metrics"
	"github.com/meshmon-dev/meshmon/internal/models"
	"github.com/meshmon-dev/meshmon/internal/types"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// PassSummary counts the outcome of a fleet-wide pass.
type PassSummary struct {
	Devices int
	Failed  int
	Alerts  int
	Changed int
}

// RegenerateAll runs the pipeline for every device. A failing device is
// logged and the pass moves on.
func (s *Service) RegenerateAll(ctx context.Context) (PassSummary, error) {
	var devices []models.Device
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		devices, err = s.registry.Devices(ctx)
		return err
	})
	if err != nil {
		return PassSummary{}, fmt.Errorf("list devices: %w", err)
	}

	var failed, alerts atomic.Int64
	s.forEach(ctx, devices, func(ctx context.Context, device models.Device) {
		eval, err := s.process(ctx, device)
		if err != nil {
			failed.Add(1)
			log.Error().Err(err).Str("mac", device.MAC).Msg("Failed to regenerate alerts")
			return
		}
		if eval.Changed {
			alerts.Add(1)
		}
	})

	summary := PassSummary{Devices: len(devices), Failed: int(failed.Load()), Alerts: int(alerts.Load())}
	return summary, ctx.Err()
}

// BroadcastFleet pushes every device to live clients in one event, as done
// after a sync pass.
func (s *Service) BroadcastFleet(ctx context.Context) (int, error) {
	if s.broadcaster == nil {
		return 0, nil
	}
	var devices []models.Device
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		devices, err = s.registry.Devices(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("list devices: %w", err)
	}
	s.broadcaster.BroadcastDevices(devices)
	return len(devices), nil
}

// PingSweep pings every device with a known address, records uptime and
// RTT samples, and runs the pipeline for devices whose status changed.
func (s *Service) PingSweep(ctx context.Context) (PassSummary, error) {
	if s.pinger == nil {
		return PassSummary{}, fmt.Errorf("no pinger configured")
	}

	var devices []models.Device
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		devices, err = s.registry.DevicesWithIP(ctx)
		return err
	})
	if err != nil {
		return PassSummary{}, fmt.Errorf("list pingable devices: %w", err)
	}

	var failed, changed, alerts atomic.Int64
	s.forEach(ctx, devices, func(ctx context.Context, device models.Device) {
		statusChanged, err := s.pingDevice(ctx, device)
		if err != nil {
			failed.Add(1)
			log.Error().Err(err).Str("mac", device.MAC).Msg("Ping failed")
			return
		}
		if !statusChanged {
			return
		}
		changed.Add(1)

		eval, err := s.Process(ctx, device.MAC)
		if err != nil {
			failed.Add(1)
			log.Error().Err(err).Str("mac", device.MAC).Msg("Failed to process status change")
			return
		}
		if eval.Changed {
			alerts.Add(1)
		}
	})

	summary := PassSummary{
		Devices: len(devices),
		Failed:  int(failed.Load()),
		Alerts:  int(alerts.Load()),
		Changed: int(changed.Load()),
	}
	return summary, ctx.Err()
}

// pingDevice pings one device and stores the result. It reports whether the
// device's status changed.
func (s *Service) pingDevice(ctx context.Context, device models.Device) (bool, error) {
	result, err := s.pinger.Ping(ctx, *device.IP)
	if err != nil {
		return false, err
	}
	now := s.now()

	status := device.Status
	var lastPing *time.Time
	if result.Reachable {
		lastPing = &now
		if status == types.DeviceStatusOffline || status == types.DeviceStatusUnknown {
			status = types.DeviceStatusOnline
		}
	} else {
		status = types.DeviceStatusOffline
	}

	err = s.withTimeout(ctx, func(ctx context.Context) error {
		if err := s.registry.UpdateReachability(ctx, device.MAC, result.Reachable, status, lastPing); err != nil {
			return err
		}
		if err := s.metrics.Insert(ctx, metrics.Uptime, metrics.NewRow(device.MAC, now, map[string]float64{
			metrics.FieldReachable: metrics.Bool(result.Reachable),
			metrics.FieldLoss:      result.Loss,
		})); err != nil {
			return err
		}
		if !result.Reachable {
			return nil
		}
		return s.metrics.Insert(ctx, metrics.RTT, metrics.NewRow(device.MAC, now, map[string]float64{
			metrics.FieldRTTMin: millis(result.MinRTT),
			metrics.FieldRTTAvg: millis(result.AvgRTT),
			metrics.FieldRTTMax: millis(result.MaxRTT),
		}))
	})
	if err != nil {
		return false, fmt.Errorf("store ping result: %w", err)
	}

	return status != device.Status, nil
}

// forEach runs fn for every device with at most s.workers in flight.
func (s *Service) forEach(ctx context.Context, devices []models.Device, fn func(context.Context, models.Device)) {
	var g errgroup.Group
	g.SetLimit(s.workers)
	for _, device := range devices {
		if ctx.Err() != nil {
			break
		}
		device := device
		g.Go(func() error {
			fn(ctx, device)
			return nil
		})
	}
	_ = g.Wait()
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
