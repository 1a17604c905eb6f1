package checks

import (
	"context"
	"fmt"
	"time"

	"github.com/meshmon-dev/meshmon/internal/metrics"
	"github.com/meshmon-dev/meshmon/internal/models"
	"golang.org/x/sync/errgroup"
)

// MetricSource is the latest-sample lookup checks read from.
type MetricSource interface {
	Latest(ctx context.Context, kind metrics.Kind, mac string, notNull ...string) (*metrics.Row, error)
}

// Collect loads the latest samples the battery needs for device. The device
// must have its mesh preloaded for thresholds to apply.
func Collect(ctx context.Context, src MetricSource, device models.Device, now time.Time) (Inputs, error) {
	in := Inputs{
		Device:   device,
		Settings: device.Settings(),
		Now:      now,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		in.CPU, err = src.Latest(ctx, metrics.Resources, device.MAC, metrics.FieldCPU)
		return err
	})
	g.Go(func() (err error) {
		in.Memory, err = src.Latest(ctx, metrics.Resources, device.MAC, metrics.FieldMemory)
		return err
	})
	g.Go(func() (err error) {
		in.RTT, err = src.Latest(ctx, metrics.RTT, device.MAC, metrics.FieldRTTAvg)
		return err
	})
	g.Go(func() (err error) {
		in.Rate, err = src.Latest(ctx, metrics.DataRate, device.MAC, metrics.FieldTxRate, metrics.FieldRxRate)
		return err
	})
	if err := g.Wait(); err != nil {
		return Inputs{}, fmt.Errorf("collect metrics for %s: %w", device.MAC, err)
	}
	return in, nil
}
