package unifi

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/meshmon-dev/meshmon/internal/metrics"
	"github.com/meshmon-dev/meshmon/internal/models"
	"github.com/meshmon-dev/meshmon/internal/utils"
	"github.com/rs/zerolog/log"
)

// Per-AP byte counters cover five minutes; rates are stored in bits per second.
const bytesPerFiveMinutesToBPS = 8.0 / (5 * 60)

// Reader is the controller data a sync pass reads.
type Reader interface {
	Sites(ctx context.Context) ([]Site, error)
	Devices(ctx context.Context) ([]Device, error)
	HourlyStats(ctx context.Context, since time.Time) ([]APStat, error)
	FiveMinuteStats(ctx context.Context, since time.Time) ([]APStat, error)
}

// Registry is where synced meshes and devices are written.
type Registry interface {
	EnsureMesh(ctx context.Context, name string, lat, lon *float64) (models.Mesh, error)
	UpsertDevice(ctx context.Context, device models.Device) error
}

// MetricSink receives synced samples.
type MetricSink interface {
	NewestCreated(ctx context.Context, kind metrics.Kind) (time.Time, bool, error)
	Insert(ctx context.Context, kind metrics.Kind, rows ...metrics.Row) error
}

type Syncer struct {
	reader   Reader
	registry Registry
	metrics  MetricSink
}

func NewSyncer(reader Reader, registry Registry, sink MetricSink) *Syncer {
	return &Syncer{reader: reader, registry: registry, metrics: sink}
}

// Summary counts what one sync pass wrote.
type Summary struct {
	Meshes    int
	Devices   int
	Skipped   int
	Usage     int
	Rates     int
	Failures  int
	Resources int
}

// Run copies sites, access points and AP statistics from the controller.
// Every UniFi device is an access point.
func (s *Syncer) Run(ctx context.Context) (Summary, error) {
	var summary Summary
	start := time.Now()

	sites, err := s.reader.Sites(ctx)
	if err != nil {
		return summary, err
	}
	meshes := make(map[string]bool, len(sites))
	for _, site := range sites {
		if _, err := s.registry.EnsureMesh(ctx, site.Name, nil, nil); err != nil {
			return summary, err
		}
		meshes[site.Name] = true
		summary.Meshes++
	}

	devices, err := s.reader.Devices(ctx)
	if err != nil {
		return summary, err
	}
	for _, d := range devices {
		device, err := toDevice(d, meshes)
		if err != nil {
			log.Warn().Err(err).Str("mac", d.MAC).Msg("Skipping UniFi device")
			summary.Skipped++
			continue
		}
		if err := s.registry.UpsertDevice(ctx, device); err != nil {
			return summary, err
		}
		summary.Devices++
	}

	if err := s.syncHourly(ctx, &summary); err != nil {
		return summary, err
	}
	if summary.Rates, err = s.syncRates(ctx); err != nil {
		return summary, err
	}

	log.Info().
		Int("meshes", summary.Meshes).
		Int("devices", summary.Devices).
		Int("usage", summary.Usage).
		Int("rates", summary.Rates).
		Int("failures", summary.Failures).
		Int("resources", summary.Resources).
		Dur("elapsed", time.Since(start)).
		Msg("Synced with UniFi")
	return summary, nil
}

func toDevice(d Device, meshes map[string]bool) (models.Device, error) {
	mac, err := utils.NormalizeMAC(d.MAC)
	if err != nil {
		return models.Device{}, err
	}
	device := models.Device{
		MAC:      mac,
		Name:     d.Name,
		Hardware: d.Model,
		IsAP:     true,
	}
	if device.Name == "" {
		device.Name = mac
	}
	// Devices only join a mesh that came from a site.
	if network := strings.ToLower(d.Network); meshes[network] {
		device.MeshName = &network
	}
	if d.IP != "" {
		ip := d.IP
		device.IP = &ip
	}
	if d.AdoptedAt > 0 {
		adopted := time.Unix(d.AdoptedAt, 0).UTC()
		device.AdoptedAt = &adopted
	}
	return device, nil
}

// syncHourly turns hourly AP statistics into usage, failure and resource rows.
func (s *Syncer) syncHourly(ctx context.Context, summary *Summary) error {
	usageSince, err := s.newest(ctx, metrics.DataUsage)
	if err != nil {
		return err
	}
	failuresSince, err := s.newest(ctx, metrics.Failures)
	if err != nil {
		return err
	}
	resourcesSince, err := s.newest(ctx, metrics.Resources)
	if err != nil {
		return err
	}
	since := usageSince
	for _, t := range []time.Time{failuresSince, resourcesSince} {
		if t.Before(since) {
			since = t
		}
	}

	stats, err := s.reader.HourlyStats(ctx, since)
	if err != nil {
		return err
	}

	var usage, failures, resources []metrics.Row
	for _, st := range stats {
		mac, err := utils.NormalizeMAC(st.AP)
		if err != nil {
			continue
		}
		created := st.Created()
		if created.After(usageSince) {
			if values := present(map[string]*float64{
				metrics.FieldTxBytes: st.TxBytes,
				metrics.FieldRxBytes: st.RxBytes,
			}); len(values) > 0 {
				usage = append(usage, metrics.NewRow(mac, created, values))
			}
		}
		if created.After(failuresSince) {
			if values := present(map[string]*float64{
				metrics.FieldTxPackets: st.TxPackets,
				metrics.FieldRxPackets: st.RxPackets,
				metrics.FieldTxDropped: st.TxDropped,
				metrics.FieldRxDropped: st.RxDropped,
				metrics.FieldTxErrors:  st.TxFailed,
				metrics.FieldRxErrors:  st.RxFailed,
				metrics.FieldTxRetries: st.TxRetries,
			}); len(values) > 0 {
				failures = append(failures, metrics.NewRow(mac, created, values))
			}
		}
		if created.After(resourcesSince) {
			if values := present(map[string]*float64{
				metrics.FieldMemory: st.Mem,
				metrics.FieldCPU:    st.CPU,
			}); len(values) > 0 {
				resources = append(resources, metrics.NewRow(mac, created, values))
			}
		}
	}

	if err := s.metrics.Insert(ctx, metrics.DataUsage, usage...); err != nil {
		return err
	}
	if err := s.metrics.Insert(ctx, metrics.Failures, failures...); err != nil {
		return err
	}
	if err := s.metrics.Insert(ctx, metrics.Resources, resources...); err != nil {
		return err
	}
	summary.Usage, summary.Failures, summary.Resources = len(usage), len(failures), len(resources)
	return nil
}

// syncRates derives data rates from five-minute client byte counters.
func (s *Syncer) syncRates(ctx context.Context) (int, error) {
	since, err := s.newest(ctx, metrics.DataRate)
	if err != nil {
		return 0, err
	}
	stats, err := s.reader.FiveMinuteStats(ctx, since)
	if err != nil {
		return 0, err
	}

	var rows []metrics.Row
	for _, st := range stats {
		mac, err := utils.NormalizeMAC(st.AP)
		if err != nil || st.ClientTxBytes == nil || st.ClientRxBytes == nil {
			continue
		}
		created := st.Created()
		if !created.After(since) {
			continue
		}
		rows = append(rows, metrics.NewRow(mac, created, map[string]float64{
			metrics.FieldTxRate: *st.ClientTxBytes * bytesPerFiveMinutesToBPS,
			metrics.FieldRxRate: *st.ClientRxBytes * bytesPerFiveMinutesToBPS,
		}))
	}
	if err := s.metrics.Insert(ctx, metrics.DataRate, rows...); err != nil {
		return 0, fmt.Errorf("insert unifi rates: %w", err)
	}
	return len(rows), nil
}

func (s *Syncer) newest(ctx context.Context, kind metrics.Kind) (time.Time, error) {
	t, ok, err := s.metrics.NewestCreated(ctx, kind)
	if err != nil || !ok {
		return time.Time{}, err
	}
	return t, nil
}

func present(in map[string]*float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for name, v := range in {
		if v != nil {
			out[name] = *v
		}
	}
	return out
}
