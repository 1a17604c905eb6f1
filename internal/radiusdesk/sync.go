package radiusdesk

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/meshmon-dev/meshmon/internal/metrics"
	"github.com/meshmon-dev/meshmon/internal/models"
	"github.com/meshmon-dev/meshmon/internal/utils"
	"github.com/rs/zerolog/log"
)

// Registry is where synced meshes and devices are written.
type Registry interface {
	EnsureMesh(ctx context.Context, name string, lat, lon *float64) (models.Mesh, error)
	UpsertDevice(ctx context.Context, device models.Device) error
	UpsertUnknownDevice(ctx context.Context, device models.Device) error
}

// MetricSink receives synced samples.
type MetricSink interface {
	NewestCreated(ctx context.Context, kind metrics.Kind) (time.Time, bool, error)
	Insert(ctx context.Context, kind metrics.Kind, rows ...metrics.Row) error
}

type Syncer struct {
	source   *Source
	registry Registry
	metrics  MetricSink
	now      func() time.Time
}

func NewSyncer(source *Source, registry Registry, sink MetricSink) *Syncer {
	return &Syncer{source: source, registry: registry, metrics: sink, now: time.Now}
}

// Summary counts what one sync pass wrote.
type Summary struct {
	Meshes    int
	Devices   int
	Skipped   int
	Unknown   int
	Usage     int
	Rates     int
	Failures  int
	Resources int
}

// Run copies meshes, devices and samples from RadiusDesk. Devices missing
// from RadiusDesk are left alone.
func (s *Syncer) Run(ctx context.Context) (Summary, error) {
	var summary Summary
	start := time.Now()

	meshes, err := s.source.Meshes(ctx)
	if err != nil {
		return summary, err
	}
	for _, name := range meshes {
		if _, err := s.registry.EnsureMesh(ctx, name, nil, nil); err != nil {
			return summary, err
		}
		summary.Meshes++
	}

	nodes, err := s.source.Nodes(ctx)
	if err != nil {
		return summary, err
	}
	for _, node := range nodes {
		device, err := s.device(ctx, node)
		if err != nil {
			log.Warn().Err(err).Str("mac", node.MAC).Msg("Skipping RadiusDesk node")
			summary.Skipped++
			continue
		}
		if err := s.registry.UpsertDevice(ctx, device); err != nil {
			return summary, err
		}
		summary.Devices++
	}

	if summary.Unknown, err = s.syncUnknown(ctx); err != nil {
		return summary, err
	}
	if err := s.syncStations(ctx, &summary); err != nil {
		return summary, err
	}
	if summary.Resources, err = s.syncLoads(ctx); err != nil {
		return summary, err
	}

	log.Info().
		Int("meshes", summary.Meshes).
		Int("devices", summary.Devices).
		Int("unknown", summary.Unknown).
		Int("usage", summary.Usage).
		Int("rates", summary.Rates).
		Int("failures", summary.Failures).
		Int("resources", summary.Resources).
		Dur("elapsed", time.Since(start)).
		Msg("Synced with RadiusDesk")
	return summary, nil
}

func (s *Syncer) device(ctx context.Context, node Node) (models.Device, error) {
	mac, err := utils.NormalizeMAC(node.MAC)
	if err != nil {
		return models.Device{}, err
	}

	device := models.Device{
		MAC:         mac,
		Name:        node.Name,
		Description: node.Description,
		Hardware:    node.Hardware,
		IsAP:        node.IsAP,
	}
	if device.Name == "" {
		device.Name = mac
	}
	if node.Mesh != "" {
		// Nodes can reference a mesh that is not a cloud.
		if _, err := s.registry.EnsureMesh(ctx, node.Mesh, nil, nil); err != nil {
			return models.Device{}, fmt.Errorf("ensure mesh %s: %w", node.Mesh, err)
		}
		mesh := node.Mesh
		device.MeshName = &mesh
	}
	if node.IP != "" {
		ip := node.IP
		device.IP = &ip
	}
	return device, nil
}

// syncUnknown records nodes that reached RadiusDesk without being set up
// there. Their name, address and last contact follow RadiusDesk.
func (s *Syncer) syncUnknown(ctx context.Context) (int, error) {
	nodes, err := s.source.UnknownNodes(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, node := range nodes {
		mac, err := utils.NormalizeMAC(node.MAC)
		if err != nil {
			log.Warn().Err(err).Str("mac", node.MAC).Msg("Skipping RadiusDesk unknown node")
			continue
		}
		device := models.Device{MAC: mac, Name: node.Name, LastContact: node.LastContact}
		if device.Name == "" {
			device.Name = mac
		}
		if node.IP != "" {
			ip := node.IP
			device.IP = &ip
		}
		if err := s.registry.UpsertUnknownDevice(ctx, device); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// syncStations turns station samples newer than the newest stored sample of
// each kind into data usage, data rate and failure rows.
func (s *Syncer) syncStations(ctx context.Context, summary *Summary) error {
	usageSince, err := s.newest(ctx, metrics.DataUsage)
	if err != nil {
		return err
	}
	rateSince, err := s.newest(ctx, metrics.DataRate)
	if err != nil {
		return err
	}
	failuresSince, err := s.newest(ctx, metrics.Failures)
	if err != nil {
		return err
	}
	since := usageSince
	for _, t := range []time.Time{rateSince, failuresSince} {
		if t.Before(since) {
			since = t
		}
	}

	stations, err := s.source.Stations(ctx, since)
	if err != nil {
		return err
	}

	var usageRows, rateRows, failureRows []metrics.Row
	for _, st := range stations {
		mac, err := utils.NormalizeMAC(st.MAC)
		if err != nil {
			continue
		}
		if st.Created.After(usageSince) && st.TxBytes.Valid && st.RxBytes.Valid {
			usageRows = append(usageRows, metrics.NewRow(mac, st.Created, map[string]float64{
				metrics.FieldTxBytes: st.TxBytes.Float64,
				metrics.FieldRxBytes: st.RxBytes.Float64,
			}))
		}
		if st.Created.After(rateSince) && st.TxRate.Valid && st.RxRate.Valid {
			rateRows = append(rateRows, metrics.NewRow(mac, st.Created, map[string]float64{
				metrics.FieldTxRate: st.TxRate.Float64,
				metrics.FieldRxRate: st.RxRate.Float64,
			}))
		}
		if st.Created.After(failuresSince) {
			// RadiusDesk counts failed transmissions, stored as dropped.
			values := validValues(map[string]sql.NullFloat64{
				metrics.FieldTxPackets: st.TxPackets,
				metrics.FieldRxPackets: st.RxPackets,
				metrics.FieldTxDropped: st.TxFailed,
				metrics.FieldTxRetries: st.TxRetries,
			})
			if len(values) > 0 {
				failureRows = append(failureRows, metrics.NewRow(mac, st.Created, values))
			}
		}
	}

	if err := s.metrics.Insert(ctx, metrics.DataUsage, usageRows...); err != nil {
		return err
	}
	if err := s.metrics.Insert(ctx, metrics.DataRate, rateRows...); err != nil {
		return err
	}
	if err := s.metrics.Insert(ctx, metrics.Failures, failureRows...); err != nil {
		return err
	}
	summary.Usage, summary.Rates, summary.Failures = len(usageRows), len(rateRows), len(failureRows)
	return nil
}

func validValues(in map[string]sql.NullFloat64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for name, v := range in {
		if v.Valid {
			out[name] = v.Float64
		}
	}
	return out
}

func (s *Syncer) syncLoads(ctx context.Context) (int, error) {
	loads, err := s.source.Loads(ctx)
	if err != nil {
		return 0, err
	}

	now := s.now()
	rows := make([]metrics.Row, 0, len(loads))
	for _, l := range loads {
		mac, err := utils.NormalizeMAC(l.MAC)
		if err != nil || l.MemTotal <= 0 {
			continue
		}
		// CPU is not tracked by RadiusDesk and stays unset.
		rows = append(rows, metrics.NewRow(mac, now, map[string]float64{
			metrics.FieldMemory: (l.MemTotal - l.MemFree) / l.MemTotal * 100,
		}))
	}
	if err := s.metrics.Insert(ctx, metrics.Resources, rows...); err != nil {
		return 0, err
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
