package monitor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/meshmon-dev/meshmon/db"
	"github.com/meshmon-dev/meshmon/internal/alerts"
	"github.com/meshmon-dev/meshmon/internal/checks"
	"github.com/meshmon-dev/meshmon/internal/metrics"
	"github.com/meshmon-dev/meshmon/internal/models"
	"github.com/meshmon-dev/meshmon/internal/monitors"
	"github.com/meshmon-dev/meshmon/internal/registry"
	"github.com/meshmon-dev/meshmon/internal/types"
	"gorm.io/gorm"
)

type recorder struct {
	mu        sync.Mutex
	notified  []models.Alert
	broadcast []models.Device
	fleets    [][]models.Device
}

func (r *recorder) NotifyAsync(alert models.Alert, _ models.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notified = append(r.notified, alert)
}

func (r *recorder) BroadcastDevice(device models.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcast = append(r.broadcast, device)
}

func (r *recorder) BroadcastDevices(devices []models.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fleets = append(r.fleets, devices)
}

func (r *recorder) notifications() []models.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Alert(nil), r.notified...)
}

type fakePinger struct {
	mu      sync.Mutex
	results map[string]monitors.PingResult
}

func (f *fakePinger) set(addr string, res monitors.PingResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[addr] = res
}

func (f *fakePinger) Ping(_ context.Context, addr string) (monitors.PingResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.results[addr]
	if !ok {
		return monitors.PingResult{}, errors.New("no route to host")
	}
	return res, nil
}

type harness struct {
	svc      *Service
	registry *registry.Registry
	alerts   *alerts.GormStore
	metrics  *metrics.Store
	rec      *recorder
	pinger   *fakePinger
}

func f64(v float64) *float64  { return &v }
func strptr(s string) *string { return &s }

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	conn, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "meshmon.db")), db.Config())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	store, err := metrics.Open(filepath.Join(t.TempDir(), "metrics.db"))
	if err != nil {
		t.Fatalf("metrics.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InitSchema(ctx); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}

	reg := registry.New(conn, models.MeshSettings{CheckCPU: f64(50), CheckMem: f64(80)})
	if _, err := reg.EnsureMesh(ctx, "site", nil, nil); err != nil {
		t.Fatalf("EnsureMesh: %v", err)
	}

	alertStore := alerts.NewGormStore(conn)
	rec := &recorder{}
	pinger := &fakePinger{results: map[string]monitors.PingResult{}}
	svc := NewService(Config{Workers: 4, StoreTimeout: 5 * time.Second}, reg, store, alerts.NewEngine(alertStore), rec, rec, pinger)

	return &harness{svc: svc, registry: reg, alerts: alertStore, metrics: store, rec: rec, pinger: pinger}
}

func (h *harness) addDevice(t *testing.T, mac, ip string) {
	t.Helper()
	d := models.Device{MAC: mac, Name: "node-" + mac[len(mac)-2:], MeshName: strptr("site")}
	if ip != "" {
		d.IP = strptr(ip)
	}
	if err := h.registry.UpsertDevice(context.Background(), d); err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}
}

func (h *harness) active(t *testing.T, mac string) []models.Alert {
	t.Helper()
	active, err := h.alerts.Alerts(context.Background(), mac, true)
	if err != nil {
		t.Fatalf("Alerts: %v", err)
	}
	return active
}

func TestHandleReport_UnknownDeviceIsCreated(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ack, eval, err := h.svc.HandleReport(context.Background(), Report{
		MAC:       "aa-bb-cc-dd-ee-01",
		Mode:      "ap",
		Resources: &ResourceSample{CPU: f64(99)},
	})
	if err != nil {
		t.Fatalf("HandleReport: %v", err)
	}
	if ack.MAC != "AA:BB:CC:DD:EE:01" || ack.Reboot {
		t.Fatalf("ack=%+v", ack)
	}
	// Unassigned devices have no thresholds, so nothing can run.
	if eval.Health != types.HealthUnknown || eval.Results.Run() != 0 || eval.Changed {
		t.Fatalf("eval=%+v", eval)
	}
	if !eval.Device.IsAP || eval.Device.Status != types.DeviceStatusOnline {
		t.Fatalf("device=%+v", eval.Device)
	}

	row, err := h.metrics.Latest(context.Background(), metrics.Resources, "AA:BB:CC:DD:EE:01")
	if err != nil || row == nil {
		t.Fatalf("row=%v err=%v", row, err)
	}
	if _, ok := row.Value(metrics.FieldMemory); ok {
		t.Fatal("memory should be unset")
	}
	if len(h.rec.broadcast) != 1 {
		t.Fatalf("broadcasts=%d", len(h.rec.broadcast))
	}

	if _, _, err := h.svc.HandleReport(context.Background(), Report{MAC: "nope"}); err == nil {
		t.Fatal("expected invalid MAC error")
	}
}

func TestHandleReport_RaisesAndResolvesAlert(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	mac := "AA:BB:CC:DD:EE:02"
	h.addDevice(t, mac, "")

	_, eval, err := h.svc.HandleReport(ctx, Report{MAC: mac, Resources: &ResourceSample{CPU: f64(90), Memory: f64(10)}})
	if err != nil {
		t.Fatalf("HandleReport: %v", err)
	}
	if eval.Health != types.HealthDecent || !eval.Changed || eval.Alert == nil {
		t.Fatalf("eval=%+v", eval)
	}
	if eval.Alert.Level != types.AlertLevelError || eval.Alert.Title != "health bad" {
		t.Fatalf("alert=%+v", eval.Alert)
	}
	if events, _ := eval.Alert.Events(); len(events) != 1 || events[0].Text != "failed checks: cpu" {
		t.Fatalf("events=%+v", events)
	}
	if n := len(h.rec.notifications()); n != 1 {
		t.Fatalf("notifications=%d", n)
	}

	stored, err := h.registry.Device(ctx, mac)
	if err != nil || stored.HealthStatus != types.HealthDecent {
		t.Fatalf("stored=%+v err=%v", stored, err)
	}

	// Same state again: nothing new.
	if _, eval, err = h.svc.HandleReport(ctx, Report{MAC: mac, Resources: &ResourceSample{CPU: f64(91), Memory: f64(10)}}); err != nil || eval.Changed {
		t.Fatalf("eval=%+v err=%v", eval, err)
	}

	if _, eval, err = h.svc.HandleReport(ctx, Report{MAC: mac, Resources: &ResourceSample{CPU: f64(5), Memory: f64(10)}}); err != nil {
		t.Fatalf("HandleReport: %v", err)
	}
	if eval.Health != types.HealthOK || len(h.active(t, mac)) != 0 {
		t.Fatalf("eval=%+v", eval)
	}
	if n := len(h.rec.notifications()); n != 1 {
		t.Fatalf("notifications=%d", n)
	}
}

func TestHandleReport_ClaimsReboot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	mac := "AA:BB:CC:DD:EE:03"
	h.addDevice(t, mac, "")
	if err := h.registry.RequestReboot(ctx, mac); err != nil {
		t.Fatalf("RequestReboot: %v", err)
	}

	ack, eval, err := h.svc.HandleReport(ctx, Report{MAC: mac})
	if err != nil {
		t.Fatalf("HandleReport: %v", err)
	}
	if !ack.Reboot || eval.Device.Status != types.DeviceStatusRebooting {
		t.Fatalf("ack=%+v status=%s", ack, eval.Device.Status)
	}
	if ack, _, _ = h.svc.HandleReport(ctx, Report{MAC: mac}); ack.Reboot {
		t.Fatal("reboot acknowledged twice")
	}
}

func TestPingSweep_OfflineRaisesCritical(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	up, down := "AA:BB:CC:DD:EE:04", "AA:BB:CC:DD:EE:05"
	h.addDevice(t, up, "10.0.0.4")
	h.addDevice(t, down, "10.0.0.5")
	h.addDevice(t, "AA:BB:CC:DD:EE:06", "")

	h.pinger.set("10.0.0.4", monitors.PingResult{Reachable: true, Sent: 3, Received: 3, MinRTT: 2 * time.Millisecond, AvgRTT: 3 * time.Millisecond, MaxRTT: 5 * time.Millisecond})
	h.pinger.set("10.0.0.5", monitors.PingResult{Sent: 3, Loss: 100})

	summary, err := h.svc.PingSweep(ctx)
	if err != nil {
		t.Fatalf("PingSweep: %v", err)
	}
	if summary.Devices != 2 || summary.Changed != 2 || summary.Failed != 0 {
		t.Fatalf("summary=%+v", summary)
	}

	offline := h.active(t, down)
	if len(offline) != 1 || offline[0].Level != types.AlertLevelCritical || offline[0].Title != "Node is offline" {
		t.Fatalf("alerts=%+v", offline)
	}
	device, _ := h.registry.Device(ctx, down)
	if device.Status != types.DeviceStatusOffline || device.Reachable {
		t.Fatalf("device=%+v", device)
	}

	rtt, err := h.metrics.Latest(ctx, metrics.RTT, up)
	if err != nil || rtt == nil {
		t.Fatalf("rtt=%v err=%v", rtt, err)
	}
	if v, _ := rtt.Value(metrics.FieldRTTAvg); v != 3 {
		t.Fatalf("rtt_avg=%v", v)
	}
	uptime, err := h.metrics.Latest(ctx, metrics.Uptime, down)
	if err != nil || uptime == nil {
		t.Fatalf("uptime=%v err=%v", uptime, err)
	}
	if v, _ := uptime.Value(metrics.FieldReachable); v != 0 {
		t.Fatalf("reachable=%v", v)
	}

	// Back online: the offline alert is resolved.
	h.pinger.set("10.0.0.5", monitors.PingResult{Reachable: true, Sent: 3, Received: 3})
	if _, err := h.svc.PingSweep(ctx); err != nil {
		t.Fatalf("PingSweep: %v", err)
	}
	if active := h.active(t, down); len(active) != 0 {
		t.Fatalf("active=%+v", active)
	}
}

func TestRegenerateAll(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	for _, mac := range []string{"AA:BB:CC:DD:EE:07", "AA:BB:CC:DD:EE:08", "AA:BB:CC:DD:EE:09"} {
		h.addDevice(t, mac, "")
	}
	err := h.metrics.Insert(ctx, metrics.Resources,
		metrics.NewRow("AA:BB:CC:DD:EE:07", time.Now(), map[string]float64{metrics.FieldCPU: 99, metrics.FieldMemory: 99}),
		metrics.NewRow("AA:BB:CC:DD:EE:08", time.Now(), map[string]float64{metrics.FieldCPU: 1, metrics.FieldMemory: 1}),
	)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	summary, err := h.svc.RegenerateAll(ctx)
	if err != nil {
		t.Fatalf("RegenerateAll: %v", err)
	}
	if summary.Devices != 3 || summary.Failed != 0 || summary.Alerts != 1 {
		t.Fatalf("summary=%+v", summary)
	}
	critical := h.active(t, "AA:BB:CC:DD:EE:07")
	if len(critical) != 1 || critical[0].Title != "health critical" {
		t.Fatalf("alerts=%+v", critical)
	}

	// A second pass changes nothing.
	summary, err = h.svc.RegenerateAll(ctx)
	if err != nil || summary.Alerts != 0 {
		t.Fatalf("summary=%+v err=%v", summary, err)
	}
}

func TestEvaluateDevice(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	mac := "AA:BB:CC:DD:EE:0A"
	h.addDevice(t, mac, "")

	results, err := h.svc.EvaluateDevice(ctx, mac)
	if err != nil {
		t.Fatalf("EvaluateDevice: %v", err)
	}
	if len(results) != len(checks.Battery) || h.svc.Classify(results) != types.HealthUnknown {
		t.Fatalf("results=%+v", results)
	}

	if _, err := h.svc.EvaluateDevice(ctx, "AA:BB:CC:DD:EE:FF"); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("err=%v", err)
	}

	device, _ := h.registry.Device(ctx, mac)
	device.Status = types.DeviceStatusOffline
	changed, err := h.svc.GenerateAlert(ctx, device)
	if err != nil || !changed {
		t.Fatalf("changed=%v err=%v", changed, err)
	}
	changed, err = h.svc.GenerateAlert(ctx, device)
	if err != nil || changed {
		t.Fatalf("second changed=%v err=%v", changed, err)
	}
}

func TestBroadcastFleet(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.addDevice(t, "AA:BB:CC:DD:EE:21", "")
	h.addDevice(t, "AA:BB:CC:DD:EE:22", "10.0.0.22")

	n, err := h.svc.BroadcastFleet(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	if len(h.rec.fleets) != 1 || len(h.rec.fleets[0]) != 2 {
		t.Fatalf("fleets=%+v", h.rec.fleets)
	}
}
