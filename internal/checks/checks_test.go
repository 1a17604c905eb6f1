package checks

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/meshmon-dev/meshmon/internal/metrics"
	"github.com/meshmon-dev/meshmon/internal/models"
	"github.com/meshmon-dev/meshmon/internal/types"
)

func f64(v float64) *float64 { return &v }
func i64(v int64) *int64     { return &v }

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fullSettings() *models.MeshSettings {
	return &models.MeshSettings{
		CheckCPU:           f64(80),
		CheckMem:           f64(90),
		CheckRTT:           f64(100),
		CheckPing:          i64(600),
		CheckActive:        i64(600),
		CheckUploadSpeed:   f64(1000),
		CheckDownloadSpeed: f64(1000),
	}
}

func healthyInputs() Inputs {
	pinged := now.Add(-time.Minute)
	contacted := now.Add(-2 * time.Minute)
	return Inputs{
		Device:   models.Device{MAC: "aa:bb:cc:dd:ee:ff", LastPing: &pinged, LastContact: &contacted},
		Settings: fullSettings(),
		CPU:      rowPtr(metrics.NewRow("aa:bb:cc:dd:ee:ff", now, map[string]float64{metrics.FieldCPU: 10, metrics.FieldMemory: 20})),
		Memory:   rowPtr(metrics.NewRow("aa:bb:cc:dd:ee:ff", now, map[string]float64{metrics.FieldCPU: 10, metrics.FieldMemory: 20})),
		RTT:      rowPtr(metrics.NewRow("aa:bb:cc:dd:ee:ff", now, map[string]float64{metrics.FieldRTTAvg: 12})),
		Rate:     rowPtr(metrics.NewRow("aa:bb:cc:dd:ee:ff", now, map[string]float64{metrics.FieldTxRate: 5000, metrics.FieldRxRate: 4000})),
		Now:      now,
	}
}

func rowPtr(r metrics.Row) *metrics.Row { return &r }

func TestEvaluate_DeclarationOrder(t *testing.T) {
	t.Parallel()

	results := Evaluate(healthyInputs())
	keys := make([]string, 0, len(results))
	for _, res := range results {
		keys = append(keys, res.Key)
	}
	want := []string{"cpu", "mem", "last_ping", "last_contact", "rtt", "upload_speed", "download_speed"}
	if !reflect.DeepEqual(keys, want) {
		t.Fatalf("keys=%v", keys)
	}
	if results.Run() != 7 || results.Failed() != 0 {
		t.Fatalf("run=%d failed=%d", results.Run(), results.Failed())
	}
}

func TestKindEvaluate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		kind     Kind
		mutate   func(*Inputs)
		outcome  Outcome
		feedback string
	}{
		{
			name:     "cpu below threshold passes",
			kind:     CPU,
			outcome:  Pass,
			feedback: CPU.Feedback.Pass,
		},
		{
			name:     "cpu equal to threshold fails",
			kind:     CPU,
			mutate:   func(in *Inputs) { in.CPU.Values[metrics.FieldCPU] = f64(80) },
			outcome:  Fail,
			feedback: "CPU usage is high",
		},
		{
			name:     "no memory sample",
			kind:     Memory,
			mutate:   func(in *Inputs) { in.Memory = nil },
			outcome:  Indeterminate,
			feedback: "No memory usage recorded",
		},
		{
			name:     "no data wins over no setting",
			kind:     RTT,
			mutate:   func(in *Inputs) { in.RTT = nil; in.Settings.CheckRTT = nil },
			outcome:  Indeterminate,
			feedback: "No RTT data",
		},
		{
			name:     "no setting",
			kind:     RTT,
			mutate:   func(in *Inputs) { in.Settings.CheckRTT = nil },
			outcome:  Indeterminate,
			feedback: "No RTT warning set",
		},
		{
			name:     "unassigned device has no settings",
			kind:     CPU,
			mutate:   func(in *Inputs) { in.Settings = nil },
			outcome:  Indeterminate,
			feedback: "No CPU warning set",
		},
		{
			name:     "never pinged",
			kind:     RecentlyPinged,
			mutate:   func(in *Inputs) { in.Device.LastPing = nil },
			outcome:  Indeterminate,
			feedback: "Device has never been pinged",
		},
		{
			name: "stale ping",
			kind: RecentlyPinged,
			mutate: func(in *Inputs) {
				stale := now.Add(-time.Hour)
				in.Device.LastPing = &stale
			},
			outcome:  Fail,
			feedback: "Device has not been pinged recently",
		},
		{
			name: "stale contact",
			kind: Active,
			mutate: func(in *Inputs) {
				stale := now.Add(-11 * time.Minute)
				in.Device.LastContact = &stale
			},
			outcome:  Fail,
			feedback: "Device has not contacted the server recently",
		},
		{
			name:     "slow upload",
			kind:     UploadSpeed,
			mutate:   func(in *Inputs) { in.Rate.Values[metrics.FieldRxRate] = f64(999) },
			outcome:  Fail,
			feedback: "Node is uploading data too slowly",
		},
		{
			name:     "fast download",
			kind:     DownloadSpeed,
			outcome:  Pass,
			feedback: "Download speed is acceptable",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			in := healthyInputs()
			if tc.mutate != nil {
				tc.mutate(&in)
			}
			got := tc.kind.Evaluate(in)
			if got.Outcome != tc.outcome || got.Feedback != tc.feedback {
				t.Fatalf("got=%v %q want=%v %q", got.Outcome, got.Feedback, tc.outcome, tc.feedback)
			}
			if got.Key != tc.kind.Key || got.Title != tc.kind.Title {
				t.Fatalf("identity=%+v", got)
			}
		})
	}
}

func results(outcomes ...Outcome) Results {
	out := make(Results, 0, len(outcomes))
	for i, o := range outcomes {
		out = append(out, Result{Key: Battery[i%len(Battery)].Key, Outcome: o})
	}
	return out
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		results Results
		want    types.HealthStatus
	}{
		{"empty", nil, types.HealthUnknown},
		{"nothing ran", results(Indeterminate, Indeterminate), types.HealthUnknown},
		{"all pass", results(Pass, Pass, Indeterminate), types.HealthOK},
		{"1 of 4 fail", results(Fail, Pass, Pass, Pass), types.HealthDecent},
		{"2 of 4 fail", results(Fail, Fail, Pass, Pass), types.HealthDecent},
		{"3 of 4 fail", results(Fail, Fail, Fail, Pass), types.HealthWarning},
		{"4 of 4 fail", results(Fail, Fail, Fail, Fail), types.HealthCritical},
		{"single failure", results(Fail, Indeterminate), types.HealthCritical},
	}

	for _, tc := range tests {
		if got := Classify(tc.results); got != tc.want {
			t.Fatalf("%s: got=%s want=%s", tc.name, got, tc.want)
		}
	}
}

func TestResults_FailingKeysAndSummary(t *testing.T) {
	t.Parallel()

	in := healthyInputs()
	in.CPU.Values[metrics.FieldCPU] = f64(95)
	in.RTT = nil
	in.Rate.Values[metrics.FieldTxRate] = f64(1)

	res := Evaluate(in)
	if got := res.FailingKeys(); !reflect.DeepEqual(got, []string{"cpu", "download_speed"}) {
		t.Fatalf("failing=%v", got)
	}
	want := "CPU Usage: CPU usage is high\nRTT: No RTT data\nDownload Speed: Node is downloading data too slowly"
	if got := res.Summary(); got != want {
		t.Fatalf("summary=%q", got)
	}
}

type fakeSource struct {
	rows map[string]*metrics.Row
	err  error
}

func (f *fakeSource) Latest(_ context.Context, kind metrics.Kind, _ string, notNull ...string) (*metrics.Row, error) {
	if f.err != nil {
		return nil, f.err
	}
	row := f.rows[kind.Name]
	if row == nil {
		return nil, nil
	}
	for _, name := range notNull {
		if _, ok := row.Value(name); !ok {
			return nil, nil
		}
	}
	return row, nil
}

func TestCollect(t *testing.T) {
	t.Parallel()

	res := metrics.NewRow("m", now, map[string]float64{metrics.FieldCPU: 1})
	src := &fakeSource{rows: map[string]*metrics.Row{metrics.Resources.Name: &res}}
	device := models.Device{MAC: "m", Mesh: &models.Mesh{Name: "site", Settings: *fullSettings()}}

	in, err := Collect(context.Background(), src, device, now)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if in.CPU == nil || in.Memory != nil || in.RTT != nil || in.Rate != nil {
		t.Fatalf("inputs=%+v", in)
	}
	if in.Settings == nil || *in.Settings.CheckCPU != 80 {
		t.Fatalf("settings=%+v", in.Settings)
	}

	src.err = errors.New("metrics db locked")
	if _, err := Collect(context.Background(), src, device, now); !errors.Is(err, src.err) {
		t.Fatalf("err=%v", err)
	}
}

func TestCollect_ResourceFieldsReadIndependently(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := metrics.Open(filepath.Join(t.TempDir(), "metrics.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InitSchema(ctx); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}

	// A full report followed by a memory-only sync row.
	err = store.Insert(ctx, metrics.Resources,
		metrics.NewRow("AA:BB:CC:DD:EE:FF", now.Add(-10*time.Minute), map[string]float64{metrics.FieldCPU: 95, metrics.FieldMemory: 20}),
		metrics.NewRow("AA:BB:CC:DD:EE:FF", now, map[string]float64{metrics.FieldMemory: 30}),
	)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	device := models.Device{MAC: "AA:BB:CC:DD:EE:FF", Mesh: &models.Mesh{Name: "site", Settings: *fullSettings()}}
	in, err := Collect(ctx, store, device, now)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	cpu := CPU.Evaluate(in)
	if cpu.Outcome != Fail || cpu.Feedback != CPU.Feedback.Fail {
		t.Fatalf("cpu=%+v", cpu)
	}
	if v, ok := in.Memory.Value(metrics.FieldMemory); !ok || v != 30 {
		t.Fatalf("memory=%v ok=%v", v, ok)
	}
}
