package metrics

import (
	"math"
	"testing"
	"time"

	"github.com/meshmon-dev/meshmon/internal/types"
)

func TestAggregate_SumAvgMin(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	usage := []Row{
		NewRow("aa:bb:cc:dd:ee:ff", at, map[string]float64{FieldTxBytes: 100, FieldRxBytes: 10}),
		NewRow("aa:bb:cc:dd:ee:ff", at, map[string]float64{FieldTxBytes: 50, FieldRxBytes: 5}),
	}
	got := Aggregate(DataUsage, usage, "aa:bb:cc:dd:ee:ff", at, types.GranularityHourly)
	if v, _ := got.Value(FieldTxBytes); v != 150 {
		t.Fatalf("tx_bytes=%v", v)
	}
	if v, _ := got.Value(FieldRxBytes); v != 15 {
		t.Fatalf("rx_bytes=%v", v)
	}
	if got.Granularity != types.GranularityHourly || got.MAC != "aa:bb:cc:dd:ee:ff" || !got.Created.Equal(at) {
		t.Fatalf("identity fields=%+v", got)
	}

	uptime := []Row{
		NewRow("m", at, map[string]float64{FieldReachable: 1, FieldLoss: 0}),
		NewRow("m", at, map[string]float64{FieldReachable: 0, FieldLoss: 100}),
		NewRow("m", at, map[string]float64{FieldReachable: 1, FieldLoss: 50}),
	}
	got = Aggregate(Uptime, uptime, "m", at, types.GranularityHourly)
	if v, _ := got.Value(FieldReachable); v != 0 {
		t.Fatalf("reachable=%v", v)
	}
	if v, _ := got.Value(FieldLoss); v != 50 {
		t.Fatalf("loss=%v", v)
	}
}

func TestAggregate_SkipsUnsetValues(t *testing.T) {
	t.Parallel()

	at := time.Now()
	rows := []Row{
		NewRow("m", at, map[string]float64{FieldMemory: 40}),
		NewRow("m", at, map[string]float64{FieldMemory: 60, FieldCPU: 10}),
	}
	got := Aggregate(Resources, rows, "m", at, types.GranularityHourly)
	if v, _ := got.Value(FieldMemory); v != 50 {
		t.Fatalf("memory=%v", v)
	}
	if v, _ := got.Value(FieldCPU); v != 10 {
		t.Fatalf("cpu=%v", v)
	}

	got = Aggregate(DataRate, rows, "m", at, types.GranularityHourly)
	if _, ok := got.Value(FieldTxRate); ok {
		t.Fatalf("tx_rate should be unset: %+v", got.Values)
	}
	if v, ok := got.Values[FieldTxRate]; !ok || v != nil {
		t.Fatalf("tx_rate key should be present and nil")
	}
}

func TestAggregate_AverageIsNotTruncated(t *testing.T) {
	t.Parallel()

	at := time.Now()
	rows := []Row{
		NewRow("m", at, map[string]float64{FieldLoss: 1}),
		NewRow("m", at, map[string]float64{FieldLoss: 2}),
	}
	got := Aggregate(Uptime, rows, "m", at, types.GranularityHourly)
	if v, _ := got.Value(FieldLoss); math.Abs(v-1.5) > 1e-9 {
		t.Fatalf("loss=%v", v)
	}
}
