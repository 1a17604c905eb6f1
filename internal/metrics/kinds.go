package metrics

import (
	"time"

	"github.com/meshmon-dev/meshmon/internal/types"
)

// Aggregation is how a field collapses when rows are rolled up.
type Aggregation int

const (
	Sum Aggregation = iota
	Avg
	Min
)

func (a Aggregation) String() string {
	switch a {
	case Sum:
		return "sum"
	case Avg:
		return "avg"
	case Min:
		return "min"
	default:
		return "unknown"
	}
}

type Field struct {
	Name        string
	Aggregation Aggregation
}

// Kind describes one concrete metric family and the table it lives in.
type Kind struct {
	Name   string
	Table  string
	Fields []Field
}

const (
	FieldMemory    = "memory"
	FieldCPU       = "cpu"
	FieldReachable = "reachable"
	FieldLoss      = "loss"
	FieldRTTMin    = "rtt_min"
	FieldRTTAvg    = "rtt_avg"
	FieldRTTMax    = "rtt_max"
	FieldTxBytes   = "tx_bytes"
	FieldRxBytes   = "rx_bytes"
	FieldTxRate    = "tx_rate"
	FieldRxRate    = "rx_rate"
	FieldTxPackets = "tx_packets"
	FieldRxPackets = "rx_packets"
	FieldTxDropped = "tx_dropped"
	FieldRxDropped = "rx_dropped"
	FieldTxRetries = "tx_retries"
	FieldTxErrors  = "tx_errors"
	FieldRxErrors  = "rx_errors"
)

var (
	Resources = Kind{
		Name:  "resources",
		Table: "resources_metrics",
		Fields: []Field{
			{FieldMemory, Avg},
			{FieldCPU, Avg},
		},
	}
	Uptime = Kind{
		Name:  "uptime",
		Table: "uptime_metrics",
		Fields: []Field{
			{FieldReachable, Min},
			{FieldLoss, Avg},
		},
	}
	RTT = Kind{
		Name:  "rtt",
		Table: "rtt_metrics",
		Fields: []Field{
			{FieldRTTMin, Avg},
			{FieldRTTAvg, Avg},
			{FieldRTTMax, Avg},
		},
	}
	DataUsage = Kind{
		Name:  "data_usage",
		Table: "data_usage_metrics",
		Fields: []Field{
			{FieldTxBytes, Sum},
			{FieldRxBytes, Sum},
		},
	}
	DataRate = Kind{
		Name:  "data_rate",
		Table: "data_rate_metrics",
		Fields: []Field{
			{FieldTxRate, Avg},
			{FieldRxRate, Avg},
		},
	}
	Failures = Kind{
		Name:  "failures",
		Table: "failures_metrics",
		Fields: []Field{
			{FieldTxPackets, Avg},
			{FieldRxPackets, Avg},
			{FieldTxDropped, Avg},
			{FieldRxDropped, Avg},
			{FieldTxRetries, Avg},
			{FieldTxErrors, Avg},
			{FieldRxErrors, Avg},
		},
	}

	Kinds = []Kind{Resources, Uptime, RTT, DataUsage, DataRate, Failures}
)

// KindByName looks a kind up by its Name.
func KindByName(name string) (Kind, bool) {
	for _, kind := range Kinds {
		if kind.Name == name {
			return kind, true
		}
	}
	return Kind{}, false
}

func (k Kind) columns() []string {
	cols := make([]string, 0, len(k.Fields))
	for _, f := range k.Fields {
		cols = append(cols, f.Name)
	}
	return cols
}

// Row is one stored sample or aggregate. A nil value means the field was not
// reported.
type Row struct {
	ID          int64
	MAC         string
	Created     time.Time
	Granularity types.Granularity
	Values      map[string]*float64
}

// NewRow builds a raw sample with every given value set.
func NewRow(mac string, created time.Time, values map[string]float64) Row {
	row := Row{
		MAC:         mac,
		Created:     created,
		Granularity: types.GranularityRaw,
		Values:      make(map[string]*float64, len(values)),
	}
	for name, v := range values {
		v := v
		row.Values[name] = &v
	}
	return row
}

// Value returns the named field and whether it is set.
func (r Row) Value(name string) (float64, bool) {
	v, ok := r.Values[name]
	if !ok || v == nil {
		return 0, false
	}
	return *v, true
}

// Bool encodes a flag the way boolean fields are stored.
func Bool(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
