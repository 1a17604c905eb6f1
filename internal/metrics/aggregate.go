package metrics

import (
	"time"

	"github.com/meshmon-dev/meshmon/internal/types"
)

// Aggregate collapses rows into one row per kind's field aggregations. Unset
// values are skipped; a field with no set values stays unset.
func Aggregate(kind Kind, rows []Row, mac string, at time.Time, gran types.Granularity) Row {
	out := Row{
		MAC:         mac,
		Created:     at,
		Granularity: gran,
		Values:      make(map[string]*float64, len(kind.Fields)),
	}

	for _, field := range kind.Fields {
		var (
			acc   float64
			count int
		)
		for _, row := range rows {
			v, ok := row.Value(field.Name)
			if !ok {
				continue
			}
			switch {
			case count == 0:
				acc = v
			case field.Aggregation == Min:
				if v < acc {
					acc = v
				}
			default:
				acc += v
			}
			count++
		}
		if count == 0 {
			out.Values[field.Name] = nil
			continue
		}
		if field.Aggregation == Avg {
			acc /= float64(count)
		}
		result := acc
		out.Values[field.Name] = &result
	}

	return out
}
