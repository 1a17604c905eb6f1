package types

import (
	"fmt"
	"strings"
	"time"
)

// Granularity is the width in seconds of the window a metric row summarises.
// GranularityRaw marks unaggregated samples and is stored as NULL.
type Granularity int64

const (
	GranularityRaw     Granularity = 0
	GranularityHourly  Granularity = 60 * 60
	GranularityDaily   Granularity = 60 * 60 * 24
	GranularityMonthly Granularity = 60 * 60 * 24 * 31
)

// GranularityOrder lists the aggregated tiers from finest to coarsest.
var GranularityOrder = []Granularity{GranularityHourly, GranularityDaily, GranularityMonthly}

// Duration is the bucket width for the tier.
func (g Granularity) Duration() time.Duration {
	return time.Duration(g) * time.Second
}

// Previous returns the tier rows are rolled up from. Hourly rolls up raw rows.
func (g Granularity) Previous() (Granularity, error) {
	for i, tier := range GranularityOrder {
		if tier != g {
			continue
		}
		if i == 0 {
			return GranularityRaw, nil
		}
		return GranularityOrder[i-1], nil
	}
	return 0, fmt.Errorf("granularity %s has no predecessor", g)
}

func (g Granularity) String() string {
	switch g {
	case GranularityRaw:
		return "raw"
	case GranularityHourly:
		return "hourly"
	case GranularityDaily:
		return "daily"
	case GranularityMonthly:
		return "monthly"
	default:
		return fmt.Sprintf("granularity(%ds)", int64(g))
	}
}

// ParseGranularity maps a tier name to its Granularity. The empty string is raw.
func ParseGranularity(raw string) (Granularity, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "raw":
		return GranularityRaw, nil
	case "hourly":
		return GranularityHourly, nil
	case "daily":
		return GranularityDaily, nil
	case "monthly":
		return GranularityMonthly, nil
	default:
		return 0, fmt.Errorf("unknown granularity %q", raw)
	}
}
