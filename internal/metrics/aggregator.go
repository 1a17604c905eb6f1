package metrics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/meshmon-dev/meshmon/internal/types"
	"github.com/rs/zerolog/log"
)

// Source is the part of the metric store the aggregator reads and rewrites.
type Source interface {
	AtGranularity(ctx context.Context, kind Kind, gran types.Granularity) ([]Row, error)
	ReplaceBucket(ctx context.Context, kind Kind, ids []int64, aggregated Row) error
}

// Aggregator rolls metric rows up into coarser granularity tiers.
type Aggregator struct {
	store Source
	kinds []Kind
	now   func() time.Time
}

// Report summarises one kind's rollup into a tier.
type Report struct {
	Kind    string
	From    types.Granularity
	To      types.Granularity
	Read    int
	Created int
	Failed  int
}

func NewAggregator(store Source, kinds ...Kind) *Aggregator {
	if len(kinds) == 0 {
		kinds = Kinds
	}
	return &Aggregator{
		store: store,
		kinds: kinds,
		now:   time.Now,
	}
}

// Run aggregates every kind into gran. A failing kind is logged and does not
// stop the others.
func (a *Aggregator) Run(ctx context.Context, gran types.Granularity) ([]Report, error) {
	if _, err := gran.Previous(); err != nil {
		return nil, err
	}

	start := time.Now()
	reports := make([]Report, 0, len(a.kinds))
	for _, kind := range a.kinds {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		report, err := a.AggregateKind(ctx, kind, gran)
		if err != nil {
			log.Error().Err(err).Str("kind", kind.Name).Str("granularity", gran.String()).Msg("Aggregation failed")
			continue
		}
		reports = append(reports, report)
	}

	log.Info().Str("granularity", gran.String()).Dur("elapsed", time.Since(start)).Msg("Aggregated metrics")
	return reports, nil
}

// AggregateKind rolls kind's rows at the tier below gran into gran. Buckets
// are laid out from the oldest row's second, and only buckets that started at
// least one gran width ago are touched.
func (a *Aggregator) AggregateKind(ctx context.Context, kind Kind, gran types.Granularity) (Report, error) {
	prev, err := gran.Previous()
	if err != nil {
		return Report{}, err
	}
	report := Report{Kind: kind.Name, From: prev, To: gran}

	rows, err := a.store.AtGranularity(ctx, kind, prev)
	if err != nil {
		return report, fmt.Errorf("load %s %s rows: %w", kind.Name, prev, err)
	}
	report.Read = len(rows)
	if len(rows) == 0 {
		log.Info().Str("kind", kind.Name).Str("from", prev.String()).Msg("No metrics to aggregate, skipping")
		return report, nil
	}

	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Created.Before(rows[j].Created) })

	width := gran.Duration()
	cutoff := a.now().Add(-width)

	i := 0
	for t0 := rows[0].Created.Truncate(time.Second); t0.Before(cutoff) && i < len(rows); {
		t1 := t0.Add(width)

		j := i
		for j < len(rows) && rows[j].Created.Before(t1) {
			j++
		}
		if j > i {
			created, failed := a.replaceBucket(ctx, kind, gran, rows[i:j], t0.Add(width/2))
			report.Created += created
			report.Failed += failed
		}
		i = j
		if i >= len(rows) {
			break
		}

		// Skip empty buckets straight to the one holding the next row.
		t0 = t0.Add(width * (rows[i].Created.Sub(t0) / width))
	}

	log.Info().
		Str("kind", kind.Name).
		Str("from", prev.String()).
		Str("to", gran.String()).
		Int("read", report.Read).
		Int("created", report.Created).
		Int("failed", report.Failed).
		Msg("Aggregated metrics")

	return report, nil
}

func (a *Aggregator) replaceBucket(ctx context.Context, kind Kind, gran types.Granularity, bucket []Row, mid time.Time) (created, failed int) {
	byMAC := make(map[string][]Row)
	macs := make([]string, 0)
	for _, row := range bucket {
		if _, ok := byMAC[row.MAC]; !ok {
			macs = append(macs, row.MAC)
		}
		byMAC[row.MAC] = append(byMAC[row.MAC], row)
	}
	sort.Strings(macs)

	for _, mac := range macs {
		group := byMAC[mac]
		ids := make([]int64, 0, len(group))
		for _, row := range group {
			ids = append(ids, row.ID)
		}

		aggregated := Aggregate(kind, group, mac, mid, gran)
		if err := a.store.ReplaceBucket(ctx, kind, ids, aggregated); err != nil {
			log.Error().
				Err(err).
				Str("kind", kind.Name).
				Str("mac", mac).
				Time("bucket", mid).
				Msg("Failed to replace metric bucket")
			failed++
			continue
		}
		created++
	}
	return created, failed
}
