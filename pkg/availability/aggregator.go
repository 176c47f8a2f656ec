package availability

import (
	"context"
	"fmt"
	"sort"
	"time"

	"stratus-hq/saturn/internal/clock"
	"stratus-hq/saturn/pkg/ledger"
)

// Aggregator computes availability from the request log.
type Aggregator struct {
	log   ledger.Storage
	clock clock.Clock
}

// NewAggregator creates an aggregator over the given request log.
func NewAggregator(log ledger.Storage, clk clock.Clock) *Aggregator {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Aggregator{log: log, clock: clk}
}

// Query builds a bucketed availability report. The grid is uniform:
// every target gets exactly the same buckets anchored at q.From, and
// a bucket with no traffic reports StatusUnknown.
func (a *Aggregator) Query(ctx context.Context, q *Query) (*Report, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	records, err := a.log.List(ctx, &ledger.Query{
		StartTime:    &q.From,
		EndTime:      &q.To,
		VendorID:     q.Vendor,
		ProviderType: q.ProviderType,
		SortOrder:    "asc",
	})
	if err != nil {
		return nil, fmt.Errorf("listing call records: %w", err)
	}

	type targetKey struct{ vendor, ptype string }
	n := q.buckets()

	grids := make(map[targetKey][]bucketAccum)
	var order []targetKey
	for _, r := range records {
		key := targetKey{r.VendorID, r.ProviderType}
		grid, ok := grids[key]
		if !ok {
			grid = make([]bucketAccum, n)
			grids[key] = grid
			order = append(order, key)
		}
		i := int(r.Time.Sub(q.From) / q.Step)
		if i < 0 || i >= n {
			continue
		}
		grid[i].add(r)
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].vendor != order[j].vendor {
			return order[i].vendor < order[j].vendor
		}
		return order[i].ptype < order[j].ptype
	})

	report := &Report{From: q.From, To: q.To, Step: q.Step.String()}
	systemTotal, systemOK := 0, 0

	for _, key := range order {
		grid := grids[key]
		tr := TargetReport{
			Vendor:       key.vendor,
			ProviderType: key.ptype,
			Buckets:      make([]Bucket, n),
		}
		for i := range grid {
			tr.Buckets[i] = grid[i].finish(q.From.Add(time.Duration(i) * q.Step))
			tr.Total += grid[i].total
			tr.Failures += grid[i].failures
		}
		if tr.Total > 0 {
			tr.SuccessRate = float64(tr.Total-tr.Failures) / float64(tr.Total)
		}
		tr.Status = StatusOf(tr.SuccessRate, tr.Total > 0)
		report.Targets = append(report.Targets, tr)

		systemTotal += tr.Total
		systemOK += tr.Total - tr.Failures
	}

	if systemTotal > 0 {
		report.SystemScore = float64(systemOK) / float64(systemTotal)
	}
	report.SystemStatus = StatusOf(report.SystemScore, systemTotal > 0)
	return report, nil
}

// Window is a convenience wrapper for "the trailing d ending now",
// bucketed into n cells.
func (a *Aggregator) Window(ctx context.Context, d time.Duration, n int, vendor, providerType string) (*Report, error) {
	if n <= 0 {
		n = 1
	}
	now := a.clock.Now().UTC()
	return a.Query(ctx, &Query{
		From:         now.Add(-d),
		To:           now,
		Step:         d / time.Duration(n),
		Vendor:       vendor,
		ProviderType: providerType,
	})
}

// bucketAccum accumulates one grid cell before finalization.
type bucketAccum struct {
	total     int
	failures  int
	latencies []int64
}

func (b *bucketAccum) add(r *ledger.CallRecord) {
	b.total++
	if !r.OK {
		b.failures++
	}
	b.latencies = append(b.latencies, r.LatencyMS)
}

func (b *bucketAccum) finish(start time.Time) Bucket {
	out := Bucket{
		Start:    start,
		Total:    b.total,
		Failures: b.failures,
	}
	if b.total > 0 {
		out.SuccessRate = float64(b.total-b.failures) / float64(b.total)
		out.LatencyP50 = percentile(b.latencies, 50)
		out.LatencyP95 = percentile(b.latencies, 95)
		out.LatencyP99 = percentile(b.latencies, 99)
	}
	out.Status = StatusOf(out.SuccessRate, b.total > 0)
	return out
}
