package availability

import (
	"math"
	"sort"
)

// percentile returns the exact nearest-rank percentile of values.
// p is in (0, 100]. The input slice is sorted in place. Empty input
// returns zero.
//
// Nearest-rank is deliberate: it always returns a latency that was
// actually observed, which keeps small buckets honest. Interpolation
// invents values no request ever saw.
func percentile(values []int64, p float64) int64 {
	if len(values) == 0 {
		return 0
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	rank := int(math.Ceil(p / 100 * float64(len(values))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(values) {
		rank = len(values)
	}
	return values[rank-1]
}
