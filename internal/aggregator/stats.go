package aggregator

import (
	"math"
	"sort"
)

// emaAlpha is the smoothing factor applied to each new fps sample.
const emaAlpha = 0.2

// percentile returns the pct quantile (0..1) of values using linear
// interpolation between closest ranks. values must be sorted ascending and
// non-empty.
//
// Example: [10, 30] at 0.95 → k = 0.95 → 10 + 20*0.95 = 29
func percentile(values []float64, pct float64) float64 {
	if len(values) == 1 {
		return values[0]
	}
	k := float64(len(values)-1) * pct
	lo := math.Floor(k)
	hi := math.Ceil(k)
	vlo := values[int(lo)]
	vhi := values[int(hi)]
	return vlo + (vhi-vlo)*(k-lo)
}

// latencySummary computes mean, p50 and p95 of latencies. All three are nil
// when latencies is empty. latencies is sorted in place.
func latencySummary(latencies []float64) (avg, p50, p95 *float64) {
	if len(latencies) == 0 {
		return nil, nil, nil
	}
	sort.Float64s(latencies)

	var sum float64
	for _, v := range latencies {
		sum += v
	}
	mean := sum / float64(len(latencies))
	median := percentile(latencies, 0.50)
	tail := percentile(latencies, 0.95)
	return &mean, &median, &tail
}

// emaStep folds sample into prev. The first sample seeds the average.
func emaStep(prev float64, seeded bool, sample float64) float64 {
	if !seeded {
		return sample
	}
	return emaAlpha*sample + (1-emaAlpha)*prev
}
