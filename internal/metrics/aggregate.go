package metrics

import (
	"math"
	"sort"
	"time"
)

// GroupBy partitions records by key, preserving each group's relative order.
func GroupBy[K comparable](records []RequestRecord, keyFn func(RequestRecord) K) map[K][]RequestRecord {
	groups := make(map[K][]RequestRecord)
	for _, r := range records {
		k := keyFn(r)
		groups[k] = append(groups[k], r)
	}
	return groups
}

// StatusCounts tallies how many records ended in each HTTP status.
func StatusCounts(records []RequestRecord) map[int]uint64 {
	counts := make(map[int]uint64)
	for _, r := range records {
		counts[r.Status]++
	}
	return counts
}

// DurationPercentile returns the p-th percentile (0-100) duration using
// nearest-rank selection on a copy sorted ascending: index =
// round((p/100)*(n-1)), clamped to [0, n-1]. Returns zero on empty input.
func DurationPercentile(durations []time.Duration, p float64) time.Duration {
	n := len(durations)
	if n == 0 {
		return 0
	}

	sorted := make([]time.Duration, n)
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(math.Round((p / 100) * float64(n-1)))
	if idx < 0 {
		idx = 0
	}
	if idx > n-1 {
		idx = n - 1
	}
	return sorted[idx]
}

// perMinuteBuckets produces n buckets ordered oldest→newest. For each
// record, bucket = floor(elapsed seconds / 60); if bucket < n, valueFn(r) is
// added to buckets[n-1-bucket].
func perMinuteBuckets(records []RequestRecord, n int, valueFn func(RequestRecord) uint64) []uint64 {
	buckets := make([]uint64, n)
	now := time.Now()
	for _, r := range records {
		elapsed := now.Sub(r.MonoTS)
		if elapsed < 0 {
			continue
		}
		bucket := int(elapsed.Seconds()) / 60
		if bucket < n {
			buckets[n-1-bucket] += valueFn(r)
		}
	}
	return buckets
}

// TokensPerMinute buckets the sum of input+output tokens into n one-minute
// buckets ordered oldest→newest.
func TokensPerMinute(records []RequestRecord, n int) []uint64 {
	return perMinuteBuckets(records, n, func(r RequestRecord) uint64 {
		return r.InputTokens + r.OutputTokens
	})
}

// RequestsPerMinute buckets request counts into n one-minute buckets ordered
// oldest→newest.
func RequestsPerMinute(records []RequestRecord, n int) []uint64 {
	return perMinuteBuckets(records, n, func(RequestRecord) uint64 { return 1 })
}
