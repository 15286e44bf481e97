// Package sampler downsamples metric history into fixed-width buckets.
package sampler

import (
	"slices"
	"time"

	"github.com/pilot-net/netoverview/pkg/types"
)

// Downsample averages samples into buckets of the given width. Bucket
// timestamps are the bucket start, aligned to the Unix epoch. Empty
// buckets are omitted. A non-positive bucket returns the samples sorted.
func Downsample(samples []types.Sample, bucket time.Duration) []types.Sample {
	if len(samples) == 0 {
		return []types.Sample{}
	}
	if bucket <= 0 {
		out := slices.Clone(samples)
		sortByTime(out)
		return out
	}

	type acc struct {
		sum float64
		n   int
	}
	buckets := make(map[int64]*acc)
	for _, s := range samples {
		key := s.Time.Truncate(bucket).UnixNano()
		a, ok := buckets[key]
		if !ok {
			a = &acc{}
			buckets[key] = a
		}
		a.sum += s.Value
		a.n++
	}

	out := make([]types.Sample, 0, len(buckets))
	for key, a := range buckets {
		out = append(out, types.Sample{
			Time:  time.Unix(0, key).UTC(),
			Value: a.sum / float64(a.n),
		})
	}
	sortByTime(out)
	return out
}

// Sum adds already-bucketed series point by point. A timestamp present in
// any series appears in the output.
func Sum(series ...[]types.Sample) []types.Sample {
	totals := make(map[int64]float64)
	for _, s := range series {
		for _, p := range s {
			totals[p.Time.UnixNano()] += p.Value
		}
	}
	out := make([]types.Sample, 0, len(totals))
	for key, v := range totals {
		out = append(out, types.Sample{Time: time.Unix(0, key).UTC(), Value: v})
	}
	sortByTime(out)
	return out
}

// Clip drops samples outside [from, till].
func Clip(samples []types.Sample, from, till time.Time) []types.Sample {
	out := make([]types.Sample, 0, len(samples))
	for _, s := range samples {
		if s.Time.Before(from) || s.Time.After(till) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// BucketFor returns the bucket width used for a query window.
func BucketFor(window time.Duration) time.Duration {
	return types.AutoSelectBucket(window)
}

func sortByTime(s []types.Sample) {
	slices.SortFunc(s, func(a, b types.Sample) int { return a.Time.Compare(b.Time) })
}
