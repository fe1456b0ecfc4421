// Package timeline derives the shared x-axis for a set of delay series: the
// typical sample interval, the display range, the offline spans and the merged
// timeline of observed and synthetic offline timestamps.
package timeline

import (
	"sort"

	"github.com/XTFG/nezha-dash-v1/internal/models"
)

const (
	// DefaultIntervalMs is used when no series has two distinct timestamps.
	DefaultIntervalMs int64 = 60000
	// MinIntervalMs is the floor applied to the estimated interval.
	MinIntervalMs int64 = 1000
)

const hourMs = int64(3600 * 1000)

// MaxOfflinePoints bounds the synthetic points materialised across all
// offline spans, plus at most one per span for rounding. Past it the spans
// are sampled with a wider step that stays a multiple of the interval.
const MaxOfflinePoints = 20000

// SampleInterval estimates the typical spacing between samples as the median
// of all positive consecutive deltas, rounded to the nearest second and
// floored at one second. With an even number of deltas the upper median is
// used.
func SampleInterval(series []models.MonitorSeries) int64 {
	var deltas []int64
	for _, s := range series {
		for i := 1; i < len(s.CreatedAt); i++ {
			if d := s.CreatedAt[i] - s.CreatedAt[i-1]; d > 0 {
				deltas = append(deltas, d)
			}
		}
	}
	if len(deltas) == 0 {
		return DefaultIntervalMs
	}

	sort.Slice(deltas, func(i, j int) bool { return deltas[i] < deltas[j] })
	median := deltas[len(deltas)/2]

	rounded := (median + 500) / 1000 * 1000
	if rounded < MinIntervalMs {
		return MinIntervalMs
	}
	return rounded
}

// DeriveRange picks the display range. A valid source-reported range wins,
// then the observed min/max across all series, then the last hours before
// now. ok is false only when none of them is usable.
func DeriveRange(source *models.TimeRange, series []models.MonitorSeries, hours int, now int64) (models.TimeRange, bool) {
	if source != nil && source.Valid() {
		return *source, true
	}

	if rng, ok := observedRange(series); ok {
		return rng, true
	}

	if hours > 0 {
		rng := models.TimeRange{Start: now - int64(hours)*hourMs, End: now}
		if rng.Valid() {
			return rng, true
		}
	}
	return models.TimeRange{}, false
}

func observedRange(series []models.MonitorSeries) (models.TimeRange, bool) {
	var (
		rng  models.TimeRange
		seen bool
	)
	for _, s := range series {
		for _, ts := range s.CreatedAt {
			if !seen {
				rng = models.TimeRange{Start: ts, End: ts}
				seen = true
				continue
			}
			if ts < rng.Start {
				rng.Start = ts
			}
			if ts > rng.End {
				rng.End = ts
			}
		}
	}
	return rng, seen && rng.Valid()
}

// Reconcile builds the timeline for series over rng using the estimated
// sample interval.
func Reconcile(series []models.MonitorSeries, rng models.TimeRange) models.Reconciliation {
	return ReconcileWithInterval(series, rng, SampleInterval(series))
}

// ReconcileWithInterval builds the timeline with a fixed interval.
//
// A silence longer than 1.5 intervals becomes an offline span: leading
// [start, first], internal [prev+interval, next] and trailing
// [last+interval, end]. Spans are materialised into synthetic points every
// interval from their start, excluding their end. A degenerate range yields
// empty collections.
func ReconcileWithInterval(series []models.MonitorSeries, rng models.TimeRange, intervalMs int64) models.Reconciliation {
	if intervalMs <= 0 {
		intervalMs = DefaultIntervalMs
	}
	rec := models.Reconciliation{
		Timeline:     []int64{},
		OfflineSpans: []models.OfflineSpan{},
		ObservedSet:  []int64{},
		IntervalMs:   intervalMs,
	}
	if !rng.Valid() {
		return rec
	}

	rec.ObservedSet = observedTimes(series, rng)
	rec.OfflineSpans = offlineSpans(rec.ObservedSet, rng, intervalMs)
	rec.Timeline = mergeTimeline(rec.ObservedSet, rec.OfflineSpans, intervalMs)
	return rec
}

// observedTimes returns the distinct in-range timestamps, ascending.
func observedTimes(series []models.MonitorSeries, rng models.TimeRange) []int64 {
	seen := make(map[int64]struct{})
	times := []int64{}
	for _, s := range series {
		for _, ts := range s.CreatedAt {
			if !rng.Contains(ts) {
				continue
			}
			if _, dup := seen[ts]; dup {
				continue
			}
			seen[ts] = struct{}{}
			times = append(times, ts)
		}
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
	return times
}

// exceeds reports gap > 1.5 * interval without leaving integer arithmetic.
func exceeds(gap, intervalMs int64) bool {
	return 2*gap > 3*intervalMs
}

func offlineSpans(observed []int64, rng models.TimeRange, intervalMs int64) []models.OfflineSpan {
	spans := []models.OfflineSpan{}
	if len(observed) == 0 {
		return append(spans, models.OfflineSpan{Start: rng.Start, End: rng.End})
	}

	first := observed[0]
	if exceeds(first-rng.Start, intervalMs) {
		spans = append(spans, models.OfflineSpan{Start: rng.Start, End: first})
	}

	for i := 1; i < len(observed); i++ {
		prev, next := observed[i-1], observed[i]
		if !exceeds(next-prev, intervalMs) {
			continue
		}
		span := models.OfflineSpan{Start: prev + intervalMs, End: min(next, rng.End)}
		if span.Start < span.End {
			spans = append(spans, span)
		}
	}

	last := observed[len(observed)-1]
	if exceeds(rng.End-last, intervalMs) {
		span := models.OfflineSpan{Start: last + intervalMs, End: rng.End}
		if span.Start < span.End {
			spans = append(spans, span)
		}
	}
	return spans
}

// offlineStep returns the materialisation step: intervalMs, widened to a
// multiple of it when the spans would otherwise exceed MaxOfflinePoints.
func offlineStep(spans []models.OfflineSpan, intervalMs int64) int64 {
	var total int64
	for _, span := range spans {
		total += (span.End - span.Start + intervalMs - 1) / intervalMs
	}
	if total <= MaxOfflinePoints {
		return intervalMs
	}
	factor := (total + MaxOfflinePoints - 1) / MaxOfflinePoints
	return intervalMs * factor
}

func mergeTimeline(observed []int64, spans []models.OfflineSpan, intervalMs int64) []int64 {
	step := offlineStep(spans, intervalMs)
	merged := make([]int64, 0, len(observed))
	merged = append(merged, observed...)
	for _, span := range spans {
		for ts := span.Start; ts < span.End; ts += step {
			merged = append(merged, ts)
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i] < merged[j] })

	out := merged[:0]
	for _, ts := range merged {
		if len(out) > 0 && ts == out[len(out)-1] {
			continue
		}
		out = append(out, ts)
	}
	return out
}
