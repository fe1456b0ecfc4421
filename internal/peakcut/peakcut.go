// Package peakcut suppresses latency outliers in formatted chart rows with a
// sliding median/MAD filter followed by exponential smoothing.
package peakcut

import (
	"math"
	"sort"

	"github.com/XTFG/nezha-dash-v1/internal/models"
)

const (
	// WindowSize is the number of rows each filtered value looks back over,
	// including its own row.
	WindowSize = 11

	alpha     = 0.3
	madScale  = 1.4826
	madCutoff = 3.0
	medCutoff = 3.0
)

// Apply returns a filtered copy of rows; rows itself is not modified. Only
// the value columns named in keys are filtered, or every value column when
// keys is empty. The first WindowSize-1 rows pass through unchanged, as do
// cells that are not observed, so missing data is never filled in.
func Apply(rows []models.FormattedPoint, keys []string) []models.FormattedPoint {
	out := make([]models.FormattedPoint, len(rows))
	for i, r := range rows {
		out[i] = r.Clone()
	}
	if len(keys) == 0 {
		keys = valueKeys(rows)
	}

	for _, key := range keys {
		var acc accumulator
		for i := WindowSize - 1; i < len(rows); i++ {
			if !rows[i].Values[key].Valid() {
				continue
			}
			w, ok := windowEstimate(rows[i-WindowSize+1:i+1], key)
			if !ok {
				continue
			}
			out[i].Values[key] = models.ObservedSample(acc.fold(w))
		}
	}
	return out
}

// accumulator carries the smoothed value of one key from window to window.
type accumulator struct {
	state  float64
	seeded bool
}

func (a *accumulator) fold(v float64) float64 {
	if !a.seeded {
		a.state, a.seeded = v, true
		return v
	}
	a.state = alpha*v + (1-alpha)*a.state
	return a.state
}

// windowEstimate rejects outliers in one window and smooths the survivors.
func windowEstimate(window []models.FormattedPoint, key string) (float64, bool) {
	values := make([]float64, 0, len(window))
	for _, r := range window {
		if s := r.Values[key]; s.Valid() {
			values = append(values, s.Value)
		}
	}
	if len(values) == 0 {
		return 0, false
	}

	med := median(values)
	devs := make([]float64, len(values))
	for i, v := range values {
		devs[i] = math.Abs(v - med)
	}
	mad := median(devs) * madScale

	var (
		smoothed float64
		kept     int
	)
	for _, v := range values {
		if math.Abs(v-med) > madCutoff*mad || v > medCutoff*med {
			continue
		}
		if kept == 0 {
			smoothed = v
		} else {
			smoothed = alpha*v + (1-alpha)*smoothed
		}
		kept++
	}
	if kept == 0 {
		return med, true
	}
	return smoothed, true
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func valueKeys(rows []models.FormattedPoint) []string {
	seen := make(map[string]struct{})
	var keys []string
	for _, r := range rows {
		for k := range r.Values {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}
