// Package loss estimates a packet-loss percentage for every sample of a
// delay series. The estimate is a deterministic heuristic derived from the
// delays alone; it is not a measurement.
package loss

import (
	"math"

	"github.com/XTFG/nezha-dash-v1/internal/models"
)

const (
	// NoResponse is the loss for a lost probe or a zero delay.
	NoResponse = 100.0

	extremeDelayMs = 10000.0
	timeoutDelayMs = 3000.0

	minWindow = 3
	maxWindow = 10

	spikeRatio = 2.5
	alpha      = 0.3
)

// Estimate returns one loss percentage in [0, 100], rounded to two decimals,
// for each delay. Raw per-sample estimates are smoothed by a causal EWMA
// with alpha 0.3 before rounding.
func Estimate(delays []models.Sample) []float64 {
	raw := rawEstimates(delays)
	out := make([]float64, len(raw))

	var prev float64
	for i, v := range raw {
		if i > 0 {
			v = alpha*v + (1-alpha)*prev
		}
		v = clamp(v, 0, 100)
		prev = v
		out[i] = round2(v)
	}
	return out
}

// rawEstimates computes the unsmoothed per-sample loss.
func rawEstimates(delays []models.Sample) []float64 {
	n := len(delays)
	out := make([]float64, n)
	w := windowSize(n)

	for i, s := range delays {
		if !s.Valid() || s.Value == 0 {
			out[i] = NoResponse
			continue
		}

		d := s.Value
		switch {
		case d >= extremeDelayMs:
			out[i] = math.Min(95, 60+(d-extremeDelayMs)/1000)
		case d >= timeoutDelayMs:
			out[i] = math.Min(50, (d-timeoutDelayMs)/200)
		default:
			out[i] = windowEstimate(delays, i, w)
		}
	}
	return out
}

// windowSize is clamp(3, floor(n/10), 10).
func windowSize(n int) int {
	w := n / 10
	if w < minWindow {
		return minWindow
	}
	if w > maxWindow {
		return maxWindow
	}
	return w
}

// windowEstimate scores delay i against its neighbours in [i-w/2, i+w/2].
func windowEstimate(delays []models.Sample, i, w int) float64 {
	lo := max(0, i-w/2)
	hi := min(len(delays)-1, i+w/2)

	valid := make([]float64, 0, hi-lo+1)
	for j := lo; j <= hi; j++ {
		if s := delays[j]; s.Valid() && s.Value > 0 {
			valid = append(valid, s.Value)
		}
	}
	if len(valid) <= 2 {
		return 0
	}

	var sum float64
	for _, v := range valid {
		sum += v
	}
	mean := sum / float64(len(valid))

	var sq float64
	for _, v := range valid {
		sq += (v - mean) * (v - mean)
	}
	cov := math.Sqrt(sq/float64(len(valid))) / mean

	var est float64
	switch {
	case cov > 0.8:
		est = math.Min(25, cov*15)
	case cov > 0.5:
		est = math.Min(10, cov*8)
	case cov > 0.3:
		est = math.Min(5, cov*5)
	}

	d := delays[i].Value
	if d > spikeRatio*mean {
		est += math.Min(15, (d/mean-spikeRatio)*10)
	}
	return est
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
