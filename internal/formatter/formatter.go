// Package formatter projects delay series onto a reconciled timeline and
// produces the chart rows.
package formatter

import (
	"sort"

	"github.com/XTFG/nezha-dash-v1/internal/models"
)

// column is one monitor prepared for projection.
type column struct {
	name   string
	series models.MonitorSeries
	loss   []float64 // nil when the monitor has no loss column

	// observed points only, ascending, for interpolation
	validTs []int64
	validV  []float64
}

func newColumn(s models.MonitorSeries, loss []float64) column {
	c := column{name: s.MonitorName, series: s}
	if len(loss) == len(s.CreatedAt) {
		c.loss = loss
	}
	for i, v := range s.AvgDelay {
		if v.Valid() {
			c.validTs = append(c.validTs, s.CreatedAt[i])
			c.validV = append(c.validV, v.Value)
		}
	}
	return c
}

// Format builds one row per timeline timestamp.
//
// Rows inside an offline span carry the offline marker and no values. A
// timestamp the series sampled takes that sample and its loss. Any other
// timestamp is linearly interpolated between the nearest observed neighbours
// when they are at most 1.5 intervals apart; loss is never interpolated.
// lossBySeries is keyed by monitor id; a monitor whose loss slice is missing
// or does not match its series length gets no loss column. Monitors sharing a
// name share a column and the later one wins.
func Format(series []models.MonitorSeries, rec models.Reconciliation, lossBySeries map[int64][]float64) []models.FormattedPoint {
	cols := make([]column, len(series))
	for i, s := range series {
		cols[i] = newColumn(s, lossBySeries[s.MonitorID])
	}

	rows := make([]models.FormattedPoint, 0, len(rec.Timeline))
	for _, ts := range rec.Timeline {
		offline := rec.IsOffline(ts)
		row := models.NewFormattedPoint(ts, offline)

		for _, c := range cols {
			if offline {
				row.Values[c.name] = models.MissingSample()
				if c.loss != nil {
					row.Loss[c.name] = models.MissingSample()
				}
				continue
			}

			if idx := c.series.IndexOf(ts); idx >= 0 {
				row.Values[c.name] = c.series.AvgDelay[idx]
				if c.loss != nil {
					row.Loss[c.name] = models.ObservedSample(c.loss[idx])
				}
				continue
			}

			row.Values[c.name] = c.interpolate(ts, rec.IntervalMs)
			if c.loss != nil {
				row.Loss[c.name] = models.MissingSample()
			}
		}
		rows = append(rows, row)
	}

	sort.SliceStable(rows, func(i, j int) bool { return rows[i].CreatedAt < rows[j].CreatedAt })
	return rows
}

// interpolate returns the linear estimate at ts, or NotSampled when either
// neighbour is missing or they are too far apart.
func (c column) interpolate(ts, intervalMs int64) models.Sample {
	next := sort.Search(len(c.validTs), func(i int) bool { return c.validTs[i] > ts })
	prev := next - 1
	if prev < 0 || next >= len(c.validTs) {
		return models.MissingSample()
	}

	t0, t1 := c.validTs[prev], c.validTs[next]
	if 2*(t1-t0) > 3*intervalMs {
		return models.MissingSample()
	}

	v0, v1 := c.validV[prev], c.validV[next]
	frac := float64(ts-t0) / float64(t1-t0)
	return models.ObservedSample(v0 + (v1-v0)*frac)
}
