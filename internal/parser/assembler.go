package parser

import (
	"sort"

	"github.com/XTFG/nezha-dash-v1/internal/models"
)

// Assemble sorts every series by timestamp and orders the series by monitor
// id. Equal timestamps keep their input order. A series left with no points
// gets a single lost point at now so downstream stages never see an empty
// series. The input slice is not modified.
func Assemble(series []models.MonitorSeries, now int64) []models.MonitorSeries {
	out := make([]models.MonitorSeries, len(series))
	for i, s := range series {
		out[i] = sortSeries(s, now)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].MonitorID < out[j].MonitorID
	})
	return out
}

func sortSeries(s models.MonitorSeries, now int64) models.MonitorSeries {
	n := len(s.CreatedAt)
	if len(s.AvgDelay) < n {
		n = len(s.AvgDelay)
	}

	sorted := s
	if n == 0 {
		sorted.CreatedAt = []int64{now}
		sorted.AvgDelay = []models.Sample{models.LostSample()}
		return sorted
	}

	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return s.CreatedAt[idx[a]] < s.CreatedAt[idx[b]]
	})

	sorted.CreatedAt = make([]int64, n)
	sorted.AvgDelay = make([]models.Sample, n)
	for i, j := range idx {
		sorted.CreatedAt[i] = s.CreatedAt[j]
		sorted.AvgDelay[i] = s.AvgDelay[j]
	}
	return sorted
}
