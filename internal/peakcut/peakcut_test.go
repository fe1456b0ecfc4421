package peakcut

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/XTFG/nezha-dash-v1/internal/models"
)

func buildRows(values map[string][]models.Sample) []models.FormattedPoint {
	n := 0
	for _, vs := range values {
		n = len(vs)
	}
	rows := make([]models.FormattedPoint, n)
	for i := range rows {
		rows[i] = models.NewFormattedPoint(int64(i)*60000, false)
		for k, vs := range values {
			rows[i].Values[k] = vs[i]
		}
	}
	return rows
}

func flat(n int, v float64) []models.Sample {
	out := make([]models.Sample, n)
	for i := range out {
		out[i] = models.ObservedSample(v)
	}
	return out
}

func TestApply_FirstRowsPassThrough(t *testing.T) {
	vs := flat(15, 20)
	vs[3] = models.ObservedSample(900)
	rows := buildRows(map[string][]models.Sample{"a": vs})

	out := Apply(rows, nil)
	require.Len(t, out, 15)
	assert.Equal(t, models.ObservedSample(900), out[3].Values["a"])
	for i := 0; i < WindowSize-1; i++ {
		assert.Equal(t, rows[i].Values["a"], out[i].Values["a"])
	}
}

func TestApply_SuppressesSpike(t *testing.T) {
	vs := flat(20, 20)
	vs[15] = models.ObservedSample(500)
	rows := buildRows(map[string][]models.Sample{"a": vs})

	out := Apply(rows, []string{"a"})
	assert.InDelta(t, 20.0, out[15].Values["a"].Value, 1e-9)
	assert.Equal(t, models.ObservedSample(500), rows[15].Values["a"], "input rows are not modified")
}

func TestApply_MissingAndLostStay(t *testing.T) {
	vs := flat(14, 30)
	vs[11] = models.MissingSample()
	vs[12] = models.LostSample()
	rows := buildRows(map[string][]models.Sample{"a": vs})

	out := Apply(rows, nil)
	assert.Equal(t, models.MissingSample(), out[11].Values["a"])
	assert.Equal(t, models.LostSample(), out[12].Values["a"])
	assert.True(t, out[13].Values["a"].Valid())
}

func TestApply_OnlySelectedKeys(t *testing.T) {
	a := flat(12, 10)
	b := flat(12, 10)
	a[11] = models.ObservedSample(200)
	b[11] = models.ObservedSample(200)
	rows := buildRows(map[string][]models.Sample{"a": a, "b": b})

	out := Apply(rows, []string{"a"})
	assert.InDelta(t, 10.0, out[11].Values["a"].Value, 1e-9)
	assert.Equal(t, models.ObservedSample(200), out[11].Values["b"])
}

func TestApply_StateCarriesAcrossWindows(t *testing.T) {
	vs := flat(11, 10)
	vs = append(vs, flat(1, 12)...)
	rows := buildRows(map[string][]models.Sample{"a": vs})

	out := Apply(rows, nil)
	assert.InDelta(t, 10.0, out[10].Values["a"].Value, 1e-9, "first window seeds the state")

	// window 1..11 is ten 10s and one 12: MAD is 0 so 12 is rejected and the
	// window estimate stays 10
	assert.InDelta(t, 10.0, out[11].Values["a"].Value, 1e-9)
}

func TestApply_VaryingWindowBlendsWithState(t *testing.T) {
	vals := []float64{10, 12, 11, 13, 10, 12, 11, 13, 10, 12, 11, 40}
	vs := make([]models.Sample, len(vals))
	for i, v := range vals {
		vs[i] = models.ObservedSample(v)
	}
	rows := buildRows(map[string][]models.Sample{"a": vs})

	w10, ok := windowEstimate(rows[0:11], "a")
	require.True(t, ok)
	w11, ok := windowEstimate(rows[1:12], "a")
	require.True(t, ok)

	out := Apply(rows, nil)
	assert.InDelta(t, w10, out[10].Values["a"].Value, 1e-9)
	assert.InDelta(t, alpha*w11+(1-alpha)*w10, out[11].Values["a"].Value, 1e-9)
	assert.Less(t, out[11].Values["a"].Value, 20.0, "spike at 40 is rejected")
}

func TestWindowEstimate_AllRejectedFallsBackToMedian(t *testing.T) {
	// with a negative median every value exceeds three times the median
	rows := buildRows(map[string][]models.Sample{"a": {
		models.ObservedSample(-3), models.ObservedSample(-1), models.ObservedSample(-2),
	}})

	got, ok := windowEstimate(rows, "a")
	require.True(t, ok)
	assert.Equal(t, -2.0, got)
}

func TestMedian(t *testing.T) {
	assert.Equal(t, 3.0, median([]float64{5, 1, 3}))
	assert.Equal(t, 2.5, median([]float64{4, 1, 2, 3}))
}

func TestApply_Empty(t *testing.T) {
	assert.Empty(t, Apply(nil, nil))
}
