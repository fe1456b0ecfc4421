package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/XTFG/nezha-dash-v1/internal/models"
)

func TestAssemble_SortsStably(t *testing.T) {
	in := []models.MonitorSeries{{
		MonitorID: 1,
		CreatedAt: []int64{300, 100, 200, 100},
		AvgDelay: []models.Sample{
			models.ObservedSample(3),
			models.ObservedSample(1),
			models.LostSample(),
			models.ObservedSample(9),
		},
	}}

	out := Assemble(in, 999)
	require.Len(t, out, 1)
	assert.Equal(t, []int64{100, 100, 200, 300}, out[0].CreatedAt)
	assert.Equal(t, []models.Sample{
		models.ObservedSample(1),
		models.ObservedSample(9),
		models.LostSample(),
		models.ObservedSample(3),
	}, out[0].AvgDelay)

	assert.Equal(t, []int64{300, 100, 200, 100}, in[0].CreatedAt, "input is untouched")
}

func TestAssemble_PadsEmptySeries(t *testing.T) {
	p, err := Adapt([]byte(`{"tasks": [{"id": 4, "name": "idle"}], "records": []}`))
	require.NoError(t, err)

	out := Assemble(p.Series, 12345)
	require.Len(t, out, 1)
	assert.Equal(t, []int64{12345}, out[0].CreatedAt)
	assert.Equal(t, []models.Sample{models.LostSample()}, out[0].AvgDelay)
}

func TestAssemble_OrdersByMonitorID(t *testing.T) {
	out := Assemble([]models.MonitorSeries{{MonitorID: 9}, {MonitorID: 2}, {MonitorID: 5}}, 1)
	ids := []int64{out[0].MonitorID, out[1].MonitorID, out[2].MonitorID}
	assert.Equal(t, []int64{2, 5, 9}, ids)
	for _, s := range out {
		assert.Equal(t, 1, s.Len())
	}
}
