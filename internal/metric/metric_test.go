package metric

import (
	"math"
	"testing"

	"cubered/internal/errors"
	"cubered/internal/frame"
	"cubered/internal/geometry"
	"cubered/internal/header"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func filled(rows, cols int, v float64) *frame.Frame {
	f := frame.New(rows, cols)
	for i := range f.Data {
		f.Data[i] = v
	}
	return f
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" NormVar ")
	require.NoError(t, err)
	assert.Equal(t, NormVar, k)

	_, err = ParseKind("strehl")
	assert.True(t, errors.IsConfiguration(err))
}

func TestMeasureKinds(t *testing.T) {
	f, _ := frame.FromRows([][]float64{{1, 2}, {2, math.NaN()}})
	all := []geometry.Window{{Y1: 2, X1: 2}}

	v, err := Measure(f, all, Max)
	require.NoError(t, err)
	assert.Equal(t, 2.0, v)

	v, err = Measure(f, all, L2Norm)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, v, 1e-12)

	v, err = Measure(f, all, NormVar)
	require.NoError(t, err)
	mean := 5.0 / 3
	variance := ((1-mean)*(1-mean) + 2*(2-mean)*(2-mean)) / 3
	assert.InDelta(t, variance/mean, v, 1e-12)
}

func TestMeasureAveragesWindowsAndSkipsEmpty(t *testing.T) {
	f, _ := frame.FromRows([][]float64{
		{1, math.NaN()},
		{3, math.NaN()},
	})
	ws := []geometry.Window{
		{Y0: 0, Y1: 1, X0: 0, X1: 1},
		{Y0: 1, Y1: 2, X0: 0, X1: 1},
		{Y0: 0, Y1: 2, X0: 1, X1: 2},
	}
	v, err := Measure(f, ws, Max)
	require.NoError(t, err)
	assert.Equal(t, 2.0, v)

	_, err = Measure(f, ws[2:], Max)
	assert.True(t, errors.IsInput(err))
}

func TestSelectZeroKeepsAll(t *testing.T) {
	recs := []Record{{Index: 0, Value: 3}, {Index: 1, Value: math.NaN()}, {Index: 2, Value: 1}}
	keep, err := Select(recs, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, keep)
}

func TestSelectHalf(t *testing.T) {
	var recs []Record
	for i, v := range []float64{5, 1, 4, 2, 3, 6} {
		recs = append(recs, Record{Index: i, Metric: Max, Value: v})
	}
	keep, err := Select(recs, 0.5)
	require.NoError(t, err)
	// cutoff 3.5
	assert.Equal(t, []int{0, 2, 5}, keep)
}

func TestSelectRejectsBadQuantile(t *testing.T) {
	for _, q := range []float64{-0.1, 1, 1.5} {
		_, err := Select(nil, q)
		assert.True(t, errors.IsConfiguration(err), "q=%v", q)
	}
}

func TestMeasureCubeAndStats(t *testing.T) {
	c, err := frame.NewCube([]*frame.Frame{filled(4, 4, 1), filled(4, 4, 2)}, header.Header{})
	require.NoError(t, err)
	ws, err := geometry.SingleWindow(geometry.FrameCenter(4, 4), 2, 4, 4)
	require.NoError(t, err)

	recs, err := MeasureCube(c, ws, Max)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, Record{Index: 1, Metric: Max, Value: 2}, recs[1])

	stats := Stats(c, ws)
	require.Len(t, stats, 2)
	assert.Equal(t, 8.0, stats[1].Sum)
	assert.Equal(t, 0.0, stats[1].NVar)
	assert.InDelta(t, 1.5, stats[1].ComY, 1e-12)
}
