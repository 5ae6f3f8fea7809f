package coadd

import (
	"math"
	"testing"

	"cubered/internal/errors"
	"cubered/internal/frame"
	"cubered/internal/header"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdenticalFramesRoundTrip(t *testing.T) {
	f, _ := frame.FromRows([][]float64{{1.5, -2}, {math.Pi, 1e6}})
	c := &frame.Cube{Frames: []*frame.Frame{f, f.Clone(), f.Clone()}}
	for _, m := range []Method{MethodMedian, MethodMean} {
		out, hdr, err := Collapse(c, m)
		require.NoError(t, err)
		assert.InDeltaSlice(t, f.Data, out.Data, 1e-9, string(m))
		n, _ := hdr.Int("NCOADD")
		assert.Equal(t, 3, n)
	}
	out, err := Median(c)
	require.NoError(t, err)
	assert.Equal(t, f.Data, out.Data)
}

func TestMedianIgnoresNaN(t *testing.T) {
	a, _ := frame.FromRows([][]float64{{math.NaN(), 1}})
	b, _ := frame.FromRows([][]float64{{4, 2}})
	c, _ := frame.FromRows([][]float64{{6, 100}})
	out, err := Median(&frame.Cube{Frames: []*frame.Frame{a, b, c}})
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 2}, out.Data)
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod("")
	require.NoError(t, err)
	assert.Equal(t, MethodMedian, m)
	_, err = ParseMethod("sum")
	assert.True(t, errors.IsConfiguration(err))

	_, _, err = Collapse(&frame.Cube{Header: header.Header{}}, MethodMedian)
	assert.True(t, errors.IsInput(err))
}
