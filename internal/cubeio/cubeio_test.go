package cubeio

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cubered/internal/errors"
	"cubered/internal/frame"
	"cubered/internal/header"
	"cubered/internal/metric"
	"cubered/internal/register"
)

func newGoldie(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestMetricTableGolden(t *testing.T) {
	recs := []metric.Record{
		{Index: 0, Metric: metric.Max, Value: 1.5},
		{Index: 1, Metric: metric.Max, Value: math.NaN()},
		{Index: 2, Metric: metric.Max, Value: 1e6},
	}
	var buf bytes.Buffer
	require.NoError(t, EncodeTable(&buf, metricColumns, MetricRows(recs)))
	newGoldie(t).Assert(t, "metric_table", buf.Bytes())
}

func TestOffsetsTableGolden(t *testing.T) {
	recs := []register.Record{
		{Index: 0, DY: 0.25, DX: -1, Method: register.MethodDFT, Valid: true, Spread: 0.1, Windows: 4},
		{Index: 1, DY: math.NaN(), DX: math.NaN(), Method: register.MethodDFT, Spread: math.NaN()},
	}
	var buf bytes.Buffer
	require.NoError(t, EncodeTable(&buf, offsetColumns, OffsetRows(recs)))
	newGoldie(t).Assert(t, "offsets_table", buf.Bytes())
}

func TestTablesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	mpath := filepath.Join(dir, "a_metric.csv")
	require.NoError(t, WriteMetrics(mpath, []metric.Record{{Index: 3, Metric: metric.NormVar, Value: 0.125}}))
	recs, err := ReadMetrics(mpath)
	require.NoError(t, err)
	assert.Equal(t, []metric.Record{{Index: 3, Metric: metric.NormVar, Value: 0.125}}, recs)

	opath := filepath.Join(dir, "a_offsets.csv")
	in := []register.Record{{Index: 0, DY: 1, DX: 2, Method: register.MethodPeak, Valid: true, Spread: 0, Windows: 1}}
	require.NoError(t, WriteOffsets(opath, in))
	out, err := ReadOffsets(opath)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = ReadOffsets(mpath)
	assert.True(t, errors.IsInput(err))

	_, err = ReadMetrics(filepath.Join(dir, "missing.csv"))
	assert.True(t, errors.IsIO(err))
}

func TestCubeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	a, _ := frame.FromRows([][]float64{{1, 2, 3}, {4, 5, 6}})
	b, _ := frame.FromRows([][]float64{{-1, math.NaN(), 0.5}, {7, 8, 9}})
	hdr := header.New(
		header.Card{Key: "U_CAMERA", Value: 2, Comment: "camera"},
		header.Card{Key: "OBJECT", Value: "HD 1160"},
		header.Card{Key: "PA", Value: 12.5},
	)
	c, err := frame.NewCube([]*frame.Frame{a, b}, hdr)
	require.NoError(t, err)

	path := filepath.Join(dir, "out", "cube_calib.fits")
	require.NoError(t, Save(path, c))

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 2, got.Len())
	rows, cols := got.Shape()
	assert.Equal(t, 2, rows)
	assert.Equal(t, 3, cols)
	assert.Equal(t, a.Data, got.Frames[0].Data)
	assert.True(t, math.IsNaN(got.Frames[1].Data[1]))
	assert.Equal(t, 2, got.Camera())
	obj, _ := got.Header.String("OBJECT")
	assert.Equal(t, "HD 1160", obj)
	pa, _ := got.Header.Float("PA")
	assert.Equal(t, 12.5, pa)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not linger")
}

func TestFrameRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x_collapsed.fits")
	f, _ := frame.FromRows([][]float64{{1, 2}, {3, 4}})
	require.NoError(t, SaveFrame(path, f, header.New(header.Card{Key: "NAXIS3", Value: 5})))
	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 1, got.Len())
	assert.Equal(t, f.Data, got.Frames[0].Data)
	assert.False(t, got.Header.Has("NAXIS3"))
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.fits"))
	assert.True(t, errors.IsIO(err))
}

func TestLoadHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.fits")
	a, _ := frame.FromRows([][]float64{{1, 2}, {3, 4}})
	c, err := frame.NewCube([]*frame.Frame{a, a.Clone(), a.Clone()}, header.New(header.Card{Key: "U_CAMERA", Value: 1}))
	require.NoError(t, err)
	require.NoError(t, Save(path, c))

	hdr, err := LoadHeader(path)
	require.NoError(t, err)
	cam, ok := hdr.Int("U_CAMERA")
	assert.True(t, ok)
	assert.Equal(t, 1, cam)
	n, _ := hdr.Int("NAXIS3")
	assert.Equal(t, 3, n)
}
