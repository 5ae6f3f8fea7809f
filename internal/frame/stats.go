package frame

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Finite returns the non-NaN, non-Inf samples of xs in a new slice.
func Finite(xs []float64) []float64 {
	out := make([]float64, 0, len(xs))
	for _, v := range xs {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}
	return out
}

// NanMedian returns the median of the finite samples, averaging the two middle
// values for even counts. It returns NaN when nothing is finite.
func NanMedian(xs []float64) float64 {
	v := Finite(xs)
	if len(v) == 0 {
		return math.NaN()
	}
	sort.Float64s(v)
	n := len(v)
	if n%2 == 1 {
		return v[n/2]
	}
	return (v[n/2-1] + v[n/2]) / 2
}

// NanMean returns the mean of the finite samples or NaN.
func NanMean(xs []float64) float64 {
	v := Finite(xs)
	if len(v) == 0 {
		return math.NaN()
	}
	return stat.Mean(v, nil)
}

// NanMax returns the largest finite sample or NaN.
func NanMax(xs []float64) float64 {
	v := Finite(xs)
	if len(v) == 0 {
		return math.NaN()
	}
	return floats.Max(v)
}

// NanSum returns the sum of the finite samples.
func NanSum(xs []float64) float64 {
	return floats.Sum(Finite(xs))
}

// NanPopVariance returns the population variance of the finite samples or NaN.
func NanPopVariance(xs []float64) float64 {
	v := Finite(xs)
	if len(v) == 0 {
		return math.NaN()
	}
	_, variance := stat.PopMeanVariance(v, nil)
	return variance
}

// Quantile returns the q-quantile of the finite samples using linear
// interpolation between closest ranks (h = (n-1)q).
func Quantile(xs []float64, q float64) float64 {
	v := Finite(xs)
	if len(v) == 0 {
		return math.NaN()
	}
	sort.Float64s(v)
	h := float64(len(v)-1) * q
	lo := math.Floor(h)
	i := int(lo)
	if i+1 >= len(v) {
		return v[len(v)-1]
	}
	return v[i] + (h-lo)*(v[i+1]-v[i])
}

// CollapseFunc reduces one pixel's time series to a single value.
type CollapseFunc func([]float64) float64

// Collapse applies fn per pixel along the time axis of frames.
func Collapse(frames []*Frame, fn CollapseFunc) (*Frame, error) {
	if len(frames) == 0 {
		return nil, errInputEmpty
	}
	c := &Cube{Frames: frames}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	out := New(frames[0].Rows, frames[0].Cols)
	series := make([]float64, len(frames))
	for i := range out.Data {
		for t, f := range frames {
			series[t] = f.Data[i]
		}
		out.Data[i] = fn(series)
	}
	return out, nil
}
