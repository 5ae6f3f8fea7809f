// Package metric scores frames inside PSF windows and selects the best ones.
package metric

import (
	"math"
	"strings"

	"cubered/internal/errors"
	"cubered/internal/frame"
	"cubered/internal/geometry"
)

// Kind names a quality metric.
type Kind string

const (
	Max     Kind = "max"
	L2Norm  Kind = "l2norm"
	NormVar Kind = "normvar"
)

// Kinds lists every supported metric.
var Kinds = []Kind{Max, L2Norm, NormVar}

// ParseKind validates a metric name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", errors.Configf("unknown frame selection metric %q", s)
}

// Record is one frame's score.
type Record struct {
	Index  int
	Metric Kind
	Value  float64
}

func score(samples []float64, kind Kind) float64 {
	v := frame.Finite(samples)
	if len(v) == 0 {
		return math.NaN()
	}
	switch kind {
	case Max:
		return frame.NanMax(v)
	case L2Norm:
		s := 0.0
		for _, x := range v {
			s += x * x
		}
		return math.Sqrt(s)
	case NormVar:
		mean := frame.NanMean(v)
		if mean == 0 {
			return math.NaN()
		}
		return frame.NanPopVariance(v) / mean
	}
	return math.NaN()
}

// Measure returns the mean score over windows. Windows without finite samples
// are skipped.
func Measure(f *frame.Frame, windows []geometry.Window, kind Kind) (float64, error) {
	var sum float64
	var n int
	for _, w := range windows {
		c := geometry.Cut(f, w)
		s := score(c.Data, kind)
		if math.IsNaN(s) {
			continue
		}
		sum += s
		n++
	}
	if n == 0 {
		return math.NaN(), errors.Inputf("metric", "no window has finite samples")
	}
	return sum / float64(n), nil
}

// MeasureCube scores every frame in order. A frame with no usable window is
// recorded as NaN rather than failing the cube.
func MeasureCube(c *frame.Cube, windows []geometry.Window, kind Kind) ([]Record, error) {
	if len(windows) == 0 {
		return nil, errors.Inputf("metric", "no windows")
	}
	out := make([]Record, len(c.Frames))
	usable := 0
	for i, f := range c.Frames {
		v, err := Measure(f, windows, kind)
		if err == nil {
			usable++
		}
		out[i] = Record{Index: i, Metric: kind, Value: v}
	}
	if usable == 0 && len(c.Frames) > 0 {
		return nil, errors.Inputf("metric", "no frame has finite samples in any window")
	}
	return out, nil
}

// Select returns the indices of frames whose value is at least the q-quantile
// of the finite values. q == 0 keeps every frame.
func Select(records []Record, q float64) ([]int, error) {
	if q < 0 || q >= 1 || math.IsNaN(q) {
		return nil, errors.Configf("frame selection quantile must be in [0, 1), got %v", q)
	}
	keep := make([]int, 0, len(records))
	if q == 0 {
		for _, r := range records {
			keep = append(keep, r.Index)
		}
		return keep, nil
	}
	values := make([]float64, len(records))
	for i, r := range records {
		values[i] = r.Value
	}
	cutoff := frame.Quantile(values, q)
	for _, r := range records {
		if !math.IsNaN(r.Value) && r.Value >= cutoff {
			keep = append(keep, r.Index)
		}
	}
	return keep, nil
}
