package metric

import (
	"math"

	"cubered/internal/frame"
	"cubered/internal/geometry"
)

// WindowStats are diagnostic statistics of one window in one frame.
type WindowStats struct {
	Frame  int
	Window int
	Max    float64
	Sum    float64
	Mean   float64
	Median float64
	Var    float64
	NVar   float64
	PeakY  float64
	PeakX  float64
	ComY   float64
	ComX   float64
}

// Stats computes WindowStats for every frame and window of c. Missing values
// (no finite samples, non-positive weight) are NaN.
func Stats(c *frame.Cube, windows []geometry.Window) []WindowStats {
	out := make([]WindowStats, 0, len(c.Frames)*len(windows))
	for i, f := range c.Frames {
		for j, w := range windows {
			cut := geometry.Cut(f, w)
			s := WindowStats{
				Frame:  i,
				Window: j,
				Max:    frame.NanMax(cut.Data),
				Sum:    frame.NanSum(cut.Data),
				Mean:   frame.NanMean(cut.Data),
				Median: frame.NanMedian(cut.Data),
				Var:    frame.NanPopVariance(cut.Data),
				PeakY:  math.NaN(),
				PeakX:  math.NaN(),
				ComY:   math.NaN(),
				ComX:   math.NaN(),
			}
			s.NVar = math.NaN()
			if s.Mean != 0 {
				s.NVar = s.Var / s.Mean
			}
			if p, ok := cut.Peak(); ok {
				s.PeakY, s.PeakX = p.Y, p.X
			}
			if p, ok := cut.CenterOfMass(); ok {
				s.ComY, s.ComX = p.Y, p.X
			}
			out = append(out, s)
		}
	}
	return out
}
