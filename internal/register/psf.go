package register

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/optimize"

	"cubered/internal/errors"
	"cubered/internal/frame"
	"cubered/internal/geometry"
)

// airyZero is the first zero of J1 divided by pi.
const airyZero = 1.2196698912665045

// Model is an analytic PSF profile evaluated at squared radius r2. p holds the
// model's shape parameters after amplitude, center and background.
type Model struct {
	Name   string
	Shape  []float64
	Eval   func(r2 float64, shape []float64) float64
	Bounds func(shape []float64) bool
}

// Gaussian is a circular Gaussian with width sigma.
var Gaussian = Model{
	Name:  string(MethodGaussian),
	Shape: []float64{2},
	Eval: func(r2 float64, s []float64) float64 {
		return math.Exp(-r2 / (2 * s[0] * s[0]))
	},
	Bounds: func(s []float64) bool { return s[0] > 0.1 },
}

// Moffat is a circular Moffat profile with core width alpha and power beta.
var Moffat = Model{
	Name:  string(MethodMoffat),
	Shape: []float64{3, 2},
	Eval: func(r2 float64, s []float64) float64 {
		return math.Pow(1+r2/(s[0]*s[0]), -s[1])
	},
	Bounds: func(s []float64) bool { return s[0] > 0.1 && s[1] > 0.1 },
}

// Airy is an Airy disk whose first dark ring lies at the given radius.
var Airy = Model{
	Name:  string(MethodAiry),
	Shape: []float64{3},
	Eval: func(r2 float64, s []float64) float64 {
		if r2 == 0 {
			return 1
		}
		z := math.Pi * math.Sqrt(r2) / (s[0] / airyZero)
		v := 2 * math.J1(z) / z
		return v * v
	},
	Bounds: func(s []float64) bool { return s[0] > 0.1 },
}

// Fit estimates the PSF center by least-squares fitting Model plus a constant
// background inside the window.
type Fit struct {
	Model Model
}

func (f Fit) Method() Method { return Method(f.Model.Name) }

// EstimateOffset implements Estimator. Non-convergence, non-finite parameters
// or a center outside the window yield a fit convergence error.
func (f Fit) EstimateOffset(fr *frame.Frame, w geometry.Window) (Offset, error) {
	cut := geometry.Cut(fr, w)
	c, err := FitCenter(cut, f.Model)
	if err != nil {
		return Offset{}, err
	}
	return Offset{DY: c.Y - w.Center.Y, DX: c.X - w.Center.X}, nil
}

// FitCenter returns the fitted center of cut in parent-frame coordinates.
func FitCenter(cut geometry.Cutout, m Model) (frame.Point, error) {
	finite := frame.Finite(cut.Data)
	if len(finite) < len(m.Shape)+4 {
		return frame.Point{}, errors.FitConvergence(m.Name, fmt.Errorf("only %d finite samples", len(finite)))
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range finite {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	scale := hi - lo
	if scale <= 0 {
		return frame.Point{}, errors.FitConvergence(m.Name, fmt.Errorf("flat window"))
	}

	start, ok := cut.Peak()
	if !ok {
		return frame.Point{}, errors.FitConvergence(m.Name, fmt.Errorf("no peak"))
	}
	local := cut.Local(start)

	// x = [amplitude, y0, x0, background, shape...], data normalized to [0, 1]
	init := append([]float64{1, local.Y, local.X, 0}, m.Shape...)
	cost := func(x []float64) float64 {
		shape := x[4:]
		if !m.Bounds(shape) {
			return math.Inf(1)
		}
		var sse float64
		for y := 0; y < cut.Rows; y++ {
			dy := float64(y) - x[1]
			for xx := 0; xx < cut.Cols; xx++ {
				v := cut.At(y, xx)
				if math.IsNaN(v) || math.IsInf(v, 0) {
					continue
				}
				dx := float64(xx) - x[2]
				model := x[0]*m.Eval(dy*dy+dx*dx, shape) + x[3]
				r := model - (v-lo)/scale
				sse += r * r
			}
		}
		return sse
	}

	res, err := optimize.Minimize(
		optimize.Problem{Func: cost},
		init,
		&optimize.Settings{
			MajorIterations: 4000,
			Converger:       &optimize.FunctionConverge{Absolute: 1e-12, Relative: 1e-12, Iterations: 200},
		},
		&optimize.NelderMead{SimplexSize: 0.5},
	)
	if err != nil {
		return frame.Point{}, errors.FitConvergence(m.Name, err)
	}
	switch res.Status {
	case optimize.IterationLimit, optimize.FunctionEvaluationLimit, optimize.RuntimeLimit, optimize.Failure:
		return frame.Point{}, errors.FitConvergence(m.Name, fmt.Errorf("status %v", res.Status))
	}
	for _, v := range res.X {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return frame.Point{}, errors.FitConvergence(m.Name, fmt.Errorf("non-finite parameters"))
		}
	}
	cy, cx := res.X[1], res.X[2]
	if cy < -0.5 || cx < -0.5 || cy > float64(cut.Rows)-0.5 || cx > float64(cut.Cols)-0.5 {
		return frame.Point{}, errors.FitConvergence(m.Name, fmt.Errorf("center (%.2f, %.2f) outside window", cy, cx))
	}
	if res.X[0] <= 0 {
		return frame.Point{}, errors.FitConvergence(m.Name, fmt.Errorf("non-positive amplitude"))
	}
	return cut.Global(frame.Point{Y: cy, X: cx}), nil
}
