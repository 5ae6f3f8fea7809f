// Package register estimates sub-pixel frame offsets and aligns cubes.
package register

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"cubered/internal/errors"
	"cubered/internal/frame"
	"cubered/internal/geometry"
)

// Method names an offset estimation algorithm.
type Method string

const (
	MethodPeak     Method = "peak"
	MethodCOM      Method = "com"
	MethodDFT      Method = "dft"
	MethodMoffat   Method = "moffat"
	MethodGaussian Method = "gaussian"
	MethodAiry     Method = "airydisk"
)

// IsFit reports whether the method fits an analytic PSF model, so a missing
// window means the fit did not converge.
func (m Method) IsFit() bool {
	return m == MethodMoffat || m == MethodGaussian || m == MethodAiry
}

// Offset is the displacement of a PSF from its expected position.
type Offset struct {
	DY float64
	DX float64
}

// Estimator measures one window of one frame.
type Estimator interface {
	Method() Method
	EstimateOffset(f *frame.Frame, w geometry.Window) (Offset, error)
}

// Preparer is implemented by estimators that need to see the whole cube first.
type Preparer interface {
	Prepare(c *frame.Cube, windows []geometry.Window) error
}

// Options configure estimator construction.
type Options struct {
	UpsampleFactor  int
	ReferenceMethod string
}

var registry = map[Method]func(Options) Estimator{
	MethodPeak:     func(Options) Estimator { return Peak{} },
	MethodCOM:      func(Options) Estimator { return CenterOfMass{} },
	MethodDFT:      func(o Options) Estimator { return NewDFT(o.UpsampleFactor, o.ReferenceMethod) },
	MethodMoffat:   func(Options) Estimator { return Fit{Model: Moffat} },
	MethodGaussian: func(Options) Estimator { return Fit{Model: Gaussian} },
	MethodAiry:     func(Options) Estimator { return Fit{Model: Airy} },
}

// Methods returns the registered method names, sorted.
func Methods() []Method {
	out := make([]Method, 0, len(registry))
	for m := range registry {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseMethod validates a method name.
func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := registry[m]; !ok {
		return "", errors.Configf("unknown registration method %q", s)
	}
	return m, nil
}

// DefaultMethod is com for satellite-spot data and peak otherwise.
func DefaultMethod(satelliteSpots bool) Method {
	if satelliteSpots {
		return MethodCOM
	}
	return MethodPeak
}

// New constructs the estimator for m.
func New(m Method, o Options) (Estimator, error) {
	ctor, ok := registry[m]
	if !ok {
		return nil, errors.Configf("unknown registration method %q", m)
	}
	return ctor(o), nil
}

// Peak locates the brightest pixel.
type Peak struct{}

func (Peak) Method() Method { return MethodPeak }

func (Peak) EstimateOffset(f *frame.Frame, w geometry.Window) (Offset, error) {
	p, ok := geometry.Cut(f, w).Peak()
	if !ok {
		return Offset{}, errors.Inputf("peak", "window has no finite samples")
	}
	return Offset{DY: p.Y - w.Center.Y, DX: p.X - w.Center.X}, nil
}

// CenterOfMass uses the intensity-weighted centroid.
type CenterOfMass struct{}

func (CenterOfMass) Method() Method { return MethodCOM }

func (CenterOfMass) EstimateOffset(f *frame.Frame, w geometry.Window) (Offset, error) {
	p, ok := geometry.Cut(f, w).CenterOfMass()
	if !ok {
		return Offset{}, errors.Inputf("com", "window has no positive flux")
	}
	return Offset{DY: p.Y - w.Center.Y, DX: p.X - w.Center.X}, nil
}

// Record is the combined offset of one frame.
type Record struct {
	Index      int
	DY, DX     float64
	Method     Method
	Valid      bool
	Spread     float64
	Windows    int
	Discordant bool
}

// MeasureOptions control multi-window combination.
type MeasureOptions struct {
	// SpreadThreshold flags frames whose per-window RMS spread exceeds it. 0 disables.
	SpreadThreshold float64
	Logger          *slog.Logger
}

// Measure estimates the offset of every frame, averaging the valid windows.
// A frame whose windows all fail is recorded invalid rather than zero.
func Measure(ctx context.Context, c *frame.Cube, windows []geometry.Window, est Estimator, opts MeasureOptions) ([]Record, error) {
	if len(windows) == 0 {
		return nil, errors.Inputf("register", "no windows")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if p, ok := est.(Preparer); ok {
		if err := p.Prepare(c, windows); err != nil {
			return nil, err
		}
	}
	out := make([]Record, c.Len())
	for i, f := range c.Frames {
		if err := ctx.Err(); err != nil {
			return nil, errors.Cancelled("register", err)
		}
		var offs []Offset
		for j, w := range windows {
			o, err := est.EstimateOffset(f, w)
			if err != nil {
				if errors.IsConfiguration(err) {
					return nil, err
				}
				logger.Debug("window offset failed", "frame", i, "window", j, "method", est.Method(), "error", err)
				continue
			}
			offs = append(offs, o)
		}
		rec := Record{Index: i, Method: est.Method(), Windows: len(offs), DY: math.NaN(), DX: math.NaN(), Spread: math.NaN()}
		if len(offs) > 0 {
			rec.Valid = true
			rec.DY, rec.DX, rec.Spread = combine(offs)
			if opts.SpreadThreshold > 0 && rec.Spread > opts.SpreadThreshold {
				rec.Discordant = true
				logger.Warn("discordant window offsets", "frame", i, "spread", rec.Spread, "threshold", opts.SpreadThreshold)
			}
		} else {
			logger.Warn("no valid window offsets", "frame", i, "method", est.Method())
		}
		out[i] = rec
	}
	return out, nil
}

func combine(offs []Offset) (dy, dx, spread float64) {
	for _, o := range offs {
		dy += o.DY
		dx += o.DX
	}
	n := float64(len(offs))
	dy /= n
	dx /= n
	for _, o := range offs {
		spread += (o.DY-dy)*(o.DY-dy) + (o.DX-dx)*(o.DX-dx)
	}
	return dy, dx, math.Sqrt(spread / n)
}

// Register shifts every valid frame by the negative of its offset. Invalid
// frames are dropped and their indices returned. The output keeps frame shape.
func Register(c *frame.Cube, records []Record) (*frame.Cube, []int, error) {
	if len(records) != c.Len() {
		return nil, nil, errors.Inputf("register", "%d offsets for %d frames", len(records), c.Len())
	}
	var dropped []int
	frames := make([]*frame.Frame, 0, c.Len())
	for i, f := range c.Frames {
		r := records[i]
		if !r.Valid || math.IsNaN(r.DY) || math.IsNaN(r.DX) {
			dropped = append(dropped, i)
			continue
		}
		frames = append(frames, Shift(f, -r.DY, -r.DX))
	}
	if len(frames) == 0 {
		return nil, dropped, errors.Inputf("register", "no frame has a valid offset")
	}
	hdr := c.Header.With("NAXIS3", len(frames), "")
	if len(records) > 0 {
		hdr = hdr.With("REGMETH", string(records[0].Method), "registration method")
	}
	if len(dropped) > 0 {
		hdr = hdr.With("REGDROP", len(dropped), "frames without a valid offset")
	}
	return &frame.Cube{Frames: frames, Header: hdr}, dropped, nil
}

// String formats a record for logs.
func (r Record) String() string {
	if !r.Valid {
		return fmt.Sprintf("frame %d: invalid", r.Index)
	}
	return fmt.Sprintf("frame %d: dy=%.3f dx=%.3f spread=%.3f", r.Index, r.DY, r.DX, r.Spread)
}
