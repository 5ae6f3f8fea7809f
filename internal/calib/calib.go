// Package calib builds master calibration frames and applies them to raw cubes.
package calib

import (
	"log/slog"
	"math"

	"cubered/internal/errors"
	"cubered/internal/frame"
	"cubered/internal/header"
)

// TrimFrames is the number of leading frames discarded from every raw cube.
const TrimFrames = 2

// Masters holds the master frames for one camera. Either may be nil.
type Masters struct {
	Dark *frame.Frame
	Flat *frame.Frame
}

// Trim drops the leading TrimFrames frames. Cubes that would be left empty are
// rejected.
func Trim(c *frame.Cube) (*frame.Cube, error) {
	if c.Len() <= TrimFrames {
		return nil, errors.Inputf("trim", "cube has %d frames, need more than %d", c.Len(), TrimFrames)
	}
	frames := make([]*frame.Frame, c.Len()-TrimFrames)
	copy(frames, c.Frames[TrimFrames:])
	return &frame.Cube{Frames: frames, Header: c.Header.With("NAXIS3", len(frames), "")}, nil
}

// Combine median-collapses frames pixel by pixel, ignoring NaN.
func Combine(frames []*frame.Frame) (*frame.Frame, error) {
	return frame.Collapse(frames, frame.NanMedian)
}

// MasterDark trims and median-collapses each dark cube, then median-combines
// the collapsed frames.
func MasterDark(cubes []*frame.Cube) (*frame.Frame, error) {
	collapsed, err := collapseEach(cubes)
	if err != nil {
		return nil, err
	}
	return Combine(collapsed)
}

// MasterFlat builds a flat the same way as MasterDark, subtracting dark from
// each collapsed flat when it is non-nil, and normalizes the result to mean 1.
func MasterFlat(cubes []*frame.Cube, dark *frame.Frame) (*frame.Frame, error) {
	collapsed, err := collapseEach(cubes)
	if err != nil {
		return nil, err
	}
	if dark != nil {
		for i, f := range collapsed {
			if collapsed[i], err = f.Sub(dark); err != nil {
				return nil, err
			}
		}
	}
	flat, err := Combine(collapsed)
	if err != nil {
		return nil, err
	}
	mean := frame.NanMean(flat.Data)
	if mean == 0 || math.IsNaN(mean) {
		return nil, errors.Inputf("flat", "master flat has no usable signal")
	}
	return flat.Scale(1 / mean), nil
}

func collapseEach(cubes []*frame.Cube) ([]*frame.Frame, error) {
	if len(cubes) == 0 {
		return nil, errors.Inputf("master", "no calibration cubes")
	}
	out := make([]*frame.Frame, 0, len(cubes))
	for _, c := range cubes {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		trimmed, err := Trim(c)
		if err != nil {
			return nil, err
		}
		f, err := Combine(trimmed.Frames)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// Calibrate applies header fixing, trimming, dark subtraction, flat division
// and the camera-1 flip, in that order. The input cube is not modified.
func Calibrate(c *frame.Cube, m Masters, logger *slog.Logger) (*frame.Cube, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	rows, cols := c.Shape()
	hdr, warnings := header.Fix(c.Header.With("NAXIS1", cols, "").With("NAXIS2", rows, ""))
	for _, w := range warnings {
		logger.Warn("header fix", "issue", w)
	}
	trimmed, err := Trim(c.WithHeader(hdr))
	if err != nil {
		return nil, err
	}
	camera := trimmed.Camera()
	frames := make([]*frame.Frame, len(trimmed.Frames))
	for i, f := range trimmed.Frames {
		out := f
		if m.Dark != nil {
			if out, err = out.Sub(m.Dark); err != nil {
				return nil, errors.Inputf("calibrate", "frame %d: dark %s vs frame %s", i, m.Dark.Shape(), f.Shape())
			}
		}
		if m.Flat != nil {
			if out, err = out.Div(m.Flat); err != nil {
				return nil, errors.Inputf("calibrate", "frame %d: flat %s vs frame %s", i, m.Flat.Shape(), f.Shape())
			}
		}
		if camera == 1 {
			out = out.FlipRows()
		} else if out == f {
			out = f.Clone()
		}
		frames[i] = out
	}
	hdr = trimmed.Header.With("CALIB", true, "dark/flat corrected")
	return &frame.Cube{Frames: frames, Header: hdr}, nil
}

// FLC states produced by Deinterleave.
const (
	StateA = "A"
	StateB = "B"
)

// Deinterleave splits even-indexed frames into state A and odd-indexed frames
// into state B, preserving order.
func Deinterleave(c *frame.Cube) (a, b *frame.Cube, err error) {
	if c.Len() < 2 {
		return nil, nil, errors.Inputf("deinterleave", "cube has %d frames", c.Len())
	}
	var even, odd []*frame.Frame
	for i, f := range c.Frames {
		if i%2 == 0 {
			even = append(even, f)
		} else {
			odd = append(odd, f)
		}
	}
	a = &frame.Cube{Frames: even, Header: c.Header.With("U_FLC", StateA, "VAMPIRES FLC State").With("NAXIS3", len(even), "")}
	b = &frame.Cube{Frames: odd, Header: c.Header.With("U_FLC", StateB, "VAMPIRES FLC State").With("NAXIS3", len(odd), "")}
	return a, b, nil
}
