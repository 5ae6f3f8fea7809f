// Package frame holds the pixel containers passed between reduction stages.
package frame

import (
	"fmt"
	"math"

	"cubered/internal/errors"
	"cubered/internal/header"
)

var errInputEmpty = errors.Inputf("collapse", "no frames")

// Point is a sub-pixel position in (y, x) order, matching row/column indexing.
type Point struct {
	Y float64
	X float64
}

// Add returns p + q.
func (p Point) Add(q Point) Point { return Point{Y: p.Y + q.Y, X: p.X + q.X} }

// Sub returns p - q.
func (p Point) Sub(q Point) Point { return Point{Y: p.Y - q.Y, X: p.X - q.X} }

// Frame is a row-major 2-D grid of samples. NaN marks a missing sample.
type Frame struct {
	Rows int
	Cols int
	Data []float64
}

// New allocates a zeroed frame.
func New(rows, cols int) *Frame {
	return &Frame{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
}

// FromRows builds a frame from nested rows. All rows must have equal length.
func FromRows(rows [][]float64) (*Frame, error) {
	if len(rows) == 0 {
		return New(0, 0), nil
	}
	f := New(len(rows), len(rows[0]))
	for y, row := range rows {
		if len(row) != f.Cols {
			return nil, errors.Inputf("frame", "row %d has %d samples, expected %d", y, len(row), f.Cols)
		}
		copy(f.Data[y*f.Cols:], row)
	}
	return f, nil
}

// At returns the sample at (y, x).
func (f *Frame) At(y, x int) float64 { return f.Data[y*f.Cols+x] }

// Set stores v at (y, x).
func (f *Frame) Set(y, x int, v float64) { f.Data[y*f.Cols+x] = v }

// Clone returns a deep copy.
func (f *Frame) Clone() *Frame {
	out := &Frame{Rows: f.Rows, Cols: f.Cols, Data: make([]float64, len(f.Data))}
	copy(out.Data, f.Data)
	return out
}

// SameShape reports whether f and g have identical dimensions.
func (f *Frame) SameShape(g *Frame) bool { return f.Rows == g.Rows && f.Cols == g.Cols }

// Shape formats the dimensions as rows x cols.
func (f *Frame) Shape() string { return fmt.Sprintf("%dx%d", f.Rows, f.Cols) }

// Center returns the geometric center ((rows-1)/2, (cols-1)/2).
func (f *Frame) Center() Point { return Center(f.Rows, f.Cols) }

// Center returns the geometric center of a rows x cols grid.
func Center(rows, cols int) Point {
	return Point{Y: float64(rows-1) / 2, X: float64(cols-1) / 2}
}

// FlipRows returns a copy mirrored top-to-bottom.
func (f *Frame) FlipRows() *Frame {
	out := New(f.Rows, f.Cols)
	for y := 0; y < f.Rows; y++ {
		copy(out.Data[y*f.Cols:(y+1)*f.Cols], f.Data[(f.Rows-1-y)*f.Cols:(f.Rows-y)*f.Cols])
	}
	return out
}

// Sub returns f - g elementwise.
func (f *Frame) Sub(g *Frame) (*Frame, error) {
	if !f.SameShape(g) {
		return nil, errors.Inputf("subtract", "shape mismatch %s vs %s", f.Shape(), g.Shape())
	}
	out := f.Clone()
	for i, v := range g.Data {
		out.Data[i] -= v
	}
	return out, nil
}

// Div returns f / g elementwise. Division by zero yields NaN.
func (f *Frame) Div(g *Frame) (*Frame, error) {
	if !f.SameShape(g) {
		return nil, errors.Inputf("divide", "shape mismatch %s vs %s", f.Shape(), g.Shape())
	}
	out := f.Clone()
	for i, v := range g.Data {
		if v == 0 {
			out.Data[i] = math.NaN()
			continue
		}
		out.Data[i] /= v
	}
	return out, nil
}

// Scale returns f * k.
func (f *Frame) Scale(k float64) *Frame {
	out := f.Clone()
	for i := range out.Data {
		out.Data[i] *= k
	}
	return out
}

// Cube is a temporally ordered stack of equally shaped frames from one acquisition.
type Cube struct {
	Frames []*Frame
	Header header.Header
}

// NewCube validates that all frames share one shape.
func NewCube(frames []*Frame, hdr header.Header) (*Cube, error) {
	c := &Cube{Frames: frames, Header: hdr}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate reports an input error when a frame is missing, its samples do not
// fill its shape, or frames differ in shape.
func (c *Cube) Validate() error {
	if len(c.Frames) == 0 {
		return nil
	}
	first := c.Frames[0]
	for i, f := range c.Frames {
		if f == nil {
			return errors.Inputf("cube", "frame %d is missing", i)
		}
		if len(f.Data) != f.Rows*f.Cols {
			return errors.Inputf("cube", "frame %d has %d samples for shape %s", i, len(f.Data), f.Shape())
		}
		if !f.SameShape(first) {
			return errors.Inputf("cube", "frame %d has shape %s, frame 0 has %s", i, f.Shape(), first.Shape())
		}
	}
	return nil
}

// Len returns the number of frames.
func (c *Cube) Len() int { return len(c.Frames) }

// Shape returns the per-frame dimensions, or zeros for an empty cube.
func (c *Cube) Shape() (rows, cols int) {
	if len(c.Frames) == 0 {
		return 0, 0
	}
	return c.Frames[0].Rows, c.Frames[0].Cols
}

// Camera returns the camera number from the header (U_CAMERA), or 0 when unknown.
func (c *Cube) Camera() int {
	v, ok := c.Header.Int("U_CAMERA")
	if !ok {
		return 0
	}
	return v
}

// Select returns a cube holding only the frames at the given indices, in order.
func (c *Cube) Select(indices []int) *Cube {
	frames := make([]*Frame, 0, len(indices))
	for _, i := range indices {
		frames = append(frames, c.Frames[i])
	}
	return &Cube{Frames: frames, Header: c.Header}
}

// WithHeader returns a shallow copy of c carrying hdr.
func (c *Cube) WithHeader(hdr header.Header) *Cube {
	return &Cube{Frames: c.Frames, Header: hdr}
}
