// Package geometry places PSF and satellite-spot windows on a frame.
package geometry

import (
	"math"

	"cubered/internal/errors"
	"cubered/internal/frame"
)

const (
	// DefaultSpotAngle is the position angle of the first satellite spot in degrees.
	DefaultSpotAngle = -4.0
	// DefaultSpotCount is the number of satellite spots.
	DefaultSpotCount = 4
)

// Window is one box on a frame. Bounds are half-open: [Y0, Y1) x [X0, X1).
// Center is the nominal position the box was placed around, which may lie
// outside the clipped bounds.
type Window struct {
	Center  frame.Point
	Y0, Y1  int
	X0, X1  int
	Clipped bool
}

// Rows returns the clipped height.
func (w Window) Rows() int { return w.Y1 - w.Y0 }

// Cols returns the clipped width.
func (w Window) Cols() int { return w.X1 - w.X0 }

// Empty reports whether clipping left no pixels.
func (w Window) Empty() bool { return w.Rows() <= 0 || w.Cols() <= 0 }

// FrameCenter returns ((rows-1)/2, (cols-1)/2).
func FrameCenter(rows, cols int) frame.Point { return frame.Center(rows, cols) }

// WindowCenters returns count spot centers at radius from center. Spot i sits at
// angle + i*360/count degrees, counter-clockwise from +x.
func WindowCenters(center frame.Point, radius, angleDeg float64, count int) []frame.Point {
	if count <= 0 {
		return nil
	}
	out := make([]frame.Point, count)
	step := 360.0 / float64(count)
	for i := range out {
		theta := (angleDeg + float64(i)*step) * math.Pi / 180
		out[i] = frame.Point{
			Y: center.Y + radius*math.Sin(theta),
			X: center.X + radius*math.Cos(theta),
		}
	}
	return out
}

// WindowSlices returns a size x size box around each center, clipped to a
// rows x cols frame. Boxes are never dropped; clipped ones are flagged.
func WindowSlices(centers []frame.Point, size, rows, cols int) ([]Window, error) {
	if size <= 0 {
		return nil, errors.Configf("window size must be positive, got %d", size)
	}
	out := make([]Window, 0, len(centers))
	for _, c := range centers {
		y0 := int(math.Round(c.Y - float64(size-1)/2))
		x0 := int(math.Round(c.X - float64(size-1)/2))
		w := Window{Center: c, Y0: y0, Y1: y0 + size, X0: x0, X1: x0 + size}
		w = clip(w, rows, cols)
		out = append(out, w)
	}
	return out, nil
}

// SingleWindow returns one box around center, used without a coronagraph.
func SingleWindow(center frame.Point, size, rows, cols int) ([]Window, error) {
	return WindowSlices([]frame.Point{center}, size, rows, cols)
}

// SpotWindows builds satellite-spot windows around center, or a single window
// when radius is zero.
func SpotWindows(center frame.Point, radius, angleDeg float64, count, size, rows, cols int) ([]Window, error) {
	if radius <= 0 {
		return SingleWindow(center, size, rows, cols)
	}
	return WindowSlices(WindowCenters(center, radius, angleDeg, count), size, rows, cols)
}

func clip(w Window, rows, cols int) Window {
	ny0, ny1 := clampInt(w.Y0, 0, rows), clampInt(w.Y1, 0, rows)
	nx0, nx1 := clampInt(w.X0, 0, cols), clampInt(w.X1, 0, cols)
	if ny0 != w.Y0 || ny1 != w.Y1 || nx0 != w.X0 || nx1 != w.X1 {
		w.Clipped = true
	}
	w.Y0, w.Y1, w.X0, w.X1 = ny0, ny1, nx0, nx1
	return w
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Cutout is a sub-frame extracted from a window with its origin in the parent frame.
type Cutout struct {
	*frame.Frame
	Y0, X0 int
}

// Cut extracts the window's pixels from f. Bounds are re-clipped against f, so
// it never fails; an empty window yields a 0x0 cutout.
func Cut(f *frame.Frame, w Window) Cutout {
	w = clip(w, f.Rows, f.Cols)
	if w.Empty() {
		return Cutout{Frame: frame.New(0, 0), Y0: w.Y0, X0: w.X0}
	}
	sub := frame.New(w.Rows(), w.Cols())
	for y := 0; y < sub.Rows; y++ {
		copy(sub.Data[y*sub.Cols:(y+1)*sub.Cols], f.Data[(w.Y0+y)*f.Cols+w.X0:(w.Y0+y)*f.Cols+w.X1])
	}
	return Cutout{Frame: sub, Y0: w.Y0, X0: w.X0}
}

// Local converts a parent-frame position to cutout coordinates.
func (c Cutout) Local(p frame.Point) frame.Point {
	return frame.Point{Y: p.Y - float64(c.Y0), X: p.X - float64(c.X0)}
}

// Global converts a cutout position to parent-frame coordinates.
func (c Cutout) Global(p frame.Point) frame.Point {
	return frame.Point{Y: p.Y + float64(c.Y0), X: p.X + float64(c.X0)}
}

// CameraCenter applies the camera-1 vertical flip to a configured center so it
// matches calibrated (flipped) frames.
func CameraCenter(center frame.Point, camera, rows int) frame.Point {
	if camera == 1 {
		return frame.Point{Y: float64(rows-1) - center.Y, X: center.X}
	}
	return center
}

// Peak returns the parent-frame position of the brightest finite pixel.
func (c Cutout) Peak() (frame.Point, bool) {
	best := math.Inf(-1)
	var at frame.Point
	found := false
	for y := 0; y < c.Rows; y++ {
		for x := 0; x < c.Cols; x++ {
			v := c.At(y, x)
			if math.IsNaN(v) || v <= best {
				continue
			}
			best, found = v, true
			at = frame.Point{Y: float64(y), X: float64(x)}
		}
	}
	if !found {
		return frame.Point{}, false
	}
	return c.Global(at), true
}

// CenterOfMass returns the parent-frame intensity-weighted centroid of the
// finite pixels. It fails when the total weight is not positive.
func (c Cutout) CenterOfMass() (frame.Point, bool) {
	var sum, sy, sx float64
	for y := 0; y < c.Rows; y++ {
		for x := 0; x < c.Cols; x++ {
			v := c.At(y, x)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			sum += v
			sy += v * float64(y)
			sx += v * float64(x)
		}
	}
	if sum <= 0 || math.IsNaN(sum) {
		return frame.Point{}, false
	}
	return c.Global(frame.Point{Y: sy / sum, X: sx / sum}), true
}
