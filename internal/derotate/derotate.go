// Package derotate rotates frames to a common sky orientation.
package derotate

import (
	"math"

	"cubered/internal/errors"
	"cubered/internal/frame"
	"cubered/internal/header"
)

// DefaultPupilOffset is added to the parallactic angle to obtain the derotation angle.
const DefaultPupilOffset = header.PupilOffset

// Frame rotates f by angle degrees about center. Positive angles turn the image
// counter-clockwise as displayed with row 0 at the top: a point left of center
// ends up below it after +90. Output samples whose source lies outside f are NaN.
func Frame(f *frame.Frame, angle float64, center frame.Point) *frame.Frame {
	out := frame.New(f.Rows, f.Cols)
	theta := angle * math.Pi / 180
	sin, cos := math.Sincos(theta)
	for y := 0; y < f.Rows; y++ {
		dy := float64(y) - center.Y
		for x := 0; x < f.Cols; x++ {
			dx := float64(x) - center.X
			sy := center.Y + cos*dy + sin*dx
			sx := center.X - sin*dy + cos*dx
			out.Set(y, x, bicubic(f, sy, sx))
		}
	}
	return out
}

// Angle returns the derotation angle for a header, PA + pupilOffset.
func Angle(hdr header.Header, pupilOffset float64) (float64, error) {
	pa, ok := hdr.Float("PA")
	if !ok {
		return 0, errors.Inputf("derotate", "header has no PA")
	}
	return header.DerotationAngle(pa, pupilOffset), nil
}

// Cube rotates every frame of c by the matching angle about the frame center.
func Cube(c *frame.Cube, angles []float64) (*frame.Cube, error) {
	if len(angles) != c.Len() {
		return nil, errors.Inputf("derotate", "%d angles for %d frames", len(angles), c.Len())
	}
	frames := make([]*frame.Frame, c.Len())
	for i, f := range c.Frames {
		frames[i] = Frame(f, angles[i], f.Center())
	}
	return &frame.Cube{Frames: frames, Header: c.Header}, nil
}

// Collapsed rotates a coadded frame using the angle derived from its header and
// records the angle as DEROTANG.
func Collapsed(f *frame.Frame, hdr header.Header, pupilOffset float64) (*frame.Frame, header.Header, error) {
	angle, err := Angle(hdr, pupilOffset)
	if err != nil {
		return nil, hdr, err
	}
	out := Frame(f, angle, f.Center())
	return out, hdr.With("DEROTANG", angle, "[deg] derotation angle (PA + pupil offset)"), nil
}

func bicubic(f *frame.Frame, y, x float64) float64 {
	if y < -0.5 || x < -0.5 || y > float64(f.Rows)-0.5 || x > float64(f.Cols)-0.5 {
		return math.NaN()
	}
	y0 := math.Floor(y)
	x0 := math.Floor(x)
	ty := y - y0
	tx := x - x0
	wy := catmullRom(ty)
	wx := catmullRom(tx)
	iy, ix := int(y0), int(x0)
	var sum float64
	for j := 0; j < 4; j++ {
		if wy[j] == 0 {
			continue
		}
		row := clamp(iy-1+j, f.Rows)
		var rs float64
		for i := 0; i < 4; i++ {
			if wx[i] == 0 {
				continue
			}
			rs += wx[i] * f.At(row, clamp(ix-1+i, f.Cols))
		}
		sum += wy[j] * rs
	}
	return sum
}

// catmullRom returns the four tap weights for fractional offset t in [0, 1).
func catmullRom(t float64) [4]float64 {
	t2 := t * t
	t3 := t2 * t
	return [4]float64{
		0.5 * (-t3 + 2*t2 - t),
		0.5 * (3*t3 - 5*t2 + 2),
		0.5 * (-3*t3 + 4*t2 + t),
		0.5 * (t3 - t2),
	}
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
