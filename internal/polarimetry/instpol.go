package polarimetry

import (
	"math"

	"cubered/internal/frame"
	"cubered/internal/geometry"
)

// InstPol is the fraction of I leaking into Q and U.
type InstPol struct {
	Q, U float64
}

// Apply subtracts the leakage: Q - pQ*I and U - pU*I.
func (p InstPol) Apply(s Stokes) Stokes {
	q := s.Q.Clone()
	u := s.U.Clone()
	for k, i := range s.I.Data {
		q.Data[k] -= p.Q * i
		u.Data[k] -= p.U * i
	}
	return Stokes{I: s.I, Q: q, U: u}
}

// Correction measures instrumental polarization with aperture photometry of
// X/I, at the frame center or on satellite spots.
type Correction struct {
	Radius float64
	// Center of the photometric aperture. Nil uses the frame center.
	Center *frame.Point
	// Spots are satellite-spot windows. Each aperture is centered on the
	// centroid of I inside its window. Empty measures at Center.
	Spots []geometry.Window
}

// Measure returns the IP coefficients of s.
func (c Correction) Measure(s Stokes) InstPol {
	centers := []frame.Point{s.I.Center()}
	if c.Center != nil {
		centers[0] = *c.Center
	}
	if len(c.Spots) > 0 {
		centers = centers[:0]
		for _, w := range c.Spots {
			p, ok := geometry.Cut(s.I, w).CenterOfMass()
			if !ok {
				p = w.Center
			}
			centers = append(centers, p)
		}
	}
	return InstPol{
		Q: apertureMean(s.I, s.Q, centers, c.Radius),
		U: apertureMean(s.I, s.U, centers, c.Radius),
	}
}

// apertureMean averages X/I inside each aperture, then over apertures.
// Non-finite ratios are skipped.
func apertureMean(i, x *frame.Frame, centers []frame.Point, radius float64) float64 {
	var total float64
	n := 0
	for _, c := range centers {
		var sum float64
		m := 0
		y0, y1 := int(math.Floor(c.Y-radius)), int(math.Ceil(c.Y+radius))
		x0, x1 := int(math.Floor(c.X-radius)), int(math.Ceil(c.X+radius))
		for y := max(y0, 0); y <= min(y1, i.Rows-1); y++ {
			for xx := max(x0, 0); xx <= min(x1, i.Cols-1); xx++ {
				if math.Hypot(float64(y)-c.Y, float64(xx)-c.X) > radius {
					continue
				}
				v := x.At(y, xx) / i.At(y, xx)
				if math.IsNaN(v) || math.IsInf(v, 0) {
					continue
				}
				sum += v
				m++
			}
		}
		if m > 0 {
			total += sum / float64(m)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}
