package register

import (
	"math"
	"math/cmplx"

	"cubered/internal/errors"
	"cubered/internal/frame"
	"cubered/internal/geometry"
)

// DefaultUpsampleFactor is the DFT refinement factor used when none is configured.
const DefaultUpsampleFactor = 10

// Reference selection for DFT registration.
const (
	RefFirst = "first"
	RefMean  = "mean"
	RefCOM   = "com"
)

// ParseReference validates a reference method name.
func ParseReference(s string) (string, error) {
	switch s {
	case "", RefFirst:
		return RefFirst, nil
	case RefMean, RefCOM:
		return s, nil
	}
	return "", errors.Configf("unknown dft reference method %q", s)
}

// CrossCorrelate returns the (dy, dx) translation that registers moving onto
// reference, refined to 1/upsample pixel with a matrix-multiply DFT around the
// coarse peak. Both frames must share a shape.
func CrossCorrelate(reference, moving *frame.Frame, upsample int) (float64, float64, error) {
	if !reference.SameShape(moving) {
		return 0, 0, errors.Inputf("dft", "reference %s vs moving %s", reference.Shape(), moving.Shape())
	}
	if reference.Rows == 0 || reference.Cols == 0 {
		return 0, 0, errors.Inputf("dft", "empty cutout")
	}
	if upsample < 1 {
		return 0, 0, errors.Configf("upsample factor must be >= 1, got %d", upsample)
	}
	rows, cols := reference.Rows, reference.Cols

	src := toSpectrum(reference)
	src.fft2(false)
	dst := toSpectrum(moving)
	dst.fft2(false)

	product := &spectrum{rows: rows, cols: cols, data: make([]complex128, rows*cols)}
	for i := range product.data {
		product.data[i] = src.data[i] * cmplx.Conj(dst.data[i])
	}

	corr := &spectrum{rows: rows, cols: cols, data: append([]complex128(nil), product.data...)}
	corr.fft2(true)
	best, at := -1.0, 0
	for i, v := range corr.data {
		if a := cmplx.Abs(v); a > best {
			best, at = a, i
		}
	}
	sy, sx := float64(at/cols), float64(at%cols)
	if sy > float64(rows/2) {
		sy -= float64(rows)
	}
	if sx > float64(cols/2) {
		sx -= float64(cols)
	}
	if upsample == 1 {
		return sy, sx, nil
	}

	up := float64(upsample)
	sy = math.Round(sy*up) / up
	sx = math.Round(sx*up) / up
	region := int(math.Ceil(up * 1.5))
	dftshift := math.Trunc(float64(region) / 2)
	offY := dftshift - sy*up
	offX := dftshift - sx*up

	fine := upsampledCorrelation(product, region, up, offY, offX)
	best, at = -1.0, 0
	for i, v := range fine {
		if a := cmplx.Abs(v); a > best {
			best, at = a, i
		}
	}
	py := float64(at/region) - dftshift
	px := float64(at%region) - dftshift
	return sy + py/up, sx + px/up, nil
}

// upsampledCorrelation evaluates the inverse DFT of product on a region x region
// grid with spacing 1/up, starting at the given offsets.
func upsampledCorrelation(product *spectrum, region int, up, offY, offX float64) []complex128 {
	rows, cols := product.rows, product.cols
	fy := fftfreq(rows, up)
	fx := fftfreq(cols, up)

	// along x: tmp[r][b] = sum_c product[r][c] * exp(+i2pi (b-offX) fx[c])
	tmp := make([]complex128, rows*region)
	kx := make([]complex128, region*cols)
	for b := 0; b < region; b++ {
		for c := 0; c < cols; c++ {
			kx[b*cols+c] = cmplx.Exp(complex(0, 2*math.Pi*(float64(b)-offX)*fx[c]))
		}
	}
	for r := 0; r < rows; r++ {
		row := product.data[r*cols : (r+1)*cols]
		for b := 0; b < region; b++ {
			var s complex128
			k := kx[b*cols : (b+1)*cols]
			for c, v := range row {
				s += v * k[c]
			}
			tmp[r*region+b] = s
		}
	}

	out := make([]complex128, region*region)
	for a := 0; a < region; a++ {
		ky := make([]complex128, rows)
		for r := 0; r < rows; r++ {
			ky[r] = cmplx.Exp(complex(0, 2*math.Pi*(float64(a)-offY)*fy[r]))
		}
		for b := 0; b < region; b++ {
			var s complex128
			for r := 0; r < rows; r++ {
				s += ky[r] * tmp[r*region+b]
			}
			out[a*region+b] = s
		}
	}
	return out
}

// DFT estimates offsets by cross-correlating each window against a reference
// cutout prepared from the cube.
type DFT struct {
	Upsample  int
	Reference string

	refs map[geometry.Window]*frame.Frame
}

// NewDFT returns a DFT estimator with defaults applied.
func NewDFT(upsample int, reference string) *DFT {
	if upsample <= 0 {
		upsample = DefaultUpsampleFactor
	}
	if reference == "" {
		reference = RefFirst
	}
	return &DFT{Upsample: upsample, Reference: reference}
}

// Method implements Estimator.
func (d *DFT) Method() Method { return MethodDFT }

// Prepare selects the reference cutout for every window.
func (d *DFT) Prepare(c *frame.Cube, windows []geometry.Window) error {
	if c.Len() == 0 {
		return errors.Inputf("dft", "empty cube")
	}
	d.refs = make(map[geometry.Window]*frame.Frame, len(windows))
	for _, w := range windows {
		cuts := make([]*frame.Frame, c.Len())
		for i, f := range c.Frames {
			cuts[i] = geometry.Cut(f, w).Frame
		}
		var ref *frame.Frame
		switch d.Reference {
		case RefFirst, "":
			ref = cuts[0]
		case RefMean:
			m, err := frame.Collapse(cuts, frame.NanMean)
			if err != nil {
				return err
			}
			ref = m
		case RefCOM:
			ref = cuts[closestToMeanCentroid(cuts)]
		default:
			return errors.Configf("unknown dft reference method %q", d.Reference)
		}
		d.refs[w] = ref
	}
	return nil
}

func closestToMeanCentroid(cuts []*frame.Frame) int {
	centers := make([]frame.Point, len(cuts))
	ok := make([]bool, len(cuts))
	var mean frame.Point
	n := 0
	for i, c := range cuts {
		p, good := geometry.Cutout{Frame: c}.CenterOfMass()
		centers[i], ok[i] = p, good
		if good {
			mean = mean.Add(p)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	mean = frame.Point{Y: mean.Y / float64(n), X: mean.X / float64(n)}
	best, bestDist := 0, math.Inf(1)
	for i, p := range centers {
		if !ok[i] {
			continue
		}
		d := math.Hypot(p.Y-mean.Y, p.X-mean.X)
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

// EstimateOffset implements Estimator. The offset is the position of the
// frame's PSF relative to the reference cutout.
func (d *DFT) EstimateOffset(f *frame.Frame, w geometry.Window) (Offset, error) {
	ref, ok := d.refs[w]
	if !ok {
		return Offset{}, errors.Inputf("dft", "no reference prepared for window at (%.1f, %.1f)", w.Center.Y, w.Center.X)
	}
	cut := geometry.Cut(f, w)
	sy, sx, err := CrossCorrelate(ref, cut.Frame, d.Upsample)
	if err != nil {
		return Offset{}, err
	}
	return Offset{DY: -sy, DX: -sx}, nil
}
