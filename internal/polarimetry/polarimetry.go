// Package polarimetry forms Stokes images from coadded dual-camera frames
// modulated by a ferroelectric liquid crystal (FLC) and a rotating half-wave
// plate (HWP).
package polarimetry

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"cubered/internal/derotate"
	"cubered/internal/errors"
	"cubered/internal/frame"
	"cubered/internal/header"
)

// Positions are the HWP angles of one modulation cycle in degrees, in the
// order +Q, -Q, +U, -U.
var Positions = [4]float64{0, 45, 22.5, 67.5}

const hwpTolerance = 0.1

// Image is one coadded frame with its modulation state.
type Image struct {
	Source    string
	Frame     *frame.Frame
	Camera    int
	FLC       string // "A", "B", or empty without an FLC
	HWP       float64
	MJD       float64
	Angle     float64 // derotation angle in degrees
	Derotated bool    // Frame is already in sky orientation
}

// NewImage reads the modulation state of a reduced frame from its header.
// The HWP angle comes from RET-ANG1, falling back to U_HWPANG.
func NewImage(source string, f *frame.Frame, hdr header.Header, pupilOffset float64) (Image, error) {
	img := Image{Source: source, Frame: f}
	cam, ok := hdr.Int("U_CAMERA")
	if !ok || (cam != 1 && cam != 2) {
		return img, errors.Inputf("stokes", "%s: camera must be 1 or 2", source)
	}
	img.Camera = cam

	hwp, ok := hdr.Float("RET-ANG1")
	if !ok {
		if hwp, ok = hdr.Float("U_HWPANG"); !ok {
			return img, errors.Inputf("stokes", "%s: no HWP angle", source)
		}
	}
	img.HWP = hwp

	flc, _ := hdr.String("U_FLC")
	switch s := strings.ToUpper(strings.TrimSpace(flc)); s {
	case "", "A", "B":
		img.FLC = s
	default:
		return img, errors.Inputf("stokes", "%s: unknown FLC state %q", source, flc)
	}
	img.MJD, _ = hdr.Float("MJD")

	if angle, ok := hdr.Float("DEROTANG"); ok {
		img.Angle, img.Derotated = angle, true
		return img, nil
	}
	angle, err := derotate.Angle(hdr, pupilOffset)
	if err != nil {
		return img, fmt.Errorf("%s: %w", source, err)
	}
	img.Angle = angle
	return img, nil
}

// Position returns the cycle slot of an HWP angle, or -1 when the angle is not
// a modulation position. Angles are taken modulo 90 degrees.
func Position(hwp float64) int {
	a := math.Mod(hwp, 90)
	if a < 0 {
		a += 90
	}
	if 90-a < hwpTolerance {
		a = 0
	}
	for i, p := range Positions {
		if math.Abs(a-p) < hwpTolerance {
			return i
		}
	}
	return -1
}

type slot struct {
	pos    int
	flc    string
	camera int
}

// Cycle is one complete modulation sequence: every HWP position seen by both
// cameras in every FLC state.
type Cycle struct {
	images map[slot]Image
	states []string
}

// Images returns the frames of the cycle ordered by MJD.
func (c Cycle) Images() []Image {
	out := make([]Image, 0, len(c.images))
	for _, img := range c.images {
		out = append(out, img)
	}
	sortImages(out)
	return out
}

// MJD is the mean acquisition time of the cycle.
func (c Cycle) MJD() float64 {
	var sum float64
	for _, img := range c.images {
		sum += img.MJD
	}
	return sum / float64(len(c.images))
}

// Angle is the circular mean of the derotation angles in degrees.
func (c Cycle) Angle() float64 {
	rad := make([]float64, 0, len(c.images))
	for _, img := range c.images {
		rad = append(rad, img.Angle*math.Pi/180)
	}
	return stat.CircularMean(rad, nil) * 180 / math.Pi
}

func (c Cycle) derotated() bool {
	for _, img := range c.images {
		if img.Derotated {
			return true
		}
	}
	return false
}

func sortImages(images []Image) {
	sort.SliceStable(images, func(i, j int) bool {
		if images[i].MJD != images[j].MJD {
			return images[i].MJD < images[j].MJD
		}
		return images[i].Source < images[j].Source
	})
}

// Group orders images by MJD and splits them into complete cycles. A slot seen
// twice before its cycle completes restarts the cycle. Images left outside a
// complete cycle, or at an HWP angle that is not a modulation position, are
// returned as leftovers. Either every image carries an FLC state or none does.
func Group(images []Image) ([]Cycle, []Image, error) {
	sorted := append([]Image(nil), images...)
	sortImages(sorted)

	withFLC := 0
	for _, img := range sorted {
		if img.FLC != "" {
			withFLC++
		}
	}
	states := []string{""}
	switch {
	case withFLC == 0:
	case withFLC == len(sorted):
		states = []string{"A", "B"}
	default:
		return nil, nil, errors.Inputf("stokes", "%d of %d frames carry an FLC state", withFLC, len(sorted))
	}
	need := len(Positions) * 2 * len(states)

	var (
		cycles   []Cycle
		leftover []Image
	)
	open := make(map[slot]Image, need)
	flush := func() {
		for _, img := range open {
			leftover = append(leftover, img)
		}
		open = make(map[slot]Image, need)
	}
	for _, img := range sorted {
		pos := Position(img.HWP)
		if pos < 0 || (img.Camera != 1 && img.Camera != 2) {
			leftover = append(leftover, img)
			continue
		}
		s := slot{pos: pos, flc: img.FLC, camera: img.Camera}
		if _, dup := open[s]; dup {
			flush()
		}
		open[s] = img
		if len(open) == need {
			cycles = append(cycles, Cycle{images: open, states: states})
			open = make(map[slot]Image, need)
		}
	}
	flush()
	sortImages(leftover)
	return cycles, leftover, nil
}

// Stokes holds total intensity and linear polarization images.
type Stokes struct {
	I, Q, U *frame.Frame
}

// Stokes forms I, Q and U by differencing the cameras, then the FLC states
// when an FLC is used, then opposite HWP positions.
func (c Cycle) Stokes() (Stokes, error) {
	var diff, sum [len(Positions)]*frame.Frame
	for pos := range Positions {
		var d, s []*frame.Frame
		for _, st := range c.states {
			a, b := c.images[slot{pos: pos, flc: st, camera: 1}], c.images[slot{pos: pos, flc: st, camera: 2}]
			dd, err := combine([]float64{1, -1}, a.Frame, b.Frame)
			if err != nil {
				return Stokes{}, err
			}
			ss, err := combine([]float64{1, 1}, a.Frame, b.Frame)
			if err != nil {
				return Stokes{}, err
			}
			d, s = append(d, dd), append(s, ss)
		}
		if len(d) == 1 {
			diff[pos], sum[pos] = d[0], s[0]
			continue
		}
		var err error
		if diff[pos], err = combine([]float64{0.5, -0.5}, d...); err != nil {
			return Stokes{}, err
		}
		if sum[pos], err = combine([]float64{0.5, 0.5}, s...); err != nil {
			return Stokes{}, err
		}
	}
	q, err := combine([]float64{0.5, -0.5}, diff[0], diff[1])
	if err != nil {
		return Stokes{}, err
	}
	u, err := combine([]float64{0.5, -0.5}, diff[2], diff[3])
	if err != nil {
		return Stokes{}, err
	}
	i, err := combine([]float64{0.25, 0.25, 0.25, 0.25}, sum[:]...)
	if err != nil {
		return Stokes{}, err
	}
	return Stokes{I: i, Q: q, U: u}, nil
}

// combine returns the weighted sum of frames.
func combine(weights []float64, frames ...*frame.Frame) (*frame.Frame, error) {
	if len(frames) == 0 || frames[0] == nil {
		return nil, errors.Inputf("stokes", "missing frame")
	}
	out := frame.New(frames[0].Rows, frames[0].Cols)
	for k, f := range frames {
		if f == nil {
			return nil, errors.Inputf("stokes", "missing frame")
		}
		if !f.SameShape(out) {
			return nil, errors.Inputf("stokes", "frame %s vs %s", f.Shape(), out.Shape())
		}
		floats.AddScaled(out.Data, weights[k], f.Data)
	}
	return out, nil
}

// Options control Reduce.
type Options struct {
	// IP removes instrumental polarization from every cycle. Nil skips it.
	IP *Correction
}

// CycleResult is the Stokes images of one cycle.
type CycleResult struct {
	Stokes
	Index  int
	MJD    float64
	Angle  float64
	IP     InstPol
	Frames int
}

// Result is a reduced polarimetric sequence.
type Result struct {
	Cycles    []CycleResult
	Collapsed Stokes  // derotated median over cycles
	IP        InstPol // mean of the per-cycle coefficients
	Leftover  []Image
}

// Reduce groups images into cycles, forms and IP-corrects the Stokes images
// of each, then derotates and median-combines them.
func Reduce(ctx context.Context, images []Image, opts Options) (*Result, error) {
	cycles, leftover, err := Group(images)
	if err != nil {
		return nil, err
	}
	if len(cycles) == 0 {
		return nil, errors.Inputf("stokes", "no complete modulation cycle in %d frames", len(images))
	}
	res := &Result{Leftover: leftover}
	var is, qs, us []*frame.Frame
	for k, c := range cycles {
		if err := ctx.Err(); err != nil {
			return nil, errors.Cancelled("stokes", err)
		}
		s, err := c.Stokes()
		if err != nil {
			return nil, err
		}
		cr := CycleResult{Index: k, MJD: c.MJD(), Angle: c.Angle(), Frames: len(c.images)}
		if opts.IP != nil {
			cr.IP = opts.IP.Measure(s)
			s = cr.IP.Apply(s)
			res.IP.Q += cr.IP.Q / float64(len(cycles))
			res.IP.U += cr.IP.U / float64(len(cycles))
		}
		cr.Stokes = s
		res.Cycles = append(res.Cycles, cr)

		if !c.derotated() {
			s = s.Rotate(cr.Angle)
		}
		is, qs, us = append(is, s.I), append(qs, s.Q), append(us, s.U)
	}
	if res.Collapsed.I, err = frame.Collapse(is, frame.NanMedian); err != nil {
		return nil, err
	}
	if res.Collapsed.Q, err = frame.Collapse(qs, frame.NanMedian); err != nil {
		return nil, err
	}
	if res.Collapsed.U, err = frame.Collapse(us, frame.NanMedian); err != nil {
		return nil, err
	}
	return res, nil
}

// Rotate derotates every image by angle degrees about the frame center.
func (s Stokes) Rotate(angle float64) Stokes {
	center := s.I.Center()
	return Stokes{
		I: derotate.Frame(s.I, angle, center),
		Q: derotate.Frame(s.Q, angle, center),
		U: derotate.Frame(s.U, angle, center),
	}
}

// PlaneNames label the planes returned by Planes.
var PlaneNames = []string{"I", "Q", "U", "Qphi", "Uphi", "LP_I", "AoLP"}

// Planes returns I, Q, U, the azimuthal Qphi and Uphi about the frame center,
// the linearly polarized intensity and the angle of linear polarization in
// radians.
func (s Stokes) Planes() []*frame.Frame {
	qphi, uphi := s.Radial(0)
	pi := frame.New(s.Q.Rows, s.Q.Cols)
	aolp := frame.New(s.Q.Rows, s.Q.Cols)
	for k := range s.Q.Data {
		q, u := s.Q.Data[k], s.U.Data[k]
		pi.Data[k] = math.Hypot(q, u)
		aolp.Data[k] = math.Atan2(u, q)
	}
	return []*frame.Frame{s.I, s.Q, s.U, qphi, uphi, pi, aolp}
}

// Radial returns the azimuthal Stokes images, with phi radians added to the
// position angle of every pixel:
//
//	Qphi = -Q cos 2t - U sin 2t
//	Uphi =  Q sin 2t - U cos 2t
func (s Stokes) Radial(phi float64) (qphi, uphi *frame.Frame) {
	qphi = frame.New(s.Q.Rows, s.Q.Cols)
	uphi = frame.New(s.Q.Rows, s.Q.Cols)
	c := s.Q.Center()
	for y := 0; y < s.Q.Rows; y++ {
		for x := 0; x < s.Q.Cols; x++ {
			theta := math.Atan2(float64(y)-c.Y, float64(x)-c.X) + phi
			sin2, cos2 := math.Sincos(2 * theta)
			q, u := s.Q.At(y, x), s.U.At(y, x)
			qphi.Set(y, x, -q*cos2-u*sin2)
			uphi.Set(y, x, q*sin2-u*cos2)
		}
	}
	return qphi, uphi
}
