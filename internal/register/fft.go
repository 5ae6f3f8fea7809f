package register

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"

	"cubered/internal/frame"
)

// spectrum is a row-major 2-D complex grid.
type spectrum struct {
	rows, cols int
	data       []complex128
}

func toSpectrum(f *frame.Frame) *spectrum {
	s := &spectrum{rows: f.Rows, cols: f.Cols, data: make([]complex128, len(f.Data))}
	for i, v := range f.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		s.data[i] = complex(v, 0)
	}
	return s
}

// fft2 transforms s in place. inverse applies the normalized inverse transform.
func (s *spectrum) fft2(inverse bool) {
	rowFFT := fourier.NewCmplxFFT(s.cols)
	buf := make([]complex128, s.cols)
	for y := 0; y < s.rows; y++ {
		row := s.data[y*s.cols : (y+1)*s.cols]
		if inverse {
			rowFFT.Sequence(buf, row)
		} else {
			rowFFT.Coefficients(buf, row)
		}
		copy(row, buf)
	}
	colFFT := fourier.NewCmplxFFT(s.rows)
	col := make([]complex128, s.rows)
	out := make([]complex128, s.rows)
	for x := 0; x < s.cols; x++ {
		for y := 0; y < s.rows; y++ {
			col[y] = s.data[y*s.cols+x]
		}
		if inverse {
			colFFT.Sequence(out, col)
		} else {
			colFFT.Coefficients(out, col)
		}
		for y := 0; y < s.rows; y++ {
			s.data[y*s.cols+x] = out[y]
		}
	}
	if inverse {
		n := complex(float64(len(s.data)), 0)
		for i := range s.data {
			s.data[i] /= n
		}
	}
}

// freq returns the signed frequency index of bin k for an n-point transform.
func freq(k, n int) int {
	if k < (n+1)/2 {
		return k
	}
	return k - n
}

// fftfreq mirrors the usual sample-frequency layout: k / (n*d).
func fftfreq(n int, d float64) []float64 {
	out := make([]float64, n)
	for k := range out {
		out[k] = float64(freq(k, n)) / (float64(n) * d)
	}
	return out
}

// Shift translates f by (dy, dx) with a Fourier phase ramp, so the output at
// (y, x) samples the input at (y-dy, x-dx). NaN samples are treated as zero.
// The result has the same shape as f.
func Shift(f *frame.Frame, dy, dx float64) *frame.Frame {
	if f.Rows == 0 || f.Cols == 0 {
		return f.Clone()
	}
	if dy == 0 && dx == 0 {
		out := f.Clone()
		for i, v := range out.Data {
			if math.IsNaN(v) {
				out.Data[i] = 0
			}
		}
		return out
	}
	s := toSpectrum(f)
	s.fft2(false)
	for y := 0; y < s.rows; y++ {
		fy := float64(freq(y, s.rows)) / float64(s.rows)
		for x := 0; x < s.cols; x++ {
			fx := float64(freq(x, s.cols)) / float64(s.cols)
			s.data[y*s.cols+x] *= cmplx.Exp(complex(0, -2*math.Pi*(fy*dy+fx*dx)))
		}
	}
	s.fft2(true)
	out := frame.New(f.Rows, f.Cols)
	for i, v := range s.data {
		out.Data[i] = real(v)
	}
	return out
}
