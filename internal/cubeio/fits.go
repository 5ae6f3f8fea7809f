// Package cubeio reads and writes cubes, frames and tables on disk.
//
// Cubes and frames are FITS images; tables are CSV. Every write goes to a
// temporary file in the destination directory and is renamed into place.
package cubeio

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/astrogo/fitsio"

	"cubered/internal/errors"
	"cubered/internal/frame"
	"cubered/internal/header"
)

// structural cards are derived from the pixel data on write.
var structural = map[string]bool{
	"SIMPLE": true, "BITPIX": true, "EXTEND": true, "END": true,
	"BZERO": true, "BSCALE": true, "PCOUNT": true, "GCOUNT": true,
	"XTENSION": true, "COMMENT": true, "HISTORY": true,
}

func isStructural(key string) bool {
	return structural[key] || strings.HasPrefix(key, "NAXIS")
}

// Load reads the first image HDU of a FITS file as a cube. A 2-D image loads as
// a single-frame cube.
func Load(path string) (*frame.Cube, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.IO("load "+path, err)
	}
	return Decode(bytes.NewReader(raw))
}

// Decode parses a FITS stream.
func Decode(r io.Reader) (*frame.Cube, error) {
	f, err := fitsio.Open(r)
	if err != nil {
		return nil, errors.IO("open fits", err)
	}
	defer f.Close()

	for _, hdu := range f.HDUs() {
		img, ok := hdu.(fitsio.Image)
		if !ok {
			continue
		}
		axes := img.Header().Axes()
		if len(axes) < 2 {
			continue
		}
		return decodeImage(img)
	}
	return nil, errors.Inputf("load", "no image data")
}

func decodeImage(img fitsio.Image) (*frame.Cube, error) {
	h := img.Header()
	axes := h.Axes()
	cols, rows := axes[0], axes[1]
	nframes := 1
	for _, a := range axes[2:] {
		nframes *= a
	}
	n := cols * rows * nframes
	data, err := readPixels(img, h.Bitpix(), n)
	if err != nil {
		return nil, err
	}

	hdr, bzero, bscale := convertHeader(h)
	if bzero != 0 || bscale != 1 {
		for i, v := range data {
			data[i] = bzero + bscale*v
		}
	}

	frames := make([]*frame.Frame, nframes)
	size := rows * cols
	for i := range frames {
		fr := frame.New(rows, cols)
		copy(fr.Data, data[i*size:(i+1)*size])
		frames[i] = fr
	}
	return frame.NewCube(frames, hdr)
}

// convertHeader keeps the non-structural cards and the frame count, and
// returns the pixel scaling.
func convertHeader(h *fitsio.Header) (hdr header.Header, bzero, bscale float64) {
	var cards []header.Card
	bscale = 1
	for _, key := range h.Keys() {
		c := h.Get(key)
		if c == nil {
			continue
		}
		switch key {
		case "BZERO":
			if v, ok := numeric(c.Value); ok {
				bzero = v
			}
		case "BSCALE":
			if v, ok := numeric(c.Value); ok {
				bscale = v
			}
		}
		if isStructural(key) {
			continue
		}
		cards = append(cards, header.Card{Key: key, Value: c.Value, Comment: c.Comment})
	}
	hdr = header.New(cards...)
	if axes := h.Axes(); len(axes) > 2 {
		n := 1
		for _, a := range axes[2:] {
			n *= a
		}
		hdr = hdr.With("NAXIS3", n, "")
	}
	return hdr, bzero, bscale
}

// LoadHeader reads the header of the first image HDU without converting pixels.
func LoadHeader(path string) (header.Header, error) {
	raw, err := os.Open(path)
	if err != nil {
		return header.Header{}, errors.IO("load "+path, err)
	}
	defer raw.Close()
	f, err := fitsio.Open(bufio.NewReader(raw))
	if err != nil {
		return header.Header{}, errors.IO("open "+path, err)
	}
	defer f.Close()
	for _, hdu := range f.HDUs() {
		img, ok := hdu.(fitsio.Image)
		if !ok || len(img.Header().Axes()) < 2 {
			continue
		}
		hdr, _, _ := convertHeader(img.Header())
		return hdr, nil
	}
	return header.Header{}, errors.Inputf("load", "%s has no image data", path)
}

func readPixels(img fitsio.Image, bitpix, n int) ([]float64, error) {
	out := make([]float64, n)
	switch bitpix {
	case 8:
		buf := make([]byte, n)
		if err := img.Read(&buf); err != nil {
			return nil, errors.IO("read pixels", err)
		}
		for i, v := range buf {
			out[i] = float64(v)
		}
	case 16:
		buf := make([]int16, n)
		if err := img.Read(&buf); err != nil {
			return nil, errors.IO("read pixels", err)
		}
		for i, v := range buf {
			out[i] = float64(v)
		}
	case 32:
		buf := make([]int32, n)
		if err := img.Read(&buf); err != nil {
			return nil, errors.IO("read pixels", err)
		}
		for i, v := range buf {
			out[i] = float64(v)
		}
	case 64:
		buf := make([]int64, n)
		if err := img.Read(&buf); err != nil {
			return nil, errors.IO("read pixels", err)
		}
		for i, v := range buf {
			out[i] = float64(v)
		}
	case -32:
		buf := make([]float32, n)
		if err := img.Read(&buf); err != nil {
			return nil, errors.IO("read pixels", err)
		}
		for i, v := range buf {
			out[i] = float64(v)
		}
	case -64:
		if err := img.Read(&out); err != nil {
			return nil, errors.IO("read pixels", err)
		}
	default:
		return nil, errors.Inputf("load", "unsupported BITPIX %d", bitpix)
	}
	return out, nil
}

func numeric(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	}
	return 0, false
}

// Save writes c as a 3-D float64 image.
func Save(path string, c *frame.Cube) error {
	if c.Len() == 0 {
		return errors.Inputf("save", "empty cube")
	}
	rows, cols := c.Shape()
	data := make([]float64, 0, rows*cols*c.Len())
	for _, f := range c.Frames {
		data = append(data, f.Data...)
	}
	return writeAtomic(path, func(w io.Writer) error {
		return encode(w, []int{cols, rows, c.Len()}, data, c.Header)
	})
}

// SaveFrame writes f as a 2-D float64 image.
func SaveFrame(path string, f *frame.Frame, hdr header.Header) error {
	return writeAtomic(path, func(w io.Writer) error {
		return encode(w, []int{f.Cols, f.Rows}, f.Data, hdr.Without("NAXIS3"))
	})
}

// Encode writes a cube to w.
func Encode(w io.Writer, c *frame.Cube) error {
	rows, cols := c.Shape()
	data := make([]float64, 0, rows*cols*c.Len())
	for _, f := range c.Frames {
		data = append(data, f.Data...)
	}
	return encode(w, []int{cols, rows, c.Len()}, data, c.Header)
}

func encode(w io.Writer, axes []int, data []float64, hdr header.Header) error {
	bw := bufio.NewWriter(w)
	f, err := fitsio.Create(bw)
	if err != nil {
		return fmt.Errorf("create fits: %w", err)
	}
	img := fitsio.NewImage(-64, axes)
	defer img.Close()

	var cards []fitsio.Card
	for _, c := range hdr.Cards() {
		if isStructural(c.Key) || len(c.Key) > 8 {
			continue
		}
		cards = append(cards, fitsio.Card{Name: c.Key, Value: cardValue(c.Value), Comment: c.Comment})
	}
	if err := img.Header().Append(cards...); err != nil {
		return fmt.Errorf("header: %w", err)
	}
	if err := img.Write(&data); err != nil {
		return fmt.Errorf("write pixels: %w", err)
	}
	if err := f.Write(img); err != nil {
		return fmt.Errorf("write hdu: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close fits: %w", err)
	}
	return bw.Flush()
}

func cardValue(v any) any {
	switch x := v.(type) {
	case string, bool, int, int64, int32, int16, int8, float32:
		return x
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Sprint(x)
		}
		return x
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}
