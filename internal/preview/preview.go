// Package preview renders PNG quick-looks of reduced frames with ImageMagick.
package preview

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"

	"cubered/internal/frame"
)

var initOnce sync.Once

// Renderer writes grayscale PNGs. Pixel values are clipped to the [Low, High]
// quantiles of the finite samples and optionally asinh-stretched.
type Renderer struct {
	Low, High float64
	Asinh     bool
}

// New returns a renderer clipping to the 0.5% and 99.5% quantiles.
func New() *Renderer {
	initOnce.Do(imagick.Initialize)
	return &Renderer{Low: 0.005, High: 0.995, Asinh: true}
}

// Close releases ImageMagick. Renderers must not be used afterwards.
func Close() {
	imagick.Terminate()
}

// Render writes f to path. Row 0 of f ends up at the bottom of the image.
func (r *Renderer) Render(path string, f *frame.Frame) error {
	pixels := r.Stretch(f)

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ConstituteImage(uint(f.Cols), uint(f.Rows), "I", imagick.PIXEL_FLOAT, pixels); err != nil {
		return fmt.Errorf("constitute preview: %w", err)
	}
	if err := mw.SetImageFormat("PNG"); err != nil {
		return fmt.Errorf("set preview format: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp.png"
	if err := mw.WriteImage(tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write preview %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}

// Stretch maps f to [0, 1] in display order (top row first). NaN maps to 0.
func (r *Renderer) Stretch(f *frame.Frame) []float32 {
	lo := frame.Quantile(f.Data, r.Low)
	hi := frame.Quantile(f.Data, r.High)
	span := hi - lo
	out := make([]float32, len(f.Data))
	if math.IsNaN(span) || span <= 0 {
		return out
	}
	const soft = 10.0
	norm := math.Asinh(soft)
	for y := 0; y < f.Rows; y++ {
		dst := (f.Rows - 1 - y) * f.Cols
		for x := 0; x < f.Cols; x++ {
			v := f.At(y, x)
			if math.IsNaN(v) {
				continue
			}
			t := math.Min(math.Max((v-lo)/span, 0), 1)
			if r.Asinh {
				t = math.Asinh(soft*t) / norm
			}
			out[dst+x] = float32(t)
		}
	}
	return out
}
