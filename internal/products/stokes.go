package products

import (
	"context"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"

	"cubered/internal/cubeio"
	"cubered/internal/errors"
	"cubered/internal/frame"
	"cubered/internal/fsutil"
	"cubered/internal/header"
	"cubered/internal/polarimetry"
)

var stokesColumns = []string{"cycle", "mjd", "derotang", "ip_q", "ip_u", "frames"}

// StokesOptions configure Stokes.
type StokesOptions struct {
	PupilOffset float64
	// IP removes instrumental polarization. Nil skips it.
	IP     *polarimetry.Correction
	Force  bool
	Logger *slog.Logger
}

// StokesPaths names the per-cycle Stokes cube, its angle table and the
// collapsed Stokes product.
func StokesPaths(dir, name string) (cube, angles, collapsed string) {
	cube = filepath.Join(dir, name+"_stokes_cube.fits")
	angles = fsutil.CSV(dir, cube, "_angles")
	collapsed = filepath.Join(dir, name+"_stokes_cube_collapsed.fits")
	return cube, angles, collapsed
}

// Stokes reduces coadded entries into polarimetric products: I, Q and U for
// every complete modulation cycle, the cycle angles, and the derotated median
// of the cycles with its azimuthal and polarized-intensity planes.
// Outputs newer than every entry are kept unless Force is set.
func Stokes(ctx context.Context, s Store, dir, name string, entries []Entry, opts StokesOptions) ([]string, error) {
	if len(entries) == 0 {
		return nil, errors.Inputf("stokes", "no reduced products")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cubePath, anglesPath, collapsedPath := StokesPaths(dir, name)
	outputs := []string{cubePath, anglesPath, collapsedPath}
	inputs := make([]string, len(entries))
	for i, e := range entries {
		inputs[i] = e.Path
	}
	if !opts.Force && fsutil.NewerThan(outputs, inputs...) {
		return outputs, nil
	}

	images := make([]polarimetry.Image, 0, len(entries))
	var first header.Header
	for i, e := range entries {
		c, err := s.Load(e.Path)
		if err != nil {
			return nil, err
		}
		if c.Len() == 0 {
			return nil, errors.Inputf("stokes", "%s has no frames", e.Path)
		}
		if i == 0 {
			first = c.Header
		}
		f := c.Frames[0]
		if c.Len() > 1 {
			if f, err = frame.Collapse(c.Frames, frame.NanMedian); err != nil {
				return nil, err
			}
		}
		img, err := polarimetry.NewImage(e.Path, f, c.Header, opts.PupilOffset)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}

	res, err := polarimetry.Reduce(ctx, images, polarimetry.Options{IP: opts.IP})
	if err != nil {
		return nil, err
	}
	if len(res.Leftover) > 0 {
		logger.Warn("frames outside a complete modulation cycle", "count", len(res.Leftover), "first", res.Leftover[0].Source)
	}

	frames := make([]*frame.Frame, 0, 3*len(res.Cycles))
	rows := make([][]string, 0, len(res.Cycles))
	for _, cr := range res.Cycles {
		frames = append(frames, cr.I, cr.Q, cr.U)
		rows = append(rows, []string{
			strconv.Itoa(cr.Index), cubeio.FormatValue(cr.MJD), cubeio.FormatValue(cr.Angle),
			cubeio.FormatValue(cr.IP.Q), cubeio.FormatValue(cr.IP.U), strconv.Itoa(cr.Frames),
		})
	}
	hdr := first.Without("DEROTANG").Without("U_CAMERA").Without("U_FLC").Without("RET-ANG1").
		With("NCYCLES", len(res.Cycles), "complete modulation cycles")
	if opts.IP != nil {
		hdr = hdr.With("DPP_PQ", res.IP.Q, "I -> Q IP correction value").
			With("DPP_PU", res.IP.U, "I -> U IP correction value")
	}

	cube, err := frame.NewCube(frames, hdr.With("NAXIS3", len(frames), "").With("STOKES", "I,Q,U", "Stokes planes of each cycle"))
	if err != nil {
		return nil, err
	}
	if err := s.Save(cubePath, cube); err != nil {
		return nil, err
	}
	if err := cubeio.WriteTable(anglesPath, stokesColumns, rows); err != nil {
		return []string{cubePath}, err
	}

	planes := res.Collapsed.Planes()
	collapsed, err := frame.NewCube(planes, hdr.
		With("NAXIS3", len(planes), "").
		With("STOKES", strings.Join(polarimetry.PlaneNames, ","), "Stokes planes").
		With("VPP_PHI", 0.0, "deg, angle of linear polarization offset"))
	if err != nil {
		return []string{cubePath, anglesPath}, err
	}
	if err := s.Save(collapsedPath, collapsed); err != nil {
		return []string{cubePath, anglesPath}, err
	}
	return outputs, nil
}
