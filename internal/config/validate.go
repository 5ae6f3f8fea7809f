package config

import (
	"cubered/internal/coadd"
	"cubered/internal/errors"
	"cubered/internal/frame"
	"cubered/internal/metric"
	"cubered/internal/register"
)

// Validate checks every option before any stage runs. All problems are
// configuration errors.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if c.Calibration == nil || len(c.Calibration.Filenames) == 0 {
		add(errors.Configf("calibration.filenames must list at least one pattern"))
	}
	if fc := c.FrameCenters; fc != nil {
		if fc.Cam1 != nil && len(fc.Cam1) != 2 {
			add(errors.Configf("frame_centers.cam1 must be [x, y], got %v", fc.Cam1))
		}
		if fc.Cam2 != nil && len(fc.Cam2) != 2 {
			add(errors.Configf("frame_centers.cam2 must be [x, y], got %v", fc.Cam2))
		}
	}
	if s := c.spots(); s != nil && s.Radius <= 0 {
		add(errors.Configf("coronagraph.satellite_spots.radius must be positive, got %v", s.Radius))
	}
	if fs := c.FrameSelection; fs != nil {
		if _, err := metric.ParseKind(fs.Metric); err != nil {
			add(err)
		}
		if fs.Q < 0 || fs.Q >= 1 {
			add(errors.Configf("frame_selection.q must be in [0, 1), got %v", fs.Q))
		}
		if fs.WindowSize <= 0 {
			add(errors.Configf("frame_selection.window_size must be positive, got %d", fs.WindowSize))
		}
	}
	if r := c.Registration; r != nil {
		if _, err := register.ParseMethod(r.Method); err != nil {
			add(err)
		}
		if r.WindowSize <= 0 {
			add(errors.Configf("registration.window_size must be positive, got %d", r.WindowSize))
		}
		if r.DFT.UpsampleFactor < 1 {
			add(errors.Configf("registration.dft.upsample_factor must be >= 1, got %d", r.DFT.UpsampleFactor))
		}
		if _, err := register.ParseReference(r.DFT.ReferenceMethod); err != nil {
			add(err)
		}
		if r.SpreadThreshold < 0 {
			add(errors.Configf("registration.spread_threshold must be >= 0, got %v", r.SpreadThreshold))
		}
	}
	if co := c.Coadd; co != nil {
		if _, err := coadd.ParseMethod(co.Method); err != nil {
			add(err)
		}
	}
	if p := c.Polarimetry; p != nil {
		if c.Coadd == nil {
			add(errors.Configf("polarimetry needs a coadd section"))
		}
		if ip := p.IP; ip != nil {
			switch ip.Method {
			case "photometry":
			case "satspots":
				if c.spots() == nil {
					add(errors.Configf("polarimetry.ip.method satspots needs coronagraph.satellite_spots"))
				}
			default:
				add(errors.Configf("polarimetry.ip.method must be photometry or satspots, got %q", ip.Method))
			}
			if ip.ApertureRadius <= 0 {
				add(errors.Configf("polarimetry.ip.aper_rad must be positive, got %v", ip.ApertureRadius))
			}
		}
	}
	if c.Processing.ParallelJobs < 0 {
		add(errors.Configf("processing.parallel_jobs must be >= 0, got %d", c.Processing.ParallelJobs))
	}
	switch c.Database.Driver {
	case "sqlite", "sqlite3":
	default:
		add(errors.Configf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver))
	}
	return errors.Join(errs...)
}

// Center returns the configured PSF center for a camera in (y, x) order, in raw
// frame coordinates, or false when none is set.
func (c *Config) Center(camera int) (frame.Point, bool) {
	if c.FrameCenters == nil {
		return frame.Point{}, false
	}
	var xy []float64
	switch camera {
	case 1:
		xy = c.FrameCenters.Cam1
	case 2:
		xy = c.FrameCenters.Cam2
	}
	if len(xy) != 2 {
		return frame.Point{}, false
	}
	return frame.Point{Y: xy[1], X: xy[0]}, true
}
