package config

import (
	"os"
	"path/filepath"
	"testing"

	"cubered/internal/errors"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadFileTOMLAppliesStageDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "run.toml", `
name = "hd1160"
directory = "raw"
output_directory = "reduced"

[frame_centers]
cam1 = [128.0, 130.5]

[coronagraph]
mask_size = 62
[coronagraph.satellite_spots]
radius = 15.9

[calibration]
filenames = ["*.fits"]
deinterleave = true
[calibration.darks]
filenames = ["darks/*.fits"]

[frame_selection]
q = 0.3

[registration]
method = "dft"

[coadd]

[derotate]
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Name != "hd1160" {
		t.Fatalf("name = %q", cfg.Name)
	}
	if cfg.Directory != filepath.Join(dir, "raw") {
		t.Fatalf("directory = %q", cfg.Directory)
	}
	if cfg.StageDir("") != filepath.Join(dir, "reduced") {
		t.Fatalf("stage dir = %q", cfg.StageDir(""))
	}
	if cfg.FrameSelection.Metric != "normvar" || cfg.FrameSelection.WindowSize != DefaultWindowSize {
		t.Fatalf("frame selection defaults not applied: %+v", cfg.FrameSelection)
	}
	if cfg.Registration.DFT.UpsampleFactor != DefaultUpsampleFactor || cfg.Registration.DFT.ReferenceMethod != "first" {
		t.Fatalf("dft defaults not applied: %+v", cfg.Registration.DFT)
	}
	if *cfg.Coronagraph.SatelliteSpots.Angle != DefaultSpotAngle || cfg.Coronagraph.SatelliteSpots.Count != 4 {
		t.Fatalf("spot defaults not applied: %+v", cfg.Coronagraph.SatelliteSpots)
	}
	if cfg.Derotate == nil || *cfg.Derotate.PupilOffset != DefaultPupilOffset {
		t.Fatalf("derotate defaults not applied: %+v", cfg.Derotate)
	}
	if cfg.Calibration.Flats != nil {
		t.Fatalf("flats should be absent")
	}
	if c, ok := cfg.Center(1); !ok || c.Y != 130.5 || c.X != 128 {
		t.Fatalf("center = %+v, %v", c, ok)
	}
	if _, ok := cfg.Center(2); ok {
		t.Fatalf("cam2 center should be unset")
	}
}

func TestAbsentStagesStayNil(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "run.yaml", "calibration:\n  filenames: [\"a.fits\"]\n")
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.FrameSelection != nil || cfg.Registration != nil || cfg.Coadd != nil || cfg.Derotate != nil {
		t.Fatalf("optional stages should be nil: %+v", cfg)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Fatalf("driver default = %q", cfg.Database.Driver)
	}
}

func TestExplicitZeroIsNotDefaulted(t *testing.T) {
	cases := map[string]string{
		"selection window":  "frame_selection:\n  q: 0.3\n  window_size: 0\n",
		"registration size": "registration:\n  window_size: 0\n",
		"upsample factor":   "registration:\n  method: dft\n  dft:\n    upsample_factor: 0\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "run.yaml", "calibration:\n  filenames: [\"a.fits\"]\n"+body)
			cfg, err := LoadFile(path)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			err = cfg.Validate()
			if !errors.IsConfiguration(err) {
				t.Fatalf("expected configuration error for explicit zero, got %v", err)
			}
		})
	}

	// omitted sizes still get defaults
	path := writeFile(t, t.TempDir(), "run.yaml", "calibration:\n  filenames: [\"a.fits\"]\nframe_selection:\n  q: 0.3\nregistration:\n  method: dft\n")
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.FrameSelection.WindowSize != DefaultWindowSize || cfg.Registration.WindowSize != DefaultWindowSize ||
		cfg.Registration.DFT.UpsampleFactor != DefaultUpsampleFactor {
		t.Fatalf("defaults not applied: %+v %+v", cfg.FrameSelection, cfg.Registration)
	}
}

func TestValidateRejectsBadOptions(t *testing.T) {
	cases := map[string]func(*Config){
		"q too large":    func(c *Config) { c.FrameSelection = &FrameSelection{Metric: "max", Q: 1, WindowSize: 5} },
		"unknown metric": func(c *Config) { c.FrameSelection = &FrameSelection{Metric: "strehl", WindowSize: 5} },
		"bad method": func(c *Config) {
			c.Registration = &Registration{Method: "quad", WindowSize: 5, DFT: DFT{UpsampleFactor: 1}}
		},
		"bad upsample": func(c *Config) {
			c.Registration = &Registration{Method: "dft", WindowSize: 5, DFT: DFT{UpsampleFactor: 0}}
		},
		"zero selection window": func(c *Config) { c.FrameSelection = &FrameSelection{Metric: "max", WindowSize: 0} },
		"zero registration window": func(c *Config) {
			c.Registration = &Registration{Method: "com", WindowSize: 0, DFT: DFT{UpsampleFactor: 10}}
		},
		"bad center":                func(c *Config) { c.FrameCenters = &FrameCenters{Cam2: []float64{1}} },
		"no inputs":                 func(c *Config) { c.Calibration = nil },
		"bad driver":                func(c *Config) { c.Database.Driver = "postgres" },
		"polarimetry without coadd": func(c *Config) { c.Polarimetry = &Polarimetry{} },
		"unknown ip method": func(c *Config) {
			c.Coadd = &Coadd{Method: "median"}
			c.Polarimetry = &Polarimetry{IP: &InstPol{Method: "leastsq", ApertureRadius: 5}}
		},
		"satspots without spots": func(c *Config) {
			c.Coadd = &Coadd{Method: "median"}
			c.Polarimetry = &Polarimetry{IP: &InstPol{Method: "satspots", ApertureRadius: 5}}
		},
		"zero ip aperture": func(c *Config) {
			c.Coadd = &Coadd{Method: "median"}
			c.Polarimetry = &Polarimetry{IP: &InstPol{Method: "photometry"}}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.Calibration = &Calibration{Filenames: []string{"*.fits"}}
			mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error")
			}
			if !errors.IsConfiguration(err) {
				t.Fatalf("expected configuration error, got %v", err)
			}
		})
	}
}

func TestPolarimetrySection(t *testing.T) {
	base := "calibration:\n  filenames: [\"a.fits\"]\ncoadd: {}\n"

	cfg, err := LoadFile(writeFile(t, t.TempDir(), "run.yaml", base+"polarimetry:\n  ip: {}\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Polarimetry == nil || cfg.Polarimetry.IP == nil {
		t.Fatalf("empty polarimetry sections should be enabled: %+v", cfg.Polarimetry)
	}
	if cfg.Polarimetry.IP.Method != "photometry" || cfg.Polarimetry.IP.ApertureRadius != DefaultIPRadius {
		t.Fatalf("ip defaults not applied: %+v", cfg.Polarimetry.IP)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	cfg, err = LoadFile(writeFile(t, t.TempDir(), "run.yaml", base+"polarimetry:\n  ip:\n    aper_rad: 0\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); !errors.IsConfiguration(err) {
		t.Fatalf("explicit zero aperture should be rejected, got %v", err)
	}

	cfg, err = LoadFile(writeFile(t, t.TempDir(), "run.yaml", base+"polarimetry:\n  force: true\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Polarimetry == nil || cfg.Polarimetry.IP != nil {
		t.Fatalf("ip correction should stay off without its section: %+v", cfg.Polarimetry)
	}
}

func TestEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "run.json", `{"calibration": {"filenames": ["x.fits"]}, "processing": {"parallel_jobs": 2}}`)
	t.Setenv("CUBERED_PROCESSING_PARALLEL_JOBS", "7")
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Processing.ParallelJobs != 7 {
		t.Fatalf("parallel_jobs = %d, want 7", cfg.Processing.ParallelJobs)
	}
}

func TestLoadMissingFallsBackToDefaults(t *testing.T) {
	t.Setenv("CUBERED_CONFIG", filepath.Join(t.TempDir(), "missing.toml"))
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr == "" || cfg.Logging.Level != "info" {
		t.Fatalf("defaults missing: %+v", cfg)
	}
}
