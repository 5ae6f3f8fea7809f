package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "~/.config/cubered/config.toml"
	envPrefix         = "CUBERED"

	DefaultWindowSize      = 30
	DefaultUpsampleFactor  = 10
	DefaultSpotAngle       = -4.0
	DefaultSpotCount       = 4
	DefaultPupilOffset     = 140.4
	DefaultSpreadThreshold = 0
	DefaultIPRadius        = 6.0
)

// Config holds a reduction run. Optional stages are nil when their section is absent.
type Config struct {
	Name            string        `json:"name" mapstructure:"name"`
	Directory       string        `json:"directory" mapstructure:"directory"`
	OutputDirectory string        `json:"output_directory" mapstructure:"output_directory"`
	FrameCenters    *FrameCenters `json:"frame_centers" mapstructure:"frame_centers"`
	Coronagraph     *Coronagraph  `json:"coronagraph" mapstructure:"coronagraph"`

	Calibration    *Calibration    `json:"calibration" mapstructure:"calibration"`
	FrameSelection *FrameSelection `json:"frame_selection" mapstructure:"frame_selection"`
	Registration   *Registration   `json:"registration" mapstructure:"registration"`
	Coadd          *Coadd          `json:"coadd" mapstructure:"coadd"`
	Derotate       *Derotate       `json:"derotate" mapstructure:"derotate"`
	Products       *Products       `json:"products" mapstructure:"products"`
	Polarimetry    *Polarimetry    `json:"polarimetry" mapstructure:"polarimetry"`

	Processing Processing `json:"processing" mapstructure:"processing"`
	Database   Database   `json:"database" mapstructure:"database"`
	Logging    Logging    `json:"logging" mapstructure:"logging"`
	Server     Server     `json:"server" mapstructure:"server"`
	Preview    Preview    `json:"preview" mapstructure:"preview"`
}

// FrameCenters are per-camera PSF centers in (x, y) pixel order as written in
// raw (unflipped) frames.
type FrameCenters struct {
	Cam1 []float64 `json:"cam1" mapstructure:"cam1"`
	Cam2 []float64 `json:"cam2" mapstructure:"cam2"`
}

// Coronagraph enables satellite-spot windows.
type Coronagraph struct {
	MaskSize       float64         `json:"mask_size" mapstructure:"mask_size"`
	SatelliteSpots *SatelliteSpots `json:"satellite_spots" mapstructure:"satellite_spots"`
}

type SatelliteSpots struct {
	Radius float64  `json:"radius" mapstructure:"radius"`
	Angle  *float64 `json:"angle" mapstructure:"angle"`
	Count  int      `json:"count" mapstructure:"count"`
}

// Calibration configures dark/flat correction of the science cubes.
type Calibration struct {
	Filenames       []string     `json:"filenames" mapstructure:"filenames"`
	OutputDirectory string       `json:"output_directory" mapstructure:"output_directory"`
	Force           bool         `json:"force" mapstructure:"force"`
	Deinterleave    bool         `json:"deinterleave" mapstructure:"deinterleave"`
	Darks           *MasterFiles `json:"darks" mapstructure:"darks"`
	Flats           *MasterFiles `json:"flats" mapstructure:"flats"`
}

// MasterFiles lists the raw cubes combined into a master frame.
type MasterFiles struct {
	Filenames []string `json:"filenames" mapstructure:"filenames"`
	Force     bool     `json:"force" mapstructure:"force"`
}

type FrameSelection struct {
	Metric          string  `json:"metric" mapstructure:"metric"`
	Q               float64 `json:"q" mapstructure:"q"`
	WindowSize      int     `json:"window_size" mapstructure:"window_size"`
	OutputDirectory string  `json:"output_directory" mapstructure:"output_directory"`
	Force           bool    `json:"force" mapstructure:"force"`
	SaveStats       bool    `json:"save_stats" mapstructure:"save_stats"`
}

type Registration struct {
	Method          string  `json:"method" mapstructure:"method"`
	DFT             DFT     `json:"dft" mapstructure:"dft"`
	WindowSize      int     `json:"window_size" mapstructure:"window_size"`
	OutputDirectory string  `json:"output_directory" mapstructure:"output_directory"`
	Force           bool    `json:"force" mapstructure:"force"`
	SpreadThreshold float64 `json:"spread_threshold" mapstructure:"spread_threshold"`
}

type DFT struct {
	UpsampleFactor  int    `json:"upsample_factor" mapstructure:"upsample_factor"`
	ReferenceMethod string `json:"reference_method" mapstructure:"reference_method"`
}

type Coadd struct {
	Method          string `json:"method" mapstructure:"method"`
	OutputDirectory string `json:"output_directory" mapstructure:"output_directory"`
	Force           bool   `json:"force" mapstructure:"force"`
}

type Derotate struct {
	PupilOffset     *float64 `json:"pupil_offset" mapstructure:"pupil_offset"`
	OutputDirectory string   `json:"output_directory" mapstructure:"output_directory"`
	Force           bool     `json:"force" mapstructure:"force"`
}

// Products configures run-level outputs built after every file is reduced.
type Products struct {
	ADICubes        bool   `json:"adi_cubes" mapstructure:"adi_cubes"`
	HeaderTable     bool   `json:"header_table" mapstructure:"header_table"`
	OutputDirectory string `json:"output_directory" mapstructure:"output_directory"`
	Force           bool   `json:"force" mapstructure:"force"`
}

// Polarimetry builds Stokes products from the coadded FLC/HWP sequence after
// every file is reduced. It needs a coadd section.
type Polarimetry struct {
	OutputDirectory string   `json:"output_directory" mapstructure:"output_directory"`
	Force           bool     `json:"force" mapstructure:"force"`
	IP              *InstPol `json:"ip" mapstructure:"ip"`
}

// InstPol configures instrumental polarization correction.
type InstPol struct {
	Method         string  `json:"method" mapstructure:"method"` // photometry or satspots
	ApertureRadius float64 `json:"aper_rad" mapstructure:"aper_rad"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int `json:"parallel_jobs" mapstructure:"parallel_jobs"` // 0 = size from CPU and memory
}

// Database selects the run history store.
type Database struct {
	Driver string `json:"driver" mapstructure:"driver"` // sqlite (pure Go) or sqlite3 (cgo)
	Path   string `json:"path" mapstructure:"path"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" mapstructure:"level"`             // debug, info, warn, error
	Format     string `json:"format" mapstructure:"format"`           // text, json
	FileOutput bool   `json:"file_output" mapstructure:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" mapstructure:"log_dir"`         // Directory for log files
}

// Server configures the status endpoints.
type Server struct {
	Addr     string `json:"addr" mapstructure:"addr"`
	GRPCAddr string `json:"grpc_addr" mapstructure:"grpc_addr"`
}

// Preview controls PNG quick-looks of collapsed products.
type Preview struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
}

// Load reads the file named by CUBERED_CONFIG (or the default path), falling
// back to defaults when it does not exist.
func Load() (*Config, error) {
	configPath := os.Getenv(envPrefix + "_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(expanded); errors.Is(err, os.ErrNotExist) {
		cfg := defaultConfig()
		return cfg, nil
	}
	return LoadFile(expanded)
}

// LoadFile reads a TOML, YAML or JSON configuration file. CUBERED_* environment
// variables override file values (CUBERED_PROCESSING_PARALLEL_JOBS and so on).
func LoadFile(path string) (*Config, error) {
	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}
	v := newViper()
	v.SetConfigFile(expanded)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	cfg.ensureSections(v)
	cfg.applyDefaults(filepath.Dir(expanded), v.IsSet)
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	d := defaultConfig()
	v.SetDefault("processing.parallel_jobs", d.Processing.ParallelJobs)
	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file_output", d.Logging.FileOutput)
	v.SetDefault("logging.log_dir", d.Logging.LogDir)
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.grpc_addr", d.Server.GRPCAddr)
	v.SetDefault("preview.enabled", d.Preview.Enabled)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ensureSections enables stages whose section is present but empty; viper
// drops empty tables when flattening keys.
func (c *Config) ensureSections(v *viper.Viper) {
	if c.Coadd == nil && v.InConfig("coadd") {
		c.Coadd = &Coadd{}
	}
	if c.Derotate == nil && v.InConfig("derotate") {
		c.Derotate = &Derotate{}
	}
	if c.Products == nil && v.InConfig("products") {
		c.Products = &Products{}
	}
	if c.FrameSelection == nil && v.InConfig("frame_selection") {
		c.FrameSelection = &FrameSelection{}
	}
	if c.Registration == nil && v.InConfig("registration") {
		c.Registration = &Registration{}
	}
	if c.Calibration == nil && v.InConfig("calibration") {
		c.Calibration = &Calibration{}
	}
	if c.Polarimetry == nil && v.InConfig("polarimetry") {
		c.Polarimetry = &Polarimetry{}
	}
	if c.Polarimetry != nil && c.Polarimetry.IP == nil && v.InConfig("polarimetry.ip") {
		c.Polarimetry.IP = &InstPol{}
	}
}

func defaultConfig() *Config {
	cfg := &Config{
		Name:            "cubered",
		Directory:       ".",
		OutputDirectory: "",
		Processing:      Processing{ParallelJobs: 0},
		Database:        Database{Driver: "sqlite", Path: filepath.Join(os.TempDir(), "cubered.db")},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Server: Server{
			Addr:     "127.0.0.1:8087",
			GRPCAddr: "127.0.0.1:8088",
		},
	}
	cfg.applyDefaults(".", nil)
	return cfg
}

// applyDefaults fills unset values inside the sections that are present. base
// resolves relative directories. Numeric options the file sets explicitly are
// left for Validate, so a written 0 is rejected rather than replaced.
func (c *Config) applyDefaults(base string, isSet func(key string) bool) {
	if isSet == nil {
		isSet = func(string) bool { return false }
	}
	if c.Name == "" {
		c.Name = "cubered"
	}
	if c.Directory == "" {
		c.Directory = "."
	}
	if !filepath.IsAbs(c.Directory) {
		c.Directory = filepath.Join(base, c.Directory)
	}
	if c.OutputDirectory == "" {
		c.OutputDirectory = c.Directory
	} else if !filepath.IsAbs(c.OutputDirectory) {
		c.OutputDirectory = filepath.Join(base, c.OutputDirectory)
	}
	if s := c.spots(); s != nil {
		if s.Angle == nil {
			a := DefaultSpotAngle
			s.Angle = &a
		}
		if s.Count <= 0 {
			s.Count = DefaultSpotCount
		}
	}
	if fs := c.FrameSelection; fs != nil {
		if fs.Metric == "" {
			fs.Metric = "normvar"
		}
		if fs.WindowSize == 0 && !isSet("frame_selection.window_size") {
			fs.WindowSize = DefaultWindowSize
		}
	}
	if r := c.Registration; r != nil {
		if r.Method == "" {
			r.Method = "peak"
			if c.spots() != nil {
				r.Method = "com"
			}
		}
		if r.WindowSize == 0 && !isSet("registration.window_size") {
			r.WindowSize = DefaultWindowSize
		}
		if r.DFT.UpsampleFactor == 0 && !isSet("registration.dft.upsample_factor") {
			r.DFT.UpsampleFactor = DefaultUpsampleFactor
		}
		if r.DFT.ReferenceMethod == "" {
			r.DFT.ReferenceMethod = "first"
		}
	}
	if co := c.Coadd; co != nil && co.Method == "" {
		co.Method = "median"
	}
	if d := c.Derotate; d != nil && d.PupilOffset == nil {
		p := DefaultPupilOffset
		d.PupilOffset = &p
	}
	if p := c.Polarimetry; p != nil && p.IP != nil {
		if p.IP.Method == "" {
			p.IP.Method = "photometry"
		}
		if p.IP.ApertureRadius == 0 && !isSet("polarimetry.ip.aper_rad") {
			p.IP.ApertureRadius = DefaultIPRadius
		}
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
}

func (c *Config) spots() *SatelliteSpots {
	if c.Coronagraph == nil || c.Coronagraph.SatelliteSpots == nil {
		return nil
	}
	return c.Coronagraph.SatelliteSpots
}

// SatelliteSpots returns the spot geometry or nil without a coronagraph.
func (c *Config) SatelliteSpots() *SatelliteSpots { return c.spots() }

// StageDir returns dir when set, otherwise the run output directory.
func (c *Config) StageDir(dir string) string {
	if dir == "" {
		return c.OutputDirectory
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(c.OutputDirectory, dir)
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
