// Package reduce orchestrates a photometric reduction run: it spools
// frames from a file list, run directory or acquisition server,
// calibrates them, batches them into groups, and dispatches each group
// across per-channel workers that reposition apertures, resize them
// and extract fluxes. Results flow to pluggable sinks.
package reduce

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/altair-data/lightcurve.report/internal/phot"
)

// DefaultConfigPath is the path to the canonical reduction defaults
// file. This is the single source of truth for all default values.
const DefaultConfigPath = "config/reduce.defaults.json"

// Config is the root reduction configuration. All fields are pointers
// so a partial JSON document only overrides what it mentions; the
// Get* accessors supply defaults for the rest.
type Config struct {
	// Pipeline params
	GroupSize    *int    `json:"group_size,omitempty"`
	Workers      *int    `json:"workers,omitempty"` // 0 = one per channel
	FirstFrame   *int    `json:"first_frame,omitempty"`
	LastFrame    *int    `json:"last_frame,omitempty"` // 0 = no limit
	PollInterval *string `json:"poll_interval,omitempty"`
	MaxWait      *string `json:"max_wait,omitempty"`

	// Detector params
	ReadNoise *float64 `json:"readnoise,omitempty"` // RMS counts per pixel
	Gain      *float64 `json:"gain,omitempty"`      // electrons per count

	// Profile-fit params for aperture repositioning
	FitMethod    *string  `json:"fit_method,omitempty"` // gaussian | moffat
	FitFWHM      *float64 `json:"fit_fwhm,omitempty"`
	FitFWHMMin   *float64 `json:"fit_fwhm_min,omitempty"`
	FitFWHMFixed *bool    `json:"fit_fwhm_fixed,omitempty"`
	FitBeta      *float64 `json:"fit_beta,omitempty"`
	FitHalfWidth *float64 `json:"fit_half_width,omitempty"` // search box half-size, unbinned pixels
	FitMaxShift  *float64 `json:"fit_max_shift,omitempty"`
	FitNdiv      *int     `json:"fit_ndiv,omitempty"` // sub-pixel averaging factor

	// Sky estimation (shared by all channels)
	SkyMethod *string  `json:"sky_method,omitempty"` // clipped | median
	SkyError  *string  `json:"sky_error,omitempty"`  // variance | photon
	SkyThresh *float64 `json:"sky_thresh,omitempty"`

	// Per-channel extraction tuning, keyed by channel name
	Channels map[string]*ChannelConfig `json:"channels,omitempty"`
}

// ChannelConfig tunes aperture sizing, extraction and warning levels
// for one channel. A nil entry (or nil fields) means defaults.
type ChannelConfig struct {
	Resize     *string            `json:"resize,omitempty"`     // fixed | variable
	Extraction *string            `json:"extraction,omitempty"` // normal | optimal
	Target     *phot.RadiusPolicy `json:"target,omitempty"`
	SkyInner   *phot.RadiusPolicy `json:"sky_inner,omitempty"`
	SkyOuter   *phot.RadiusPolicy `json:"sky_outer,omitempty"`

	// Nonlinear and Saturation are raw-count warning levels. Set both
	// or neither; with neither, level checks are skipped with a
	// one-time warning.
	Nonlinear  *float64 `json:"nonlinear,omitempty"`
	Saturation *float64 `json:"saturation,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyConfig returns a Config with all fields unset. Use LoadConfig
// to load actual values from a file.
func EmptyConfig() *Config {
	return &Config{}
}

// LoadConfig loads a Config from a JSON file. The file must have a
// .json extension and be under the max file size. Fields omitted from
// the JSON keep their defaults, so partial configs are safe.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical reduction defaults from
// DefaultConfigPath, searching upward from the current directory.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *Config {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/reduce/
		"../../../" + DefaultConfigPath, // deeper packages
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are coherent. Unknown
// enum strings are fatal here so a misconfigured run dies before the
// first frame.
func (c *Config) Validate() error {
	if c.GroupSize != nil && *c.GroupSize < 1 {
		return fmt.Errorf("group_size must be at least 1, got %d", *c.GroupSize)
	}
	if c.Workers != nil && *c.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", *c.Workers)
	}
	if c.FirstFrame != nil && *c.FirstFrame < 1 {
		return fmt.Errorf("first_frame must be at least 1, got %d", *c.FirstFrame)
	}
	if c.LastFrame != nil && *c.LastFrame < 0 {
		return fmt.Errorf("last_frame must be non-negative, got %d", *c.LastFrame)
	}
	for _, d := range []struct {
		name string
		val  *string
	}{{"poll_interval", c.PollInterval}, {"max_wait", c.MaxWait}} {
		if d.val != nil && *d.val != "" {
			if _, err := time.ParseDuration(*d.val); err != nil {
				return fmt.Errorf("invalid %s %q: %w", d.name, *d.val, err)
			}
		}
	}
	if c.ReadNoise != nil && *c.ReadNoise < 0 {
		return fmt.Errorf("readnoise must be non-negative, got %f", *c.ReadNoise)
	}
	if c.Gain != nil && *c.Gain <= 0 {
		return fmt.Errorf("gain must be positive, got %f", *c.Gain)
	}

	if c.FitMethod != nil {
		if m := *c.FitMethod; m != "gaussian" && m != "moffat" {
			return fmt.Errorf("unknown fit_method %q (want gaussian or moffat)", m)
		}
	}
	if c.FitFWHM != nil && *c.FitFWHM <= 0 {
		return fmt.Errorf("fit_fwhm must be positive, got %f", *c.FitFWHM)
	}
	if c.FitFWHMMin != nil && *c.FitFWHMMin <= 0 {
		return fmt.Errorf("fit_fwhm_min must be positive, got %f", *c.FitFWHMMin)
	}
	if c.FitBeta != nil && *c.FitBeta <= 1 {
		return fmt.Errorf("fit_beta must exceed 1, got %f", *c.FitBeta)
	}
	if c.FitHalfWidth != nil && *c.FitHalfWidth <= 0 {
		return fmt.Errorf("fit_half_width must be positive, got %f", *c.FitHalfWidth)
	}
	if c.FitMaxShift != nil && *c.FitMaxShift <= 0 {
		return fmt.Errorf("fit_max_shift must be positive, got %f", *c.FitMaxShift)
	}
	if c.FitNdiv != nil && *c.FitNdiv < 0 {
		return fmt.Errorf("fit_ndiv must be non-negative, got %d", *c.FitNdiv)
	}

	if c.SkyMethod != nil {
		if _, err := phot.ParseSkyMethod(*c.SkyMethod); err != nil {
			return err
		}
	}
	if c.SkyError != nil {
		if _, err := phot.ParseSkyErrorModel(*c.SkyError); err != nil {
			return err
		}
	}
	if err := c.SkyConfig().Validate(); err != nil {
		return err
	}

	for name, ch := range c.Channels {
		if ch == nil {
			continue
		}
		if ch.Resize != nil {
			if _, err := phot.ParseResizeMode(*ch.Resize); err != nil {
				return fmt.Errorf("channel %s: %w", name, err)
			}
		}
		if ch.Extraction != nil {
			if _, err := phot.ParseExtractionKind(*ch.Extraction); err != nil {
				return fmt.Errorf("channel %s: %w", name, err)
			}
		}
		if err := c.ResizeConfig(name).Validate(); err != nil {
			return fmt.Errorf("channel %s: %w", name, err)
		}
		if (ch.Nonlinear == nil) != (ch.Saturation == nil) {
			return fmt.Errorf("channel %s: set both nonlinear and saturation levels or neither", name)
		}
		if ch.Nonlinear != nil && *ch.Saturation < *ch.Nonlinear {
			return fmt.Errorf("channel %s: saturation level %f below nonlinear level %f",
				name, *ch.Saturation, *ch.Nonlinear)
		}
	}

	return nil
}

// GetGroupSize returns the dispatch group size or the default.
func (c *Config) GetGroupSize() int {
	if c.GroupSize == nil {
		return 1
	}
	return *c.GroupSize
}

// GetWorkers returns the worker-pool size; 0 means one per channel.
func (c *Config) GetWorkers() int {
	if c.Workers == nil {
		return 0
	}
	return *c.Workers
}

// GetFirstFrame returns the first frame number to reduce.
func (c *Config) GetFirstFrame() int {
	if c.FirstFrame == nil {
		return 1
	}
	return *c.FirstFrame
}

// GetLastFrame returns the last frame number to reduce; 0 means run to
// the end of the stream.
func (c *Config) GetLastFrame() int {
	if c.LastFrame == nil {
		return 0
	}
	return *c.LastFrame
}

// GetPollInterval returns the live-source poll interval.
func (c *Config) GetPollInterval() time.Duration {
	if c.PollInterval == nil || *c.PollInterval == "" {
		return time.Second
	}
	d, err := time.ParseDuration(*c.PollInterval)
	if err != nil {
		return time.Second
	}
	return d
}

// GetMaxWait returns the maximum cumulative wait before giving up on a
// live source.
func (c *Config) GetMaxWait() time.Duration {
	if c.MaxWait == nil || *c.MaxWait == "" {
		return 60 * time.Second
	}
	d, err := time.ParseDuration(*c.MaxWait)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// GetReadNoise returns the detector readout noise in counts.
func (c *Config) GetReadNoise() float64 {
	if c.ReadNoise == nil {
		return 4.5
	}
	return *c.ReadNoise
}

// GetGain returns the detector gain in electrons per count.
func (c *Config) GetGain() float64 {
	if c.Gain == nil {
		return 1.1
	}
	return *c.Gain
}

// GetFitNdiv returns the sub-pixel averaging factor for profile
// evaluation.
func (c *Config) GetFitNdiv() int {
	if c.FitNdiv == nil {
		return 0
	}
	return *c.FitNdiv
}

// FitOptions assembles the repositioning fit options.
func (c *Config) FitOptions() FitOptions {
	opt := FitOptions{
		Moffat:    c.FitMethod != nil && *c.FitMethod == "moffat",
		InitFWHM:  6.0,
		FWHMMin:   1.5,
		InitBeta:  4.0,
		HalfWidth: 21.0,
		MaxShift:  15.0,
		Ndiv:      c.GetFitNdiv(),
	}
	if c.FitFWHM != nil {
		opt.InitFWHM = *c.FitFWHM
	}
	if c.FitFWHMMin != nil {
		opt.FWHMMin = *c.FitFWHMMin
	}
	if c.FitFWHMFixed != nil {
		opt.FixFWHM = *c.FitFWHMFixed
	}
	if c.FitBeta != nil {
		opt.InitBeta = *c.FitBeta
	}
	if c.FitHalfWidth != nil {
		opt.HalfWidth = *c.FitHalfWidth
	}
	if c.FitMaxShift != nil {
		opt.MaxShift = *c.FitMaxShift
	}
	return opt
}

// SkyConfig assembles the sky-estimation policy. Enum strings are
// validated fatally in Validate; here unknown values fall back to the
// defaults like every other accessor.
func (c *Config) SkyConfig() phot.SkyConfig {
	cfg := phot.SkyConfig{
		Method: phot.SkyClipped,
		Error:  phot.SkyErrVariance,
		Thresh: 3.0,
	}
	if c.SkyMethod != nil {
		if m, err := phot.ParseSkyMethod(*c.SkyMethod); err == nil {
			cfg.Method = m
		}
	}
	if c.SkyError != nil {
		if e, err := phot.ParseSkyErrorModel(*c.SkyError); err == nil {
			cfg.Error = e
		}
	}
	if c.SkyThresh != nil {
		cfg.Thresh = *c.SkyThresh
	}
	return cfg
}

// channel returns the named per-channel section, never nil.
func (c *Config) channel(name string) *ChannelConfig {
	if ch, ok := c.Channels[name]; ok && ch != nil {
		return ch
	}
	return &ChannelConfig{}
}

// ResizeConfig assembles the aperture-sizing policy for one channel.
func (c *Config) ResizeConfig(name string) phot.ResizeConfig {
	ch := c.channel(name)
	cfg := phot.ResizeConfig{
		Mode: phot.ResizeVariable,
		Targ: phot.RadiusPolicy{Factor: 1.8, Min: 6, Max: 30},
		Sky1: phot.RadiusPolicy{Factor: 2.5, Min: 11, Max: 30},
		Sky2: phot.RadiusPolicy{Factor: 3.0, Min: 12, Max: 30},
	}
	if ch.Resize != nil {
		if m, err := phot.ParseResizeMode(*ch.Resize); err == nil {
			cfg.Mode = m
		}
	}
	if ch.Target != nil {
		cfg.Targ = *ch.Target
	}
	if ch.SkyInner != nil {
		cfg.Sky1 = *ch.SkyInner
	}
	if ch.SkyOuter != nil {
		cfg.Sky2 = *ch.SkyOuter
	}
	return cfg
}

// ExtractConfig assembles the full extraction policy for one channel.
func (c *Config) ExtractConfig(name string) phot.ExtractConfig {
	ch := c.channel(name)
	cfg := phot.ExtractConfig{
		Kind:   phot.ExtractNormal,
		Resize: c.ResizeConfig(name),
		Sky:    c.SkyConfig(),
		Ndiv:   c.GetFitNdiv(),
	}
	if ch.Extraction != nil {
		if k, err := phot.ParseExtractionKind(*ch.Extraction); err == nil {
			cfg.Kind = k
		}
	}
	if ch.Nonlinear != nil && ch.Saturation != nil {
		cfg.Levels = &phot.Thresholds{
			Saturation: *ch.Saturation,
			Nonlinear:  *ch.Nonlinear,
		}
	}
	return cfg
}
