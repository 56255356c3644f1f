package reduce

import (
	"fmt"

	"github.com/altair-data/lightcurve.report/internal/ccd"
	"github.com/altair-data/lightcurve.report/internal/ccd/fits"
)

// Calibrator applies the standard calibration chain to raw frames:
// bias subtraction, exposure-scaled dark subtraction, flat division.
// Any nil frame skips its step.
type Calibrator struct {
	Bias *ccd.Frame
	Dark *ccd.Frame
	Flat *ccd.Frame
}

// LoadCalibrator reads calibration frames from FITS files. Empty paths
// leave the corresponding step disabled.
func LoadCalibrator(biasPath, darkPath, flatPath string) (*Calibrator, error) {
	c := &Calibrator{}
	var err error
	if biasPath != "" {
		if c.Bias, err = fits.ReadFile(biasPath); err != nil {
			return nil, fmt.Errorf("failed to load bias: %w", err)
		}
	}
	if darkPath != "" {
		if c.Dark, err = fits.ReadFile(darkPath); err != nil {
			return nil, fmt.Errorf("failed to load dark: %w", err)
		}
	}
	if flatPath != "" {
		if c.Flat, err = fits.ReadFile(flatPath); err != nil {
			return nil, fmt.Errorf("failed to load flat: %w", err)
		}
	}
	return c, nil
}

// CropTo cuts every calibration frame down to the window format of the
// first data frame. Calibration frames normally cover the full chip;
// cropping once up front lets per-frame application be plain
// arithmetic.
func (c *Calibrator) CropTo(tmpl *ccd.Frame) (*Calibrator, error) {
	out := &Calibrator{}
	var err error
	if c.Bias != nil {
		if out.Bias, err = c.Bias.CropTo(tmpl); err != nil {
			return nil, fmt.Errorf("bias does not cover the data windows: %w", err)
		}
	}
	if c.Dark != nil {
		if out.Dark, err = c.Dark.CropTo(tmpl); err != nil {
			return nil, fmt.Errorf("dark does not cover the data windows: %w", err)
		}
	}
	if c.Flat != nil {
		if out.Flat, err = c.Flat.CropTo(tmpl); err != nil {
			return nil, fmt.Errorf("flat does not cover the data windows: %w", err)
		}
	}
	return out, nil
}

// Apply calibrates one frame, returning a new frame and leaving the
// raw input untouched. The dark is scaled by (exposure − biasExposure)
// / darkExposure: the bias frame already contains its own exposure's
// dark current.
func (c *Calibrator) Apply(raw *ccd.Frame) (*ccd.Frame, error) {
	proc := raw.Copy()

	biasExpose := 0.0
	if c.Bias != nil {
		if err := proc.Sub(c.Bias); err != nil {
			return nil, fmt.Errorf("bias subtraction failed: %w", err)
		}
		biasExpose = c.Bias.Meta.Expose
	}
	if c.Dark != nil {
		if c.Dark.Meta.Expose <= 0 {
			return nil, fmt.Errorf("dark frame has no exposure time")
		}
		scale := (raw.Meta.Expose - biasExpose) / c.Dark.Meta.Expose
		if err := proc.SubScaled(c.Dark, scale); err != nil {
			return nil, fmt.Errorf("dark subtraction failed: %w", err)
		}
	}
	if c.Flat != nil {
		if err := proc.Div(c.Flat); err != nil {
			return nil, fmt.Errorf("flat division failed: %w", err)
		}
	}
	return proc, nil
}

// NoiseMaps builds the per-pixel readout-noise and gain frames used by
// sky estimation and the profile fits. Both start uniform; flat
// division propagates into them because calibrated counts are raw
// counts over flat.
func (c *Calibrator) NoiseMaps(tmpl *ccd.Frame, readNoise, gain float64) (read, gainMap *ccd.Frame, err error) {
	read = tmpl.Copy()
	gainMap = tmpl.Copy()
	for _, name := range tmpl.Names() {
		if ch, ok := read.Channel(name); ok {
			ch.SetConst(readNoise)
		}
		if ch, ok := gainMap.Channel(name); ok {
			ch.SetConst(gain)
		}
	}
	if c.Flat != nil {
		if err := read.Div(c.Flat); err != nil {
			return nil, nil, fmt.Errorf("failed to scale readnoise by flat: %w", err)
		}
		if err := gainMap.Mul(c.Flat); err != nil {
			return nil, nil, fmt.Errorf("failed to scale gain by flat: %w", err)
		}
	}
	return read, gainMap, nil
}
