package phot

import "fmt"

// ResizeMode selects how aperture radii track the seeing.
type ResizeMode int

const (
	// ResizeFixed clamps the existing radii to their limits.
	ResizeFixed ResizeMode = iota

	// ResizeVariable scales radii from the running mean FWHM.
	ResizeVariable
)

// ParseResizeMode maps a configuration string to a ResizeMode.
func ParseResizeMode(s string) (ResizeMode, error) {
	switch s {
	case "fixed":
		return ResizeFixed, nil
	case "variable":
		return ResizeVariable, nil
	default:
		return 0, fmt.Errorf("unknown resize mode %q (want fixed or variable)", s)
	}
}

func (m ResizeMode) String() string {
	switch m {
	case ResizeFixed:
		return "fixed"
	case ResizeVariable:
		return "variable"
	default:
		return fmt.Sprintf("ResizeMode(%d)", int(m))
	}
}

// RadiusPolicy bounds one radius kind and, in variable mode, scales
// it from the seeing.
type RadiusPolicy struct {
	Factor float64 `json:"factor"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

func (p RadiusPolicy) clamp(r float64) float64 {
	if r < p.Min {
		return p.Min
	}
	if r > p.Max {
		return p.Max
	}
	return r
}

func (p RadiusPolicy) fromFWHM(fwhm float64) float64 {
	return p.clamp(p.Factor * fwhm)
}

// ResizeConfig is the per-channel aperture sizing policy.
type ResizeConfig struct {
	Mode ResizeMode
	Targ RadiusPolicy
	Sky1 RadiusPolicy
	Sky2 RadiusPolicy
}

// Validate checks the limits are usable.
func (c ResizeConfig) Validate() error {
	for _, p := range []struct {
		name string
		pol  RadiusPolicy
	}{{"target", c.Targ}, {"inner sky", c.Sky1}, {"outer sky", c.Sky2}} {
		if p.pol.Min <= 0 || p.pol.Max < p.pol.Min {
			return fmt.Errorf("%s radius limits invalid (min=%.2f max=%.2f)",
				p.name, p.pol.Min, p.pol.Max)
		}
		if c.Mode == ResizeVariable && p.pol.Factor <= 0 {
			return fmt.Errorf("%s radius factor must be positive in variable mode", p.name)
		}
	}
	return nil
}

// Resize produces the aperture snapshot to use for one frame. In
// variable mode, or whenever optimal extraction demands a profile,
// the radii derive from the running mean FWHM; without a FWHM
// measurement resizing is impossible and ok is false, in which case
// the caller must report the no-FWHM condition instead of extracting.
// In fixed mode the existing radii are clamped to their limits.
func Resize(apset *ApertureSet, cfg ResizeConfig, optimal bool, meanFWHM float64) (out *ApertureSet, ok bool) {
	if cfg.Mode == ResizeVariable || optimal {
		if meanFWHM <= 0 {
			return nil, false
		}
		return apset.Transform(func(ap Aperture) Aperture {
			ap.RTarg = cfg.Targ.fromFWHM(meanFWHM)
			ap.RSky1 = cfg.Sky1.fromFWHM(meanFWHM)
			ap.RSky2 = cfg.Sky2.fromFWHM(meanFWHM)
			return ap
		}), true
	}

	return apset.Transform(func(ap Aperture) Aperture {
		ap.RTarg = cfg.Targ.clamp(ap.RTarg)
		ap.RSky1 = cfg.Sky1.clamp(ap.RSky1)
		ap.RSky2 = cfg.Sky2.clamp(ap.RSky2)
		return ap
	}), true
}
