package reduce

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altair-data/lightcurve.report/internal/phot"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := EmptyConfig()
	assert.Equal(t, 1, cfg.GetGroupSize())
	assert.Equal(t, 0, cfg.GetWorkers())
	assert.Equal(t, 1, cfg.GetFirstFrame())
	assert.Equal(t, 0, cfg.GetLastFrame())
	assert.Equal(t, time.Second, cfg.GetPollInterval())
	assert.Equal(t, 60*time.Second, cfg.GetMaxWait())
	assert.Equal(t, 4.5, cfg.GetReadNoise())
	assert.Equal(t, 1.1, cfg.GetGain())

	opt := cfg.FitOptions()
	assert.False(t, opt.Moffat)
	assert.Equal(t, 6.0, opt.InitFWHM)
	assert.Equal(t, 1.5, opt.FWHMMin)
	assert.False(t, opt.FixFWHM)
	assert.Equal(t, 4.0, opt.InitBeta)
	assert.Equal(t, 21.0, opt.HalfWidth)
	assert.Equal(t, 15.0, opt.MaxShift)

	sky := cfg.SkyConfig()
	assert.Equal(t, phot.SkyClipped, sky.Method)
	assert.Equal(t, phot.SkyErrVariance, sky.Error)
	assert.Equal(t, 3.0, sky.Thresh)

	rz := cfg.ResizeConfig("any")
	assert.Equal(t, phot.ResizeVariable, rz.Mode)
	assert.Equal(t, phot.RadiusPolicy{Factor: 1.8, Min: 6, Max: 30}, rz.Targ)
	assert.Equal(t, phot.RadiusPolicy{Factor: 2.5, Min: 11, Max: 30}, rz.Sky1)
	assert.Equal(t, phot.RadiusPolicy{Factor: 3.0, Min: 12, Max: 30}, rz.Sky2)

	ex := cfg.ExtractConfig("any")
	assert.Equal(t, phot.ExtractNormal, ex.Kind)
	assert.Nil(t, ex.Levels, "no warning levels without explicit configuration")
}

// The shipped defaults file must agree with the accessor fallbacks, so
// running with or without it behaves the same.
func TestDefaultConfigFileMatchesAccessors(t *testing.T) {
	t.Parallel()

	cfg := MustLoadDefaultConfig()
	empty := EmptyConfig()

	assert.Equal(t, empty.GetGroupSize(), cfg.GetGroupSize())
	assert.Equal(t, empty.GetWorkers(), cfg.GetWorkers())
	assert.Equal(t, empty.GetFirstFrame(), cfg.GetFirstFrame())
	assert.Equal(t, empty.GetLastFrame(), cfg.GetLastFrame())
	assert.Equal(t, empty.GetPollInterval(), cfg.GetPollInterval())
	assert.Equal(t, empty.GetMaxWait(), cfg.GetMaxWait())
	assert.Equal(t, empty.GetReadNoise(), cfg.GetReadNoise())
	assert.Equal(t, empty.GetGain(), cfg.GetGain())
	assert.Equal(t, empty.FitOptions(), cfg.FitOptions())
	assert.Equal(t, empty.SkyConfig(), cfg.SkyConfig())
	assert.Equal(t, empty.ResizeConfig("x"), cfg.ResizeConfig("x"))
}

func TestLoadConfigPartialOverride(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "run.json", `{
		"group_size": 5,
		"fit_method": "moffat",
		"fit_beta": 3.5,
		"sky_method": "median",
		"sky_error": "photon",
		"channels": {
			"1": {"resize": "fixed", "nonlinear": 50000, "saturation": 64000}
		}
	}`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.GetGroupSize())
	assert.Equal(t, 1, cfg.GetFirstFrame(), "unmentioned fields keep defaults")
	assert.Equal(t, 4.5, cfg.GetReadNoise())

	opt := cfg.FitOptions()
	assert.True(t, opt.Moffat)
	assert.Equal(t, 3.5, opt.InitBeta)

	sky := cfg.SkyConfig()
	assert.Equal(t, phot.SkyMedian, sky.Method)
	assert.Equal(t, phot.SkyErrPhoton, sky.Error)

	assert.Equal(t, phot.ResizeFixed, cfg.ResizeConfig("1").Mode)
	ex := cfg.ExtractConfig("1")
	require.NotNil(t, ex.Levels)
	assert.Equal(t, 64000.0, ex.Levels.Saturation)
	assert.Equal(t, 50000.0, ex.Levels.Nonlinear)

	assert.Equal(t, phot.ResizeVariable, cfg.ResizeConfig("2").Mode,
		"channels without a section use the defaults")
}

func TestLoadConfigRejectsBadFiles(t *testing.T) {
	t.Parallel()

	_, err := LoadConfig(writeConfig(t, "run.yaml", "group_size: 3"))
	assert.Error(t, err, "non-json extension")

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "run.json", "{not json"))
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
	}{
		{"zero group size", `{"group_size": 0}`},
		{"negative workers", `{"workers": -1}`},
		{"zero first frame", `{"first_frame": 0}`},
		{"bad poll interval", `{"poll_interval": "fast"}`},
		{"bad max wait", `{"max_wait": "later"}`},
		{"negative readnoise", `{"readnoise": -1}`},
		{"zero gain", `{"gain": 0}`},
		{"unknown fit method", `{"fit_method": "lorentzian"}`},
		{"zero fit fwhm", `{"fit_fwhm": 0}`},
		{"beta at one", `{"fit_beta": 1.0}`},
		{"zero half width", `{"fit_half_width": 0}`},
		{"zero max shift", `{"fit_max_shift": 0}`},
		{"negative ndiv", `{"fit_ndiv": -1}`},
		{"unknown sky method", `{"sky_method": "mode"}`},
		{"unknown sky error", `{"sky_error": "poisson"}`},
		{"median with variance errors", `{"sky_method": "median", "sky_error": "variance"}`},
		{"unknown resize mode", `{"channels": {"1": {"resize": "adaptive"}}}`},
		{"unknown extraction kind", `{"channels": {"1": {"extraction": "psf"}}}`},
		{"bad radius limits", `{"channels": {"1": {"target": {"factor": 1.8, "min": 0, "max": 30}}}}`},
		{"nonlinear without saturation", `{"channels": {"1": {"nonlinear": 50000}}}`},
		{"saturation below nonlinear", `{"channels": {"1": {"nonlinear": 50000, "saturation": 40000}}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := LoadConfig(writeConfig(t, "bad.json", tc.body))
			assert.Error(t, err)
		})
	}

	// The explicit defaults pass.
	cfg := MustLoadDefaultConfig()
	assert.NoError(t, cfg.Validate())
}
