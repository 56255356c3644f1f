package phot

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// SkyMethod selects how the sky level is estimated from the annulus.
type SkyMethod int

const (
	// SkyClipped iterates a sigma-clipped mean to a fixed point.
	SkyClipped SkyMethod = iota

	// SkyMedian takes the median with an analytic photon-noise error.
	SkyMedian
)

// ParseSkyMethod maps a configuration string to a SkyMethod.
func ParseSkyMethod(s string) (SkyMethod, error) {
	switch s {
	case "clipped":
		return SkyClipped, nil
	case "median":
		return SkyMedian, nil
	default:
		return 0, fmt.Errorf("unknown sky method %q (want clipped or median)", s)
	}
}

func (m SkyMethod) String() string {
	switch m {
	case SkyClipped:
		return "clipped"
	case SkyMedian:
		return "median"
	default:
		return fmt.Sprintf("SkyMethod(%d)", int(m))
	}
}

// SkyErrorModel selects how target-flux variance treats the sky: the
// variance model replaces per-pixel readout noise with the measured
// sky scatter (which already folds in the sky's photon noise), the
// photon model keeps true readout noise and adds photon noise from
// the un-subtracted signal.
type SkyErrorModel int

const (
	SkyErrVariance SkyErrorModel = iota
	SkyErrPhoton
)

// ParseSkyErrorModel maps a configuration string to a SkyErrorModel.
func ParseSkyErrorModel(s string) (SkyErrorModel, error) {
	switch s {
	case "variance":
		return SkyErrVariance, nil
	case "photon":
		return SkyErrPhoton, nil
	default:
		return 0, fmt.Errorf("unknown sky error model %q (want variance or photon)", s)
	}
}

func (m SkyErrorModel) String() string {
	switch m {
	case SkyErrVariance:
		return "variance"
	case SkyErrPhoton:
		return "photon"
	default:
		return fmt.Sprintf("SkyErrorModel(%d)", int(m))
	}
}

// SkyConfig is the sky-estimation policy for a run. The method and
// error model form a joint policy: the variance error model needs the
// scatter measured by the clipped method, so median pairs only with
// photon.
type SkyConfig struct {
	Method SkyMethod
	Error  SkyErrorModel

	// Thresh is the clipping threshold in standard deviations for
	// SkyClipped.
	Thresh float64
}

// Validate rejects incoherent joint policies.
func (c SkyConfig) Validate() error {
	if c.Method == SkyMedian && c.Error == SkyErrVariance {
		return fmt.Errorf("sky method median cannot use the variance error model")
	}
	if c.Method == SkyClipped && c.Thresh <= 0 {
		return fmt.Errorf("sky clipping threshold must be positive, got %.2f", c.Thresh)
	}
	return nil
}

// skyEstimate is the outcome of sky estimation over one annulus.
type skyEstimate struct {
	level  float64 // estimated sky level per pixel
	rms    float64 // scatter of accepted pixels (clipped method only)
	serror float64 // uncertainty on level
	nsky   int     // accepted pixels
	nrej   int     // rejected pixels
}

// estimateSky runs the configured estimator over the annulus pixels.
// reads and gains run parallel to vals and feed the photon model.
// Must be called with at least one pixel.
func estimateSky(vals, reads, gains []float64, cfg SkyConfig) skyEstimate {
	if cfg.Method == SkyMedian {
		level := medianOf(vals)
		var sum float64
		for i, v := range vals {
			sum += reads[i]*reads[i] + math.Max(0, v)/gains[i]
		}
		n := len(vals)
		return skyEstimate{
			level:  level,
			serror: math.Sqrt(sum) / float64(n),
			nsky:   n,
		}
	}

	// Sigma-clipped mean: reject pixels beyond thresh*rms of the mean
	// and repeat until the accepted set stops changing. Zero scatter
	// is already a fixed point.
	ok := make([]bool, len(vals))
	for i := range ok {
		ok[i] = true
	}
	accepted := make([]float64, 0, len(vals))

	var level, rms float64
	for {
		accepted = accepted[:0]
		for i, v := range vals {
			if ok[i] {
				accepted = append(accepted, v)
			}
		}
		level = stat.Mean(accepted, nil)
		rms = stat.PopStdDev(accepted, nil)
		if rms == 0 {
			break
		}

		nrej := 0
		for i, v := range vals {
			if ok[i] && math.Abs(v-level) >= cfg.Thresh*rms {
				ok[i] = false
				nrej++
			}
		}
		if nrej == 0 {
			break
		}
	}

	nsky := len(accepted)
	return skyEstimate{
		level:  level,
		rms:    rms,
		serror: rms / math.Sqrt(float64(nsky)),
		nsky:   nsky,
		nrej:   len(vals) - nsky,
	}
}

func medianOf(vals []float64) float64 {
	n := len(vals)
	if n == 0 {
		return math.NaN()
	}
	sorted := make([]float64, n)
	copy(sorted, vals)
	sort.Float64s(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return 0.5 * (sorted[n/2-1] + sorted[n/2])
}
