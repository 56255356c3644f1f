package fitting

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGaussian_PeakAndHalfMax(t *testing.T) {
	t.Parallel()

	sky, height, fwhm := 20.0, 500.0, 4.0
	x := []float64{10, 10 + fwhm/2, 10 + fwhm}
	y := []float64{10, 10, 10}

	vals := Gaussian(x, y, sky, height, 10, 10, fwhm, 1, 1, 0)

	assert.InDelta(t, sky+height, vals[0], 1e-9)
	// Half maximum at r = fwhm/2 above the sky.
	assert.InDelta(t, sky+height/2, vals[1], 1e-9)
	// One FWHM out: (1/2)^4 of the peak.
	assert.InDelta(t, sky+height/16, vals[2], 1e-9)
}

func TestMoffat_HalfMaxAtHalfFWHM(t *testing.T) {
	t.Parallel()

	for _, beta := range []float64{1.5, 3, 8} {
		vals := Moffat(
			[]float64{0, 2}, []float64{0, 0},
			0, 100, 0, 0, 4, beta, 1, 1, 0,
		)
		assert.InDelta(t, 100.0, vals[0], 1e-9, "beta=%v", beta)
		assert.InDelta(t, 50.0, vals[1], 1e-9, "half max at fwhm/2, beta=%v", beta)
	}
}

func TestMoffat_LargeBetaApproachesGaussian(t *testing.T) {
	t.Parallel()

	x := []float64{0, 1, 2, 3}
	y := []float64{0, 0.5, 1, 1.5}
	g := Gaussian(x, y, 5, 200, 0, 0, 3.5, 1, 1, 0)
	m := Moffat(x, y, 5, 200, 0, 0, 3.5, 5000, 1, 1, 0)

	for i := range x {
		assert.InDelta(t, g[i], m[i], 0.05)
	}
}

func TestEvalRadial_SubdivisionAveragesOverPixel(t *testing.T) {
	t.Parallel()

	// A strongly peaked profile sampled at a pixel centre must exceed
	// its average over the pixel footprint.
	centre := Gaussian([]float64{0}, []float64{0}, 0, 100, 0, 0, 0.8, 1, 1, 0)
	avg := Gaussian([]float64{0}, []float64{0}, 0, 100, 0, 0, 0.8, 1, 1, 8)
	assert.Less(t, avg[0], centre[0])
	assert.Greater(t, avg[0], 0.0)

	// A constant-plus-nothing profile is unchanged by subdivision.
	flat := Gaussian([]float64{3}, []float64{4}, 7, 0, 0, 0, 2, 2, 2, 4)
	assert.InDelta(t, 7.0, flat[0], 1e-12)
}

func TestEvalRadial_BinnedSubgridIsCentred(t *testing.T) {
	t.Parallel()

	// Averaging a symmetric profile centred on the sampled position
	// over a centred subgrid keeps the result symmetric: equal values
	// for positions mirrored about the centre.
	left := Moffat([]float64{-2}, []float64{0}, 0, 50, 0, 0, 3, 2.5, 2, 2, 3)
	right := Moffat([]float64{2}, []float64{0}, 0, 50, 0, 0, 3, 2.5, 2, 2, 3)
	assert.InDelta(t, left[0], right[0], 1e-12)
}

func TestMoffatAlpha_HalfLightRadius(t *testing.T) {
	t.Parallel()

	// The alpha normalisation puts the half-height radius at fwhm/2
	// for every beta.
	for _, beta := range []float64{1.2, 2, 10} {
		fwhm := 6.0
		alpha := moffatAlpha(fwhm, beta)
		r := fwhm / 2
		assert.InDelta(t, 0.5, math.Pow(1+alpha*r*r, -beta), 1e-12)
	}
}
