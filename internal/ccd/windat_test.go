package ccd

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustWindat(t *testing.T, win Window, values []float64) *Windat {
	t.Helper()
	wd, err := NewWindatValues(win, values)
	require.NoError(t, err)
	return wd
}

func TestNewWindat_ShapeCheck(t *testing.T) {
	t.Parallel()
	win := mustWindow(t, 1, 1, 3, 2, 1, 1)

	wd, err := NewWindat(win, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, wd.Sum(), 1e-12)

	_, err = NewWindatValues(win, []float64{1, 2, 3})
	assert.Error(t, err)
}

func TestWindat_Stats(t *testing.T) {
	t.Parallel()
	win := mustWindow(t, 1, 1, 3, 2, 1, 1)
	wd := mustWindat(t, win, []float64{1, 2, 3, 4, 5, 6})

	assert.InDelta(t, 1.0, wd.Min(), 1e-12)
	assert.InDelta(t, 6.0, wd.Max(), 1e-12)
	assert.InDelta(t, 21.0, wd.Sum(), 1e-12)
	assert.InDelta(t, 3.5, wd.Mean(), 1e-12)
	assert.InDelta(t, 3.5, wd.Median(), 1e-12)
	// Population standard deviation of 1..6.
	assert.InDelta(t, math.Sqrt(35.0/12.0), wd.Std(), 1e-12)
}

func TestWindat_MedianConventions(t *testing.T) {
	t.Parallel()

	odd := mustWindat(t, mustWindow(t, 1, 1, 3, 1, 1, 1), []float64{5, 1, 3})
	assert.InDelta(t, 3.0, odd.Median(), 1e-12)

	even := mustWindat(t, mustWindow(t, 1, 1, 4, 1, 1, 1), []float64{4, 1, 3, 2})
	assert.InDelta(t, 2.5, even.Median(), 1e-12)
}

func TestWindat_Arithmetic(t *testing.T) {
	t.Parallel()
	win := mustWindow(t, 1, 1, 2, 1, 1, 1)

	t.Run("elementwise", func(t *testing.T) {
		t.Parallel()
		a := mustWindat(t, win, []float64{10, 12})
		b := mustWindat(t, win, []float64{2, 4})

		require.NoError(t, a.Add(b))
		assert.Equal(t, []float64{12, 16}, a.values())

		require.NoError(t, a.Sub(b))
		assert.Equal(t, []float64{10, 12}, a.values())

		require.NoError(t, a.Mul(b))
		assert.Equal(t, []float64{20, 48}, a.values())

		require.NoError(t, a.Div(b))
		assert.Equal(t, []float64{10, 12}, a.values())
	})

	t.Run("sub scaled", func(t *testing.T) {
		t.Parallel()
		a := mustWindat(t, win, []float64{10, 10})
		b := mustWindat(t, win, []float64{2, 4})
		require.NoError(t, a.SubScaled(b, 1.5))
		assert.InDelta(t, 7.0, a.Data.At(0, 0), 1e-12)
		assert.InDelta(t, 4.0, a.Data.At(0, 1), 1e-12)
	})

	t.Run("constants", func(t *testing.T) {
		t.Parallel()
		a := mustWindat(t, win, []float64{10, 12})
		a.AddConst(1)
		a.MulConst(2)
		a.DivConst(4)
		assert.InDelta(t, 5.5, a.Data.At(0, 0), 1e-12)
		assert.InDelta(t, 6.5, a.Data.At(0, 1), 1e-12)
	})

	t.Run("window mismatch", func(t *testing.T) {
		t.Parallel()
		a := mustWindat(t, win, []float64{10, 12})
		other := mustWindat(t, mustWindow(t, 2, 1, 2, 1, 1, 1), []float64{1, 1})
		assert.ErrorIs(t, a.Add(other), ErrWindowMismatch)
		assert.ErrorIs(t, a.Div(other), ErrWindowMismatch)
	})
}

func TestWindat_CopyIsDeep(t *testing.T) {
	t.Parallel()
	wd := mustWindat(t, mustWindow(t, 1, 1, 2, 2, 1, 1), []float64{1, 2, 3, 4})

	cp := wd.Copy()
	cp.SetConst(0)
	assert.InDelta(t, 10.0, wd.Sum(), 1e-12)
	assert.InDelta(t, 0.0, cp.Sum(), 1e-12)
}

// fullField builds a 10x10 unbinned windat whose value at unbinned
// position (x, y) is x + 100*y, so slices are easy to predict.
func fullField(t *testing.T) *Windat {
	t.Helper()
	win := mustWindow(t, 1, 1, 10, 10, 1, 1)
	vals := make([]float64, 100)
	for iy := 0; iy < 10; iy++ {
		for ix := 0; ix < 10; ix++ {
			vals[iy*10+ix] = float64(ix+1) + 100*float64(iy+1)
		}
	}
	return mustWindat(t, win, vals)
}

func TestWindat_WindowOf(t *testing.T) {
	t.Parallel()
	wd := fullField(t)

	sub, err := wd.WindowOf(3.6, 7.4, 2.0, 5.0)
	require.NoError(t, err)
	assert.Equal(t, mustWindow(t, 5, 3, 2, 2, 1, 1), sub.Window)
	assert.Equal(t, []float64{305, 306, 405, 406}, sub.values())

	// Copied, not aliased.
	sub.SetConst(0)
	assert.InDelta(t, 305, wd.Data.At(2, 4), 1e-12)
}

func TestWindat_WindowOf_EmptyOverlap(t *testing.T) {
	t.Parallel()
	wd := fullField(t)
	_, err := wd.WindowOf(50, 60, 50, 60)
	assert.ErrorIs(t, err, ErrEmptyOverlap)
}

func TestWindat_Crop_MatchesWindowOf(t *testing.T) {
	t.Parallel()
	wd := fullField(t)

	target := mustWindow(t, 5, 3, 2, 2, 1, 1)
	cropped, err := wd.Crop(target)
	require.NoError(t, err)

	sub, err := wd.WindowOf(target.Extent())
	require.NoError(t, err)
	assert.Equal(t, sub.Window, cropped.Window)
	assert.Equal(t, sub.values(), cropped.values())
}

func TestWindat_Crop_Rebins(t *testing.T) {
	t.Parallel()
	win := mustWindow(t, 1, 1, 4, 4, 1, 1)
	vals := make([]float64, 16)
	for i := range vals {
		vals[i] = float64(i + 1)
	}
	wd := mustWindat(t, win, vals)

	cropped, err := wd.Crop(mustWindow(t, 1, 1, 2, 2, 2, 2))
	require.NoError(t, err)
	// Each output pixel is the mean of a 2x2 block.
	assert.Equal(t, []float64{3.5, 5.5, 11.5, 13.5}, cropped.values())
}

func TestWindat_Crop_OutOfStep(t *testing.T) {
	t.Parallel()
	wd, err := NewWindat(mustWindow(t, 1, 1, 4, 4, 2, 2), nil)
	require.NoError(t, err)

	_, err = wd.Crop(mustWindow(t, 2, 2, 2, 2, 2, 2))
	assert.ErrorIs(t, err, ErrOutOfStep)
}

// ---------------------------------------------------------------------------
// AddFXY
// ---------------------------------------------------------------------------

func TestWindat_AddFXY_PixelCentres(t *testing.T) {
	t.Parallel()
	wd, err := NewWindat(mustWindow(t, 2, 3, 2, 2, 1, 1), nil)
	require.NoError(t, err)

	wd.AddFXY(func(x, y float64) float64 { return x + y }, 0)
	assert.Equal(t, []float64{5, 6, 6, 7}, wd.values())
}

func TestWindat_AddFXY_SubdividedConstant(t *testing.T) {
	t.Parallel()
	wd, err := NewWindat(mustWindow(t, 1, 1, 2, 2, 2, 2), nil)
	require.NoError(t, err)

	// Averaging a constant over any subgrid returns the constant.
	wd.AddFXY(func(x, y float64) float64 { return 2.5 }, 3)
	for _, v := range wd.values() {
		assert.InDelta(t, 2.5, v, 1e-12)
	}
}

func TestWindat_AddFXY_SubgridIsCentred(t *testing.T) {
	t.Parallel()
	wd, err := NewWindat(mustWindow(t, 1, 1, 1, 1, 2, 2), nil)
	require.NoError(t, err)

	// A linear function averaged over a centred grid equals its value
	// at the pixel centre.
	wd.AddFXY(func(x, y float64) float64 { return 3*x - 2*y }, 2)
	want := 3*wd.X(0) - 2*wd.Y(0)
	assert.InDelta(t, want, wd.Data.At(0, 0), 1e-12)
}
