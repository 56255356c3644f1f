package ccd

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Windat couples a Window with a 2D array of samples. The array shape
// is always (NY, NX) of the embedded Window; the two can never drift
// apart because construction checks the shape and all derived windats
// are built from their own windows.
//
// The backing matrix is always a freshly allocated, contiguous
// mat.Dense (stride == NX), so the raw data slice can be handed to
// gonum's vector routines directly.
type Windat struct {
	Window
	Data *mat.Dense
}

// NewWindat builds a Windat for win. A nil data matrix allocates a
// zeroed array of the right shape; otherwise the dimensions must match
// the window exactly.
func NewWindat(win Window, data *mat.Dense) (*Windat, error) {
	if data == nil {
		return &Windat{Window: win, Data: mat.NewDense(win.NY, win.NX, nil)}, nil
	}
	ny, nx := data.Dims()
	if nx != win.NX || ny != win.NY {
		return nil, fmt.Errorf("windat data shape (%d,%d) conflicts with %v", ny, nx, win)
	}
	return &Windat{Window: win, Data: data}, nil
}

// NewWindatValues builds a Windat from a row-major value slice of
// length NX*NY. Mostly a convenience for tests and synthetic frames.
func NewWindatValues(win Window, values []float64) (*Windat, error) {
	if len(values) != win.NX*win.NY {
		return nil, fmt.Errorf("windat values length %d conflicts with %v", len(values), win)
	}
	return &Windat{Window: win, Data: mat.NewDense(win.NY, win.NX, values)}, nil
}

// values returns the contiguous backing slice. Valid because every
// Windat owns a fresh Dense with stride == NX.
func (wd *Windat) values() []float64 {
	return wd.Data.RawMatrix().Data
}

// Copy returns a deep copy.
func (wd *Windat) Copy() *Windat {
	out := mat.NewDense(wd.NY, wd.NX, nil)
	out.Copy(wd.Data)
	return &Windat{Window: wd.Window, Data: out}
}

// Win returns a copy of the underlying Window.
func (wd *Windat) Win() Window { return wd.Window }

// SetConst sets every sample to v.
func (wd *Windat) SetConst(v float64) {
	vals := wd.values()
	for i := range vals {
		vals[i] = v
	}
}

// Min returns the smallest sample.
func (wd *Windat) Min() float64 { return floats.Min(wd.values()) }

// Max returns the largest sample.
func (wd *Windat) Max() float64 { return floats.Max(wd.values()) }

// Sum returns the sum of all samples.
func (wd *Windat) Sum() float64 { return floats.Sum(wd.values()) }

// Mean returns the mean sample value.
func (wd *Windat) Mean() float64 { return stat.Mean(wd.values(), nil) }

// Std returns the population standard deviation of the samples.
func (wd *Windat) Std() float64 { return stat.PopStdDev(wd.values(), nil) }

// Median returns the median sample value, averaging the central pair
// for arrays of even size.
func (wd *Windat) Median() float64 {
	return medianOf(wd.values())
}

// medianOf copies and sorts vals. An empty slice returns NaN.
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

// AddConst adds v to every sample.
func (wd *Windat) AddConst(v float64) { floats.AddConst(v, wd.values()) }

// MulConst multiplies every sample by v.
func (wd *Windat) MulConst(v float64) { floats.Scale(v, wd.values()) }

// DivConst divides every sample by v.
func (wd *Windat) DivConst(v float64) { floats.Scale(1/v, wd.values()) }

// Add adds another windat sample-wise. The windows must match exactly.
func (wd *Windat) Add(o *Windat) error {
	if err := wd.Matches(o.Window); err != nil {
		return err
	}
	floats.Add(wd.values(), o.values())
	return nil
}

// Sub subtracts another windat sample-wise. The windows must match exactly.
func (wd *Windat) Sub(o *Windat) error {
	if err := wd.Matches(o.Window); err != nil {
		return err
	}
	floats.Sub(wd.values(), o.values())
	return nil
}

// SubScaled subtracts scale*o sample-wise, used for exposure-scaled
// dark subtraction. The windows must match exactly.
func (wd *Windat) SubScaled(o *Windat, scale float64) error {
	if err := wd.Matches(o.Window); err != nil {
		return err
	}
	floats.AddScaled(wd.values(), -scale, o.values())
	return nil
}

// Mul multiplies by another windat sample-wise. The windows must match
// exactly.
func (wd *Windat) Mul(o *Windat) error {
	if err := wd.Matches(o.Window); err != nil {
		return err
	}
	floats.Mul(wd.values(), o.values())
	return nil
}

// Div divides by another windat sample-wise. The windows must match
// exactly.
func (wd *Windat) Div(o *Windat) error {
	if err := wd.Matches(o.Window); err != nil {
		return err
	}
	floats.Div(wd.values(), o.values())
	return nil
}

// WindowOf returns a new Windat restricted to the complete pixels
// visible in the continuous-coordinate box (xlo, xhi, ylo, yhi). The
// samples are copied, never aliased. Returns ErrEmptyOverlap if no
// pixel qualifies.
func (wd *Windat) WindowOf(xlo, xhi, ylo, yhi float64) (*Windat, error) {
	win, err := wd.Window.Window(xlo, xhi, ylo, yhi)
	if err != nil {
		return nil, err
	}

	// The generated window is in step with this one, so plain slicing
	// applies.
	x1 := (win.LLX - wd.LLX) / wd.XBin
	y1 := (win.LLY - wd.LLY) / wd.YBin

	out := mat.NewDense(win.NY, win.NX, nil)
	for iy := 0; iy < win.NY; iy++ {
		for ix := 0; ix < win.NX; ix++ {
			out.Set(iy, ix, wd.Data.At(y1+iy, x1+ix))
		}
	}
	return &Windat{Window: win, Data: out}, nil
}

// Crop cuts the windat down to the format of win. The windat must
// contain win with grids in step. If win is more coarsely binned, the
// samples are block-averaged over the integer binning ratio, as
// appropriate when cropping calibration frames.
func (wd *Windat) Crop(win Window) (*Windat, error) {
	if !wd.Contains(win) {
		return nil, fmt.Errorf("cannot crop %v to %v: %w", wd.Window, win, ErrOutOfStep)
	}

	xstart := (win.LLX - wd.LLX) / wd.XBin
	ystart := (win.LLY - wd.LLY) / wd.YBin
	bx := win.XBin / wd.XBin
	by := win.YBin / wd.YBin

	out := mat.NewDense(win.NY, win.NX, nil)
	if bx == 1 && by == 1 {
		for iy := 0; iy < win.NY; iy++ {
			for ix := 0; ix < win.NX; ix++ {
				out.Set(iy, ix, wd.Data.At(ystart+iy, xstart+ix))
			}
		}
	} else {
		norm := 1 / float64(bx*by)
		for iy := 0; iy < win.NY; iy++ {
			for ix := 0; ix < win.NX; ix++ {
				sum := 0.0
				for jy := 0; jy < by; jy++ {
					for jx := 0; jx < bx; jx++ {
						sum += wd.Data.At(ystart+iy*by+jy, xstart+ix*bx+jx)
					}
				}
				out.Set(iy, ix, sum*norm)
			}
		}
	}
	return &Windat{Window: win, Data: out}, nil
}

// AddFXY adds the value of fn, a function of physical (x, y), to every
// pixel. With ndiv == 0 the function is evaluated at pixel centres;
// with ndiv > 0 it is averaged over an ndiv*ndiv grid per unbinned
// pixel, which matters for sharply peaked profiles on binned data.
func (wd *Windat) AddFXY(fn func(x, y float64) float64, ndiv int) {
	if ndiv <= 0 {
		for iy := 0; iy < wd.NY; iy++ {
			y := wd.Y(float64(iy))
			for ix := 0; ix < wd.NX; ix++ {
				x := wd.X(float64(ix))
				wd.Data.Set(iy, ix, wd.Data.At(iy, ix)+fn(x, y))
			}
		}
		return
	}

	nsx := wd.XBin * ndiv
	nsy := wd.YBin * ndiv
	scale := 1 / float64(ndiv*ndiv*wd.XBin*wd.YBin)
	for iy := 0; iy < wd.NY; iy++ {
		y := wd.Y(float64(iy))
		for ix := 0; ix < wd.NX; ix++ {
			x := wd.X(float64(ix))
			sum := 0.0
			for jy := 0; jy < nsy; jy++ {
				dy := (float64(jy) - float64(nsy-1)/2) / float64(ndiv)
				for jx := 0; jx < nsx; jx++ {
					dx := (float64(jx) - float64(nsx-1)/2) / float64(ndiv)
					sum += fn(x+dx, y+dy)
				}
			}
			wd.Data.Set(iy, ix, wd.Data.At(iy, ix)+sum*scale)
		}
	}
}
