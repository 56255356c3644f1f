package fitting

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/altair-data/lightcurve.report/internal/ccd"
)

// ErrFitFailed is returned when the minimiser cannot make progress,
// typically because the normal equations are singular or the inputs
// leave the model degenerate.
var ErrFitFailed = errors.New("profile fit failed")

// Params holds one full set of profile parameters. Beta is unused for
// Gaussian fits and reported as 0.
type Params struct {
	Sky    float64
	Height float64
	XCen   float64
	YCen   float64
	FWHM   float64
	Beta   float64
}

// Result is a completed fit: the best parameters, their one-sigma
// uncertainties (-1 where a parameter was held fixed or driven to a
// limit) and the fit statistics.
type Result struct {
	Params
	Errs    Params
	ChiSq   float64
	NPoints int
	NIter   int
}

// Config controls a fit.
type Config struct {
	// Moffat selects the Moffat model; otherwise a Gaussian is fit.
	Moffat bool

	// FixFWHM holds the FWHM at its initial value.
	FixFWHM bool

	// FWHMMin is the smallest FWHM the fit may reach.
	FWHMMin float64

	// BetaMax caps the Moffat exponent; beta is kept within
	// [1, BetaMax]. Zero means 100.
	BetaMax float64

	// Ndiv subdivides binned pixels during model evaluation, as in
	// Gaussian and Moffat.
	Ndiv int

	// MaxIter bounds the outer iterations. Zero means 100.
	MaxIter int
}

func (c Config) betaMax() float64 {
	if c.BetaMax <= 0 {
		return 100
	}
	return c.BetaMax
}

func (c Config) maxIter() int {
	if c.MaxIter <= 0 {
		return 100
	}
	return c.MaxIter
}

// Parameter vector layout: sky, height, xcen, ycen always present,
// then fwhm if free, then beta if Moffat.
const (
	pSky = iota
	pHeight
	pXCen
	pYCen
)

type layout struct {
	n    int
	fwhm int // -1 when fixed
	beta int // -1 for Gaussian
}

func makeLayout(cfg Config) layout {
	l := layout{n: 4, fwhm: -1, beta: -1}
	if !cfg.FixFWHM {
		l.fwhm = l.n
		l.n++
	}
	if cfg.Moffat {
		l.beta = l.n
		l.n++
	}
	return l
}

// fitData is the flattened pixel set a fit runs over.
type fitData struct {
	x, y, d, w []float64
	xbin, ybin int
}

// flatten collects positions, samples and inverse-sigma weights from
// the data box and its noise maps. The per-pixel sigma combines
// readout noise with the photon noise of positive samples.
func flatten(data, read, gain *ccd.Windat) (fitData, error) {
	if err := data.Matches(read.Window); err != nil {
		return fitData{}, fmt.Errorf("readnoise map: %w", err)
	}
	if err := data.Matches(gain.Window); err != nil {
		return fitData{}, fmt.Errorf("gain map: %w", err)
	}

	n := data.NX * data.NY
	fd := fitData{
		x:    make([]float64, 0, n),
		y:    make([]float64, 0, n),
		d:    make([]float64, 0, n),
		w:    make([]float64, 0, n),
		xbin: data.XBin,
		ybin: data.YBin,
	}
	for iy := 0; iy < data.NY; iy++ {
		yp := data.Y(float64(iy))
		for ix := 0; ix < data.NX; ix++ {
			d := data.Data.At(iy, ix)
			r := read.Data.At(iy, ix)
			g := gain.Data.At(iy, ix)
			sigsq := r * r
			if d > 0 && g > 0 {
				sigsq += d / g
			}
			if sigsq <= 0 {
				return fitData{}, fmt.Errorf("non-positive pixel variance at (%d,%d): %w", ix, iy, ErrFitFailed)
			}
			fd.x = append(fd.x, data.X(float64(ix)))
			fd.y = append(fd.y, yp)
			fd.d = append(fd.d, d)
			fd.w = append(fd.w, 1/math.Sqrt(sigsq))
		}
	}
	return fd, nil
}

// Fit runs a Levenberg-Marquardt minimisation of the selected profile
// against the data box, weighting pixels by their inverse noise.
// Fitted parameters are kept within the configured limits; a
// parameter that ends on a limit reports uncertainty -1.
func Fit(data, read, gain *ccd.Windat, init Params, cfg Config) (*Result, error) {
	if init.FWHM <= 0 {
		return nil, fmt.Errorf("initial FWHM %.3g must be positive: %w", init.FWHM, ErrFitFailed)
	}
	if cfg.Moffat && init.Beta <= 0 {
		return nil, fmt.Errorf("initial beta %.3g must be positive: %w", init.Beta, ErrFitFailed)
	}

	fd, err := flatten(data, read, gain)
	if err != nil {
		return nil, err
	}
	lay := makeLayout(cfg)
	if len(fd.d) < lay.n {
		return nil, fmt.Errorf("%d pixels cannot constrain %d parameters: %w", len(fd.d), lay.n, ErrFitFailed)
	}

	p := pack(clampParams(init, cfg), lay)
	lambda := 1e-3

	model := make([]float64, len(fd.d))
	grad := mat.NewDense(len(fd.d), lay.n, nil)
	evalModel(fd, p, lay, cfg, init, model, grad)
	chisq := chiSquared(fd, model)

	niter := 0
	converged := false
	for niter < cfg.maxIter() && !converged {
		niter++
		a, b := normalEquations(fd, model, grad, lay.n)

		accepted := false
		for tries := 0; tries < 12; tries++ {
			delta, solveErr := solveDamped(a, b, lambda, lay.n)
			if solveErr != nil {
				lambda *= 10
				continue
			}

			trial := make([]float64, lay.n)
			copy(trial, p)
			for j := 0; j < lay.n; j++ {
				trial[j] += delta.AtVec(j)
			}
			clampVector(trial, lay, cfg)

			trialModel := make([]float64, len(fd.d))
			trialGrad := mat.NewDense(len(fd.d), lay.n, nil)
			evalModel(fd, trial, lay, cfg, init, trialModel, trialGrad)
			trialChi := chiSquared(fd, trialModel)

			if trialChi <= chisq {
				improved := chisq - trialChi
				p = trial
				model = trialModel
				grad = trialGrad
				chisq = trialChi
				lambda = math.Max(lambda/10, 1e-12)
				accepted = true
				converged = improved < 1e-8*(1+chisq)
				break
			}
			lambda *= 10
		}
		if !accepted {
			// No damping level improves the fit: we are at the
			// minimum the data supports.
			break
		}
	}

	a, _ := normalEquations(fd, model, grad, lay.n)
	errs := uncertainties(a, lay.n)

	res := &Result{
		Params:  unpack(p, lay, init),
		ChiSq:   chisq,
		NPoints: len(fd.d),
		NIter:   niter,
	}
	res.Errs = assignErrors(res.Params, errs, lay, cfg)
	return res, nil
}

func pack(init Params, lay layout) []float64 {
	p := make([]float64, lay.n)
	p[pSky] = init.Sky
	p[pHeight] = init.Height
	p[pXCen] = init.XCen
	p[pYCen] = init.YCen
	if lay.fwhm >= 0 {
		p[lay.fwhm] = init.FWHM
	}
	if lay.beta >= 0 {
		p[lay.beta] = init.Beta
	}
	return p
}

func unpack(p []float64, lay layout, init Params) Params {
	out := Params{
		Sky:    p[pSky],
		Height: p[pHeight],
		XCen:   p[pXCen],
		YCen:   p[pYCen],
		FWHM:   init.FWHM,
	}
	if lay.fwhm >= 0 {
		out.FWHM = p[lay.fwhm]
	}
	if lay.beta >= 0 {
		out.Beta = p[lay.beta]
	}
	return out
}

func clampParams(in Params, cfg Config) Params {
	out := in
	if cfg.FWHMMin > 0 && out.FWHM < cfg.FWHMMin {
		out.FWHM = cfg.FWHMMin
	}
	if cfg.Moffat {
		out.Beta = math.Min(math.Max(out.Beta, 1), cfg.betaMax())
	}
	return out
}

func clampVector(p []float64, lay layout, cfg Config) {
	if lay.fwhm >= 0 && cfg.FWHMMin > 0 && p[lay.fwhm] < cfg.FWHMMin {
		p[lay.fwhm] = cfg.FWHMMin
	}
	if lay.beta >= 0 {
		p[lay.beta] = math.Min(math.Max(p[lay.beta], 1), cfg.betaMax())
	}
}

// evalModel fills model values and the weighted Jacobian for the
// current parameter vector. Subgrid averaging applies equally to the
// values and the partial derivatives.
func evalModel(fd fitData, p []float64, lay layout, cfg Config, init Params, model []float64, grad *mat.Dense) {
	sky := p[pSky]
	height := p[pHeight]
	xcen := p[pXCen]
	ycen := p[pYCen]
	fwhm := init.FWHM
	if lay.fwhm >= 0 {
		fwhm = p[lay.fwhm]
	}
	beta := init.Beta
	if lay.beta >= 0 {
		beta = p[lay.beta]
	}

	ndiv := cfg.Ndiv
	row := make([]float64, lay.n)
	sub := make([]float64, lay.n)
	for i := range fd.x {
		for j := range row {
			row[j] = 0
		}

		var val float64
		if ndiv <= 0 {
			val = pointValue(fd.x[i], fd.y[i], xcen, ycen, height, fwhm, beta, cfg.Moffat, lay, row)
		} else {
			nsx := fd.xbin * ndiv
			nsy := fd.ybin * ndiv
			scale := 1 / float64(nsx*nsy)
			for jy := 0; jy < nsy; jy++ {
				dy := (float64(jy) - float64(nsy-1)/2) / float64(ndiv)
				for jx := 0; jx < nsx; jx++ {
					dx := (float64(jx) - float64(nsx-1)/2) / float64(ndiv)
					for j := range sub {
						sub[j] = 0
					}
					val += pointValue(fd.x[i]+dx, fd.y[i]+dy, xcen, ycen, height, fwhm, beta, cfg.Moffat, lay, sub)
					for j := range row {
						row[j] += sub[j]
					}
				}
			}
			val *= scale
			for j := range row {
				row[j] *= scale
			}
		}

		model[i] = sky + val
		row[pSky] = 1
		for j := 0; j < lay.n; j++ {
			grad.Set(i, j, fd.w[i]*row[j])
		}
	}
}

// pointValue evaluates the peak term and its parameter partials at a
// single position, writing the partials into row. The sky partial is
// constant and handled by the caller. Returns the peak value without
// the sky.
func pointValue(x, y, xcen, ycen, height, fwhm, beta float64, moffat bool, lay layout, row []float64) float64 {
	dx := x - xcen
	dy := y - ycen
	rsq := dx*dx + dy*dy

	if !moffat {
		alpha := gaussAlpha(fwhm)
		e := math.Exp(-alpha * rsq)
		row[pHeight] = e
		row[pXCen] = 2 * alpha * height * e * dx
		row[pYCen] = 2 * alpha * height * e * dy
		if lay.fwhm >= 0 {
			row[lay.fwhm] = 2 * alpha * height * e * rsq / fwhm
		}
		return height * e
	}

	alpha := moffatAlpha(fwhm, beta)
	den := 1 + alpha*rsq
	pw := math.Pow(den, -beta)
	inner := math.Pow(den, -beta-1)
	row[pHeight] = pw
	row[pXCen] = 2 * alpha * beta * height * dx * inner
	row[pYCen] = 2 * alpha * beta * height * dy * inner
	if lay.fwhm >= 0 {
		row[lay.fwhm] = 2 * alpha * beta * height * rsq / fwhm * inner
	}
	if lay.beta >= 0 {
		dAlpha := -4 * math.Pow(2, 1/beta) * math.Ln2 / (beta * beta * fwhm * fwhm)
		dDen := rsq * dAlpha
		row[lay.beta] = height * pw * (-math.Log(den) - beta*dDen/den)
	}
	return height * pw
}

func chiSquared(fd fitData, model []float64) float64 {
	var chisq float64
	for i := range fd.d {
		r := fd.w[i] * (fd.d[i] - model[i])
		chisq += r * r
	}
	return chisq
}

// normalEquations builds A = J'J and b = J'r for the weighted
// residuals r.
func normalEquations(fd fitData, model []float64, grad *mat.Dense, n int) (*mat.Dense, *mat.VecDense) {
	a := mat.NewDense(n, n, nil)
	b := mat.NewVecDense(n, nil)
	for i := range fd.d {
		ri := fd.w[i] * (fd.d[i] - model[i])
		for j := 0; j < n; j++ {
			gj := grad.At(i, j)
			b.SetVec(j, b.AtVec(j)+gj*ri)
			for k := j; k < n; k++ {
				a.Set(j, k, a.At(j, k)+gj*grad.At(i, k))
			}
		}
	}
	for j := 0; j < n; j++ {
		for k := 0; k < j; k++ {
			a.Set(j, k, a.At(k, j))
		}
	}
	return a, b
}

func solveDamped(a *mat.Dense, b *mat.VecDense, lambda float64, n int) (*mat.VecDense, error) {
	damped := mat.NewDense(n, n, nil)
	damped.Copy(a)
	for j := 0; j < n; j++ {
		damped.Set(j, j, a.At(j, j)*(1+lambda))
	}
	var delta mat.VecDense
	if err := delta.SolveVec(damped, b); err != nil {
		return nil, fmt.Errorf("normal equations: %w", err)
	}
	return &delta, nil
}

// uncertainties inverts the undamped normal matrix; a singular matrix
// yields -1 for every parameter.
func uncertainties(a *mat.Dense, n int) []float64 {
	out := make([]float64, n)
	var cov mat.Dense
	if err := cov.Inverse(a); err != nil {
		for j := range out {
			out[j] = -1
		}
		return out
	}
	for j := 0; j < n; j++ {
		if v := cov.At(j, j); v > 0 {
			out[j] = math.Sqrt(v)
		} else {
			out[j] = -1
		}
	}
	return out
}

func assignErrors(fitted Params, errs []float64, lay layout, cfg Config) Params {
	out := Params{
		Sky:    errs[pSky],
		Height: errs[pHeight],
		XCen:   errs[pXCen],
		YCen:   errs[pYCen],
		FWHM:   -1,
		Beta:   -1,
	}
	if lay.fwhm >= 0 {
		out.FWHM = errs[lay.fwhm]
		if cfg.FWHMMin > 0 && fitted.FWHM <= cfg.FWHMMin {
			out.FWHM = -1
		}
	}
	if lay.beta >= 0 {
		out.Beta = errs[lay.beta]
		if fitted.Beta <= 1 || fitted.Beta >= cfg.betaMax() {
			out.Beta = -1
		}
	}
	return out
}
