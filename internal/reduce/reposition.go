package reduce

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/altair-data/lightcurve.report/internal/ccd"
	"github.com/altair-data/lightcurve.report/internal/fitting"
	"github.com/altair-data/lightcurve.report/internal/phot"
)

// FitOptions tunes the profile fits used to track aperture positions
// from frame to frame.
type FitOptions struct {
	// Moffat selects the Moffat profile; otherwise Gaussian.
	Moffat bool

	// InitFWHM seeds the first fit of a run, before any measured
	// seeing exists.
	InitFWHM float64

	// FWHMMin bounds the fit from below.
	FWHMMin float64

	// FixFWHM holds the FWHM at its seed value instead of fitting it.
	FixFWHM bool

	// InitBeta seeds the Moffat exponent.
	InitBeta float64

	// HalfWidth is the half-size of the search box around the last
	// known position, in unbinned pixels.
	HalfWidth float64

	// MaxShift rejects fitted positions further than this from the
	// previous position.
	MaxShift float64

	// Ndiv subdivides binned pixels during model evaluation.
	Ndiv int
}

// Repositioner relocates a channel's apertures on a new frame, updates
// the running state, and returns the aperture snapshot to extract
// with. Individual failures leave that aperture where it was and are
// never fatal.
type Repositioner interface {
	Reposition(cname string, data, read, gain *ccd.Channel,
		apset *phot.ApertureSet, store *phot.Store) *phot.ApertureSet
}

// FitRepositioner tracks apertures by fitting the configured profile
// in a search box around each aperture's last position.
type FitRepositioner struct {
	Opt FitOptions
}

// NewFitRepositioner builds a repositioner with the given options.
func NewFitRepositioner(opt FitOptions) *FitRepositioner {
	return &FitRepositioner{Opt: opt}
}

func (r *FitRepositioner) Reposition(cname string, data, read, gain *ccd.Channel,
	apset *phot.ApertureSet, store *phot.Store) *phot.ApertureSet {

	moved := make(map[string]phot.Entry)
	var fwhms, betas []float64

	for _, label := range apset.Labels() {
		ap, _ := apset.Get(label)

		wlabel, err := data.FindWindat(ap.X, ap.Y)
		if err != nil {
			diagf("channel %s aperture %s: %v", cname, label, err)
			continue
		}
		wdata, _ := data.Windat(wlabel)
		wread, readOK := read.Windat(wlabel)
		wgain, gainOK := gain.Windat(wlabel)
		if !readOK || !gainOK {
			diagf("channel %s aperture %s: window %s missing from noise maps", cname, label, wlabel)
			continue
		}

		h := r.Opt.HalfWidth
		swdata, err := wdata.WindowOf(ap.X-h, ap.X+h, ap.Y-h, ap.Y+h)
		if err != nil {
			diagf("channel %s aperture %s: %v", cname, label, err)
			continue
		}
		swread, err := wread.WindowOf(ap.X-h, ap.X+h, ap.Y-h, ap.Y+h)
		if err != nil {
			continue
		}
		swgain, err := wgain.WindowOf(ap.X-h, ap.X+h, ap.Y-h, ap.Y+h)
		if err != nil {
			continue
		}

		// Seed the fit from the search box and the running seeing.
		sky := swdata.Median()
		height := swdata.Max() - sky
		if height <= 0 {
			diagf("channel %s aperture %s: no signal above sky in search box", cname, label)
			continue
		}
		fwhm := store.MeanFWHM
		if fwhm <= 0 {
			fwhm = r.Opt.InitFWHM
		}
		beta := 0.0
		if r.Opt.Moffat {
			beta = store.MeanBeta
			if beta <= 0 {
				beta = r.Opt.InitBeta
			}
		}

		init := fitting.Params{
			Sky: sky, Height: height,
			XCen: ap.X, YCen: ap.Y,
			FWHM: fwhm, Beta: beta,
		}
		res, err := fitting.Fit(swdata, swread, swgain, init, fitting.Config{
			Moffat:  r.Opt.Moffat,
			FixFWHM: r.Opt.FixFWHM,
			FWHMMin: r.Opt.FWHMMin,
			Ndiv:    r.Opt.Ndiv,
		})
		if err != nil {
			diagf("channel %s aperture %s: fit failed: %v", cname, label, err)
			continue
		}

		shift := math.Hypot(res.XCen-ap.X, res.YCen-ap.Y)
		if shift > r.Opt.MaxShift {
			diagf("channel %s aperture %s: fitted shift %.2f exceeds limit %.2f, keeping position",
				cname, label, shift, r.Opt.MaxShift)
			continue
		}
		tracef("channel %s aperture %s: (%.2f,%.2f) -> (%.2f,%.2f) fwhm %.2f chisq %.3g",
			cname, label, ap.X, ap.Y, res.XCen, res.YCen, res.FWHM, res.ChiSq)

		e := phot.Entry{
			X: res.XCen, XErr: res.Errs.XCen,
			Y: res.YCen, YErr: res.Errs.YCen,
			FWHM: res.FWHM, FWHMErr: res.Errs.FWHM,
			Beta: res.Beta, BetaErr: res.Errs.Beta,
		}
		store.SetEntry(label, e)
		moved[label] = e
		fwhms = append(fwhms, res.FWHM)
		if r.Opt.Moffat {
			betas = append(betas, res.Beta)
		}
	}

	// The channel seeing is the mean over this frame's successful
	// fits. With none, the previous values ride along unchanged.
	if len(fwhms) > 0 {
		store.MeanFWHM = stat.Mean(fwhms, nil)
		if r.Opt.Moffat {
			store.MeanBeta = stat.Mean(betas, nil)
		} else {
			store.MeanBeta = -1
		}
	}

	return apset.Transform(func(ap phot.Aperture) phot.Aperture {
		if e, ok := moved[ap.Label]; ok {
			ap.X = e.X
			ap.Y = e.Y
		}
		return ap
	})
}
