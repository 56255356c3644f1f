package phot

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/altair-data/lightcurve.report/internal/ccd"
	"github.com/altair-data/lightcurve.report/internal/fitting"
)

// ExtractionKind selects plain or profile-weighted flux summation.
type ExtractionKind int

const (
	// ExtractNormal sums tapered pixel weights uniformly.
	ExtractNormal ExtractionKind = iota

	// ExtractOptimal additionally weights pixels by the stellar
	// profile, minimising variance for a known point-spread function.
	ExtractOptimal
)

// ParseExtractionKind maps a configuration string to an ExtractionKind.
func ParseExtractionKind(s string) (ExtractionKind, error) {
	switch s {
	case "normal":
		return ExtractNormal, nil
	case "optimal":
		return ExtractOptimal, nil
	default:
		return 0, fmt.Errorf("unknown extraction type %q (want normal or optimal)", s)
	}
}

func (k ExtractionKind) String() string {
	switch k {
	case ExtractNormal:
		return "normal"
	case ExtractOptimal:
		return "optimal"
	default:
		return fmt.Sprintf("ExtractionKind(%d)", int(k))
	}
}

// Thresholds are the raw-count warning levels of one channel.
type Thresholds struct {
	Saturation float64 `json:"saturation"`
	Nonlinear  float64 `json:"nonlinear"`
}

// ExtractConfig gathers the per-channel extraction policy.
type ExtractConfig struct {
	Kind   ExtractionKind
	Resize ResizeConfig
	Sky    SkyConfig

	// Ndiv subdivides binned pixels when evaluating the profile for
	// optimal extraction.
	Ndiv int

	// Levels holds the saturation/nonlinearity thresholds; nil means
	// none are known and the checks are skipped with a warning.
	Levels *Thresholds
}

// Validate checks the joint policy.
func (c ExtractConfig) Validate() error {
	if err := c.Resize.Validate(); err != nil {
		return err
	}
	return c.Sky.Validate()
}

// Result is one aperture's measurement on one frame. Position and
// profile shape echo the running fit state; counts and sky are
// measured here. CountsErr is -1 when extraction failed and SkyErr is
// -1 when no sky pixels existed.
type Result struct {
	X       float64 `json:"x"`
	XErr    float64 `json:"xe"`
	Y       float64 `json:"y"`
	YErr    float64 `json:"ye"`
	FWHM    float64 `json:"fwhm"`
	FWHMErr float64 `json:"fwhme"`
	Beta    float64 `json:"beta"`
	BetaErr float64 `json:"betae"`

	Counts    float64 `json:"counts"`
	CountsErr float64 `json:"countse"`
	Sky       float64 `json:"sky"`
	SkyErr    float64 `json:"skye"`
	NSky      int     `json:"nsky"`
	NRej      int     `json:"nrej"`

	Flag Flag `json:"flag"`
}

// baseResult seeds a result with the aperture position and the stored
// fit state.
func baseResult(ap Aperture, e Entry) Result {
	return Result{
		X: ap.X, XErr: e.XErr,
		Y: ap.Y, YErr: e.YErr,
		FWHM: e.FWHM, FWHMErr: e.FWHMErr,
		Beta: e.Beta, BetaErr: e.BetaErr,
	}
}

// failureResult marks an extraction that produced no measurement.
func failureResult(ap Aperture, e Entry, flag Flag) Result {
	r := baseResult(ap, e)
	r.Counts = 0
	r.CountsErr = -1
	r.Sky = 0
	r.SkyErr = 0
	r.Flag = flag | NoExtraction
	return r
}

// NoFWHMResults builds the records reported for a whole channel when
// variable resizing or optimal extraction was requested but no seeing
// measurement exists yet. Nothing is extracted; positions and shapes
// echo the running state.
func NoFWHMResults(apset *ApertureSet, store *Store) map[string]Result {
	out := make(map[string]Result, apset.Len())
	for _, label := range apset.Labels() {
		ap, _ := apset.Get(label)
		r := baseResult(ap, store.Entry(label))
		r.Counts = 0
		r.CountsErr = -1
		r.Sky = 0
		r.SkyErr = 0
		r.Flag = NoFWHM
		out[label] = r
	}
	return out
}

// ExtractChannel measures every aperture of one channel on one frame.
// data is the calibrated channel, raw the uncalibrated one for
// saturation testing, read and gain the per-pixel noise maps. The
// aperture set must already be repositioned and resized. Failures are
// isolated per aperture and reported through flags, never as errors.
func ExtractChannel(cname string, data, raw, read, gain *ccd.Channel,
	apset *ApertureSet, store *Store, cfg ExtractConfig) map[string]Result {

	results := make(map[string]Result, apset.Len())
	for _, label := range apset.Labels() {
		ap, _ := apset.Get(label)
		entry := store.Entry(label)

		wlabel, err := data.FindWindat(ap.X, ap.Y)
		if err != nil {
			diagf("channel %s aperture %s: %v", cname, label, err)
			results[label] = failureResult(ap, entry, AllOK)
			continue
		}
		wdata, _ := data.Windat(wlabel)
		wraw, rawOK := raw.Windat(wlabel)
		wread, readOK := read.Windat(wlabel)
		wgain, gainOK := gain.Windat(wlabel)
		if !rawOK || !readOK || !gainOK {
			diagf("channel %s aperture %s: window %s missing from companion frame",
				cname, label, wlabel)
			results[label] = failureResult(ap, entry, AllOK)
			continue
		}

		results[label] = extractAperture(cname, wdata, wraw, wread, wgain, ap, entry, store, cfg)
	}
	return results
}

func extractAperture(cname string, wdata, wraw, wread, wgain *ccd.Windat,
	ap Aperture, entry Entry, store *Store, cfg ExtractConfig) Result {

	flag := AllOK

	// Region of interest: everything within reach of the aperture,
	// padded by one binned pixel.
	reach := ap.ReachBeyondSky()
	x1 := ap.X - reach - float64(wdata.XBin)
	x2 := ap.X + reach + float64(wdata.XBin)
	y1 := ap.Y - reach - float64(wdata.YBin)
	y2 := ap.Y + reach + float64(wdata.YBin)

	swdata, err := wdata.WindowOf(x1, x2, y1, y2)
	if err != nil {
		diagf("channel %s aperture %s: %v", cname, ap.Label, err)
		return failureResult(ap, entry, flag)
	}
	swraw, err := wraw.WindowOf(x1, x2, y1, y2)
	if err != nil {
		return failureResult(ap, entry, flag)
	}
	swread, err := wread.WindowOf(x1, x2, y1, y2)
	if err != nil {
		return failureResult(ap, entry, flag)
	}
	swgain, err := wgain.WindowOf(x1, x2, y1, y2)
	if err != nil {
		return failureResult(ap, entry, flag)
	}

	// Edge checks are informational: extraction continues with the
	// pixels that are available.
	xlo, xhi, ylo, yhi := swdata.Extent()
	if xlo > ap.X-ap.RSky2 || xhi < ap.X+ap.RSky2 ||
		ylo > ap.Y-ap.RSky2 || yhi < ap.Y+ap.RSky2 {
		flag |= SkyAtEdge
	}
	if xlo > ap.X-ap.RTarg || xhi < ap.X+ap.RTarg ||
		ylo > ap.Y-ap.RTarg || yhi < ap.Y+ap.RTarg {
		flag |= TargetAtEdge
	}
	for _, off := range ap.Extra {
		rout := off.R() + ap.RTarg
		if xlo > ap.X-rout || xhi < ap.X+rout ||
			ylo > ap.Y-rout || yhi < ap.Y+rout {
			flag |= TargetAtEdge
		}
	}

	// Flattened pixel grids relative to the aperture centre.
	n := swdata.NX * swdata.NY
	xoff := make([]float64, n)
	yoff := make([]float64, n)
	rsq := make([]float64, n)
	for iy := 0; iy < swdata.NY; iy++ {
		dy := swdata.Y(float64(iy)) - ap.Y
		for ix := 0; ix < swdata.NX; ix++ {
			dx := swdata.X(float64(ix)) - ap.X
			i := iy*swdata.NX + ix
			xoff[i] = dx
			yoff[i] = dy
			rsq[i] = dx*dx + dy*dy
		}
	}
	dvals := swdata.Data.RawMatrix().Data
	rawvals := swraw.Data.RawMatrix().Data
	rvals := swread.Data.RawMatrix().Data
	gvals := swgain.Data.RawMatrix().Data

	r1sq := ap.RTarg * ap.RTarg
	r2sq := ap.RSky1 * ap.RSky1
	r3sq := ap.RSky2 * ap.RSky2

	// Sky annulus selection, minus masked circles, minus anything a
	// companion sub-aperture claims as target.
	var skyVals, skyReads, skyGains []float64
	for i := 0; i < n; i++ {
		if rsq[i] <= r2sq || rsq[i] >= r3sq {
			continue
		}
		excluded := false
		for _, m := range ap.Masks {
			dx := xoff[i] - m.X
			dy := yoff[i] - m.Y
			if dx*dx+dy*dy <= m.Radius*m.Radius {
				excluded = true
				break
			}
		}
		if !excluded {
			for _, off := range ap.Extra {
				dx := xoff[i] - off.X
				dy := yoff[i] - off.Y
				if dx*dx+dy*dy <= r1sq {
					excluded = true
					break
				}
			}
		}
		if !excluded {
			skyVals = append(skyVals, dvals[i])
			skyReads = append(skyReads, rvals[i])
			skyGains = append(skyGains, gvals[i])
		}
	}

	var est skyEstimate
	if len(skyVals) > 0 {
		est = estimateSky(skyVals, skyReads, skyGains, cfg.Sky)
	} else {
		flag |= NoSky
		est = skyEstimate{serror: -1}
	}

	// Target selection with linear edge tapering over one pixel
	// scale. Extra sub-apertures contribute the same taper around
	// their own centres and a pixel counts once, at its largest
	// weight.
	size := math.Sqrt(float64(wdata.XBin * wdata.YBin))
	edge := ap.RTarg + size/2
	edgeSq := edge * edge

	sel := make([]bool, n)
	wgt := make([]float64, n)
	for i := 0; i < n; i++ {
		sel[i] = rsq[i] < edgeSq
		wgt[i] = clamp01((edge - math.Sqrt(rsq[i])) / size)
	}
	for _, off := range ap.Extra {
		for i := 0; i < n; i++ {
			dx := xoff[i] - off.X
			dy := yoff[i] - off.Y
			d2 := dx*dx + dy*dy
			if d2 < edgeSq {
				sel[i] = true
			}
			if w := clamp01((edge - math.Sqrt(d2)) / size); w > wgt[i] {
				wgt[i] = w
			}
		}
	}

	var dtarg, dread, dgain, wtarg, xs, ys []float64
	maxRaw := math.Inf(-1)
	for i := 0; i < n; i++ {
		if !sel[i] {
			continue
		}
		dtarg = append(dtarg, dvals[i])
		dread = append(dread, rvals[i])
		dgain = append(dgain, gvals[i])
		wtarg = append(wtarg, wgt[i])
		xs = append(xs, xoff[i])
		ys = append(ys, yoff[i])
		if rawvals[i] > maxRaw {
			maxRaw = rawvals[i]
		}
	}
	if len(dtarg) == 0 {
		diagf("channel %s aperture %s: no valid pixels in aperture", cname, ap.Label)
		return failureResult(ap, entry, flag|NoData)
	}

	// Saturation and nonlinearity judge the raw, uncalibrated counts.
	if cfg.Levels != nil {
		if maxRaw >= cfg.Levels.Saturation {
			flag |= TargetSaturated
		}
		if maxRaw >= cfg.Levels.Nonlinear {
			flag |= TargetNonlinear
		}
	} else {
		warnMissingLevels(cname)
	}

	if cfg.Kind == ExtractOptimal {
		var prof []float64
		if store.MeanBeta > 0 {
			prof = fitting.Moffat(xs, ys, 0, 1, 0, 0,
				store.MeanFWHM, store.MeanBeta, wdata.XBin, wdata.YBin, cfg.Ndiv)
		} else {
			prof = fitting.Gaussian(xs, ys, 0, 1, 0, 0,
				store.MeanFWHM, wdata.XBin, wdata.YBin, cfg.Ndiv)
		}
		floats.Mul(wtarg, prof)
	}

	diff := make([]float64, len(dtarg))
	copy(diff, dtarg)
	floats.AddConst(-est.level, diff)

	counts := floats.Dot(wtarg, diff)

	// The variance model replaces readout noise with the sky scatter,
	// which already contains the sky photon noise, so the Poisson
	// term then uses only counts above sky. The photon model keeps
	// the true readout noise and charges photon noise on the full
	// calibrated signal.
	override := est.nsky > 0 && cfg.Sky.Error == SkyErrVariance
	var variance float64
	for i := range wtarg {
		w2 := wtarg[i] * wtarg[i]
		if override {
			variance += w2 * (est.rms*est.rms + math.Max(0, diff[i])/dgain[i])
		} else {
			variance += w2 * (dread[i]*dread[i] + math.Max(0, dtarg[i])/dgain[i])
		}
	}
	if est.serror > 0 {
		s := floats.Sum(wtarg) * est.serror
		variance += s * s
	}

	res := baseResult(ap, entry)
	res.Counts = counts
	res.CountsErr = math.Sqrt(variance)
	res.Sky = est.level
	res.SkyErr = est.serror
	res.NSky = est.nsky
	res.NRej = est.nrej
	res.Flag = flag
	return res
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

var (
	levelWarnMu   sync.Mutex
	levelWarnSeen = make(map[string]bool)
)

// warnMissingLevels logs once per channel that saturation checks are
// disabled.
func warnMissingLevels(cname string) {
	levelWarnMu.Lock()
	defer levelWarnMu.Unlock()
	if !levelWarnSeen[cname] {
		levelWarnSeen[cname] = true
		opsf("channel %s has no saturation or nonlinearity levels set", cname)
	}
}
