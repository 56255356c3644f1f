package reduce

import (
	"github.com/altair-data/lightcurve.report/internal/ccd"
	"github.com/altair-data/lightcurve.report/internal/phot"
)

// GroupFrame is one buffered frame pair awaiting dispatch: the
// calibrated frame that is measured and the raw frame that feeds the
// saturation checks.
type GroupFrame struct {
	NFrame int
	Proc   *ccd.Frame
	Raw    *ccd.Frame
}

// FrameResult is one channel's measurements on one frame: the frame
// metadata, the aperture snapshot that was actually measured, a
// snapshot of the running state after the frame, and the per-aperture
// results.
type FrameResult struct {
	Meta      ccd.FrameMeta
	Apertures *phot.ApertureSet
	Store     *phot.Store
	Results   map[string]phot.Result
}

// ChannelProcessor owns the sequential reduction state of one channel:
// the live aperture set and the running store. Frames must be fed in
// order; the pipeline guarantees a processor is only ever driven by
// one worker at a time.
type ChannelProcessor struct {
	name  string
	repos Repositioner
	read  *ccd.Channel
	gain  *ccd.Channel
	cfg   phot.ExtractConfig

	apset *phot.ApertureSet
	store *phot.Store
}

// NewChannelProcessor builds a processor for one channel. The aperture
// set is copied; read and gain are the fixed per-pixel noise maps for
// this channel.
func NewChannelProcessor(name string, repos Repositioner, read, gain *ccd.Channel,
	apset *phot.ApertureSet, cfg phot.ExtractConfig) *ChannelProcessor {
	return &ChannelProcessor{
		name:  name,
		repos: repos,
		read:  read,
		gain:  gain,
		cfg:   cfg,
		apset: apset.Copy(),
		store: phot.NewStore(),
	}
}

// Process reduces an ordered run of frames for this channel:
// reposition, resize, extract, and snapshot the state per frame.
func (p *ChannelProcessor) Process(frames []GroupFrame) []FrameResult {
	out := make([]FrameResult, 0, len(frames))
	for _, gf := range frames {
		dch, dok := gf.Proc.Channel(p.name)
		rch, rok := gf.Raw.Channel(p.name)
		if !dok || !rok {
			opsf("frame %d: channel %s missing from frame data, skipping", gf.NFrame, p.name)
			continue
		}

		p.apset = p.repos.Reposition(p.name, dch, p.read, p.gain, p.apset, p.store)

		optimal := p.cfg.Kind == phot.ExtractOptimal
		measured, ok := phot.Resize(p.apset, p.cfg.Resize, optimal, p.store.MeanFWHM)
		var results map[string]phot.Result
		if !ok {
			measured = p.apset.Copy()
			results = phot.NoFWHMResults(p.apset, p.store)
		} else {
			results = phot.ExtractChannel(p.name, dch, rch, p.read, p.gain, measured, p.store, p.cfg)
		}

		out = append(out, FrameResult{
			Meta:      gf.Proc.Meta,
			Apertures: measured,
			Store:     p.store.Copy(),
			Results:   results,
		})
	}
	return out
}
