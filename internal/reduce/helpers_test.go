package reduce

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/altair-data/lightcurve.report/internal/ccd"
	"github.com/altair-data/lightcurve.report/internal/phot"
)

// ---------------------------------------------------------------------
// Frame builders. All test frames carry one channel "1" with one
// 30x30 unbinned windat "E1" so pixel centres sit at detector
// coordinates 1..30.

func testMeta(n int) ccd.FrameMeta {
	return ccd.FrameMeta{
		NFrame:    n,
		MJDInt:    60917,
		MJDFrac:   0.25 + float64(n)/86400,
		Timestamp: fmt.Sprintf("2025-08-30T06:00:%02dZ", n%60),
		GoodTime:  true,
		Expose:    5.0,
	}
}

// flatFrame builds a frame with uniform pixel level.
func flatFrame(t *testing.T, n int, level float64) *ccd.Frame {
	t.Helper()
	win := ccd.Window{LLX: 1, LLY: 1, NX: 30, NY: 30, XBin: 1, YBin: 1}
	wd, err := ccd.NewWindat(win, nil)
	require.NoError(t, err)
	wd.SetConst(level)
	ch := ccd.NewChannel("1")
	require.NoError(t, ch.Add("E1", wd))
	frame := ccd.NewFrame(testMeta(n))
	require.NoError(t, frame.Add(ch))
	return frame
}

// starFrame is a flatFrame plus a 3x3 block of total extra counts
// centred on the pixel at detector (x, y). The block sits well inside
// any target aperture of a few pixels, so its counts are recovered in
// full.
func starFrame(t *testing.T, n int, sky float64, x, y int, total float64) *ccd.Frame {
	t.Helper()
	frame := flatFrame(t, n, sky)
	ch, _ := frame.Channel("1")
	wd, ok := ch.Windat("E1")
	require.True(t, ok)
	per := total / 9
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			ix := int(math.Round(wd.XPixel(float64(x + dx))))
			iy := int(math.Round(wd.YPixel(float64(y + dy))))
			wd.Data.Set(iy, ix, wd.Data.At(iy, ix)+per)
		}
	}
	return frame
}

func testApertureSets(t *testing.T) map[string]*phot.ApertureSet {
	t.Helper()
	set, err := phot.NewApertureSet(
		phot.Aperture{Label: "1", X: 15, Y: 15, RTarg: 5, RSky1: 8, RSky2: 12},
	)
	require.NoError(t, err)
	return map[string]*phot.ApertureSet{"1": set}
}

// testPipelineConfig fixes the aperture radii, sets warning levels and
// keeps the defaults for everything else.
func testPipelineConfig(groupSize int) *Config {
	return &Config{
		GroupSize: ptrInt(groupSize),
		Channels: map[string]*ChannelConfig{
			"1": {
				Resize:     ptrString("fixed"),
				Target:     &phot.RadiusPolicy{Min: 2, Max: 30},
				SkyInner:   &phot.RadiusPolicy{Min: 2, Max: 30},
				SkyOuter:   &phot.RadiusPolicy{Min: 2, Max: 30},
				Nonlinear:  ptrFloat64(50000),
				Saturation: ptrFloat64(60000),
			},
		},
	}
}

// ---------------------------------------------------------------------
// Stub spooler: yields a scripted sequence of frames and sentinel
// errors, then ErrEndOfRun forever.

type spoolStep struct {
	frame *ccd.Frame
	err   error
}

type memSpool struct {
	steps  []spoolStep
	pos    int
	closed bool
}

func (s *memSpool) Next() (*ccd.Frame, error) {
	if s.pos >= len(s.steps) {
		return nil, ErrEndOfRun
	}
	st := s.steps[s.pos]
	s.pos++
	return st.frame, st.err
}

func (s *memSpool) Close() error {
	s.closed = true
	return nil
}

func frameSteps(frames ...*ccd.Frame) []spoolStep {
	steps := make([]spoolStep, 0, len(frames))
	for _, f := range frames {
		steps = append(steps, spoolStep{frame: f})
	}
	return steps
}

func notReadySteps(n int) []spoolStep {
	steps := make([]spoolStep, n)
	for i := range steps {
		steps[i] = spoolStep{err: ErrNotReady}
	}
	return steps
}

// ---------------------------------------------------------------------
// Stub repositioner: leaves positions alone and reports a scripted
// seeing, stepping it per frame so state snapshots are tellable apart.

type pinRepositioner struct {
	fwhm float64
	step float64
}

func (r *pinRepositioner) Reposition(cname string, data, read, gain *ccd.Channel,
	apset *phot.ApertureSet, store *phot.Store) *phot.ApertureSet {
	if r.fwhm > 0 {
		store.MeanFWHM = r.fwhm
		for _, label := range apset.Labels() {
			ap, _ := apset.Get(label)
			store.SetEntry(label, phot.Entry{
				X: ap.X, XErr: 0.02,
				Y: ap.Y, YErr: 0.02,
				FWHM: r.fwhm, FWHMErr: 0.1,
				Beta: -1, BetaErr: -1,
			})
		}
		r.fwhm += r.step
	}
	return apset
}

// ---------------------------------------------------------------------
// Collecting sink: records every call for assertions.

type collectSink struct {
	info     RunInfo
	begun    bool
	groups   []*GroupResult
	sum      RunSummary
	done     bool
	alerts   []string
	beginErr error
	writeErr error
}

func (s *collectSink) BeginRun(info RunInfo) error {
	s.info = info
	s.begun = true
	return s.beginErr
}

func (s *collectSink) WriteGroup(g *GroupResult) ([]string, error) {
	s.groups = append(s.groups, g)
	return s.alerts, s.writeErr
}

func (s *collectSink) FinishRun(sum RunSummary) error {
	s.sum = sum
	s.done = true
	return nil
}

// groupFrameNumbers flattens the dispatched frame numbers of one
// channel, in dispatch order.
func groupFrameNumbers(groups []*GroupResult, cname string) []int {
	var out []int
	for _, g := range groups {
		for _, fr := range g.Channels[cname] {
			out = append(out, fr.Meta.NFrame)
		}
	}
	return out
}
