// Package monitor is the live view of a reduction run: an HTTP server
// for status and light-curve queries, and a plotter that renders the
// accumulated curves to PNG at the end of a run.
package monitor

import (
	"sync"
	"time"

	"github.com/altair-data/lightcurve.report/internal/phot"
	"github.com/altair-data/lightcurve.report/internal/reduce"
	"github.com/altair-data/lightcurve.report/internal/units"
)

// Status tracks the progress of the current run. It implements the
// pipeline's ResultSink and is safe to read from HTTP handlers while
// the run is in flight.
type Status struct {
	mu sync.Mutex

	run     reduce.RunInfo
	running bool

	frames       int
	groups       int
	flagged      int
	lastFrame    int
	lastMJD      float64
	lastDispatch time.Time

	// seeing holds the latest per-channel mean FWHM, -1 until the
	// first successful fit.
	seeing map[string]float64

	summary *reduce.RunSummary
}

// StatusSnapshot is the JSON shape served by the status endpoints.
type StatusSnapshot struct {
	State        string             `json:"state"`
	RunID        string             `json:"run_id,omitempty"`
	Source       string             `json:"source,omitempty"`
	Started      string             `json:"started,omitempty"`
	Uptime       string             `json:"uptime,omitempty"`
	Channels     []string           `json:"channels,omitempty"`
	Frames       int                `json:"frames"`
	Groups       int                `json:"groups"`
	Flagged      int                `json:"flagged"`
	LastFrame    int                `json:"last_frame,omitempty"`
	LastMJD      float64            `json:"last_mjd,omitempty"`
	LastTime     string             `json:"last_time,omitempty"`
	LastDispatch string             `json:"last_dispatch,omitempty"`
	Seeing       map[string]float64 `json:"seeing,omitempty"`
	GaveUp       bool               `json:"gave_up,omitempty"`
}

// NewStatus creates an idle tracker.
func NewStatus() *Status {
	return &Status{seeing: make(map[string]float64)}
}

// BeginRun resets the counters for a new run.
func (st *Status) BeginRun(info reduce.RunInfo) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.run = info
	st.running = true
	st.frames = 0
	st.groups = 0
	st.flagged = 0
	st.lastFrame = 0
	st.lastMJD = 0
	st.lastDispatch = time.Time{}
	st.seeing = make(map[string]float64)
	st.summary = nil
	return nil
}

// WriteGroup folds one dispatch into the counters.
func (st *Status) WriteGroup(g *reduce.GroupResult) ([]string, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.groups++
	st.lastDispatch = time.Now()

	frames := 0
	for _, cname := range g.Order {
		results := g.Channels[cname]
		if len(results) > frames {
			frames = len(results)
		}
		for _, fr := range results {
			if fr.Meta.NFrame > st.lastFrame {
				st.lastFrame = fr.Meta.NFrame
				st.lastMJD = fr.Meta.MJD()
			}
			for _, res := range fr.Results {
				if res.Flag != phot.AllOK {
					st.flagged++
				}
			}
			if fr.Store != nil {
				st.seeing[cname] = fr.Store.MeanFWHM
			}
		}
	}
	st.frames += frames
	return nil, nil
}

// FinishRun records how the run ended.
func (st *Status) FinishRun(sum reduce.RunSummary) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.running = false
	st.summary = &sum
	return nil
}

// RunID returns the identifier of the current (or last) run, "" before
// the first one.
func (st *Status) RunID() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.run.ID
}

// Snapshot returns a copy of the current state for serving.
func (st *Status) Snapshot() StatusSnapshot {
	st.mu.Lock()
	defer st.mu.Unlock()

	snap := StatusSnapshot{
		State:     "idle",
		RunID:     st.run.ID,
		Source:    st.run.Source,
		Channels:  st.run.Channels,
		Frames:    st.frames,
		Groups:    st.groups,
		Flagged:   st.flagged,
		LastFrame: st.lastFrame,
		LastMJD:   st.lastMJD,
	}
	if st.lastMJD > 0 {
		snap.LastTime = units.MJDToTime(st.lastMJD).Round(time.Second).Format(time.RFC3339)
	}
	if !st.run.Started.IsZero() {
		snap.Started = st.run.Started.UTC().Format(time.RFC3339)
		snap.Uptime = time.Since(st.run.Started).Round(time.Second).String()
	}
	if !st.lastDispatch.IsZero() {
		snap.LastDispatch = st.lastDispatch.UTC().Format(time.RFC3339)
	}
	if len(st.seeing) > 0 {
		snap.Seeing = make(map[string]float64, len(st.seeing))
		for cname, fwhm := range st.seeing {
			snap.Seeing[cname] = fwhm
		}
	}

	switch {
	case st.running:
		snap.State = "reducing"
	case st.summary != nil:
		snap.State = "finished"
		snap.GaveUp = st.summary.GaveUp
	}
	return snap
}
