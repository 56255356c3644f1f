package reduce

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/altair-data/lightcurve.report/internal/ccd"
	"github.com/altair-data/lightcurve.report/internal/phot"
)

// State is the pipeline's position in its run lifecycle.
type State int

const (
	StateWaitingForFirstFrame State = iota
	StateAccumulating
	StateDispatching
	StateDraining
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateWaitingForFirstFrame:
		return "waiting-for-first-frame"
	case StateAccumulating:
		return "accumulating"
	case StateDispatching:
		return "dispatching"
	case StateDraining:
		return "draining"
	case StateFinished:
		return "finished"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Pipeline drives a whole reduction run: it pulls frames from the
// spooler, calibrates them, buffers them into groups, and dispatches
// each group across per-channel workers. Between dispatches all state
// lives on the pipeline goroutine; during a dispatch each channel's
// state is touched only by the single worker running that channel.
type Pipeline struct {
	cfg    *Config
	spool  Spooler
	calib  *Calibrator
	apsets map[string]*phot.ApertureSet
	info   RunInfo
	sinks  []ResultSink

	repos  Repositioner
	procs  map[string]*ChannelProcessor
	order  []string
	buffer []GroupFrame

	state  State
	frames int
	groups int
	gaveUp bool
}

// NewPipeline assembles a run. apsets maps channel names to their
// aperture sets; calib may be nil for an uncalibrated run.
func NewPipeline(cfg *Config, spool Spooler, calib *Calibrator,
	apsets map[string]*phot.ApertureSet, info RunInfo, sinks ...ResultSink) *Pipeline {
	if calib == nil {
		calib = &Calibrator{}
	}
	return &Pipeline{
		cfg:    cfg,
		spool:  spool,
		calib:  calib,
		apsets: apsets,
		info:   info,
		sinks:  sinks,
		repos:  NewFitRepositioner(cfg.FitOptions()),
		state:  StateWaitingForFirstFrame,
	}
}

// SetRepositioner swaps the aperture tracker. Must be called before
// Run.
func (p *Pipeline) SetRepositioner(r Repositioner) { p.repos = r }

// State returns the current lifecycle state.
func (p *Pipeline) State() State { return p.state }

// Summary reports run counters.
func (p *Pipeline) Summary() RunSummary {
	return RunSummary{Frames: p.frames, Groups: p.groups, GaveUp: p.gaveUp}
}

func (p *Pipeline) setState(s State) {
	if p.state != s {
		diagf("state %s -> %s", p.state, s)
		p.state = s
	}
}

// Run executes the reduction until the source ends, the last-frame
// cutoff is reached, acquisition gives up, or ctx is cancelled.
// Give-up and end-of-run are normal terminations; cancellation
// returns the context error after finalizing completed dispatches.
func (p *Pipeline) Run(ctx context.Context) error {
	if len(p.apsets) == 0 {
		return fmt.Errorf("no apertures configured")
	}

	w := newWaiter(p.cfg.GetPollInterval(), p.cfg.GetMaxWait())
	first := p.cfg.GetFirstFrame()
	last := p.cfg.GetLastFrame()
	groupSize := p.cfg.GetGroupSize()

	for {
		if err := ctx.Err(); err != nil {
			return p.cancelled(err)
		}

		raw, err := p.spool.Next()
		switch {
		case err == nil:
			w.Reset()
			n := raw.Meta.NFrame
			if n < first {
				tracef("frame %d before first frame %d, skipping", n, first)
				continue
			}
			if p.state == StateWaitingForFirstFrame {
				if err := p.setup(raw); err != nil {
					return err
				}
			}
			proc, err := p.calib.Apply(raw)
			if err != nil {
				return fmt.Errorf("frame %d: %w", n, err)
			}
			p.buffer = append(p.buffer, GroupFrame{NFrame: n, Proc: proc, Raw: raw})
			p.frames++
			tracef("frame %d buffered (%d/%d)", n, len(p.buffer), groupSize)

			if last > 0 && n >= last {
				diagf("frame %d reaches last frame %d", n, last)
				return p.drain()
			}
			if len(p.buffer) >= groupSize {
				if err := p.dispatch(); err != nil {
					return err
				}
				p.setState(StateAccumulating)
			}

		case errors.Is(err, ErrEndOfRun):
			diagf("source exhausted after %d frames", p.frames)
			return p.drain()

		case errors.Is(err, ErrNotReady):
			giveUp, werr := w.Wait(ctx)
			if werr != nil {
				return p.cancelled(werr)
			}
			if giveUp {
				p.gaveUp = true
				opsf("no new frame within %s, giving up", p.cfg.GetMaxWait())
				return p.drain()
			}

		default:
			return fmt.Errorf("spool error: %w", err)
		}
	}
}

// setup runs the one-time first-frame checks: aperture channels must
// exist in the stream, calibration frames are cropped to the data
// windows, noise maps are derived, and the per-channel processors are
// built. Errors here are fatal configuration errors.
func (p *Pipeline) setup(firstFrame *ccd.Frame) error {
	var order []string
	for _, name := range firstFrame.Names() {
		if _, ok := p.apsets[name]; ok {
			order = append(order, name)
		}
	}
	if len(order) != len(p.apsets) {
		for name := range p.apsets {
			if _, ok := firstFrame.Channel(name); !ok {
				return fmt.Errorf("aperture channel %q not present in the frame data", name)
			}
		}
	}

	calib, err := p.calib.CropTo(firstFrame)
	if err != nil {
		return fmt.Errorf("calibration frames do not match the data: %w", err)
	}
	p.calib = calib

	read, gain, err := calib.NoiseMaps(firstFrame, p.cfg.GetReadNoise(), p.cfg.GetGain())
	if err != nil {
		return err
	}

	p.procs = make(map[string]*ChannelProcessor, len(order))
	for _, name := range order {
		rch, _ := read.Channel(name)
		gch, _ := gain.Channel(name)
		p.procs[name] = NewChannelProcessor(name, p.repos, rch, gch,
			p.apsets[name], p.cfg.ExtractConfig(name))
	}
	p.order = order
	p.info.Channels = append([]string(nil), order...)

	for _, s := range p.sinks {
		if err := s.BeginRun(p.info); err != nil {
			return fmt.Errorf("result sink failed to begin run: %w", err)
		}
	}

	diagf("first frame %d: channels %v, readnoise %.2f, gain %.2f, group size %d",
		firstFrame.Meta.NFrame, order, p.cfg.GetReadNoise(), p.cfg.GetGain(), p.cfg.GetGroupSize())
	p.setState(StateAccumulating)
	return nil
}

// dispatch runs the buffered group through the worker pool, one task
// per channel, and hands the merged result to every sink. The caller
// blocks until all channel tasks complete.
func (p *Pipeline) dispatch() error {
	p.setState(StateDispatching)
	group := p.buffer
	p.buffer = nil
	p.groups++

	g := &GroupResult{
		Seq:      p.groups,
		Order:    append([]string(nil), p.order...),
		Channels: make(map[string][]FrameResult, len(p.order)),
	}

	workers := p.cfg.GetWorkers()
	if workers <= 0 || workers > len(p.order) {
		workers = len(p.order)
	}

	type channelOutput struct {
		name   string
		frames []FrameResult
	}
	tasks := make(chan string)
	outputs := make(chan channelOutput, len(p.order))
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for name := range tasks {
				outputs <- channelOutput{name: name, frames: p.procs[name].Process(group)}
			}
		}()
	}
	for _, name := range p.order {
		tasks <- name
	}
	close(tasks)
	wg.Wait()
	close(outputs)
	for o := range outputs {
		g.Channels[o.name] = o.frames
	}

	diagf("dispatch %d: frames %d..%d (%d) across %d channels, %d workers",
		g.Seq, group[0].NFrame, group[len(group)-1].NFrame, len(group), len(p.order), workers)

	for _, s := range p.sinks {
		alerts, err := s.WriteGroup(g)
		for _, a := range alerts {
			opsf("%s", a)
		}
		if err != nil {
			return fmt.Errorf("result sink failed on dispatch %d: %w", g.Seq, err)
		}
	}
	return nil
}

// drain flushes any buffered frames and finalizes the run.
func (p *Pipeline) drain() error {
	p.setState(StateDraining)
	if len(p.buffer) > 0 {
		if err := p.dispatch(); err != nil {
			return err
		}
	}
	return p.finish()
}

// finish moves to Finished and closes out the sinks.
func (p *Pipeline) finish() error {
	p.setState(StateFinished)
	sum := p.Summary()
	var firstErr error
	for _, s := range p.sinks {
		if err := s.FinishRun(sum); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	diagf("run finished: %d frames, %d dispatches, gave up: %v", sum.Frames, sum.Groups, sum.GaveUp)
	return firstErr
}

// cancelled ends the run on an external interrupt. Completed
// dispatches are already flushed; buffered frames are dropped, never
// half-written.
func (p *Pipeline) cancelled(cause error) error {
	if n := len(p.buffer); n > 0 {
		opsf("interrupted with %d frames buffered, dropping them", n)
		p.buffer = nil
	}
	if p.procs != nil {
		if err := p.finish(); err != nil {
			opsf("finalize after interrupt: %v", err)
		}
	} else {
		p.setState(StateFinished)
	}
	return cause
}
