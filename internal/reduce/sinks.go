package reduce

import "time"

// RunInfo identifies one reduction run to the sinks.
type RunInfo struct {
	ID       string
	Source   string
	Started  time.Time
	Version  string
	Config   string // rendered configuration listing
	Channels []string
}

// GroupResult is one dispatch's merged output: per-channel ordered
// frame results, with Order fixing the channel presentation order.
type GroupResult struct {
	Seq      int // 1-based dispatch number within the run
	Order    []string
	Channels map[string][]FrameResult
}

// RunSummary describes how a run ended.
type RunSummary struct {
	Frames int
	Groups int
	GaveUp bool
}

// ResultSink consumes the pipeline's dispatched results. WriteGroup
// is called once per dispatch from the pipeline goroutine, after all
// channel workers have joined, and must leave its output in a
// consistent state before returning (the flush guarantee: an
// interrupt never sees a partially-written group). Alert strings are
// surfaced to the operator log.
type ResultSink interface {
	BeginRun(info RunInfo) error
	WriteGroup(g *GroupResult) (alerts []string, err error)
	FinishRun(sum RunSummary) error
}
