package monitor

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/altair-data/lightcurve.report/internal/monitoring"
	"github.com/altair-data/lightcurve.report/internal/phot"
	"github.com/altair-data/lightcurve.report/internal/reduce"
	"github.com/altair-data/lightcurve.report/internal/security"
)

// CurvePlotter accumulates light-curve samples over a run and renders
// one PNG per channel after it. It implements the pipeline's
// ResultSink so it rides along with the database sink.
type CurvePlotter struct {
	mu        sync.Mutex
	enabled   bool
	outputDir string

	// samples holds per-aperture series. Key = "channel/label".
	samples map[string][]CurveSample
}

// CurveSample is one aperture measurement kept for plotting.
type CurveSample struct {
	NFrame int
	MJD    float64
	Counts float64
	Flag   phot.Flag
}

// NewCurvePlotter creates a plotter. Call Start to begin recording.
func NewCurvePlotter() *CurvePlotter {
	return &CurvePlotter{samples: make(map[string][]CurveSample)}
}

// Start clears any previous samples and begins recording; plots land
// in outputDir.
func (cp *CurvePlotter) Start(outputDir string) error {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	cp.outputDir = outputDir
	cp.enabled = true
	cp.samples = make(map[string][]CurveSample)
	return nil
}

// Stop disables sampling. Call GeneratePlots() to produce output files.
func (cp *CurvePlotter) Stop() {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.enabled = false
}

// IsEnabled returns true if the plotter is currently recording.
func (cp *CurvePlotter) IsEnabled() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.enabled
}

// BeginRun drops samples left over from an earlier run.
func (cp *CurvePlotter) BeginRun(info reduce.RunInfo) error {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.samples = make(map[string][]CurveSample)
	return nil
}

// WriteGroup folds one dispatch into the per-aperture series.
// Measurements with nothing extracted are skipped rather than plotted
// as dropouts.
func (cp *CurvePlotter) WriteGroup(g *reduce.GroupResult) ([]string, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if !cp.enabled {
		return nil, nil
	}

	for _, cname := range g.Order {
		for _, fr := range g.Channels[cname] {
			for _, label := range fr.Apertures.Labels() {
				res, ok := fr.Results[label]
				if !ok {
					continue
				}
				if res.Flag&(phot.NoExtraction|phot.NoData) != 0 {
					continue
				}
				key := cname + "/" + label
				cp.samples[key] = append(cp.samples[key], CurveSample{
					NFrame: fr.Meta.NFrame,
					MJD:    fr.Meta.MJD(),
					Counts: res.Counts,
					Flag:   res.Flag,
				})
			}
		}
	}
	return nil, nil
}

// FinishRun is a no-op; plots are generated on demand.
func (cp *CurvePlotter) FinishRun(sum reduce.RunSummary) error {
	return nil
}

// GeneratePlots creates one PNG per channel showing every aperture's
// light curve. Returns the number of plots generated.
func (cp *CurvePlotter) GeneratePlots() (int, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.outputDir == "" {
		return 0, fmt.Errorf("no output directory configured")
	}

	if len(cp.samples) == 0 {
		return 0, nil
	}

	// Group samples by channel
	byChannel := make(map[string]map[string][]CurveSample)
	for key, samples := range cp.samples {
		cname, label, ok := splitCurveKey(key)
		if !ok {
			continue
		}
		if byChannel[cname] == nil {
			byChannel[cname] = make(map[string][]CurveSample)
		}
		byChannel[cname][label] = samples
	}

	var channels []string
	for cname := range byChannel {
		channels = append(channels, cname)
	}
	sort.Strings(channels)

	plotCount := 0
	for _, cname := range channels {
		if err := cp.generateChannelPlot(cname, byChannel[cname]); err != nil {
			return plotCount, fmt.Errorf("channel %s: %w", cname, err)
		}
		plotCount++
	}

	return plotCount, nil
}

// splitCurveKey undoes the "channel/label" sample key. Aperture labels
// never contain '/', so the first separator wins.
func splitCurveKey(key string) (cname, label string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}

// generateChannelPlot renders one channel: a line per aperture over
// frame number.
func (cp *CurvePlotter) generateChannelPlot(cname string, byAperture map[string][]CurveSample) error {
	if len(byAperture) == 0 {
		return nil
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Channel %s Light Curves", cname)
	p.X.Label.Text = "Frame"
	p.Y.Label.Text = "Counts"

	// Sort apertures for a consistent legend
	var labels []string
	for label := range byAperture {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	colors := generateColors(len(labels))

	for i, label := range labels {
		samples := byAperture[label]
		if len(samples) == 0 {
			continue
		}

		sort.Slice(samples, func(a, b int) bool {
			return samples[a].NFrame < samples[b].NFrame
		})

		pts := make(plotter.XYs, 0, len(samples))
		for _, s := range samples {
			pts = append(pts, plotter.XY{X: float64(s.NFrame), Y: s.Counts})
		}

		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		line.Color = colors[i]
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add("aperture "+label, line)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	file := filepath.Join(cp.outputDir, fmt.Sprintf("curve_%s.png", security.SanitizeFilename(cname)))
	if err := p.Save(14*vg.Inch, 6*vg.Inch, file); err != nil {
		return fmt.Errorf("save curve plot: %w", err)
	}
	monitoring.Logf("wrote light-curve plot %s", file)

	return nil
}

// generateColors creates a palette of distinct colors for the
// aperture lines
func generateColors(n int) []color.Color {
	if n <= 0 {
		return nil
	}

	colors := make([]color.Color, n)
	for i := 0; i < n; i++ {
		hue := float64(i) / float64(n)
		r, g, b := hslToRGB(hue, 0.7, 0.5)
		colors[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return colors
}

// hslToRGB converts HSL to RGB (0-255 range)
func hslToRGB(h, s, l float64) (r, g, b uint8) {
	var rf, gf, bf float64

	if s == 0 {
		rf, gf, bf = l, l, l
	} else {
		var q float64
		if l < 0.5 {
			q = l * (1 + s)
		} else {
			q = l + s - l*s
		}
		p := 2*l - q
		rf = hueToRGB(p, q, h+1.0/3.0)
		gf = hueToRGB(p, q, h)
		bf = hueToRGB(p, q, h-1.0/3.0)
	}

	return uint8(rf * 255), uint8(gf * 255), uint8(bf * 255)
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t += 1
	}
	if t > 1 {
		t -= 1
	}
	if t < 1.0/6.0 {
		return p + (q-p)*6*t
	}
	if t < 1.0/2.0 {
		return q
	}
	if t < 2.0/3.0 {
		return p + (q-p)*(2.0/3.0-t)*6
	}
	return p
}

// GetOutputDir returns the current output directory for plots.
func (cp *CurvePlotter) GetOutputDir() string {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.outputDir
}

// GetSampleCount returns the total number of samples collected.
func (cp *CurvePlotter) GetSampleCount() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	count := 0
	for _, samples := range cp.samples {
		count += len(samples)
	}
	return count
}

// FormatTimestamp generates a timestamp string for directory naming.
func FormatTimestamp(t time.Time) string {
	return t.Format("20060102_150405")
}

// MakePlotOutputDir builds a timestamped output directory for a run's
// plots: <baseDir>/<runID>/<timestamp>. The run identifier is
// sanitized before it becomes a path component.
func MakePlotOutputDir(baseDir, runID string) string {
	ts := FormatTimestamp(time.Now())
	if runID != "" {
		return filepath.Join(baseDir, security.SanitizeFilename(runID), ts)
	}
	return filepath.Join(baseDir, "run_"+ts)
}
