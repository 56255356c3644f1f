package monitor

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/altair-data/lightcurve.report/internal/httputil"
)

// echartsAssetsPrefix points rendered pages at the public echarts
// asset bundle so the charts work without any local static files.
const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// handleLightCurveChart renders the light curves of one channel as an
// HTML line chart using go-echarts. This is a debugging-only endpoint
// (no auth) for eyeballing a run without pulling the database.
// Query params:
//   - run (optional; defaults to the current or latest run)
//   - channel (optional; defaults to the first measured channel)
//   - aperture (optional; defaults to every aperture of the channel)
//   - limit (optional; 0 = whole run)
func (ws *WebServer) handleLightCurveChart(w http.ResponseWriter, r *http.Request) {
	if ws.db == nil {
		httputil.InternalServerError(w, "no database configured for light-curve lookup")
		return
	}

	runID, err := ws.resolveRun(r)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("resolve run: %v", err))
		return
	}
	if runID == "" {
		httputil.NotFound(w, "no runs recorded")
		return
	}

	apers, err := ws.db.Apertures(runID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("aperture query: %v", err))
		return
	}
	if len(apers) == 0 {
		httputil.NotFound(w, fmt.Sprintf("no measurements recorded for run %s", runID))
		return
	}

	channel := r.URL.Query().Get("channel")
	if channel == "" {
		names := make([]string, 0, len(apers))
		for cname := range apers {
			names = append(names, cname)
		}
		sort.Strings(names)
		channel = names[0]
	}
	labels, ok := apers[channel]
	if !ok {
		httputil.NotFound(w, fmt.Sprintf("no measurements for channel %q", channel))
		return
	}
	if ap := r.URL.Query().Get("aperture"); ap != "" {
		labels = []string{ap}
	}
	limit := queryLimit(r, 0)

	line := charts.NewLine()

	var xs []string
	npoints := 0
	for i, label := range labels {
		points, err := ws.db.LightCurve(runID, channel, label, limit)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("light curve query: %v", err))
			return
		}
		if i == 0 {
			xs = make([]string, len(points))
			for j, p := range points {
				xs[j] = strconv.Itoa(p.NFrame)
			}
			npoints = len(points)
		}
		ys := make([]opts.LineData, len(points))
		for j, p := range points {
			ys[j] = opts.LineData{Value: p.Counts}
		}
		line.AddSeries("aperture "+label, ys)
	}

	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Light Curves", Width: "1200px", Height: "600px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: fmt.Sprintf("Channel %s Light Curves", channel), Subtitle: fmt.Sprintf("run=%s points=%d", runID, npoints)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Frame"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Counts"}),
	)
	line.SetXAxis(xs)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(line)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
