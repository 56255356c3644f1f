package monitor

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/altair-data/lightcurve.report/internal/httputil"
	"github.com/altair-data/lightcurve.report/internal/monitoring"
	"github.com/altair-data/lightcurve.report/internal/reducedb"
	"github.com/altair-data/lightcurve.report/internal/security"
)

// WebServer handles the HTTP interface for monitoring a reduction run.
// It provides endpoints for health checks, live run status and
// light-curve queries against the results database.
type WebServer struct {
	address string
	status  *Status
	db      *reducedb.DB
	plots   *CurvePlotter
	server  *http.Server
}

// WebServerConfig contains configuration options for the web server
type WebServerConfig struct {
	Address string
	Status  *Status
	DB      *reducedb.DB
	Plots   *CurvePlotter
}

// NewWebServer creates a new web server with the provided configuration
func NewWebServer(config WebServerConfig) *WebServer {
	ws := &WebServer{
		address: config.Address,
		status:  config.Status,
		db:      config.DB,
		plots:   config.Plots,
	}

	ws.server = &http.Server{
		Addr:    ws.address,
		Handler: ws.setupRoutes(),
	}

	return ws
}

// Start begins the HTTP server in a goroutine and handles graceful shutdown
func (ws *WebServer) Start(ctx context.Context) error {
	// Start server in a goroutine so it doesn't block
	go func() {
		monitoring.Logf("Starting HTTP server on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	// Wait for context cancellation to shut down server
	<-ctx.Done()
	monitoring.Logf("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("HTTP server shutdown error: %v", err)
		// Force close the server if graceful shutdown fails
		if err := ws.server.Close(); err != nil {
			monitoring.Logf("HTTP server force close error: %v", err)
		}
	}

	monitoring.Logf("HTTP server routine stopped")
	return nil
}

// setupRoutes configures the HTTP routes and handlers
func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/", ws.handleIndex)
	mux.HandleFunc("/api/reduce/status", ws.handleStatus)
	mux.HandleFunc("/api/reduce/lightcurve", ws.handleLightCurve)
	mux.HandleFunc("/api/reduce/frames", ws.handleFrames)
	mux.HandleFunc("/api/reduce/apertures", ws.handleApertures)
	mux.HandleFunc("/api/reduce/plots", ws.handlePlots)
	mux.HandleFunc("/debug/lightcurve/chart", ws.handleLightCurveChart)

	if ws.db != nil {
		ws.db.AttachAdminRoutes(mux)
	}

	return mux
}

// handleHealth handles the health check endpoint
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status": "ok", "service": "reduce", "timestamp": "%s"}`, time.Now().UTC().Format(time.RFC3339))
}

// handleIndex serves the run status on the root path.
func (ws *WebServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	ws.handleStatus(w, r)
}

// handleStatus returns the live tracker snapshot.
func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if ws.status == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "no status tracker configured")
		return
	}
	httputil.WriteJSONOK(w, ws.status.Snapshot())
}

// resolveRun picks the run to query: the explicit 'run' parameter, the
// current run, or the most recent one in the database.
func (ws *WebServer) resolveRun(r *http.Request) (string, error) {
	if runID := r.URL.Query().Get("run"); runID != "" {
		return runID, nil
	}
	if ws.status != nil {
		if id := ws.status.RunID(); id != "" {
			return id, nil
		}
	}
	return ws.db.LatestRunID()
}

func queryLimit(r *http.Request, def int) int {
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 {
			return v
		}
	}
	return def
}

// handleLightCurve returns the time series of one aperture as JSON.
// Query params:
//
//	channel, aperture (required)
//	run (optional, defaults to the current or latest run)
//	limit (optional, 0 = whole run)
func (ws *WebServer) handleLightCurve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if ws.db == nil {
		httputil.InternalServerError(w, "no database configured for light-curve lookup")
		return
	}

	channel := r.URL.Query().Get("channel")
	aperture := r.URL.Query().Get("aperture")
	if channel == "" || aperture == "" {
		httputil.BadRequest(w, "missing 'channel' or 'aperture' parameter")
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

	points, err := ws.db.LightCurve(runID, channel, aperture, queryLimit(r, 0))
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("light curve query: %v", err))
		return
	}
	if points == nil {
		points = []reducedb.CurvePoint{}
	}

	httputil.WriteJSONOK(w, struct {
		Run      string                `json:"run_id"`
		Channel  string                `json:"channel"`
		Aperture string                `json:"aperture"`
		Points   []reducedb.CurvePoint `json:"points"`
	}{runID, channel, aperture, points})
}

// handleFrames returns the most recent stored frames of a run.
// Query params:
//
//	run (optional)
//	limit (optional, default 10)
func (ws *WebServer) handleFrames(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if ws.db == nil {
		httputil.InternalServerError(w, "no database configured for frame lookup")
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

	frames, err := ws.db.RecentFrames(runID, queryLimit(r, 10))
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("frame query: %v", err))
		return
	}
	if frames == nil {
		frames = []reducedb.FrameRecord{}
	}

	httputil.WriteJSONOK(w, frames)
}

// handleApertures lists the measured channel/aperture pairs of a run.
func (ws *WebServer) handleApertures(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if ws.db == nil {
		httputil.InternalServerError(w, "no database configured for aperture lookup")
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

	httputil.WriteJSONOK(w, apers)
}

// handlePlots lists the PNGs rendered for the current run, or serves
// one of them when 'file' is given. File names are validated against
// the plot directory before anything is read.
func (ws *WebServer) handlePlots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if ws.plots == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "light-curve plotting not enabled")
		return
	}
	dir := ws.plots.GetOutputDir()
	if dir == "" {
		httputil.NotFound(w, "no plots generated yet")
		return
	}

	if name := r.URL.Query().Get("file"); name != "" {
		full, err := security.PlotFilePath(dir, name)
		if err != nil {
			httputil.BadRequest(w, fmt.Sprintf("bad plot file: %v", err))
			return
		}
		http.ServeFile(w, r, full)
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("read plot dir: %v", err))
		return
	}
	files := []string{}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".png") {
			files = append(files, e.Name())
		}
	}

	httputil.WriteJSONOK(w, struct {
		Dir   string   `json:"dir"`
		Plots []string `json:"plots"`
	}{dir, files})
}

// Close shuts down the web server
func (ws *WebServer) Close() error {
	if ws.server != nil {
		return ws.server.Close()
	}
	return nil
}
