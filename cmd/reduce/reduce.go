package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/altair-data/lightcurve.report/internal/monitor"
	"github.com/altair-data/lightcurve.report/internal/phot"
	"github.com/altair-data/lightcurve.report/internal/reduce"
	"github.com/altair-data/lightcurve.report/internal/reducedb"
	"github.com/altair-data/lightcurve.report/internal/version"
)

var (
	configPath    = flag.String("config", "", "Path to the JSON reduction config (empty = built-in defaults)")
	source        = flag.String("source", "", "Frame source: list:<file>, dir:<directory> or url:<base>")
	aperturesPath = flag.String("apertures", "", "Path to the aperture sets JSON file")
	dbFile        = flag.String("db", "photometry.db", "Path to the SQLite results database file")
	listen        = flag.String("listen", ":8081", "HTTP listen address for the live monitor (empty disables)")
	plotDir       = flag.String("plots", "", "Base directory for end-of-run light-curve PNGs (empty disables)")
	biasPath      = flag.String("bias", "", "Path to the bias calibration frame (FITS)")
	darkPath      = flag.String("dark", "", "Path to the dark calibration frame (FITS)")
	flatPath      = flag.String("flat", "", "Path to the flat calibration frame (FITS)")
	firstFrame    = flag.Int("first", 0, "First frame number to reduce (0 = config value)")
	lastFrame     = flag.Int("last", 0, "Last frame number to reduce (0 = config value, which defaults to no limit)")
	live          = flag.Bool("live", false, "Keep polling a dir: source for frames still being written")
	migrateAction = flag.String("migrate", "", "Run a database migration action and exit: up, down, status, to, force, help")
	migrationsDir = flag.String("migrations", "db/migrations", "Directory holding the SQL migration files")
	verbose       = flag.Bool("verbose", false, "Enable diagnostic logging in addition to operator alerts")
	showVersion   = flag.Bool("version", false, "Print version information and exit")
)

// logWriters picks the writers for the package log streams: operator
// alerts always reach stderr, diagnostics only with -verbose.
func logWriters(verbose bool) (ops, diag io.Writer) {
	if verbose {
		return os.Stderr, os.Stderr
	}
	return os.Stderr, nil
}

// openSpool picks the frame source from its prefix.
func openSpool(src string, first int, live bool) (reduce.Spooler, error) {
	switch {
	case strings.HasPrefix(src, "list:"):
		return reduce.NewListSpool(strings.TrimPrefix(src, "list:"))
	case strings.HasPrefix(src, "dir:"):
		return reduce.NewDirSpool(strings.TrimPrefix(src, "dir:"), first, live)
	case strings.HasPrefix(src, "url:"):
		return reduce.NewHTTPSpool(strings.TrimPrefix(src, "url:"), first, nil), nil
	default:
		return nil, fmt.Errorf("source must start with list:, dir: or url:, got %q", src)
	}
}

// loadConfig reads the run configuration, applying the -first/-last
// flag overrides on top of the file.
func loadConfig() (*reduce.Config, error) {
	cfg := reduce.EmptyConfig()
	if *configPath != "" {
		var err error
		if cfg, err = reduce.LoadConfig(*configPath); err != nil {
			return nil, err
		}
	}
	if *firstFrame > 0 {
		v := *firstFrame
		cfg.FirstFrame = &v
	}
	if *lastFrame > 0 {
		v := *lastFrame
		cfg.LastFrame = &v
	}
	return cfg, nil
}

// channelNames returns the configured channels in display order.
func channelNames(apsets map[string]*phot.ApertureSet) []string {
	names := make([]string, 0, len(apsets))
	for name := range apsets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Main
func main() {
	flag.Parse()

	ops, diag := logWriters(*verbose)
	reduce.SetLogWriters(ops, diag, nil)
	phot.SetLogWriters(ops, diag)

	if *showVersion {
		fmt.Printf("reduce %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	if *migrateAction != "" {
		reducedb.RunMigrateCommand(*migrateAction, flag.Args(), *dbFile, *migrationsDir)
		return
	}

	if *source == "" {
		log.Fatal("-source is required (list:<file>, dir:<directory> or url:<base>)")
	}
	if *aperturesPath == "" {
		log.Fatal("-apertures is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	apsets, err := reduce.LoadApertureSets(*aperturesPath)
	if err != nil {
		log.Fatalf("Failed to load apertures: %v", err)
	}

	calib, err := reduce.LoadCalibrator(*biasPath, *darkPath, *flatPath)
	if err != nil {
		log.Fatalf("Failed to load calibration frames: %v", err)
	}

	spool, err := openSpool(*source, cfg.GetFirstFrame(), *live)
	if err != nil {
		log.Fatalf("Failed to open frame source: %v", err)
	}
	defer spool.Close()

	// Initialize results database
	db, err := reducedb.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("Failed to connect to results database: %v", err)
	}
	defer db.Close()

	cfgListing, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		log.Fatalf("Failed to render configuration: %v", err)
	}

	info := reduce.RunInfo{
		ID:       uuid.NewString(),
		Source:   *source,
		Started:  time.Now().UTC(),
		Version:  version.Version,
		Config:   string(cfgListing),
		Channels: channelNames(apsets),
	}
	log.Printf("Run %s: source %s, channels %s", info.ID, info.Source, strings.Join(info.Channels, ","))

	status := monitor.NewStatus()
	sinks := []reduce.ResultSink{db, status}

	var plotter *monitor.CurvePlotter
	if *plotDir != "" {
		plotter = monitor.NewCurvePlotter()
		outDir := monitor.MakePlotOutputDir(*plotDir, info.ID)
		if err := plotter.Start(outDir); err != nil {
			log.Fatalf("Failed to set up plot output: %v", err)
		}
		sinks = append(sinks, plotter)
		log.Printf("Light-curve plots will land in %s", outDir)
	}

	pipe := reduce.NewPipeline(cfg, spool, calib, apsets, info, sinks...)

	// Create a wait group for the reduction and monitor routines
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Live monitor goroutine
	if *listen != "" {
		ws := monitor.NewWebServer(monitor.WebServerConfig{
			Address: *listen,
			Status:  status,
			DB:      db,
			Plots:   plotter,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ws.Start(ctx); err != nil {
				log.Printf("Monitor server error: %v", err)
			}
		}()
	}

	// Reduction goroutine; the end of the run also shuts the monitor
	// down.
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer stop()
		if err := pipe.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("Reduction error: %v", err)
		}
		log.Print("Reduction routine terminated")
	}()

	// Wait for all goroutines to finish
	wg.Wait()

	if plotter != nil {
		plotter.Stop()
		if n, err := plotter.GeneratePlots(); err != nil {
			log.Printf("Plot generation error: %v", err)
		} else if n > 0 {
			log.Printf("Wrote %d light-curve plot(s) to %s", n, plotter.GetOutputDir())
		}
	}

	sum := pipe.Summary()
	log.Printf("Run %s: %d frames reduced in %d groups (gave up: %v)", info.ID, sum.Frames, sum.Groups, sum.GaveUp)
	log.Printf("Graceful shutdown complete")
}
