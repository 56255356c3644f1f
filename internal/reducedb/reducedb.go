// Package reducedb persists reduction results to SQLite: one row per
// run, per frame and per aperture measurement. It implements the
// pipeline's ResultSink with one transaction per dispatch, and serves
// the query side of the live monitor.
package reducedb

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/altair-data/lightcurve.report/internal/phot"
	"github.com/altair-data/lightcurve.report/internal/reduce"
)

type DB struct {
	*sql.DB

	runID string
}

// schema.sql is the current schema: runs, frames and photometry
// tables plus the light-curve index and the run_overview view. Kept
// in lockstep with the migrations under db/migrations.
//
//go:embed schema.sql
var schemaSQL string

// NewDB opens (creating if needed) the results database at path and
// applies the base schema.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// OpenDB opens the database without touching the schema. Migration
// commands use this so golang-migrate stays the sole owner of the
// schema version.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	return &DB{DB: db}, nil
}

// BeginRun registers the run and remembers its ID for the dispatches
// that follow.
func (db *DB) BeginRun(info reduce.RunInfo) error {
	channels, err := json.Marshal(info.Channels)
	if err != nil {
		return fmt.Errorf("failed to encode channel list: %w", err)
	}

	_, err = db.Exec(`
		INSERT INTO runs (run_id, source, started_utc, version, config, channels)
		VALUES (?, ?, ?, ?, ?, ?)`,
		info.ID, info.Source, info.Started.UTC().Format(time.RFC3339Nano),
		info.Version, info.Config, string(channels),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", info.ID, err)
	}
	db.runID = info.ID
	return nil
}

// WriteGroup stores one dispatch inside a single transaction, so an
// interrupt never leaves a group half-written. It returns operator
// alerts for saturated, nonlinear or lost apertures.
func (db *DB) WriteGroup(g *reduce.GroupResult) (alerts []string, err error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin dispatch %d: %w", g.Seq, err)
	}
	defer tx.Rollback()

	frameStmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO frames (run_id, nframe, mjd, timestamp, good_time, expose)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, err
	}
	defer frameStmt.Close()

	photStmt, err := tx.Prepare(`
		INSERT INTO photometry (
			run_id, nframe, channel, aperture,
			x, x_err, y, y_err, fwhm, fwhm_err, beta, beta_err,
			counts, counts_err, sky, sky_err, nsky, nrej, flag
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, err
	}
	defer photStmt.Close()

	for _, cname := range g.Order {
		for _, fr := range g.Channels[cname] {
			meta := fr.Meta
			if _, err := frameStmt.Exec(db.runID, meta.NFrame, meta.MJD(),
				meta.Timestamp, meta.GoodTime, meta.Expose); err != nil {
				return nil, fmt.Errorf("failed to insert frame %d: %w", meta.NFrame, err)
			}

			for _, label := range fr.Apertures.Labels() {
				res, ok := fr.Results[label]
				if !ok {
					continue
				}
				if _, err := photStmt.Exec(db.runID, meta.NFrame, cname, label,
					res.X, res.XErr, res.Y, res.YErr,
					res.FWHM, res.FWHMErr, res.Beta, res.BetaErr,
					res.Counts, res.CountsErr, res.Sky, res.SkyErr,
					res.NSky, res.NRej, int(res.Flag)); err != nil {
					return nil, fmt.Errorf("failed to insert photometry for frame %d aperture %s: %w",
						meta.NFrame, label, err)
				}
				if a := alertFor(meta.NFrame, cname, label, res.Flag); a != "" {
					alerts = append(alerts, a)
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit dispatch %d: %w", g.Seq, err)
	}
	return alerts, nil
}

// FinishRun closes out the run row with the final counters.
func (db *DB) FinishRun(sum reduce.RunSummary) error {
	_, err := db.Exec(`
		UPDATE runs SET frames = ?, groups = ?, gave_up = ?, finished_utc = ?
		WHERE run_id = ?`,
		sum.Frames, sum.Groups, sum.GaveUp,
		time.Now().UTC().Format(time.RFC3339Nano), db.runID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", db.runID, err)
	}
	return nil
}

// alertFor renders the operator alert for one measurement, or "" when
// the flags carry nothing alert-worthy.
func alertFor(nframe int, cname, label string, flag phot.Flag) string {
	const alertMask = phot.TargetSaturated | phot.TargetNonlinear |
		phot.TargetAtEdge | phot.NoExtraction | phot.NoData
	bad := flag & alertMask
	if bad == phot.AllOK {
		return ""
	}
	return fmt.Sprintf("frame %d channel %s aperture %s: %s", nframe, cname, label, bad)
}

// ---------------------------------------------------------------------
// Query side, consumed by the monitor.

// RunRecord is one row of the runs table.
type RunRecord struct {
	ID       string   `json:"run_id"`
	Source   string   `json:"source"`
	Started  string   `json:"started_utc"`
	Version  string   `json:"version"`
	Channels []string `json:"channels"`
	Frames   int      `json:"frames"`
	Groups   int      `json:"groups"`
	GaveUp   bool     `json:"gave_up"`
	Finished string   `json:"finished_utc,omitempty"`
}

// CurvePoint is one light-curve sample of one aperture.
type CurvePoint struct {
	NFrame    int       `json:"nframe"`
	MJD       float64   `json:"mjd"`
	Counts    float64   `json:"counts"`
	CountsErr float64   `json:"counts_err"`
	Flag      phot.Flag `json:"flag"`
}

// FrameRecord is one row of the frames table.
type FrameRecord struct {
	NFrame    int     `json:"nframe"`
	MJD       float64 `json:"mjd"`
	Timestamp string  `json:"timestamp"`
	GoodTime  bool    `json:"good_time"`
	Expose    float64 `json:"expose"`
}

// LatestRunID returns the most recently started run, or "" when the
// database is empty.
func (db *DB) LatestRunID() (string, error) {
	var id string
	err := db.QueryRow(`SELECT run_id FROM runs ORDER BY started_utc DESC, rowid DESC LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query latest run: %w", err)
	}
	return id, nil
}

// Run fetches one run record.
func (db *DB) Run(runID string) (*RunRecord, error) {
	var r RunRecord
	var channels string
	var finished sql.NullString
	err := db.QueryRow(`
		SELECT run_id, source, started_utc, version, channels, frames, groups, gave_up, finished_utc
		FROM runs WHERE run_id = ?`, runID).Scan(
		&r.ID, &r.Source, &r.Started, &r.Version, &channels,
		&r.Frames, &r.Groups, &r.GaveUp, &finished)
	if err != nil {
		return nil, fmt.Errorf("failed to query run %s: %w", runID, err)
	}
	if channels != "" {
		if err := json.Unmarshal([]byte(channels), &r.Channels); err != nil {
			return nil, fmt.Errorf("bad channel list for run %s: %w", runID, err)
		}
	}
	r.Finished = finished.String
	return &r, nil
}

// Apertures lists the measured (channel, aperture) pairs of a run in
// channel order.
func (db *DB) Apertures(runID string) (map[string][]string, error) {
	rows, err := db.Query(`
		SELECT DISTINCT channel, aperture FROM photometry
		WHERE run_id = ? ORDER BY channel, aperture`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query apertures: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var cname, label string
		if err := rows.Scan(&cname, &label); err != nil {
			return nil, err
		}
		out[cname] = append(out[cname], label)
	}
	return out, rows.Err()
}

// LightCurve returns the time-ordered samples of one aperture. A
// limit of 0 means the whole run.
func (db *DB) LightCurve(runID, channel, aperture string, limit int) ([]CurvePoint, error) {
	q := `
		SELECT nframe, mjd, counts, counts_err, flag
		FROM photometry JOIN frames USING (run_id, nframe)
		WHERE run_id = ? AND channel = ? AND aperture = ?
		ORDER BY nframe`
	args := []interface{}{runID, channel, aperture}
	if limit > 0 {
		// Keep the newest samples but present them oldest first.
		q = `SELECT * FROM (` + q + ` DESC LIMIT ?) ORDER BY nframe`
		args = append(args, limit)
	}

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query light curve: %w", err)
	}
	defer rows.Close()

	var out []CurvePoint
	for rows.Next() {
		var p CurvePoint
		var flag int
		if err := rows.Scan(&p.NFrame, &p.MJD, &p.Counts, &p.CountsErr, &flag); err != nil {
			return nil, err
		}
		p.Flag = phot.Flag(flag)
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecentFrames returns the newest frames of a run, oldest first.
func (db *DB) RecentFrames(runID string, limit int) ([]FrameRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := db.Query(`
		SELECT * FROM (
			SELECT nframe, mjd, timestamp, good_time, expose
			FROM frames WHERE run_id = ?
			ORDER BY nframe DESC LIMIT ?
		) ORDER BY nframe`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query frames: %w", err)
	}
	defer rows.Close()

	var out []FrameRecord
	for rows.Next() {
		var f FrameRecord
		if err := rows.Scan(&f.NFrame, &f.MJD, &f.Timestamp, &f.GoodTime, &f.Expose); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
