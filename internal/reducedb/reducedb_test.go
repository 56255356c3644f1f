package reducedb

import (
	"fmt"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altair-data/lightcurve.report/internal/ccd"
	"github.com/altair-data/lightcurve.report/internal/phot"
	"github.com/altair-data/lightcurve.report/internal/reduce"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testRunInfo(id string) reduce.RunInfo {
	return reduce.RunInfo{
		ID:       id,
		Source:   "dir:/data/run042",
		Started:  time.Date(2026, 8, 25, 1, 30, 0, 0, time.UTC),
		Version:  "1.4.0",
		Config:   "group_size = 2",
		Channels: []string{"1", "2"},
	}
}

func testApertures(t *testing.T, labels ...string) *phot.ApertureSet {
	t.Helper()
	apers := make([]phot.Aperture, len(labels))
	for i, label := range labels {
		apers[i] = phot.Aperture{
			Label: label,
			X:     20 + 10*float64(i), Y: 20,
			RTarg: 5, RSky1: 8, RSky2: 12,
		}
	}
	set, err := phot.NewApertureSet(apers...)
	require.NoError(t, err)
	return set
}

func cleanResult(counts float64) phot.Result {
	return phot.Result{
		X: 20.1, XErr: 0.02, Y: 19.9, YErr: 0.02,
		FWHM: 4.2, FWHMErr: 0.05, Beta: 4, BetaErr: -1,
		Counts: counts, CountsErr: counts / 100,
		Sky: 101.5, SkyErr: 0.4, NSky: 220, NRej: 3,
		Flag: phot.AllOK,
	}
}

// frameResult builds one frame's measurements, one aperture per given
// count, labelled "1", "2", ...
func frameResult(t *testing.T, nframe int, counts ...float64) reduce.FrameResult {
	t.Helper()
	labels := make([]string, len(counts))
	results := make(map[string]phot.Result, len(counts))
	for i, c := range counts {
		labels[i] = strconv.Itoa(i + 1)
		results[labels[i]] = cleanResult(c)
	}
	return reduce.FrameResult{
		Meta: ccd.FrameMeta{
			NFrame: nframe,
			MJDInt: 60917, MJDFrac: 0.25 + float64(nframe)/86400,
			Timestamp: fmt.Sprintf("2025-08-30T06:00:%02dZ", nframe),
			GoodTime:  true,
			Expose:    5,
		},
		Apertures: testApertures(t, labels...),
		Results:   results,
	}
}

func group(seq int, frames ...reduce.FrameResult) *reduce.GroupResult {
	return &reduce.GroupResult{
		Seq:      seq,
		Order:    []string{"1"},
		Channels: map[string][]reduce.FrameResult{"1": frames},
	}
}

func TestResultSinkRoundTrip(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	info := testRunInfo("run-0042")

	require.NoError(t, db.BeginRun(info))

	alerts, err := db.WriteGroup(group(1,
		frameResult(t, 1, 900, 450),
		frameResult(t, 2, 905, 452)))
	require.NoError(t, err)
	assert.Empty(t, alerts)

	alerts, err = db.WriteGroup(group(2, frameResult(t, 3, 910, 455)))
	require.NoError(t, err)
	assert.Empty(t, alerts)

	require.NoError(t, db.FinishRun(reduce.RunSummary{Frames: 3, Groups: 2}))

	id, err := db.LatestRunID()
	require.NoError(t, err)
	assert.Equal(t, "run-0042", id)

	rec, err := db.Run("run-0042")
	require.NoError(t, err)
	assert.Equal(t, "dir:/data/run042", rec.Source)
	assert.Equal(t, "2026-08-25T01:30:00Z", rec.Started)
	assert.Equal(t, "1.4.0", rec.Version)
	assert.Equal(t, []string{"1", "2"}, rec.Channels)
	assert.Equal(t, 3, rec.Frames)
	assert.Equal(t, 2, rec.Groups)
	assert.False(t, rec.GaveUp)
	assert.NotEmpty(t, rec.Finished)

	apers, err := db.Apertures("run-0042")
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"1": {"1", "2"}}, apers)

	curve, err := db.LightCurve("run-0042", "1", "1", 0)
	require.NoError(t, err)
	require.Len(t, curve, 3)
	for i, want := range []float64{900, 905, 910} {
		assert.Equal(t, i+1, curve[i].NFrame)
		assert.Equal(t, want, curve[i].Counts)
		assert.Equal(t, phot.AllOK, curve[i].Flag)
		assert.InDelta(t, 60917.25, curve[i].MJD, 1e-3)
	}

	curve, err = db.LightCurve("run-0042", "1", "2", 0)
	require.NoError(t, err)
	require.Len(t, curve, 3)
	assert.Equal(t, 452.0, curve[1].Counts)

	frames, err := db.RecentFrames("run-0042", 0)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	assert.Equal(t, 1, frames[0].NFrame)
	assert.Equal(t, "2025-08-30T06:00:02Z", frames[1].Timestamp)
	assert.True(t, frames[2].GoodTime)
	assert.Equal(t, 5.0, frames[2].Expose)
}

func TestWriteGroupAlerts(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	require.NoError(t, db.BeginRun(testRunInfo("run-alerts")))

	// Saturated target on frame 7, lost aperture on frame 8; a
	// sky-only problem must not page anyone.
	fr7 := frameResult(t, 7, 900, 450)
	res := fr7.Results["1"]
	res.Flag = phot.TargetSaturated | phot.TargetNonlinear
	fr7.Results["1"] = res
	res = fr7.Results["2"]
	res.Flag = phot.NoSky
	fr7.Results["2"] = res

	fr8 := frameResult(t, 8, 902, 451)
	res = fr8.Results["2"]
	res.Flag = phot.NoExtraction | phot.NoData
	res.Counts, res.CountsErr = -1, -1
	fr8.Results["2"] = res

	alerts, err := db.WriteGroup(group(1, fr7, fr8))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"frame 7 channel 1 aperture 1: saturated|nonlinear",
		"frame 8 channel 1 aperture 2: no-extraction|no-data",
	}, alerts)

	// Flagged measurements are stored all the same.
	curve, err := db.LightCurve("run-alerts", "1", "2", 0)
	require.NoError(t, err)
	require.Len(t, curve, 2)
	assert.Equal(t, phot.NoExtraction|phot.NoData, curve[1].Flag)
	assert.Equal(t, -1.0, curve[1].Counts)
}

func TestWriteGroupSkipsMissingResults(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	require.NoError(t, db.BeginRun(testRunInfo("run-partial")))

	fr := frameResult(t, 1, 900, 450)
	delete(fr.Results, "2")

	_, err := db.WriteGroup(group(1, fr))
	require.NoError(t, err)

	apers, err := db.Apertures("run-partial")
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"1": {"1"}}, apers)
}

func TestWriteGroupRollsBackOnError(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	require.NoError(t, db.BeginRun(testRunInfo("run-flush")))

	_, err := db.WriteGroup(group(1, frameResult(t, 1, 900)))
	require.NoError(t, err)

	// Second dispatch replays frame 1: the photometry primary key
	// rejects it, and the whole group must roll back, frame 2
	// included.
	_, err = db.WriteGroup(group(2, frameResult(t, 1, 901), frameResult(t, 2, 902)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert photometry")

	var nphot, nframes int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM photometry`).Scan(&nphot))
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM frames`).Scan(&nframes))
	assert.Equal(t, 1, nphot)
	assert.Equal(t, 1, nframes)

	var counts float64
	require.NoError(t, db.QueryRow(
		`SELECT counts FROM photometry WHERE nframe = 1`).Scan(&counts))
	assert.Equal(t, 900.0, counts)

	// The connection stays usable for the next dispatch.
	_, err = db.WriteGroup(group(3, frameResult(t, 2, 902)))
	require.NoError(t, err)
}

func TestLightCurveLimit(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	require.NoError(t, db.BeginRun(testRunInfo("run-limit")))

	frames := make([]reduce.FrameResult, 5)
	for i := range frames {
		frames[i] = frameResult(t, i+1, 100+float64(i))
	}
	_, err := db.WriteGroup(group(1, frames...))
	require.NoError(t, err)

	curve, err := db.LightCurve("run-limit", "1", "1", 2)
	require.NoError(t, err)
	require.Len(t, curve, 2)
	assert.Equal(t, 4, curve[0].NFrame)
	assert.Equal(t, 5, curve[1].NFrame)
	assert.Equal(t, 104.0, curve[1].Counts)

	curve, err = db.LightCurve("run-limit", "1", "1", 0)
	require.NoError(t, err)
	assert.Len(t, curve, 5)

	curve, err = db.LightCurve("run-limit", "1", "9", 0)
	require.NoError(t, err)
	assert.Empty(t, curve)
}

func TestRecentFramesLimit(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	require.NoError(t, db.BeginRun(testRunInfo("run-recent")))

	frames := make([]reduce.FrameResult, 5)
	for i := range frames {
		frames[i] = frameResult(t, i+1, 100)
	}
	_, err := db.WriteGroup(group(1, frames...))
	require.NoError(t, err)

	recent, err := db.RecentFrames("run-recent", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, 4, recent[0].NFrame)
	assert.Equal(t, 5, recent[1].NFrame)

	recent, err = db.RecentFrames("run-recent", 0)
	require.NoError(t, err)
	assert.Len(t, recent, 5)
}

func TestLatestRunIDEmpty(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)

	id, err := db.LatestRunID()
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestLatestRunIDOrdersByStart(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)

	early := testRunInfo("run-early")
	late := testRunInfo("run-late")
	late.Started = early.Started.Add(time.Hour)

	require.NoError(t, db.BeginRun(late))
	require.NoError(t, db.BeginRun(early))

	id, err := db.LatestRunID()
	require.NoError(t, err)
	assert.Equal(t, "run-late", id)
}

func TestRunMissing(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)

	_, err := db.Run("no-such-run")
	require.Error(t, err)
}

func TestBeginRunDuplicate(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)

	require.NoError(t, db.BeginRun(testRunInfo("run-dup")))
	require.Error(t, db.BeginRun(testRunInfo("run-dup")))
}

func TestRunOverviewView(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	require.NoError(t, db.BeginRun(testRunInfo("run-view")))

	_, err := db.WriteGroup(group(1,
		frameResult(t, 1, 900, 450),
		frameResult(t, 2, 905, 452)))
	require.NoError(t, err)

	var storedFrames, measurements, series int
	require.NoError(t, db.QueryRow(`
		SELECT stored_frames, measurements, series
		FROM run_overview WHERE run_id = ?`, "run-view").
		Scan(&storedFrames, &measurements, &series))
	assert.Equal(t, 2, storedFrames)
	assert.Equal(t, 4, measurements)
	assert.Equal(t, 2, series)
}
