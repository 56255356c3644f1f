// Package units converts between civil time and the Modified Julian
// Dates carried by frame headers.
package units

import (
	"math"
	"time"
)

// UnixEpochMJD is the Modified Julian Date of 1970-01-01T00:00:00 UTC.
const UnixEpochMJD = 40587

const secondsPerDay = 86400

// TimeToMJD returns t as a Modified Julian Date.
func TimeToMJD(t time.Time) float64 {
	sec := float64(t.Unix()) + float64(t.Nanosecond())/1e9
	return UnixEpochMJD + sec/secondsPerDay
}

// MJDToTime returns the UTC instant of a Modified Julian Date.
// Resolution is limited by float64: about a microsecond for current
// dates.
func MJDToTime(mjd float64) time.Time {
	sec := (mjd - UnixEpochMJD) * secondsPerDay
	whole := math.Floor(sec)
	ns := math.Round((sec - whole) * 1e9)
	return time.Unix(int64(whole), int64(ns)).UTC()
}

// SplitMJD returns t as an integer MJD day plus the fraction of that
// day, the split frame headers use. The fraction is always in [0, 1).
func SplitMJD(t time.Time) (day int, frac float64) {
	sec := t.Unix()
	d := sec / secondsPerDay
	rem := sec % secondsPerDay
	if rem < 0 {
		d--
		rem += secondsPerDay
	}
	frac = (float64(rem) + float64(t.Nanosecond())/1e9) / secondsPerDay
	return int(d) + UnixEpochMJD, frac
}
