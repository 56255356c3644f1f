// Package phot implements aperture photometry on windowed CCD data:
// aperture modelling, resizing policies, robust sky estimation and
// tapered or profile-weighted flux extraction with per-aperture
// quality flags.
package phot

import "strings"

// Flag is a bitmask of quality conditions attached to one aperture
// measurement on one frame. Bits are independent and combine; zero
// means fully nominal.
type Flag uint16

const (
	// NoFWHM marks frames where no seeing measurement existed yet, so
	// variable resizing and optimal extraction were impossible.
	NoFWHM Flag = 1 << iota

	// NoSky marks an empty sky pixel set.
	NoSky

	// SkyAtEdge marks a sky annulus truncated by the window edge.
	SkyAtEdge

	// TargetAtEdge marks a target disk truncated by the window edge.
	TargetAtEdge

	// TargetSaturated marks raw counts at or above the saturation level.
	TargetSaturated

	// TargetNonlinear marks raw counts at or above the nonlinearity level.
	TargetNonlinear

	// NoExtraction marks a failed extraction; counts are 0 with error -1.
	NoExtraction

	// NoData marks an aperture containing no usable pixels.
	NoData
)

// AllOK is the nominal flag value.
const AllOK Flag = 0

var flagNames = []struct {
	bit  Flag
	name string
}{
	{NoFWHM, "no-fwhm"},
	{NoSky, "no-sky"},
	{SkyAtEdge, "sky-at-edge"},
	{TargetAtEdge, "target-at-edge"},
	{TargetSaturated, "saturated"},
	{TargetNonlinear, "nonlinear"},
	{NoExtraction, "no-extraction"},
	{NoData, "no-data"},
}

// Has reports whether every bit of mask is set.
func (f Flag) Has(mask Flag) bool { return f&mask == mask }

func (f Flag) String() string {
	if f == AllOK {
		return "ok"
	}
	var parts []string
	for _, fn := range flagNames {
		if f&fn.bit != 0 {
			parts = append(parts, fn.name)
		}
	}
	return strings.Join(parts, "|")
}
