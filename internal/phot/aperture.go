package phot

import (
	"encoding/json"
	"fmt"
	"math"
)

// Offset is a displacement in unbinned detector pixels.
type Offset struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// R returns the length of the offset.
func (o Offset) R() float64 { return math.Hypot(o.X, o.Y) }

// MaskRegion is a circular exclusion from the sky annulus, centred at
// an offset from the aperture and used to block contaminating stars.
type MaskRegion struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Radius float64 `json:"radius"`
}

// Aperture is one labelled photometric measurement region: a target
// disk of radius RTarg around (X, Y), a sky annulus between RSky1 and
// RSky2, optional extra target sub-apertures sharing RTarg (for close
// blended companions whose flux belongs with the target) and optional
// sky mask regions.
type Aperture struct {
	Label string  `json:"label"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	RTarg float64 `json:"rtarg"`
	RSky1 float64 `json:"rsky1"`
	RSky2 float64 `json:"rsky2"`

	Extra []Offset     `json:"extra,omitempty"`
	Masks []MaskRegion `json:"mask,omitempty"`
}

// Validate checks the aperture invariants.
func (a Aperture) Validate() error {
	if a.Label == "" {
		return fmt.Errorf("aperture has no label")
	}
	if a.RTarg <= 0 || a.RSky1 <= 0 || a.RSky2 <= 0 {
		return fmt.Errorf("aperture %s: radii must be positive (rtarg=%.2f rsky1=%.2f rsky2=%.2f)",
			a.Label, a.RTarg, a.RSky1, a.RSky2)
	}
	for _, m := range a.Masks {
		if m.Radius <= 0 {
			return fmt.Errorf("aperture %s: mask radius must be positive", a.Label)
		}
	}
	return nil
}

// ReachBeyondSky is the largest radius from the aperture centre that
// extraction must see: the outer sky radius, extended if any extra
// sub-aperture pokes past it.
func (a Aperture) ReachBeyondSky() float64 {
	rmax := a.RSky2
	for _, off := range a.Extra {
		if r := off.R() + a.RTarg; r > rmax {
			rmax = r
		}
	}
	return rmax
}

// ApertureSet is the ordered aperture collection of one channel.
// Insertion order fixes the measurement output order. The set is
// treated as an immutable snapshot across worker boundaries: resizing
// produces a new set rather than mutating in place.
type ApertureSet struct {
	labels []string
	apers  map[string]Aperture
}

// NewApertureSet builds a set from apertures in order.
func NewApertureSet(apers ...Aperture) (*ApertureSet, error) {
	s := &ApertureSet{apers: make(map[string]Aperture, len(apers))}
	for _, ap := range apers {
		if err := s.Add(ap); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add appends one validated aperture. Labels must be unique.
func (s *ApertureSet) Add(ap Aperture) error {
	if err := ap.Validate(); err != nil {
		return err
	}
	if _, ok := s.apers[ap.Label]; ok {
		return fmt.Errorf("duplicate aperture label %q", ap.Label)
	}
	s.labels = append(s.labels, ap.Label)
	s.apers[ap.Label] = ap
	return nil
}

// Get returns the labelled aperture.
func (s *ApertureSet) Get(label string) (Aperture, bool) {
	ap, ok := s.apers[label]
	return ap, ok
}

// Labels returns the aperture labels in insertion order.
func (s *ApertureSet) Labels() []string {
	out := make([]string, len(s.labels))
	copy(out, s.labels)
	return out
}

// Len returns the number of apertures.
func (s *ApertureSet) Len() int { return len(s.labels) }

// Copy returns an independent set with the same apertures and order.
func (s *ApertureSet) Copy() *ApertureSet {
	out := &ApertureSet{
		labels: make([]string, len(s.labels)),
		apers:  make(map[string]Aperture, len(s.apers)),
	}
	copy(out.labels, s.labels)
	for label, ap := range s.apers {
		ap.Extra = append([]Offset(nil), ap.Extra...)
		ap.Masks = append([]MaskRegion(nil), ap.Masks...)
		out.apers[label] = ap
	}
	return out
}

// Transform applies fn to every aperture, preserving order, and
// returns the resulting new set.
func (s *ApertureSet) Transform(fn func(Aperture) Aperture) *ApertureSet {
	out := s.Copy()
	for _, label := range out.labels {
		out.apers[label] = fn(out.apers[label])
	}
	return out
}

// MarshalJSON encodes the set as a JSON array in insertion order.
func (s *ApertureSet) MarshalJSON() ([]byte, error) {
	apers := make([]Aperture, 0, len(s.labels))
	for _, label := range s.labels {
		apers = append(apers, s.apers[label])
	}
	return json.Marshal(apers)
}

// UnmarshalJSON decodes a JSON array of apertures, validating each and
// preserving array order.
func (s *ApertureSet) UnmarshalJSON(data []byte) error {
	var apers []Aperture
	if err := json.Unmarshal(data, &apers); err != nil {
		return err
	}
	set, err := NewApertureSet(apers...)
	if err != nil {
		return err
	}
	*s = *set
	return nil
}
