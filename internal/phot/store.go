package phot

// Entry is the running fit state of one aperture: the last measured
// position and profile shape with their uncertainties. A value of -1
// for FWHM or Beta means "not yet measured"; error fields are -1 when
// undefined.
type Entry struct {
	X, XErr       float64
	Y, YErr       float64
	FWHM, FWHMErr float64
	Beta, BetaErr float64
}

// sentinelEntry is the state before any successful fit.
func sentinelEntry() Entry {
	return Entry{
		XErr: -1, YErr: -1,
		FWHM: -1, FWHMErr: -1,
		Beta: -1, BetaErr: -1,
	}
}

// Store carries the running state of one channel across frames: the
// per-aperture entries plus the channel-level mean FWHM and beta that
// seed the next frame's profile fits and drive aperture resizing.
// A mean of -1 means no measurement exists yet.
//
// A store is owned by exactly one channel worker at a time; snapshots
// for reporting are taken with Copy.
type Store struct {
	MeanFWHM float64
	MeanBeta float64

	entries map[string]Entry
}

// NewStore creates a store with unknown seeing.
func NewStore() *Store {
	return &Store{
		MeanFWHM: -1,
		MeanBeta: -1,
		entries:  make(map[string]Entry),
	}
}

// Entry returns the state for the labelled aperture, or the sentinel
// "never measured" state when none exists yet.
func (s *Store) Entry(label string) Entry {
	if e, ok := s.entries[label]; ok {
		return e
	}
	return sentinelEntry()
}

// SetEntry records new state for the labelled aperture.
func (s *Store) SetEntry(label string, e Entry) {
	s.entries[label] = e
}

// Labels returns the labels with recorded entries, in no particular
// order.
func (s *Store) Labels() []string {
	out := make([]string, 0, len(s.entries))
	for label := range s.entries {
		out = append(out, label)
	}
	return out
}

// Copy returns a deep snapshot, safe to hand across a dispatch
// boundary while the original keeps evolving.
func (s *Store) Copy() *Store {
	out := &Store{
		MeanFWHM: s.MeanFWHM,
		MeanBeta: s.MeanBeta,
		entries:  make(map[string]Entry, len(s.entries)),
	}
	for label, e := range s.entries {
		out.entries[label] = e
	}
	return out
}
