package reduce

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/altair-data/lightcurve.report/internal/phot"
)

// LoadApertureSets reads the aperture file for a run: a JSON object
// mapping channel names to aperture arrays. Channels with empty
// arrays are dropped; at least one channel must keep an aperture.
func LoadApertureSets(path string) (map[string]*phot.ApertureSet, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("aperture file must have .json extension, got %q", ext)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read aperture file: %w", err)
	}

	raw := make(map[string]*phot.ApertureSet)
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse aperture file: %w", err)
	}

	apsets := make(map[string]*phot.ApertureSet, len(raw))
	for name, set := range raw {
		if set == nil || set.Len() == 0 {
			continue
		}
		apsets[name] = set
	}
	if len(apsets) == 0 {
		return nil, fmt.Errorf("aperture file %s defines no apertures", path)
	}
	return apsets, nil
}

// SaveApertureSets writes the channel aperture map back out in the
// format LoadApertureSets reads.
func SaveApertureSets(path string, apsets map[string]*phot.ApertureSet) error {
	data, err := json.MarshalIndent(apsets, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode apertures: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write aperture file: %w", err)
	}
	return nil
}
