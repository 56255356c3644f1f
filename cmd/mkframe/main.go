// Command mkframe generates a synthetic run directory of FITS frames
// (constant sky, Gaussian stars, optional drift and noise) plus a
// matching aperture file, for exercising the reducer end to end:
//
//	mkframe -o run001 -n 200
//	reduce -source dir:run001 -apertures run001/apertures.json
package main

import (
	"flag"
	"log"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/altair-data/lightcurve.report/internal/ccd"
	"github.com/altair-data/lightcurve.report/internal/ccd/fits"
	"github.com/altair-data/lightcurve.report/internal/phot"
	"github.com/altair-data/lightcurve.report/internal/reduce"
	"github.com/altair-data/lightcurve.report/internal/units"
)

var (
	outDir   = flag.String("o", "run001", "output run directory")
	nframes  = flag.Int("n", 100, "number of frames")
	channels = flag.String("channels", "1", "comma-separated channel names")
	size     = flag.Int("size", 64, "window size in pixels (square)")
	sky      = flag.Float64("sky", 100, "sky level, counts per pixel")
	noise    = flag.Float64("noise", 4, "RMS noise, counts per pixel (0 disables)")
	height   = flag.Float64("height", 5000, "target star peak height, counts")
	fwhm     = flag.Float64("fwhm", 4, "star FWHM, pixels")
	drift    = flag.Float64("drift", 0.02, "star drift per frame, pixels")
	expose   = flag.Float64("expose", 5, "exposure time per frame, seconds")
	seed     = flag.Int64("seed", 1, "noise RNG seed")
)

// addStar adds a circular Gaussian of the given peak height and FWHM
// centred at detector coordinates (x, y), with 4x sub-pixel averaging.
func addStar(wd *ccd.Windat, x, y, h, fwhm float64) {
	sigma2 := fwhm * fwhm / (8 * math.Ln2)
	wd.AddFXY(func(px, py float64) float64 {
		dx, dy := px-x, py-y
		return h * math.Exp(-(dx*dx+dy*dy)/(2*sigma2))
	}, 4)
}

func addNoise(wd *ccd.Windat, rng *rand.Rand, rms float64) {
	rows, cols := wd.Data.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			wd.Data.Set(i, j, wd.Data.At(i, j)+rng.NormFloat64()*rms)
		}
	}
}

func main() {
	flag.Parse()

	var names []string
	for _, name := range strings.Split(*channels, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		log.Fatal("-channels names no channels")
	}

	win := ccd.Window{LLX: 1, LLY: 1, NX: *size, NY: *size, XBin: 1, YBin: 1}
	// Target in the middle, comparison star a quarter-window to the
	// right at half the brightness.
	cx := float64(*size) / 2
	cy := float64(*size) / 2
	compX := cx + float64(*size)/4

	if err := os.MkdirAll(*outDir, 0755); err != nil {
		log.Fatalf("Failed to create run directory: %v", err)
	}

	rng := rand.New(rand.NewSource(*seed))
	start := time.Now().UTC()

	for n := 1; n <= *nframes; n++ {
		// Mid-exposure instant of frame n at the nominal cadence.
		mid := start.Add(time.Duration(((float64(n-1) + 0.5) * (*expose)) * float64(time.Second)))
		day, frac := units.SplitMJD(mid)
		meta := ccd.FrameMeta{
			NFrame:    n,
			MJDInt:    day,
			MJDFrac:   frac,
			Timestamp: start.Add(time.Duration(float64(n-1) * (*expose) * float64(time.Second))).Format(time.RFC3339),
			GoodTime:  true,
			Expose:    *expose,
		}
		frame := ccd.NewFrame(meta)

		xoff := float64(n-1) * (*drift)
		for _, name := range names {
			wd, err := ccd.NewWindat(win, nil)
			if err != nil {
				log.Fatalf("Bad window geometry: %v", err)
			}
			wd.SetConst(*sky)
			addStar(wd, cx+xoff, cy, *height, *fwhm)
			addStar(wd, compX+xoff, cy, *height/2, *fwhm)
			if *noise > 0 {
				addNoise(wd, rng, *noise)
			}

			ch := ccd.NewChannel(name)
			if err := ch.Add("E1", wd); err != nil {
				log.Fatalf("Failed to build channel %s: %v", name, err)
			}
			if err := frame.Add(ch); err != nil {
				log.Fatalf("Failed to build frame %d: %v", n, err)
			}
		}

		path := reduce.FramePath(*outDir, n)
		if err := fits.WriteFile(path, frame); err != nil {
			log.Fatalf("Failed to write %s: %v", path, err)
		}
		if n%50 == 0 {
			log.Printf("%d/%d frames", n, *nframes)
		}
	}

	// Matching apertures so the run directory is reducible as-is.
	apsets := make(map[string]*phot.ApertureSet, len(names))
	for _, name := range names {
		set, err := phot.NewApertureSet(
			phot.Aperture{Label: "1", X: cx, Y: cy, RTarg: 1.8 * *fwhm, RSky1: 2.2 * *fwhm, RSky2: 3 * *fwhm},
			phot.Aperture{Label: "2", X: compX, Y: cy, RTarg: 1.8 * *fwhm, RSky1: 2.2 * *fwhm, RSky2: 3 * *fwhm},
		)
		if err != nil {
			log.Fatalf("Failed to build apertures: %v", err)
		}
		apsets[name] = set
	}
	aperFile := filepath.Join(*outDir, "apertures.json")
	if err := reduce.SaveApertureSets(aperFile, apsets); err != nil {
		log.Fatalf("Failed to write apertures: %v", err)
	}

	log.Printf("✓ Created %s: %d frames, channels %s, apertures in %s",
		*outDir, *nframes, strings.Join(names, ","), aperFile)
}
