// Package ccd models the sub-window geometry and pixel data of
// multi-channel CCD frames. A detector readout is described by a set of
// rectangular sub-windows, each with its own origin and binning, and the
// package provides the containment, clash, windowing and cropping
// operations needed to manipulate them safely.
//
// Coordinates are measured in unbinned detector pixels with the centre
// of the lower-left pixel of the detector at (1,1). Continuous
// ("physical") coordinates place window edges half an unbinned pixel
// beyond the outermost pixel centres.
package ccd

import (
	"errors"
	"fmt"
	"math"
)

// Sentinel errors for geometry operations. Callers should test with
// errors.Is; the wrapped messages carry the offending windows.
var (
	// ErrEmptyOverlap is returned when a requested region contains no
	// complete pixel of a window.
	ErrEmptyOverlap = errors.New("empty overlap")

	// ErrWindowMismatch is returned by arithmetic between windats whose
	// windows are not identical.
	ErrWindowMismatch = errors.New("window mismatch")

	// ErrOutOfStep is returned by crop when the target window is not
	// contained and synchronised.
	ErrOutOfStep = errors.New("window out of step")

	// ErrWindowClash is returned when two windows share pixels.
	ErrWindowClash = errors.New("window clash")
)

// Window describes a rectangular sub-region of the detector: the
// unbinned coordinates of its lower-left pixel, its dimensions in
// binned pixels, and its binning factors. It is a value type, compared
// by field equality, and is never mutated after construction.
type Window struct {
	LLX  int `json:"llx"`
	LLY  int `json:"lly"`
	NX   int `json:"nx"`
	NY   int `json:"ny"`
	XBin int `json:"xbin"`
	YBin int `json:"ybin"`
}

// NewWindow validates and builds a Window. Dimensions and binning
// factors must be at least 1.
func NewWindow(llx, lly, nx, ny, xbin, ybin int) (Window, error) {
	if nx < 1 || ny < 1 {
		return Window{}, fmt.Errorf("window dimensions must be at least 1, got nx=%d ny=%d", nx, ny)
	}
	if xbin < 1 || ybin < 1 {
		return Window{}, fmt.Errorf("window binning must be at least 1, got xbin=%d ybin=%d", xbin, ybin)
	}
	return Window{LLX: llx, LLY: lly, NX: nx, NY: ny, XBin: xbin, YBin: ybin}, nil
}

func (w Window) String() string {
	return fmt.Sprintf("Window(llx=%d, lly=%d, nx=%d, ny=%d, xbin=%d, ybin=%d)",
		w.LLX, w.LLY, w.NX, w.NY, w.XBin, w.YBin)
}

// URX returns the unbinned X coordinate of the upper-right pixel.
func (w Window) URX() int { return w.LLX - 1 + w.NX*w.XBin }

// URY returns the unbinned Y coordinate of the upper-right pixel.
func (w Window) URY() int { return w.LLY - 1 + w.NY*w.YBin }

// XLo returns the left-hand edge of the window in continuous coordinates.
func (w Window) XLo() float64 { return float64(w.LLX) - 0.5 }

// XHi returns the right-hand edge of the window in continuous coordinates.
func (w Window) XHi() float64 { return float64(w.LLX-1+w.NX*w.XBin) + 0.5 }

// YLo returns the bottom edge of the window in continuous coordinates.
func (w Window) YLo() float64 { return float64(w.LLY) - 0.5 }

// YHi returns the top edge of the window in continuous coordinates.
func (w Window) YHi() float64 { return float64(w.LLY-1+w.NY*w.YBin) + 0.5 }

// Extent returns (xlo, xhi, ylo, yhi), the continuous-coordinate
// boundaries of the window.
func (w Window) Extent() (xlo, xhi, ylo, yhi float64) {
	return w.XLo(), w.XHi(), w.YLo(), w.YHi()
}

// X converts a binned X pixel index (centre of the leftmost pixel at 0)
// to the physical X position in unbinned detector coordinates.
func (w Window) X(xpix float64) float64 {
	return float64(w.LLX) + float64(w.XBin)*(xpix+0.5) - 0.5
}

// Y converts a binned Y pixel index (centre of the lowest pixel at 0)
// to the physical Y position in unbinned detector coordinates.
func (w Window) Y(ypix float64) float64 {
	return float64(w.LLY) + float64(w.YBin)*(ypix+0.5) - 0.5
}

// XPixel is the inverse of X: physical position to binned pixel index.
func (w Window) XPixel(x float64) float64 {
	return (x+0.5-float64(w.LLX))/float64(w.XBin) - 0.5
}

// YPixel is the inverse of Y: physical position to binned pixel index.
func (w Window) YPixel(y float64) float64 {
	return (y+0.5-float64(w.LLY))/float64(w.YBin) - 0.5
}

// Contains reports whether w fully encloses win in such a way that w
// could be cut down to it: win's binning factors must be integer
// multiples of w's, win's footprint must lie within w's, and the two
// pixel grids must be in step.
func (w Window) Contains(win Window) bool {
	return win.XBin%w.XBin == 0 && win.YBin%w.YBin == 0 &&
		w.LLX <= win.LLX && w.URX() >= win.URX() &&
		w.LLY <= win.LLY && w.URY() >= win.URY() &&
		(win.LLX-w.LLX)%w.XBin == 0 &&
		(win.LLY-w.LLY)%w.YBin == 0
}

// Inside is the mirror of Contains: it reports whether win fully
// encloses w with grids in step.
func (w Window) Inside(win Window) bool {
	return w.XBin%win.XBin == 0 && w.YBin%win.YBin == 0 &&
		win.LLX <= w.LLX && win.URX() >= w.URX() &&
		win.LLY <= w.LLY && win.URY() >= w.URY() &&
		(w.LLX-win.LLX)%win.XBin == 0 &&
		(w.LLY-win.LLY)%win.YBin == 0
}

// Clash returns an error if the two windows share any pixels. Window
// sets covering a channel must tile disjoint regions of the detector.
func (w Window) Clash(win Window) error {
	if w.LLX <= win.URX() && w.URX() >= win.LLX &&
		w.LLY <= win.URY() && w.URY() >= win.LLY {
		return fmt.Errorf("%v overlaps %v: %w", w, win, ErrWindowClash)
	}
	return nil
}

// Matches returns an error unless win is identical to w.
func (w Window) Matches(win Window) error {
	if w != win {
		return fmt.Errorf("%v does not match %v: %w", w, win, ErrWindowMismatch)
	}
	return nil
}

// Window returns the largest sub-Window of complete pixels lying within
// the continuous-coordinate box (xlo, xhi, ylo, yhi). The requested box
// is rounded onto the binning grid with a ceiling on the lower edges
// and a floor on the upper edges. Returns ErrEmptyOverlap if no pixel
// qualifies.
func (w Window) Window(xlo, xhi, ylo, yhi float64) (Window, error) {
	llx := w.LLX + w.XBin*int(math.Ceil((xlo-w.XLo())/float64(w.XBin)))
	if llx < w.LLX {
		llx = w.LLX
	}
	lly := w.LLY + w.YBin*int(math.Ceil((ylo-w.YLo())/float64(w.YBin)))
	if lly < w.LLY {
		lly = w.LLY
	}

	cutX := int(math.Ceil((w.XHi() - xhi) / float64(w.XBin)))
	if cutX < 0 {
		cutX = 0
	}
	cutY := int(math.Ceil((w.YHi() - yhi) / float64(w.YBin)))
	if cutY < 0 {
		cutY = 0
	}

	nx := w.NX - (llx-w.LLX)/w.XBin - cutX
	ny := w.NY - (lly-w.LLY)/w.YBin - cutY
	if nx <= 0 || ny <= 0 {
		return Window{}, fmt.Errorf(
			"%v has no overlap with region (%.2f,%.2f,%.2f,%.2f): %w",
			w, xlo, xhi, ylo, yhi, ErrEmptyOverlap)
	}

	return Window{LLX: llx, LLY: lly, NX: nx, NY: ny, XBin: w.XBin, YBin: w.YBin}, nil
}

// Distance returns the minimum distance of the point (x, y) from the
// edge of the window: positive inside, negative outside. The edge runs
// around the outside of the outer pixels. For a point beyond the box in
// both axes the value is a lower limit to the true distance.
func (w Window) Distance(x, y float64) float64 {
	xlo, xhi, ylo, yhi := w.Extent()

	switch {
	case x < xlo:
		switch {
		case y < ylo:
			return -math.Min(xlo-x, ylo-y)
		case y > yhi:
			return -math.Min(xlo-x, y-yhi)
		default:
			return x - xlo
		}
	case x > xhi:
		switch {
		case y < ylo:
			return -math.Min(x-xhi, ylo-y)
		case y > yhi:
			return -math.Min(x-xhi, y-yhi)
		default:
			return xhi - x
		}
	default:
		switch {
		case y < ylo:
			return y - ylo
		case y > yhi:
			return yhi - y
		default:
			return math.Min(math.Min(x-xlo, xhi-x), math.Min(y-ylo, yhi-y))
		}
	}
}
