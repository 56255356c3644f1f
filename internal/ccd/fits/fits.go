// Package fits serialises frames to and from FITS files. The layout is
// one header-only primary HDU carrying the frame metadata, followed by
// one 64-bit float image extension per windat, named
// "<channel>.<label>" and carrying the window geometry in its header.
package fits

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/astrogo/fitsio"

	"github.com/altair-data/lightcurve.report/internal/ccd"
)

// Header card names for the primary HDU.
const (
	cardNFrame    = "NFRAME"
	cardMJDInt    = "MJDINT"
	cardMJDFrac   = "MJDFRAC"
	cardTimestamp = "TIMSTAMP"
	cardGoodTime  = "GOODTIME"
	cardExpose    = "EXPTIME"
	cardNChan     = "NCHAN"
)

// Header card names for windat extensions.
const (
	cardChannel = "CHAN"
	cardLabel   = "WINLAB"
	cardLLX     = "LLX"
	cardLLY     = "LLY"
	cardXBin    = "XBIN"
	cardYBin    = "YBIN"
)

// WriteFrame writes a frame to w as a FITS file.
func WriteFrame(w io.Writer, frame *ccd.Frame) error {
	out, err := fitsio.Create(w)
	if err != nil {
		return fmt.Errorf("create fits: %w", err)
	}
	defer out.Close()

	primary := fitsio.NewImage(8, nil)
	defer primary.Close()
	err = primary.Header().Append(
		fitsio.Card{Name: cardNFrame, Value: frame.Meta.NFrame, Comment: "frame number within run"},
		fitsio.Card{Name: cardMJDInt, Value: frame.Meta.MJDInt, Comment: "integer part of mid-exposure MJD"},
		fitsio.Card{Name: cardMJDFrac, Value: frame.Meta.MJDFrac, Comment: "fractional part of mid-exposure MJD"},
		fitsio.Card{Name: cardTimestamp, Value: frame.Meta.Timestamp, Comment: "camera UTC timestamp"},
		fitsio.Card{Name: cardGoodTime, Value: frame.Meta.GoodTime, Comment: "timing solution reliable"},
		fitsio.Card{Name: cardExpose, Value: frame.Meta.Expose, Comment: "exposure time (s)"},
		fitsio.Card{Name: cardNChan, Value: frame.NumChannels(), Comment: "number of channels"},
	)
	if err != nil {
		return fmt.Errorf("primary header: %w", err)
	}
	if err := out.Write(primary); err != nil {
		return fmt.Errorf("write primary: %w", err)
	}

	for _, name := range frame.Names() {
		ch, _ := frame.Channel(name)
		for _, label := range ch.Labels() {
			wd, _ := ch.Windat(label)
			if err := writeWindat(out, name, label, wd); err != nil {
				return fmt.Errorf("windat %s.%s: %w", name, label, err)
			}
		}
	}
	return nil
}

func writeWindat(out *fitsio.File, channel, label string, wd *ccd.Windat) error {
	im := fitsio.NewImage(-64, []int{wd.NX, wd.NY})
	defer im.Close()

	err := im.Header().Append(
		fitsio.Card{Name: "EXTNAME", Value: channel + "." + label, Comment: "channel.window"},
		fitsio.Card{Name: cardChannel, Value: channel, Comment: "channel name"},
		fitsio.Card{Name: cardLabel, Value: label, Comment: "window label"},
		fitsio.Card{Name: cardLLX, Value: wd.LLX, Comment: "unbinned X of lower-left pixel"},
		fitsio.Card{Name: cardLLY, Value: wd.LLY, Comment: "unbinned Y of lower-left pixel"},
		fitsio.Card{Name: cardXBin, Value: wd.XBin, Comment: "X binning factor"},
		fitsio.Card{Name: cardYBin, Value: wd.YBin, Comment: "Y binning factor"},
	)
	if err != nil {
		return fmt.Errorf("header: %w", err)
	}

	// FITS images are row-major with NAXIS1 fastest, matching the
	// windat backing slice exactly. Copied so the HDU cannot alias the
	// live frame.
	src := wd.Data.RawMatrix().Data
	raw := make([]float64, len(src))
	copy(raw, src)
	if err := im.Write(&raw); err != nil {
		return fmt.Errorf("pixels: %w", err)
	}
	return out.Write(im)
}

// ReadFrame reads a frame written by WriteFrame.
func ReadFrame(r io.Reader) (*ccd.Frame, error) {
	in, err := fitsio.Open(r)
	if err != nil {
		return nil, fmt.Errorf("open fits: %w", err)
	}
	defer in.Close()

	hdus := in.HDUs()
	if len(hdus) == 0 {
		return nil, fmt.Errorf("fits file has no HDUs")
	}

	meta, err := readMeta(hdus[0].Header())
	if err != nil {
		return nil, fmt.Errorf("primary header: %w", err)
	}
	frame := ccd.NewFrame(meta)

	for i, hdu := range hdus[1:] {
		img, ok := hdu.(fitsio.Image)
		if !ok {
			return nil, fmt.Errorf("HDU %d: not an image extension", i+1)
		}
		if err := readWindat(frame, img); err != nil {
			return nil, fmt.Errorf("HDU %d: %w", i+1, err)
		}
	}
	return frame, nil
}

func readMeta(hdr *fitsio.Header) (ccd.FrameMeta, error) {
	var meta ccd.FrameMeta
	var err error
	if meta.NFrame, err = intCard(hdr, cardNFrame); err != nil {
		return meta, err
	}
	if meta.MJDInt, err = intCard(hdr, cardMJDInt); err != nil {
		return meta, err
	}
	if meta.MJDFrac, err = floatCard(hdr, cardMJDFrac); err != nil {
		return meta, err
	}
	if meta.Timestamp, err = stringCard(hdr, cardTimestamp); err != nil {
		return meta, err
	}
	if meta.GoodTime, err = boolCard(hdr, cardGoodTime); err != nil {
		return meta, err
	}
	if meta.Expose, err = floatCard(hdr, cardExpose); err != nil {
		return meta, err
	}
	return meta, nil
}

func readWindat(frame *ccd.Frame, img fitsio.Image) error {
	hdr := img.Header()

	channel, err := stringCard(hdr, cardChannel)
	if err != nil {
		return err
	}
	label, err := stringCard(hdr, cardLabel)
	if err != nil {
		return err
	}

	axes := hdr.Axes()
	if len(axes) != 2 {
		return fmt.Errorf("windat image has %d axes, want 2", len(axes))
	}
	nx, ny := axes[0], axes[1]

	llx, err := intCard(hdr, cardLLX)
	if err != nil {
		return err
	}
	lly, err := intCard(hdr, cardLLY)
	if err != nil {
		return err
	}
	xbin, err := intCard(hdr, cardXBin)
	if err != nil {
		return err
	}
	ybin, err := intCard(hdr, cardYBin)
	if err != nil {
		return err
	}

	win, err := ccd.NewWindow(llx, lly, nx, ny, xbin, ybin)
	if err != nil {
		return err
	}

	data := make([]float64, nx*ny)
	if err := img.Read(&data); err != nil {
		return fmt.Errorf("pixels: %w", err)
	}
	wd, err := ccd.NewWindatValues(win, data)
	if err != nil {
		return err
	}

	ch, ok := frame.Channel(channel)
	if !ok {
		ch = ccd.NewChannel(channel)
		if err := frame.Add(ch); err != nil {
			return err
		}
	}
	return ch.Add(label, wd)
}

// WriteFile writes a frame to path.
func WriteFile(path string, frame *ccd.Frame) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteFrame(f, frame); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadFile reads a frame from path.
func ReadFile(path string) (*ccd.Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	frame, err := ReadFrame(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return frame, nil
}

func card(hdr *fitsio.Header, name string) (*fitsio.Card, error) {
	c := hdr.Get(name)
	if c == nil {
		return nil, fmt.Errorf("missing card %s", name)
	}
	return c, nil
}

func intCard(hdr *fitsio.Header, name string) (int, error) {
	c, err := card(hdr, name)
	if err != nil {
		return 0, err
	}
	switch v := c.Value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("card %s: unexpected type %T", name, c.Value)
	}
}

func floatCard(hdr *fitsio.Header, name string) (float64, error) {
	c, err := card(hdr, name)
	if err != nil {
		return 0, err
	}
	switch v := c.Value.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("card %s: unexpected type %T", name, c.Value)
	}
}

func stringCard(hdr *fitsio.Header, name string) (string, error) {
	c, err := card(hdr, name)
	if err != nil {
		return "", err
	}
	s, ok := c.Value.(string)
	if !ok {
		return "", fmt.Errorf("card %s: unexpected type %T", name, c.Value)
	}
	return strings.TrimSpace(s), nil
}

func boolCard(hdr *fitsio.Header, name string) (bool, error) {
	c, err := card(hdr, name)
	if err != nil {
		return false, err
	}
	b, ok := c.Value.(bool)
	if !ok {
		return false, fmt.Errorf("card %s: unexpected type %T", name, c.Value)
	}
	return b, nil
}
