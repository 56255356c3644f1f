package ccd

import (
	"fmt"
)

// FrameMeta carries the per-exposure timing and identification that
// travels with a frame through the pipeline.
type FrameMeta struct {
	// NFrame is the 1-based frame number within the run.
	NFrame int `json:"nframe"`

	// MJDInt and MJDFrac together give the mid-exposure time as a
	// Modified Julian Date, split to preserve sub-second precision.
	MJDInt  int     `json:"mjdint"`
	MJDFrac float64 `json:"mjdfrac"`

	// Timestamp is the human-readable UTC timestamp from the camera.
	Timestamp string `json:"timestamp"`

	// GoodTime reports whether the timing solution is trustworthy.
	GoodTime bool `json:"goodtime"`

	// Expose is the exposure time in seconds.
	Expose float64 `json:"expose"`
}

// MJD returns the full mid-exposure Modified Julian Date.
func (m FrameMeta) MJD() float64 {
	return float64(m.MJDInt) + m.MJDFrac
}

// Frame is one exposure from the camera: per-frame metadata plus an
// ordered set of named channels.
type Frame struct {
	Meta FrameMeta

	names []string
	chans map[string]*Channel
}

// NewFrame creates an empty frame with the given metadata.
func NewFrame(meta FrameMeta) *Frame {
	return &Frame{Meta: meta, chans: make(map[string]*Channel)}
}

// Add appends a channel. Channel names must be unique within a frame.
func (f *Frame) Add(ch *Channel) error {
	if _, ok := f.chans[ch.Name]; ok {
		return fmt.Errorf("frame %d: duplicate channel %q", f.Meta.NFrame, ch.Name)
	}
	f.names = append(f.names, ch.Name)
	f.chans[ch.Name] = ch
	return nil
}

// Channel returns the named channel.
func (f *Frame) Channel(name string) (*Channel, bool) {
	ch, ok := f.chans[name]
	return ch, ok
}

// Names returns the channel names in insertion order.
func (f *Frame) Names() []string {
	out := make([]string, len(f.names))
	copy(out, f.names)
	return out
}

// NumChannels returns the number of channels in the frame.
func (f *Frame) NumChannels() int { return len(f.names) }

// Copy returns a deep copy of the frame.
func (f *Frame) Copy() *Frame {
	out := NewFrame(f.Meta)
	for _, name := range f.names {
		out.names = append(out.names, name)
		out.chans[name] = f.chans[name].Copy()
	}
	return out
}

// eachPair runs fn over name-matched channel pairs of f and o. Only
// channels present in f are visited; o must carry at least those.
func (f *Frame) eachPair(o *Frame, fn func(a, b *Channel) error) error {
	for _, name := range f.names {
		och, ok := o.chans[name]
		if !ok {
			return fmt.Errorf("frame %d: channel %q missing from operand: %w",
				f.Meta.NFrame, name, ErrWindowMismatch)
		}
		if err := fn(f.chans[name], och); err != nil {
			return err
		}
	}
	return nil
}

// Sub subtracts a name-matched frame channel by channel.
func (f *Frame) Sub(o *Frame) error {
	return f.eachPair(o, func(a, b *Channel) error { return a.Sub(b) })
}

// SubScaled subtracts scale times a name-matched frame.
func (f *Frame) SubScaled(o *Frame, scale float64) error {
	return f.eachPair(o, func(a, b *Channel) error { return a.SubScaled(b, scale) })
}

// Div divides by a name-matched frame channel by channel.
func (f *Frame) Div(o *Frame) error {
	return f.eachPair(o, func(a, b *Channel) error { return a.Div(b) })
}

// Mul multiplies by a name-matched frame channel by channel.
func (f *Frame) Mul(o *Frame) error {
	return f.eachPair(o, func(a, b *Channel) error { return a.Mul(b) })
}

// CropTo cuts each channel of the frame down to the window format of
// the corresponding channel of tmpl. Channels of tmpl missing from f
// are an error; channels of f absent from tmpl are dropped.
func (f *Frame) CropTo(tmpl *Frame) (*Frame, error) {
	out := NewFrame(f.Meta)
	for _, name := range tmpl.names {
		src, ok := f.chans[name]
		if !ok {
			return nil, fmt.Errorf("frame %d: channel %q absent from source: %w",
				f.Meta.NFrame, name, ErrWindowMismatch)
		}
		cropped, err := src.CropTo(tmpl.chans[name])
		if err != nil {
			return nil, err
		}
		if err := out.Add(cropped); err != nil {
			return nil, err
		}
	}
	return out, nil
}
