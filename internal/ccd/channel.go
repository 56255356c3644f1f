package ccd

import (
	"fmt"
)

// Channel is one detector arm of the camera: a named, ordered set of
// labeled windats tiling disjoint regions of that detector. Labels
// follow the instrument convention (e.g. "E1", "F1") and insertion
// order is preserved for deterministic iteration.
type Channel struct {
	Name string

	labels []string
	wins   map[string]*Windat
}

// NewChannel creates an empty channel.
func NewChannel(name string) *Channel {
	return &Channel{Name: name, wins: make(map[string]*Windat)}
}

// Add appends a labeled windat. The new window must not share pixels
// with any window already present, and the label must be unused.
func (c *Channel) Add(label string, wd *Windat) error {
	if _, ok := c.wins[label]; ok {
		return fmt.Errorf("channel %s: duplicate windat label %q", c.Name, label)
	}
	for _, existing := range c.labels {
		if err := c.wins[existing].Window.Clash(wd.Window); err != nil {
			return fmt.Errorf("channel %s: windat %q: %w", c.Name, label, err)
		}
	}
	c.labels = append(c.labels, label)
	c.wins[label] = wd
	return nil
}

// Windat returns the windat with the given label.
func (c *Channel) Windat(label string) (*Windat, bool) {
	wd, ok := c.wins[label]
	return wd, ok
}

// Labels returns the windat labels in insertion order.
func (c *Channel) Labels() []string {
	out := make([]string, len(c.labels))
	copy(out, c.labels)
	return out
}

// NumWindats returns the number of windats in the channel.
func (c *Channel) NumWindats() int { return len(c.labels) }

// FindWindat returns the label of the windat whose window contains the
// physical point (x, y).
func (c *Channel) FindWindat(x, y float64) (string, error) {
	for _, label := range c.labels {
		if c.wins[label].Distance(x, y) > 0 {
			return label, nil
		}
	}
	return "", fmt.Errorf("channel %s: position (%.1f,%.1f) lies in no window", c.Name, x, y)
}

// Copy returns a deep copy of the channel.
func (c *Channel) Copy() *Channel {
	out := NewChannel(c.Name)
	for _, label := range c.labels {
		out.labels = append(out.labels, label)
		out.wins[label] = c.wins[label].Copy()
	}
	return out
}

// eachPair runs fn over label-matched windat pairs of c and o. The two
// channels must carry identical label sets.
func (c *Channel) eachPair(o *Channel, fn func(a, b *Windat) error) error {
	if len(c.labels) != len(o.labels) {
		return fmt.Errorf("channel %s: windat count %d vs %d: %w",
			c.Name, len(c.labels), len(o.labels), ErrWindowMismatch)
	}
	for _, label := range c.labels {
		owd, ok := o.wins[label]
		if !ok {
			return fmt.Errorf("channel %s: windat %q missing from operand: %w",
				c.Name, label, ErrWindowMismatch)
		}
		if err := fn(c.wins[label], owd); err != nil {
			return fmt.Errorf("channel %s: windat %q: %w", c.Name, label, err)
		}
	}
	return nil
}

// Sub subtracts a label-matched channel windat by windat.
func (c *Channel) Sub(o *Channel) error {
	return c.eachPair(o, func(a, b *Windat) error { return a.Sub(b) })
}

// SubScaled subtracts scale times a label-matched channel.
func (c *Channel) SubScaled(o *Channel, scale float64) error {
	return c.eachPair(o, func(a, b *Windat) error { return a.SubScaled(b, scale) })
}

// Div divides by a label-matched channel windat by windat.
func (c *Channel) Div(o *Channel) error {
	return c.eachPair(o, func(a, b *Windat) error { return a.Div(b) })
}

// Mul multiplies by a label-matched channel windat by windat.
func (c *Channel) Mul(o *Channel) error {
	return c.eachPair(o, func(a, b *Windat) error { return a.Mul(b) })
}

// AddConst adds v to every sample of every windat.
func (c *Channel) AddConst(v float64) {
	for _, label := range c.labels {
		c.wins[label].AddConst(v)
	}
}

// MulConst multiplies every sample of every windat by v.
func (c *Channel) MulConst(v float64) {
	for _, label := range c.labels {
		c.wins[label].MulConst(v)
	}
}

// SetConst sets every sample of every windat to v.
func (c *Channel) SetConst(v float64) {
	for _, label := range c.labels {
		c.wins[label].SetConst(v)
	}
}

// CropTo cuts this channel down to the window format of tmpl, windat by
// windat. For each template windat a source windat containing it is
// located and cropped, rebinning by averaging where the template is
// more coarsely binned. Used to match full-frame calibration data to
// windowed science data.
func (c *Channel) CropTo(tmpl *Channel) (*Channel, error) {
	out := NewChannel(c.Name)
	for _, label := range tmpl.labels {
		target := tmpl.wins[label]
		var cropped *Windat
		for _, slabel := range c.labels {
			src := c.wins[slabel]
			if src.Contains(target.Window) {
				wd, err := src.Crop(target.Window)
				if err != nil {
					return nil, fmt.Errorf("channel %s: crop to %q: %w", c.Name, label, err)
				}
				cropped = wd
				break
			}
		}
		if cropped == nil {
			return nil, fmt.Errorf("channel %s: no windat contains target %q %v: %w",
				c.Name, label, target.Window, ErrOutOfStep)
		}
		if err := out.Add(label, cropped); err != nil {
			return nil, err
		}
	}
	return out, nil
}
