// Package dataset defines the frame, detection and clip types shared by the
// sampling, annotation and export stages.
package dataset

import (
	"strings"
)

// ManualConfidence is the confidence recorded for operator-drawn boxes.
const ManualConfidence = 1.0

// PersonClass is the detector class kept by the person filter.
const PersonClass = "person"

// Rect is an axis-aligned box in source-image pixels, origin top-left.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Area returns Width*Height, or 0 for degenerate boxes.
func (r Rect) Area() float64 {
	if r.Width <= 0 || r.Height <= 0 {
		return 0
	}
	return r.Width * r.Height
}

// Clamp restricts r to the [0,w]x[0,h] image.
func (r Rect) Clamp(w, h float64) Rect {
	x0 := clampf(r.X, 0, w)
	y0 := clampf(r.Y, 0, h)
	x1 := clampf(r.X+r.Width, 0, w)
	y1 := clampf(r.Y+r.Height, 0, h)
	if x1 < x0 {
		x1 = x0
	}
	if y1 < y0 {
		y1 = y0
	}
	return Rect{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

func clampf(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Detection is a labelled box on a frame.
type Detection struct {
	Box        Rect    `json:"box"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Frame is one sampled still plus its annotations. Number is 1-based and
// contiguous within Clip.
type Frame struct {
	ID            string      `json:"id"`
	Image         []byte      `json:"-"`
	Width         int         `json:"width"`
	Height        int         `json:"height"`
	Number        int         `json:"number"`
	Clip          string      `json:"clip"`
	Filename      string      `json:"filename"`
	Timestamp     float64     `json:"timestamp"`
	Detections    []Detection `json:"detections"`
	ActivityLabel string      `json:"activity_label,omitempty"`
}

// Clone returns a deep copy. The image bytes are shared since they are never
// mutated after encoding.
func (f *Frame) Clone() *Frame {
	c := *f
	c.Detections = append([]Detection(nil), f.Detections...)
	return &c
}

// ClipKind records how a clip was produced.
type ClipKind int

const (
	ClipAutomatic ClipKind = iota
	ClipManual
)

func (k ClipKind) String() string {
	switch k {
	case ClipAutomatic:
		return "automatic"
	case ClipManual:
		return "manual"
	default:
		return "unknown"
	}
}

// Clip is an ordered group of frames from one source.
type Clip struct {
	Name   string
	Source string
	Kind   ClipKind
	Frames []*Frame
}

// Renumber assigns contiguous 1..N frame numbers and the clip name to every frame.
func (c *Clip) Renumber() {
	for i, f := range c.Frames {
		f.Number = i + 1
		f.Clip = c.Name
	}
}

// IsPersonClass reports whether label names the person class, ignoring case.
func IsPersonClass(label string) bool {
	return strings.EqualFold(strings.TrimSpace(label), PersonClass)
}

// FilterPersons returns the person-class detections of dets.
func FilterPersons(dets []Detection) []Detection {
	var out []Detection
	for _, d := range dets {
		if IsPersonClass(d.Label) {
			out = append(out, d)
		}
	}
	return out
}
