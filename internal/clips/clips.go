// Package clips groups sampled frames into clips: fixed-size automatic clips,
// operator-marked manual clips, and cap-driven splitting of oversized clips.
package clips

import (
	"errors"
	"fmt"
	"math"

	"github.com/heimdex/heimdex-labeler/internal/dataset"
)

const (
	DefaultClipSize     = 32
	DefaultMaxFrames    = 200
	MinMarkerLength     = 0.5
	markerGridPerSecond = 2
)

var ErrInvalidMarker = errors.New("invalid marker")

// AutoSegmenter cuts a stream of kept frames into clips of Size frames. A
// partial group is carried across Push calls so clip boundaries do not depend
// on how the stream was chunked; Flush emits the remainder.
type AutoSegmenter struct {
	Source string
	Size   int

	pending []*dataset.Frame
	next    int
}

func NewAutoSegmenter(source string, size int) *AutoSegmenter {
	if size <= 0 {
		size = DefaultClipSize
	}
	return &AutoSegmenter{Source: source, Size: size}
}

// ContinueFrom makes the next emitted clip take ordinal last+1, so a source
// sampled again does not reuse earlier clip names.
func (s *AutoSegmenter) ContinueFrom(last int) {
	s.next = last
}

// Last is the ordinal of the most recently emitted clip.
func (s *AutoSegmenter) Last() int { return s.next }

// Push appends frames and returns every clip that is now full.
func (s *AutoSegmenter) Push(frames []*dataset.Frame) []dataset.Clip {
	s.pending = append(s.pending, frames...)
	var out []dataset.Clip
	for len(s.pending) >= s.Size {
		out = append(out, s.emit(s.pending[:s.Size]))
		s.pending = s.pending[s.Size:]
	}
	return out
}

// Flush emits the trailing partial clip, if any.
func (s *AutoSegmenter) Flush() []dataset.Clip {
	if len(s.pending) == 0 {
		return nil
	}
	c := s.emit(s.pending)
	s.pending = nil
	return []dataset.Clip{c}
}

func (s *AutoSegmenter) emit(frames []*dataset.Frame) dataset.Clip {
	s.next++
	c := dataset.Clip{
		Name:   fmt.Sprintf("%s_clip%03d", s.Source, s.next),
		Source: s.Source,
		Kind:   dataset.ClipAutomatic,
		Frames: append([]*dataset.Frame(nil), frames...),
	}
	c.Renumber()
	return c
}

// Segment is the one-shot form of AutoSegmenter.
func Segment(source string, frames []*dataset.Frame, size int) []dataset.Clip {
	s := NewAutoSegmenter(source, size)
	out := s.Push(frames)
	return append(out, s.Flush()...)
}

// Marker is an operator-chosen [Start, End) time range in seconds.
type Marker struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Snap rounds t to the nearest half second.
func Snap(t float64) float64 {
	return math.Round(t*markerGridPerSecond) / markerGridPerSecond
}

// Snapped returns m with both ends snapped to the half-second grid.
func (m Marker) Snapped() Marker {
	return Marker{Start: Snap(m.Start), End: Snap(m.End)}
}

// Validate checks m against a video of the given duration.
func (m Marker) Validate(duration float64) error {
	if m.Start < 0 {
		return fmt.Errorf("%w: start %.2fs is negative", ErrInvalidMarker, m.Start)
	}
	if duration > 0 && m.End > duration {
		return fmt.Errorf("%w: end %.2fs is past the video end %.2fs", ErrInvalidMarker, m.End, duration)
	}
	if m.End-m.Start < MinMarkerLength {
		return fmt.Errorf("%w: range %.2fs-%.2fs is shorter than %.1fs", ErrInvalidMarker, m.Start, m.End, MinMarkerLength)
	}
	return nil
}

// ManualClip wraps frames sampled for the index-th marker of source.
func ManualClip(source string, index int, frames []*dataset.Frame) dataset.Clip {
	c := dataset.Clip{
		Name:   fmt.Sprintf("%s_marker%03d", source, index),
		Source: source,
		Kind:   dataset.ClipManual,
		Frames: frames,
	}
	c.Renumber()
	return c
}

// SplitOnCap splits c into ceil(n/cap) consecutive parts whose sizes differ by
// at most one, larger parts first. Each part is renumbered from 1 and named
// <name>_part<NNN>. Clips within the cap are returned unchanged.
func SplitOnCap(c dataset.Clip, limit int) []dataset.Clip {
	n := len(c.Frames)
	if limit <= 0 || n <= limit {
		return []dataset.Clip{c}
	}

	parts := (n + limit - 1) / limit
	base := n / parts
	extra := n % parts

	out := make([]dataset.Clip, 0, parts)
	start := 0
	for p := 0; p < parts; p++ {
		size := base
		if p < extra {
			size++
		}
		part := dataset.Clip{
			Name:   fmt.Sprintf("%s_part%03d", c.Name, p+1),
			Source: c.Source,
			Kind:   c.Kind,
			Frames: append([]*dataset.Frame(nil), c.Frames[start:start+size]...),
		}
		part.Renumber()
		out = append(out, part)
		start += size
	}
	return out
}

// SplitAll applies SplitOnCap to every clip.
func SplitAll(cs []dataset.Clip, limit int) []dataset.Clip {
	var out []dataset.Clip
	for _, c := range cs {
		out = append(out, SplitOnCap(c, limit)...)
	}
	return out
}
