package playback

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidRange  = errors.New("invalid range format")
	ErrUnsatisfiable = errors.New("range not satisfiable")
)

// Range is an inclusive byte span of a video file.
type Range struct {
	Start int64
	End   int64
}

func (r Range) ContentLength() int64 {
	return r.End - r.Start + 1
}

func (r Range) ContentRange(total int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, total)
}

// ParseRange parses a single-span Range header against a file of size bytes.
// A missing header yields nil, nil. Only the first span of a multi-span
// request is honoured; players seeking through the timeline never send more.
func ParseRange(header string, size int64) (*Range, error) {
	if header == "" {
		return nil, nil
	}
	ranges, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return nil, ErrInvalidRange
	}
	if first, _, multi := strings.Cut(ranges, ","); multi {
		ranges = first
	}
	from, to, ok := strings.Cut(strings.TrimSpace(ranges), "-")
	if !ok {
		return nil, ErrInvalidRange
	}

	var (
		r   Range
		err error
	)
	if from == "" {
		r, err = suffixRange(to, size)
	} else {
		r, err = spanRange(from, to, size)
	}
	if err != nil {
		return nil, err
	}

	if r.Start > r.End || r.Start >= size {
		return nil, ErrUnsatisfiable
	}
	r.End = min(r.End, size-1)
	return &r, nil
}

// suffixRange handles "bytes=-N", the last N bytes.
func suffixRange(n string, size int64) (Range, error) {
	length, err := strconv.ParseInt(n, 10, 64)
	if err != nil || length <= 0 {
		return Range{}, ErrInvalidRange
	}
	return Range{Start: max(size-length, 0), End: size - 1}, nil
}

// spanRange handles "bytes=A-" and "bytes=A-B".
func spanRange(from, to string, size int64) (Range, error) {
	start, err := strconv.ParseInt(from, 10, 64)
	if err != nil || start < 0 {
		return Range{}, ErrInvalidRange
	}
	if to == "" {
		return Range{Start: start, End: size - 1}, nil
	}
	end, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return Range{}, ErrInvalidRange
	}
	return Range{Start: start, End: end}, nil
}
