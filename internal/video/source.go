// Package video decodes still frames from video files and samples them on a
// fixed time grid in bounded chunks.
package video

import (
	"context"
	"errors"
	"image"
	"math"
	"path/filepath"
	"strings"
)

// ErrInvalidMedia marks a file with no finite positive duration or one that
// cannot be decoded.
var ErrInvalidMedia = errors.New("invalid media")

// Source is a seekable video. Only one FrameAt call may be outstanding at a
// time; implementations serialise concurrent callers.
type Source interface {
	Name() string
	Duration(ctx context.Context) (float64, error)
	FrameAt(ctx context.Context, t float64) (image.Image, error)
	Close() error
}

// ProbeResult describes a video file.
type ProbeResult struct {
	Duration  float64
	Width     int
	Height    int
	Codec     string
	FrameRate float64
}

// Prober inspects and opens video files.
type Prober interface {
	Probe(ctx context.Context, path string) (*ProbeResult, error)
	Open(ctx context.Context, path string) (Source, error)
}

// ValidDuration reports whether d is finite and positive.
func ValidDuration(d float64) bool {
	return !math.IsNaN(d) && !math.IsInf(d, 0) && d > 0
}

// Extensions lists the container formats accepted for upload and watching.
var Extensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".mkv":  true,
	".avi":  true,
	".webm": true,
}

func IsVideoFile(filename string) bool {
	return Extensions[strings.ToLower(filepath.Ext(filename))]
}

// Stem returns the file name without directory or extension.
func Stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
