//go:build gocv

package video

import (
	"context"
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"
)

// Gocv decodes through OpenCV. Built only with -tags gocv.
type Gocv struct{}

func NewGocv() *Gocv { return &Gocv{} }

func (g *Gocv) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	src, err := g.open(path)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return src.probe, nil
}

func (g *Gocv) Open(ctx context.Context, path string) (Source, error) {
	return g.open(path)
}

func (g *Gocv) open(path string) (*gocvSource, error) {
	capture, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrInvalidMedia, path, err)
	}

	fps := capture.Get(gocv.VideoCaptureFPS)
	frames := capture.Get(gocv.VideoCaptureFrameCount)
	var duration float64
	if fps > 0 {
		duration = frames / fps
	}
	if !ValidDuration(duration) {
		capture.Close()
		return nil, fmt.Errorf("%w: duration is not finite and positive", ErrInvalidMedia)
	}

	return &gocvSource{
		path:    path,
		capture: capture,
		probe: &ProbeResult{
			Duration:  duration,
			Width:     int(capture.Get(gocv.VideoCaptureFrameWidth)),
			Height:    int(capture.Get(gocv.VideoCaptureFrameHeight)),
			FrameRate: fps,
		},
	}, nil
}

type gocvSource struct {
	path    string
	capture *gocv.VideoCapture
	probe   *ProbeResult

	mu sync.Mutex
}

func (s *gocvSource) Name() string { return Stem(s.path) }

func (s *gocvSource) Duration(context.Context) (float64, error) {
	return s.probe.Duration, nil
}

func (s *gocvSource) FrameAt(_ context.Context, t float64) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.capture.Set(gocv.VideoCapturePosMsec, t*1000)
	mat := gocv.NewMat()
	defer mat.Close()
	if !s.capture.Read(&mat) || mat.Empty() {
		return nil, fmt.Errorf("%w: no frame at %.3fs", ErrInvalidMedia, t)
	}
	img, err := mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("%w: convert frame at %.3fs: %v", ErrInvalidMedia, t, err)
	}
	return img, nil
}

func (s *gocvSource) Close() error {
	return s.capture.Close()
}
