package video

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"log/slog"

	"github.com/heimdex/heimdex-labeler/internal/imaging"
)

type fakeSource struct {
	name     string
	duration float64
	seeks    []float64
	failAt   float64
}

func (s *fakeSource) Name() string { return s.name }

func (s *fakeSource) Duration(context.Context) (float64, error) { return s.duration, nil }

func (s *fakeSource) FrameAt(_ context.Context, t float64) (image.Image, error) {
	if s.failAt > 0 && t >= s.failAt {
		return nil, errors.New("decoder exploded")
	}
	s.seeks = append(s.seeks, t)
	return imaging.Fill(8, 6, color.Gray{Y: 100}), nil
}

func (s *fakeSource) Close() error { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
