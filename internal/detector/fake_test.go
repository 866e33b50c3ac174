package detector

import (
	"context"
	"image"
	"io"
	"log/slog"
)

type fakeModel struct {
	ready      bool
	candidates []Candidate
	err        error
	calls      int
	lastBounds image.Rectangle
}

func (m *fakeModel) Ready() bool { return m.ready }

func (m *fakeModel) Detect(_ context.Context, img image.Image) ([]Candidate, error) {
	m.calls++
	m.lastBounds = img.Bounds()
	return m.candidates, m.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
