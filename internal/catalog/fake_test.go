package catalog

import (
	"context"
	"image"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/heimdex/heimdex-labeler/internal/clips"
	"github.com/heimdex/heimdex-labeler/internal/session"
	"github.com/heimdex/heimdex-labeler/internal/video"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProber treats files whose name starts with "broken" as zero length.
type fakeProber struct {
	opened int
}

func (p *fakeProber) Probe(_ context.Context, path string) (*video.ProbeResult, error) {
	if strings.HasPrefix(filepath.Base(path), "broken") {
		return &video.ProbeResult{Duration: 0}, nil
	}
	return &video.ProbeResult{Duration: 12.5, Width: 640, Height: 360, Codec: "h264", FrameRate: 25}, nil
}

func (p *fakeProber) Open(_ context.Context, path string) (video.Source, error) {
	p.opened++
	return &stubSource{name: video.Stem(path)}, nil
}

type stubSource struct {
	name   string
	closed bool
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Duration(context.Context) (float64, error) { return 12.5, nil }

func (s *stubSource) FrameAt(context.Context, float64) (image.Image, error) {
	return image.NewRGBA(image.Rect(0, 0, 8, 8)), nil
}

func (s *stubSource) Close() error {
	s.closed = true
	return nil
}

type fakeLabeler struct {
	videoErr   error
	markerErr  error
	redetected float64
	markers    []clips.Marker
}

func (l *fakeLabeler) IngestVideo(_ context.Context, _ video.Source, progress session.ProgressFunc) (*session.IngestResult, error) {
	progress(session.Progress{Stage: "sampling", Percent: 50, Chunk: 1, Chunks: 2, Frames: 10})
	if l.videoErr != nil {
		return &session.IngestResult{Added: 10}, l.videoErr
	}
	progress(session.Progress{Stage: "sampling", Percent: 100, Chunk: 2, Chunks: 2, Frames: 20})
	progress(session.Progress{Stage: "done", Percent: 100, Frames: 20})
	return &session.IngestResult{Sampled: 25, Added: 20, Clips: 1}, nil
}

func (l *fakeLabeler) IngestMarkers(_ context.Context, _ video.Source, markers []clips.Marker, _ session.ProgressFunc) (*session.IngestResult, error) {
	l.markers = markers
	if l.markerErr != nil {
		return nil, l.markerErr
	}
	return &session.IngestResult{Added: 4, Clips: len(markers)}, nil
}

func (l *fakeLabeler) Redetect(_ context.Context, threshold float64, progress session.ProgressFunc) (int, error) {
	l.redetected = threshold
	progress(session.Progress{Stage: "detecting", Percent: 100, Frames: 7})
	return 7, nil
}

type recordedEvent struct {
	kind string
	data JobEvent
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (n *recordingNotifier) Notify(kind string, data interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, recordedEvent{kind: kind, data: data.(JobEvent)})
}

func (n *recordingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.events))
	for i, e := range n.events {
		out[i] = e.kind
	}
	return out
}

type jobCounts map[string]int

func (c jobCounts) ObserveJob(jobType, status string) { c[jobType+"/"+status]++ }
