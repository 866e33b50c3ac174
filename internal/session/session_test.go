package session

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heimdex/heimdex-labeler/internal/clips"
	"github.com/heimdex/heimdex-labeler/internal/config"
	"github.com/heimdex/heimdex-labeler/internal/counters"
	"github.com/heimdex/heimdex-labeler/internal/detector"
	"github.com/heimdex/heimdex-labeler/internal/export"
)

type fakeSource struct {
	duration float64
}

func (s *fakeSource) Name() string { return "cam" }

func (s *fakeSource) Duration(context.Context) (float64, error) { return s.duration, nil }

func (s *fakeSource) FrameAt(_ context.Context, _ float64) (image.Image, error) {
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	return img, nil
}

func (s *fakeSource) Close() error { return nil }

// fakeModel reports a person on every call, or on every other call when
// alternate is set.
type fakeModel struct {
	mu        sync.Mutex
	ready     bool
	alternate bool
	calls     int
}

func (m *fakeModel) Ready() bool { return m.ready }

func (m *fakeModel) Detect(context.Context, image.Image) ([]detector.Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.alternate && m.calls%2 == 0 {
		return nil, nil
	}
	return []detector.Candidate{{Box: [4]float64{10, 10, 20, 30}, Class: "person", Score: 0.9}}, nil
}

type recordingObserver struct {
	sampled, dropped, flagged int
}

func (o *recordingObserver) ObserveChunk(sampled, dropped int) {
	o.sampled += sampled
	o.dropped += dropped
}

func (o *recordingObserver) ObserveFlagged(n int) { o.flagged += n }

func testSettings() Settings {
	return Settings{
		Confidence:     config.DefaultConfidence,
		SampleInterval: 1,
		PaddingPercent: 10,
		BlurFilter:     false,
		BlurThreshold:  100,
		ChunkMinutes:   5,
		EnhanceScale:   1,
		ClipSize:       32,
		MaxClipFrames:  200,
		SnapToGrid:     true,
	}
}

func newTestSession(t *testing.T, model *fakeModel, settings Settings) *Session {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := counters.NewRegistry(counters.NewMemoryStore())
	s, err := New(detector.NewAdapter(model, logger), registry, settings, logger)
	require.NoError(t, err)
	return s
}

func TestIngestVideo_SegmentsIntoClips(t *testing.T) {
	s := newTestSession(t, &fakeModel{ready: true}, testSettings())
	obs := &recordingObserver{}
	s.SetObserver(obs)

	var updates []Progress
	res, err := s.IngestVideo(context.Background(), &fakeSource{duration: 130}, func(p Progress) {
		updates = append(updates, p)
	})
	require.NoError(t, err)

	assert.Equal(t, 130, res.Sampled)
	assert.Equal(t, 5, res.Clips)
	assert.Equal(t, 130, res.Added)
	assert.Equal(t, 130, s.Store().Len())
	assert.Equal(t, 130, obs.sampled)

	frames := s.Store().Frames()
	assert.Equal(t, "cam_clip001", frames[0].Clip)
	assert.Equal(t, "cam_clip005", frames[129].Clip)
	assert.Equal(t, 2, frames[129].Number)
	assert.Equal(t, "Person", frames[0].Detections[0].Label)

	require.NotEmpty(t, updates)
	assert.Equal(t, "done", updates[len(updates)-1].Stage)
	assert.False(t, s.IsProcessing())
}

func TestIngestVideo_DropsFramesWithoutPersons(t *testing.T) {
	s := newTestSession(t, &fakeModel{ready: true, alternate: true}, testSettings())

	res, err := s.IngestVideo(context.Background(), &fakeSource{duration: 10}, nil)
	require.NoError(t, err)
	assert.Equal(t, 10, res.Sampled)
	assert.Equal(t, 5, res.Dropped)
	assert.Equal(t, 5, s.Store().Len())
}

func TestIngestVideo_ModelNotReady(t *testing.T) {
	s := newTestSession(t, &fakeModel{}, testSettings())

	_, err := s.IngestVideo(context.Background(), &fakeSource{duration: 10}, nil)
	assert.ErrorIs(t, err, detector.ErrModelNotReady)
	assert.Equal(t, 0, s.Store().Len())
}

func TestIngestVideo_CancelKeepsDeliveredChunks(t *testing.T) {
	settings := testSettings()
	settings.ChunkMinutes = 1
	s := newTestSession(t, &fakeModel{ready: true}, settings)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := s.IngestVideo(ctx, &fakeSource{duration: 130}, func(p Progress) {
		if p.Chunk == 1 {
			cancel()
		}
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 60, res.Added)
	assert.Equal(t, 60, s.Store().Len())
}

func TestSession_BusyWhileProcessing(t *testing.T) {
	s := newTestSession(t, &fakeModel{ready: true}, testSettings())

	done, err := s.begin()
	require.NoError(t, err)
	assert.True(t, s.IsProcessing())

	_, err = s.IngestVideo(context.Background(), &fakeSource{duration: 10}, nil)
	assert.ErrorIs(t, err, ErrBusy)
	_, err = s.BatchLabel(context.Background(), 0, 0, "Welding")
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, s.UpdateSettings(testSettings()), ErrBusy)

	done()
	assert.False(t, s.IsProcessing())
}

func TestIngestMarkers_SnapsAndSamples(t *testing.T) {
	s := newTestSession(t, &fakeModel{ready: true}, testSettings())

	markers := []clips.Marker{{Start: 0.2, End: 3.7}, {Start: 5, End: 7}}
	res, err := s.IngestMarkers(context.Background(), &fakeSource{duration: 10}, markers, nil)
	require.NoError(t, err)

	// [0, 3.5) -> 0,1,2,3 and [5, 7) -> 5,6
	assert.Equal(t, 6, res.Sampled)
	assert.Equal(t, 2, res.Clips)
	assert.Equal(t, 6, s.Store().Len())

	frames := s.Store().Frames()
	assert.Equal(t, "cam_marker001", frames[0].Clip)
	assert.Equal(t, "cam_marker002", frames[4].Clip)
	assert.Equal(t, 1, frames[4].Number)
}

func TestIngestMarkers_InvalidMarkerLoadsNothing(t *testing.T) {
	s := newTestSession(t, &fakeModel{ready: true}, testSettings())

	markers := []clips.Marker{{Start: 0, End: 2}, {Start: 8, End: 12}}
	_, err := s.IngestMarkers(context.Background(), &fakeSource{duration: 10}, markers, nil)
	assert.ErrorIs(t, err, clips.ErrInvalidMarker)
	assert.Equal(t, 0, s.Store().Len())
}

func TestIngestMarkers_FlagsBlurredFrames(t *testing.T) {
	settings := testSettings()
	settings.BlurFilter = true
	s := newTestSession(t, &fakeModel{ready: true}, settings)
	obs := &recordingObserver{}
	s.SetObserver(obs)

	res, err := s.IngestMarkers(context.Background(), &fakeSource{duration: 10}, []clips.Marker{{Start: 0, End: 3}}, nil)
	require.NoError(t, err)

	// Uniform frames have zero Laplacian variance.
	assert.Equal(t, 3, res.Flagged)
	assert.Equal(t, []int{0, 1, 2}, s.Store().Marked())
	assert.Equal(t, 3, s.Store().Len())
	assert.Equal(t, 3, obs.flagged)
}

func TestIngestImages(t *testing.T) {
	s := newTestSession(t, &fakeModel{ready: true}, testSettings())

	var buf bytes.Buffer
	img := image.NewRGBA(image.Rect(0, 0, 40, 40))
	img.Set(1, 1, color.White)
	require.NoError(t, png.Encode(&buf, img))

	res, err := s.IngestImages(context.Background(), []Image{{Name: "a.png", Data: buf.Bytes()}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)

	f, err := s.Store().Frame(0)
	require.NoError(t, err)
	assert.Equal(t, "a.png", f.Filename)
	assert.Equal(t, 40, f.Width)

	_, err = s.IngestImages(context.Background(), []Image{{Name: "bad.png", Data: []byte("nope")}})
	assert.Error(t, err)
}

func pngImage(t *testing.T, name string) Image {
	t.Helper()
	var buf bytes.Buffer
	img := image.NewRGBA(image.Rect(0, 0, 40, 40))
	img.Set(1, 1, color.White)
	require.NoError(t, png.Encode(&buf, img))
	return Image{Name: name, Data: buf.Bytes()}
}

func assertUniqueFrameKeys(t *testing.T, s *Session) {
	t.Helper()
	seen := make(map[string]bool)
	for _, f := range s.Store().Frames() {
		key := fmt.Sprintf("%s#%d", f.Clip, f.Number)
		assert.False(t, seen[key], "duplicate clip/number %s", key)
		seen[key] = true
	}
}

func TestRepeatedIngests_ClipNamesStayUnique(t *testing.T) {
	s := newTestSession(t, &fakeModel{ready: true}, testSettings())
	ctx := context.Background()
	src := &fakeSource{duration: 60}

	_, err := s.IngestMarkers(ctx, src, []clips.Marker{{Start: 0, End: 3}}, nil)
	require.NoError(t, err)
	_, err = s.IngestMarkers(ctx, src, []clips.Marker{{Start: 30, End: 33}}, nil)
	require.NoError(t, err)

	_, err = s.IngestImages(ctx, []Image{pngImage(t, "a.png")})
	require.NoError(t, err)
	_, err = s.IngestImages(ctx, []Image{pngImage(t, "b.png")})
	require.NoError(t, err)

	_, err = s.IngestVideo(ctx, &fakeSource{duration: 40}, nil)
	require.NoError(t, err)
	_, err = s.IngestVideo(ctx, &fakeSource{duration: 40}, nil)
	require.NoError(t, err)

	frames := s.Store().Frames()
	require.Len(t, frames, 3+3+1+1+40+40)
	assert.Equal(t, "cam_marker001", frames[0].Clip)
	assert.Equal(t, "cam_marker002", frames[3].Clip)
	assert.Equal(t, "images_marker001", frames[6].Clip)
	assert.Equal(t, "images_marker002", frames[7].Clip)
	assert.Equal(t, "cam_clip001", frames[8].Clip)
	assert.Equal(t, "cam_clip003", frames[48].Clip, "second pass continues numbering")
	assertUniqueFrameKeys(t, s)
}

func TestExport_AdvancesCounters(t *testing.T) {
	s := newTestSession(t, &fakeModel{ready: true}, testSettings())
	_, err := s.IngestVideo(context.Background(), &fakeSource{duration: 4}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Store().ApplyLabel(0, "Welding"))

	var buf bytes.Buffer
	res, err := s.Export(context.Background(), true, export.NewZipBundle(&buf), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Frames)
	assert.Equal(t, 1, s.Counters().Get("Welding"))

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, "Welding/Welding1/frames00001.jpg")
	assert.Contains(t, names, "Welding labeld/Welding1/frames00001.json")

	require.NoError(t, s.ResetCounters(context.Background()))
	assert.Equal(t, 0, s.Counters().Get("Welding"))
}

func TestExport_CountersWaitForDelivery(t *testing.T) {
	s := newTestSession(t, &fakeModel{ready: true}, testSettings())
	_, err := s.IngestVideo(context.Background(), &fakeSource{duration: 4}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Store().ApplyLabel(0, "Welding"))

	var buf bytes.Buffer
	_, err = s.Export(context.Background(), true, export.NewZipBundle(&buf), func(res *export.Result) error {
		assert.Equal(t, 1, res.Counters["Welding"], "result shows the counters after commit")
		assert.Equal(t, 0, s.Counters().Get("Welding"), "not advanced before delivery")
		return errors.New("connection reset")
	})
	assert.ErrorIs(t, err, ErrNotDelivered)
	assert.Equal(t, 0, s.Counters().Get("Welding"))
	assert.False(t, s.IsProcessing())

	buf.Reset()
	delivered := false
	res, err := s.Export(context.Background(), true, export.NewZipBundle(&buf), func(*export.Result) error {
		delivered = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, delivered)
	assert.Equal(t, 1, res.Counters["Welding"])
	assert.Equal(t, 1, s.Counters().Get("Welding"))
}

func TestRedetect_UpdatesConfidence(t *testing.T) {
	s := newTestSession(t, &fakeModel{ready: true}, testSettings())
	_, err := s.IngestVideo(context.Background(), &fakeSource{duration: 3}, nil)
	require.NoError(t, err)

	var reports []Progress
	n, err := s.Redetect(context.Background(), 0.8, func(p Progress) { reports = append(reports, p) })
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 0.8, s.Settings().Confidence)
	require.Len(t, reports, 3)
	assert.Equal(t, Progress{Stage: "detecting", Percent: 100, Frames: 3}, reports[2])

	_, err = s.Redetect(context.Background(), 1.5, nil)
	assert.Error(t, err)
}

func TestUpdateSettings(t *testing.T) {
	s := newTestSession(t, &fakeModel{ready: true}, testSettings())

	bad := testSettings()
	bad.ClipSize = 0
	assert.Error(t, s.UpdateSettings(bad))

	next := testSettings()
	next.BlurFilter = true
	next.EnhanceScale = 2
	require.NoError(t, s.UpdateSettings(next))
	assert.True(t, s.Store().Options().BlurFilter)
	assert.Equal(t, 2.0, s.Detector().EnhanceScale())
}

func TestReset(t *testing.T) {
	s := newTestSession(t, &fakeModel{ready: true}, testSettings())
	_, err := s.IngestVideo(context.Background(), &fakeSource{duration: 3}, nil)
	require.NoError(t, err)

	require.NoError(t, s.Reset())
	assert.Equal(t, 0, s.Store().Len())
}
