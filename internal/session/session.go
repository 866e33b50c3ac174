// Package session wires the labelling pipeline together: sampling, detection,
// clip segmentation, the annotation store and export. A Session owns one
// in-memory frame collection and runs at most one long operation at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/heimdex/heimdex-labeler/internal/annotation"
	"github.com/heimdex/heimdex-labeler/internal/clips"
	"github.com/heimdex/heimdex-labeler/internal/config"
	"github.com/heimdex/heimdex-labeler/internal/counters"
	"github.com/heimdex/heimdex-labeler/internal/dataset"
	"github.com/heimdex/heimdex-labeler/internal/detector"
	"github.com/heimdex/heimdex-labeler/internal/export"
	"github.com/heimdex/heimdex-labeler/internal/imaging"
	"github.com/heimdex/heimdex-labeler/internal/video"
)

// ErrBusy is returned when another long operation is already running.
var ErrBusy = errors.New("another operation is in progress")

// ErrNotDelivered is returned when an export bundle could not be handed over.
// The label counters are left unchanged.
var ErrNotDelivered = errors.New("export not delivered")

// Settings are the operator-tunable pipeline parameters.
type Settings struct {
	Confidence     float64 `json:"confidence"`
	SampleInterval float64 `json:"sample_interval"`
	PaddingPercent float64 `json:"padding_percent"`
	BlurFilter     bool    `json:"blur_filter"`
	BlurThreshold  float64 `json:"blur_threshold"`
	ChunkMinutes   float64 `json:"chunk_minutes"`
	EnhanceScale   float64 `json:"enhance_scale"`
	ClipSize       int     `json:"clip_size"`
	MaxClipFrames  int     `json:"max_clip_frames"`
	SnapToGrid     bool    `json:"snap_to_grid"`
}

// SettingsFrom converts the startup pipeline configuration.
func SettingsFrom(p config.Pipeline) Settings {
	return Settings(p)
}

func (s Settings) Validate() error {
	return config.Pipeline(s).Validate()
}

func (s Settings) storeOptions() annotation.Options {
	return annotation.Options{
		Confidence:    s.Confidence,
		Padding:       s.PaddingPercent,
		BlurFilter:    s.BlurFilter,
		BlurThreshold: s.BlurThreshold,
	}
}

// Observer receives sampling statistics.
type Observer interface {
	ObserveChunk(sampled, dropped int)
	ObserveFlagged(n int)
}

// Progress reports how far a long operation has come.
type Progress struct {
	Stage   string  `json:"stage"`
	Percent float64 `json:"percent"`
	Chunk   int     `json:"chunk,omitempty"`
	Chunks  int     `json:"chunks,omitempty"`
	Frames  int     `json:"frames"`
	Clips   int     `json:"clips"`
}

type ProgressFunc func(Progress)

// IngestResult summarises an ingest operation.
type IngestResult struct {
	Sampled   int `json:"sampled"`
	Dropped   int `json:"dropped"`
	Clips     int `json:"clips"`
	Added     int `json:"added"`
	Discarded int `json:"discarded"`
	Flagged   int `json:"flagged"`
}

func (r *IngestResult) addLoad(lr annotation.LoadResult) {
	r.Added += lr.Added
	r.Discarded += lr.Discarded
	r.Flagged += lr.Flagged
}

// Image is a still image submitted for labelling.
type Image struct {
	Name string
	Data []byte
}

type Session struct {
	detector *detector.Adapter
	sampler  *video.Sampler
	store    *annotation.Store
	exporter *export.Exporter
	registry *counters.Registry
	logger   *slog.Logger

	processing atomic.Bool

	mu       sync.RWMutex
	settings Settings
	observer Observer
	// last clip ordinal per kind and source, kept for the life of the
	// session so repeated ingests never reuse a clip name
	ordinals map[string]int
}

// New creates a session. The settings must be valid.
func New(det *detector.Adapter, registry *counters.Registry, settings Settings, logger *slog.Logger) (*Session, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	det.SetEnhanceScale(settings.EnhanceScale)
	return &Session{
		detector: det,
		sampler:  video.NewSampler(logger.With("component", "sampler")),
		store:    annotation.NewStore(det, settings.storeOptions(), logger.With("component", "annotation")),
		exporter: export.NewExporter(registry, logger.With("component", "export")),
		registry: registry,
		logger:   logger,
		settings: settings,
		ordinals: make(map[string]int),
	}, nil
}

// SetObserver attaches a sampling observer. If o also observes exports or
// detections it is attached to the exporter and detector too.
func (s *Session) SetObserver(o Observer) {
	s.mu.Lock()
	s.observer = o
	s.mu.Unlock()
	if eo, ok := o.(export.Observer); ok {
		s.exporter.SetObserver(eo)
	}
	if obs, ok := o.(detector.Observer); ok {
		s.detector.SetObserver(obs)
	}
}

func (s *Session) Store() *annotation.Store { return s.store }

func (s *Session) Counters() *counters.Registry { return s.registry }

func (s *Session) Detector() *detector.Adapter { return s.detector }

func (s *Session) IsProcessing() bool { return s.processing.Load() }

func (s *Session) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// UpdateSettings replaces the settings. It is refused while an operation runs
// so an ingest never sees parameters change halfway.
func (s *Session) UpdateSettings(settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	done, err := s.begin()
	if err != nil {
		return err
	}
	defer done()

	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
	s.store.SetOptions(settings.storeOptions())
	s.detector.SetEnhanceScale(settings.EnhanceScale)
	return nil
}

func (s *Session) begin() (func(), error) {
	if !s.processing.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	return func() { s.processing.Store(false) }, nil
}

func (s *Session) observeChunk(sampled, dropped int) {
	s.mu.RLock()
	o := s.observer
	s.mu.RUnlock()
	if o != nil {
		o.ObserveChunk(sampled, dropped)
	}
}

func (s *Session) observeFlagged(n int) {
	s.mu.RLock()
	o := s.observer
	s.mu.RUnlock()
	if o != nil && n > 0 {
		o.ObserveFlagged(n)
	}
}

const (
	autoClips   = "clip"
	markerClips = "marker"
	imageSource = "images"
)

func (s *Session) lastOrdinal(kind, source string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ordinals[kind+":"+source]
}

func (s *Session) setOrdinal(kind, source string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.ordinals[kind+":"+source] {
		s.ordinals[kind+":"+source] = n
	}
}

func report(progress ProgressFunc, p Progress) {
	if progress != nil {
		progress(p)
	}
}

// IngestVideo samples src in automatic mode. Frames without a person are
// dropped during sampling; the rest are cut into fixed-size clips and loaded
// chunk by chunk. Frames from chunks that completed before an error or
// cancellation stay loaded.
func (s *Session) IngestVideo(ctx context.Context, src video.Source, progress ProgressFunc) (*IngestResult, error) {
	done, err := s.begin()
	if err != nil {
		return nil, err
	}
	defer done()

	if err := s.detector.RequireReady(); err != nil {
		return nil, err
	}

	settings := s.Settings()
	seg := clips.NewAutoSegmenter(src.Name(), settings.ClipSize)
	seg.ContinueFrom(s.lastOrdinal(autoClips, src.Name()))
	defer func() { s.setOrdinal(autoClips, src.Name(), seg.Last()) }()
	res := &IngestResult{}

	keep := func(ctx context.Context, f *dataset.Frame, img image.Image) (bool, error) {
		dets, err := s.detector.Detect(ctx, img, settings.Confidence, settings.PaddingPercent)
		if err != nil {
			return false, err
		}
		persons := dataset.FilterPersons(dets)
		if len(persons) == 0 {
			return false, nil
		}
		f.Detections = persons
		return true, nil
	}

	load := func(cs []dataset.Clip) error {
		if len(cs) == 0 {
			return nil
		}
		cs = clips.SplitAll(cs, settings.MaxClipFrames)
		lr, err := s.store.LoadClips(ctx, cs, false)
		if err != nil {
			return err
		}
		res.Clips += len(cs)
		res.addLoad(lr)
		s.observeFlagged(lr.Flagged)
		return nil
	}

	opts := video.Options{
		Interval:     settings.SampleInterval,
		ChunkMinutes: settings.ChunkMinutes,
		Keep:         keep,
	}
	runErr := s.sampler.Run(ctx, src, opts, func(c video.Chunk) error {
		res.Sampled += c.Sampled
		res.Dropped += c.Dropped
		s.observeChunk(c.Sampled, c.Dropped)

		if err := load(seg.Push(c.Frames)); err != nil {
			return err
		}
		report(progress, Progress{
			Stage:   "sampling",
			Percent: c.Progress,
			Chunk:   c.Index + 1,
			Chunks:  c.Total,
			Frames:  res.Added,
			Clips:   res.Clips,
		})
		return nil
	})

	// Carry-over frames belong to chunks that were already delivered.
	if err := load(seg.Flush()); err != nil && runErr == nil {
		runErr = err
	}

	s.logger.Info("video ingested",
		"source", src.Name(),
		"sampled", res.Sampled,
		"dropped", res.Dropped,
		"clips", res.Clips,
		"added", res.Added,
		"flagged", res.Flagged,
	)

	if runErr != nil {
		return res, runErr
	}
	report(progress, Progress{Stage: "done", Percent: 100, Frames: res.Added, Clips: res.Clips})
	return res, nil
}

// IngestMarkers samples each marked range of src as a manual clip and runs
// detection on every frame. All markers are validated before any sampling.
func (s *Session) IngestMarkers(ctx context.Context, src video.Source, markers []clips.Marker, progress ProgressFunc) (*IngestResult, error) {
	done, err := s.begin()
	if err != nil {
		return nil, err
	}
	defer done()

	if err := s.detector.RequireReady(); err != nil {
		return nil, err
	}
	if len(markers) == 0 {
		return nil, fmt.Errorf("%w: no markers", clips.ErrInvalidMarker)
	}

	settings := s.Settings()
	duration, err := src.Duration(ctx)
	if err != nil {
		return nil, err
	}
	if !video.ValidDuration(duration) {
		return nil, fmt.Errorf("%w: %s duration %v", video.ErrInvalidMedia, src.Name(), duration)
	}

	ranges := make([]clips.Marker, len(markers))
	for i, m := range markers {
		if settings.SnapToGrid {
			m = m.Snapped()
		}
		if err := m.Validate(duration); err != nil {
			return nil, fmt.Errorf("marker %d: %w", i+1, err)
		}
		ranges[i] = m
	}

	res := &IngestResult{}
	base := s.lastOrdinal(markerClips, src.Name())
	var cs []dataset.Clip
	for i, m := range ranges {
		frames, err := s.sampler.SampleRange(ctx, src, m.Start, m.End, settings.SampleInterval)
		if err != nil {
			return res, fmt.Errorf("marker %d: %w", i+1, err)
		}
		res.Sampled += len(frames)
		cs = append(cs, clips.ManualClip(src.Name(), base+i+1, frames))
		report(progress, Progress{
			Stage:   "sampling",
			Percent: float64(i+1) / float64(len(ranges)) * 50,
			Chunk:   i + 1,
			Chunks:  len(ranges),
			Frames:  res.Sampled,
		})
	}
	s.observeChunk(res.Sampled, 0)
	s.setOrdinal(markerClips, src.Name(), base+len(ranges))

	cs = clips.SplitAll(cs, settings.MaxClipFrames)
	report(progress, Progress{Stage: "detecting", Percent: 50, Frames: res.Sampled, Clips: len(cs)})

	lr, err := s.store.LoadClips(ctx, cs, true)
	if err != nil {
		return res, err
	}
	res.Clips = len(cs)
	res.addLoad(lr)
	s.observeFlagged(lr.Flagged)

	report(progress, Progress{Stage: "done", Percent: 100, Frames: res.Added, Clips: res.Clips})
	return res, nil
}

// IngestImages loads still images as one manual clip.
func (s *Session) IngestImages(ctx context.Context, images []Image) (*IngestResult, error) {
	done, err := s.begin()
	if err != nil {
		return nil, err
	}
	defer done()

	if err := s.detector.RequireReady(); err != nil {
		return nil, err
	}

	frames := make([]*dataset.Frame, 0, len(images))
	for _, im := range images {
		img, err := imaging.Decode(im.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", video.ErrInvalidMedia, im.Name, err)
		}
		// Exported images are always JPEG.
		data, err := imaging.EncodeJPEG(img)
		if err != nil {
			return nil, err
		}
		b := img.Bounds()
		frames = append(frames, &dataset.Frame{
			ID:       uuid.NewString(),
			Image:    data,
			Width:    b.Dx(),
			Height:   b.Dy(),
			Filename: im.Name,
		})
	}
	if len(frames) == 0 {
		return &IngestResult{}, nil
	}

	settings := s.Settings()
	index := s.lastOrdinal(markerClips, imageSource) + 1
	s.setOrdinal(markerClips, imageSource, index)
	cs := clips.SplitAll([]dataset.Clip{clips.ManualClip(imageSource, index, frames)}, settings.MaxClipFrames)
	lr, err := s.store.LoadClips(ctx, cs, true)
	if err != nil {
		return nil, err
	}
	res := &IngestResult{Sampled: len(frames), Clips: len(cs)}
	res.addLoad(lr)
	s.observeFlagged(lr.Flagged)
	return res, nil
}

// Redetect re-runs detection on every frame at threshold, which becomes the
// session confidence. Frames stay readable and editable while it runs.
func (s *Session) Redetect(ctx context.Context, threshold float64, progress ProgressFunc) (int, error) {
	if threshold < 0 || threshold > 1 {
		return 0, fmt.Errorf("%w: threshold %.2f", annotation.ErrInvalidRange, threshold)
	}
	done, err := s.begin()
	if err != nil {
		return 0, err
	}
	defer done()

	n, err := s.store.Redetect(ctx, threshold, func(done, total int) {
		report(progress, Progress{
			Stage:   "detecting",
			Percent: float64(done) / float64(total) * 100,
			Frames:  done,
		})
	})
	if err != nil {
		return n, err
	}
	s.mu.Lock()
	s.settings.Confidence = threshold
	s.mu.Unlock()
	return n, nil
}

func (s *Session) BatchLabel(ctx context.Context, from, to int, label string) (int, error) {
	done, err := s.begin()
	if err != nil {
		return 0, err
	}
	defer done()
	return s.store.BatchLabel(ctx, from, to, label)
}

// Export writes the current frames into bundle and advances the label
// counters once the bundle is complete. When deliver is set it receives the
// finished export first, and the counters advance only if it returns nil.
func (s *Session) Export(ctx context.Context, onlyLabeled bool, bundle export.Bundle, deliver func(*export.Result) error) (*export.Result, error) {
	done, err := s.begin()
	if err != nil {
		return nil, err
	}
	defer done()

	opts := export.Options{
		OnlyLabeled:        onlyLabeled,
		MaxFramesPerFolder: s.Settings().MaxClipFrames,
	}
	pending, err := s.exporter.Prepare(ctx, s.store.Frames(), opts, bundle)
	if err != nil {
		return nil, err
	}
	if deliver != nil {
		if err := deliver(pending.Result()); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotDelivered, err)
		}
	}
	return pending.Commit(ctx)
}

func (s *Session) ResetCounters(ctx context.Context) error {
	done, err := s.begin()
	if err != nil {
		return err
	}
	defer done()
	return s.registry.Reset(ctx)
}

// Reset releases every frame in the session.
func (s *Session) Reset() error {
	done, err := s.begin()
	if err != nil {
		return err
	}
	defer done()
	s.store.Reset()
	return nil
}
