package video

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"math"

	"github.com/google/uuid"

	"github.com/heimdex/heimdex-labeler/internal/dataset"
	"github.com/heimdex/heimdex-labeler/internal/imaging"
)

const (
	DefaultInterval     = 1.0
	DefaultChunkMinutes = 5.0
)

// KeepFunc decides whether a sampled frame is retained. It may attach
// detections to f. img is the decoded frame.
type KeepFunc func(ctx context.Context, f *dataset.Frame, img image.Image) (bool, error)

type Options struct {
	Interval     float64 // seconds between samples
	ChunkMinutes float64
	Keep         KeepFunc
}

// Chunk is one bounded slice of the timeline, handed to the caller as soon as
// it is sampled.
type Chunk struct {
	Index    int
	Total    int
	Start    float64
	End      float64
	Frames   []*dataset.Frame
	Sampled  int
	Dropped  int
	Progress float64 // percent of the video covered so far
}

type Sampler struct {
	logger *slog.Logger
}

func NewSampler(logger *slog.Logger) *Sampler {
	return &Sampler{logger: logger}
}

// Run samples src at opts.Interval and delivers frames chunk by chunk. Chunks
// already handed to handle stay delivered if a later chunk fails. ctx is only
// checked between chunks; a chunk in flight always completes.
func (s *Sampler) Run(ctx context.Context, src Source, opts Options, handle func(Chunk) error) error {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.ChunkMinutes <= 0 {
		opts.ChunkMinutes = DefaultChunkMinutes
	}

	duration, err := src.Duration(ctx)
	if err != nil {
		return err
	}
	if !ValidDuration(duration) {
		return fmt.Errorf("%w: %s duration %v", ErrInvalidMedia, src.Name(), duration)
	}

	chunkLen := opts.ChunkMinutes * 60
	total := int(math.Ceil(duration / chunkLen))
	name := src.Name()
	k := 0

	for c := 0; c < total; c++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := float64(c) * chunkLen
		end := math.Min(duration, float64(c+1)*chunkLen)
		chunk := Chunk{Index: c, Total: total, Start: start, End: end}

		frameCtx := context.WithoutCancel(ctx)
		for ; float64(k)*opts.Interval < end; k++ {
			t := float64(k) * opts.Interval
			frame, img, err := s.sample(frameCtx, src, name, k, t)
			if err != nil {
				return fmt.Errorf("chunk %d/%d: %w", c+1, total, err)
			}
			chunk.Sampled++

			if opts.Keep != nil {
				keep, err := opts.Keep(frameCtx, frame, img)
				if err != nil {
					return fmt.Errorf("chunk %d/%d at %.3fs: %w", c+1, total, t, err)
				}
				if !keep {
					chunk.Dropped++
					continue
				}
			}
			chunk.Frames = append(chunk.Frames, frame)
		}

		chunk.Progress = end / duration * 100
		s.logger.Info("chunk sampled",
			"source", name,
			"chunk", c+1,
			"chunks", total,
			"sampled", chunk.Sampled,
			"kept", len(chunk.Frames),
		)

		if err := handle(chunk); err != nil {
			return err
		}
	}

	return nil
}

// SampleRange samples [start, end) at interval. At least the frame at start is
// returned when start < end.
func (s *Sampler) SampleRange(ctx context.Context, src Source, start, end, interval float64) ([]*dataset.Frame, error) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	name := src.Name()
	var frames []*dataset.Frame
	for k := 0; ; k++ {
		t := start + float64(k)*interval
		if t >= end {
			break
		}
		frame, _, err := s.sample(ctx, src, name, k, t)
		if err != nil {
			return frames, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

func (s *Sampler) sample(ctx context.Context, src Source, name string, k int, t float64) (*dataset.Frame, image.Image, error) {
	img, err := src.FrameAt(ctx, t)
	if err != nil {
		return nil, nil, err
	}
	data, err := imaging.EncodeJPEG(img)
	if err != nil {
		return nil, nil, err
	}
	b := img.Bounds()
	return &dataset.Frame{
		ID:        uuid.NewString(),
		Image:     data,
		Width:     b.Dx(),
		Height:    b.Dy(),
		Number:    k + 1,
		Clip:      name,
		Filename:  fmt.Sprintf("%s_%06d.jpg", name, k+1),
		Timestamp: t,
	}, img, nil
}
