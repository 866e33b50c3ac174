package video

import (
	"context"
	"image"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heimdex/heimdex-labeler/internal/dataset"
)

func TestSamplerRun_TimesAndChunks(t *testing.T) {
	src := &fakeSource{name: "shift", duration: 130}
	s := NewSampler(discardLogger())

	var chunks []Chunk
	err := s.Run(context.Background(), src, Options{Interval: 1, ChunkMinutes: 1}, func(c Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0].Frames, 60)
	assert.Len(t, chunks[1].Frames, 60)
	assert.Len(t, chunks[2].Frames, 10)
	assert.Equal(t, 100.0, chunks[2].Progress)

	require.Len(t, src.seeks, 130)
	for i := 1; i < len(src.seeks); i++ {
		assert.Greater(t, src.seeks[i], src.seeks[i-1], "timestamps strictly increase")
	}
	assert.Equal(t, 129.0, src.seeks[len(src.seeks)-1])

	f := chunks[0].Frames[0]
	assert.Equal(t, 8, f.Width)
	assert.Equal(t, 6, f.Height)
	assert.NotEmpty(t, f.Image)
	assert.Equal(t, "shift_000001.jpg", f.Filename)
}

func TestSamplerRun_InvalidDuration(t *testing.T) {
	s := NewSampler(discardLogger())
	for _, d := range []float64{0, -3, math.NaN(), math.Inf(1)} {
		err := s.Run(context.Background(), &fakeSource{name: "bad", duration: d}, Options{}, func(Chunk) error { return nil })
		assert.ErrorIs(t, err, ErrInvalidMedia, "duration %v", d)
	}
}

func TestSamplerRun_KeepFilterDropsFrames(t *testing.T) {
	src := &fakeSource{name: "v", duration: 10}
	s := NewSampler(discardLogger())

	keep := func(_ context.Context, f *dataset.Frame, _ image.Image) (bool, error) {
		return f.Number%2 == 0, nil
	}

	var got Chunk
	err := s.Run(context.Background(), src, Options{Interval: 1, Keep: keep}, func(c Chunk) error {
		got = c
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 10, got.Sampled)
	assert.Equal(t, 5, got.Dropped)
	assert.Len(t, got.Frames, 5)
}

func TestSamplerRun_LaterChunkFailureKeepsEarlierChunks(t *testing.T) {
	src := &fakeSource{name: "v", duration: 180, failAt: 125}
	s := NewSampler(discardLogger())

	var delivered int
	err := s.Run(context.Background(), src, Options{Interval: 1, ChunkMinutes: 1}, func(c Chunk) error {
		delivered += len(c.Frames)
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, 120, delivered)
}

func TestSamplerRun_CancelledBetweenChunks(t *testing.T) {
	src := &fakeSource{name: "v", duration: 180}
	s := NewSampler(discardLogger())
	ctx, cancel := context.WithCancel(context.Background())

	var chunks int
	err := s.Run(ctx, src, Options{Interval: 1, ChunkMinutes: 1}, func(c Chunk) error {
		chunks++
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, chunks)
	assert.Len(t, src.seeks, 60, "the chunk in flight completes")
}

func TestSampleRange(t *testing.T) {
	s := NewSampler(discardLogger())
	src := &fakeSource{name: "v", duration: 60}

	frames, err := s.SampleRange(context.Background(), src, 2.5, 5, 1)
	require.NoError(t, err)
	assert.Equal(t, []float64{2.5, 3.5, 4.5}, src.seeks)
	assert.Len(t, frames, 3)
}

func TestParseProbe(t *testing.T) {
	good := []byte(`{"format":{"duration":"12.5"},"streams":[{"codec_name":"h264","width":1920,"height":1080,"avg_frame_rate":"30000/1001"}]}`)
	p, err := parseProbe(good)
	require.NoError(t, err)
	assert.Equal(t, 12.5, p.Duration)
	assert.Equal(t, 1920, p.Width)
	assert.InDelta(t, 29.97, p.FrameRate, 0.01)

	for _, bad := range []string{
		`{"format":{"duration":"N/A"},"streams":[{"width":1}]}`,
		`{"format":{"duration":"0"},"streams":[{"width":1}]}`,
		`{"format":{"duration":"5"},"streams":[]}`,
		`nope`,
	} {
		_, err := parseProbe([]byte(bad))
		assert.ErrorIs(t, err, ErrInvalidMedia, bad)
	}
}

func TestIsVideoFile(t *testing.T) {
	assert.True(t, IsVideoFile("/a/b/Clip.MP4"))
	assert.True(t, IsVideoFile("x.webm"))
	assert.False(t, IsVideoFile("notes.txt"))
	assert.Equal(t, "Clip", Stem("/a/b/Clip.MP4"))
}
