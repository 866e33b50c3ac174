package video

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"

	"github.com/heimdex/heimdex-labeler/internal/logging"
)

// FFmpeg probes with ffprobe and seeks with ffmpeg.
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
	logger      *slog.Logger
}

func NewFFmpeg(ffmpegPath, ffprobePath string, logger *slog.Logger) *FFmpeg {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpeg{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath, logger: logger}
}

type ffprobeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
	} `json:"streams"`
}

func (f *FFmpeg) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	cmd := exec.CommandContext(ctx, f.ffprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "format=duration:stream=codec_name,width,height,avg_frame_rate",
		"-print_format", "json",
		path,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: ffprobe %s: %v: %s", ErrInvalidMedia, logging.SanitizePath(path), err, stderr.String())
	}
	return parseProbe(out)
}

func parseProbe(data []byte) (*ProbeResult, error) {
	var raw ffprobeOutput
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: cannot parse ffprobe output: %v", ErrInvalidMedia, err)
	}
	if len(raw.Streams) == 0 {
		return nil, fmt.Errorf("%w: no video stream", ErrInvalidMedia)
	}

	d, err := strconv.ParseFloat(raw.Format.Duration, 64)
	if err != nil || !ValidDuration(d) {
		return nil, fmt.Errorf("%w: duration %q is not finite and positive", ErrInvalidMedia, raw.Format.Duration)
	}

	s := raw.Streams[0]
	return &ProbeResult{
		Duration:  d,
		Width:     s.Width,
		Height:    s.Height,
		Codec:     s.CodecName,
		FrameRate: parseRate(s.AvgFrameRate),
	}, nil
}

// parseRate parses ffprobe's "num/den" rational.
func parseRate(s string) float64 {
	var num, den float64
	if _, err := fmt.Sscanf(s, "%g/%g", &num, &den); err != nil || den == 0 {
		return 0
	}
	return num / den
}

func (f *FFmpeg) Open(ctx context.Context, path string) (Source, error) {
	probe, err := f.Probe(ctx, path)
	if err != nil {
		return nil, err
	}
	return &ffmpegSource{ffmpeg: f, path: path, probe: probe}, nil
}

type ffmpegSource struct {
	ffmpeg *FFmpeg
	path   string
	probe  *ProbeResult

	mu sync.Mutex
}

func (s *ffmpegSource) Name() string { return Stem(s.path) }

func (s *ffmpegSource) Duration(context.Context) (float64, error) {
	return s.probe.Duration, nil
}

func (s *ffmpegSource) FrameAt(ctx context.Context, t float64) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd := exec.CommandContext(ctx, s.ffmpeg.ffmpegPath,
		"-v", "error",
		"-ss", strconv.FormatFloat(t, 'f', 3, 64),
		"-i", s.path,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"-",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg seek %.3fs: %w: %s", t, err, stderr.String())
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("%w: no frame at %.3fs", ErrInvalidMedia, t)
	}

	img, err := png.Decode(&stdout)
	if err != nil {
		return nil, fmt.Errorf("%w: decode frame at %.3fs: %v", ErrInvalidMedia, t, err)
	}
	return img, nil
}

func (s *ffmpegSource) Close() error { return nil }
