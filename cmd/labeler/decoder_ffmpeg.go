//go:build !gocv

package main

import (
	"log/slog"

	"github.com/heimdex/heimdex-labeler/internal/config"
	"github.com/heimdex/heimdex-labeler/internal/logging"
	"github.com/heimdex/heimdex-labeler/internal/video"
)

func newDecoder(cfg config.Config, logger *slog.Logger) video.Prober {
	return video.NewFFmpeg(cfg.FFmpeg(), cfg.FFprobe(), logging.WithComponent(logger, "ffmpeg"))
}
