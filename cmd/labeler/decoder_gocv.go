//go:build gocv

package main

import (
	"log/slog"

	"github.com/heimdex/heimdex-labeler/internal/config"
	"github.com/heimdex/heimdex-labeler/internal/video"
)

func newDecoder(_ config.Config, logger *slog.Logger) video.Prober {
	logger.Info("decoding video with OpenCV")
	return video.NewGocv()
}
