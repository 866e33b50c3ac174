// Package imaging implements the per-frame image operations: Laplacian blur
// scoring, upscale-and-sharpen enhancement, and JPEG coding.
package imaging

import (
	"image"
	"math"

	"github.com/heimdex/heimdex-labeler/internal/dataset"
)

// DegenerateBlurScore is returned for regions too small to score. It compares
// as sharp against any threshold.
const DegenerateBlurScore = math.MaxFloat64

// BlurScore returns the variance of the 4-neighbour Laplacian of the luma
// channel inside r. Lower means blurrier.
func BlurScore(img image.Image, r dataset.Rect) float64 {
	b := img.Bounds()
	x0 := max(b.Min.X, b.Min.X+int(math.Floor(r.X)))
	y0 := max(b.Min.Y, b.Min.Y+int(math.Floor(r.Y)))
	x1 := min(b.Max.X, b.Min.X+int(math.Ceil(r.X+r.Width)))
	y1 := min(b.Max.Y, b.Min.Y+int(math.Ceil(r.Y+r.Height)))

	w, h := x1-x0, y1-y0
	if w < 3 || h < 3 {
		return DegenerateBlurScore
	}

	gray := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			gray[y*w+x] = luma(img, x0+x, y0+y)
		}
	}

	var sum, sumSq float64
	n := 0
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			c := gray[y*w+x]
			lap := 4*c - gray[(y-1)*w+x] - gray[(y+1)*w+x] - gray[y*w+x-1] - gray[y*w+x+1]
			sum += lap
			sumSq += lap * lap
			n++
		}
	}

	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean
	if variance < 0 {
		return 0
	}
	return variance
}

// IsBlurred reports whether the frame has detections and every one of them
// scores below threshold. A single sharp box keeps the frame.
func IsBlurred(img image.Image, dets []dataset.Detection, threshold float64) bool {
	if len(dets) == 0 {
		return false
	}
	for _, d := range dets {
		if BlurScore(img, d.Box) >= threshold {
			return false
		}
	}
	return true
}

func luma(img image.Image, x, y int) float64 {
	r, g, b, _ := img.At(x, y).RGBA()
	return 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(b>>8)
}
