package imaging

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"

	"github.com/heimdex/heimdex-labeler/internal/dataset"
)

// Enhance upscales img by scale with Catmull-Rom resampling and applies a
// 3x3 sharpen kernel. Scales at or below 1 return img unchanged.
func Enhance(img image.Image, scale float64) image.Image {
	if scale <= 1 {
		return img
	}

	b := img.Bounds()
	w := int(math.Round(float64(b.Dx()) * scale))
	h := int(math.Round(float64(b.Dy()) * scale))
	if w <= 0 || h <= 0 {
		return img
	}

	up := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(up, up.Bounds(), img, b, draw.Src, nil)
	return sharpen(up)
}

// sharpen convolves with [0 -1 0; -1 5 -1; 0 -1 0]. Border pixels are copied.
func sharpen(src *image.RGBA) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(b)
	copy(dst.Pix, src.Pix)

	w, h := b.Dx(), b.Dy()
	if w < 3 || h < 3 {
		return dst
	}

	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			i := src.PixOffset(x, y)
			up := src.PixOffset(x, y-1)
			down := src.PixOffset(x, y+1)
			left := src.PixOffset(x-1, y)
			right := src.PixOffset(x+1, y)
			for c := 0; c < 3; c++ {
				v := 5*int(src.Pix[i+c]) -
					int(src.Pix[up+c]) - int(src.Pix[down+c]) -
					int(src.Pix[left+c]) - int(src.Pix[right+c])
				dst.Pix[i+c] = clamp8(v)
			}
			dst.Pix[i+3] = src.Pix[i+3]
		}
	}
	return dst
}

func clamp8(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// ScaleDown maps a box found on an image enhanced by scale back to the
// original pixel grid.
func ScaleDown(r dataset.Rect, scale float64) dataset.Rect {
	if scale <= 1 {
		return r
	}
	return dataset.Rect{
		X:      r.X / scale,
		Y:      r.Y / scale,
		Width:  r.Width / scale,
		Height: r.Height / scale,
	}
}

// Fill returns a w x h image of a single colour. Used for placeholders and tests.
func Fill(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	return img
}
