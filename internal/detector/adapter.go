package detector

import (
	"context"
	"image"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/heimdex/heimdex-labeler/internal/dataset"
	"github.com/heimdex/heimdex-labeler/internal/imaging"
)

// Observer receives per-inference statistics.
type Observer interface {
	ObserveDetection(d time.Duration, kept int, err error)
}

// Adapter filters, pads and clamps raw model output.
type Adapter struct {
	model    Model
	logger   *slog.Logger
	observer Observer

	mu           sync.RWMutex
	enhanceScale float64
}

func NewAdapter(model Model, logger *slog.Logger) *Adapter {
	return &Adapter{model: model, logger: logger, enhanceScale: 1}
}

// SetObserver attaches a metrics observer.
func (a *Adapter) SetObserver(o Observer) {
	a.observer = o
}

// SetEnhanceScale sets the upscale factor applied before inference.
// Values at or below 1 disable enhancement.
func (a *Adapter) SetEnhanceScale(scale float64) {
	a.mu.Lock()
	a.enhanceScale = scale
	a.mu.Unlock()
}

func (a *Adapter) EnhanceScale() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.enhanceScale
}

func (a *Adapter) Ready() bool {
	return a.model != nil && a.model.Ready()
}

// RequireReady is the guard for operations that must not run without a model.
func (a *Adapter) RequireReady() error {
	if !a.Ready() {
		return ErrModelNotReady
	}
	return nil
}

// Detect runs the model once on img. When the model is not loaded it returns
// no detections and no error.
func (a *Adapter) Detect(ctx context.Context, img image.Image, confidenceThreshold, paddingPercent float64) ([]dataset.Detection, error) {
	if !a.Ready() {
		a.logger.Debug("detect called before model ready")
		return nil, nil
	}

	scale := a.EnhanceScale()
	input := img
	if scale > 1 {
		input = imaging.Enhance(img, scale)
	}

	start := time.Now()
	candidates, err := a.model.Detect(ctx, input)
	if err != nil {
		a.observe(time.Since(start), 0, err)
		return nil, err
	}

	b := img.Bounds()
	dets := Filter(candidates, float64(b.Dx()), float64(b.Dy()), scale, confidenceThreshold, paddingPercent)
	a.observe(time.Since(start), len(dets), nil)
	return dets, nil
}

func (a *Adapter) observe(d time.Duration, kept int, err error) {
	if a.observer != nil {
		a.observer.ObserveDetection(d, kept, err)
	}
}

// Filter converts raw candidates into detections on a w x h image. scale is
// the enhancement factor the candidates were produced at.
func Filter(candidates []Candidate, w, h, scale, confidenceThreshold, paddingPercent float64) []dataset.Detection {
	var out []dataset.Detection
	for _, c := range candidates {
		if c.Score < confidenceThreshold {
			continue
		}

		box := imaging.ScaleDown(dataset.Rect{X: c.Box[0], Y: c.Box[1], Width: c.Box[2], Height: c.Box[3]}, scale)
		pad := paddingPercent / 100 * box.Width
		box.X -= pad
		box.Width += 2 * pad
		box = box.Clamp(w, h)
		if box.Area() == 0 {
			continue
		}

		out = append(out, dataset.Detection{
			Box:        box,
			Label:      Capitalize(c.Class),
			Confidence: c.Score,
		})
	}
	return out
}

// Capitalize upper-cases the first letter of s.
func Capitalize(s string) string {
	s = strings.TrimSpace(s)
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
