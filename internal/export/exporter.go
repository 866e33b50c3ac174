package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"path"
	"sort"
	"strings"

	"github.com/heimdex/heimdex-labeler/internal/counters"
	"github.com/heimdex/heimdex-labeler/internal/dataset"
)

// Observer receives per-label export statistics.
type Observer interface {
	ObserveExport(label string, folders, frames int)
}

type Exporter struct {
	registry *counters.Registry
	logger   *slog.Logger
	observer Observer
}

func NewExporter(registry *counters.Registry, logger *slog.Logger) *Exporter {
	return &Exporter{registry: registry, logger: logger}
}

func (e *Exporter) SetObserver(o Observer) {
	e.observer = o
}

// Export writes frames into bundle and, once the bundle is closed without
// error, advances the clip counters. The registry is untouched on any failure.
func (e *Exporter) Export(ctx context.Context, frames []*dataset.Frame, opts Options, bundle Bundle) (*Result, error) {
	p, err := e.Prepare(ctx, frames, opts, bundle)
	if err != nil {
		return nil, err
	}
	return p.Commit(ctx)
}

// Pending is a finished bundle whose counters have not been advanced yet.
type Pending struct {
	exporter *Exporter
	manifest *Manifest
	base     map[string]int
}

// Prepare writes and closes bundle without touching the registry. The caller
// commits once the bundle has reached its destination. No other export may
// run between Prepare and Commit.
func (e *Exporter) Prepare(ctx context.Context, frames []*dataset.Frame, opts Options, bundle Bundle) (*Pending, error) {
	base := e.registry.Snapshot()
	m, err := Plan(frames, opts, base)
	if err != nil {
		return nil, err
	}

	for _, entry := range m.Entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := bundle.Add(entry.Path, entry.Data); err != nil {
			return nil, err
		}
	}
	if err := bundle.Close(); err != nil {
		return nil, fmt.Errorf("finalise bundle: %w", err)
	}
	return &Pending{exporter: e, manifest: m, base: base}, nil
}

// Result describes the export with the counters it will leave behind.
func (p *Pending) Result() *Result {
	counts := make(map[string]int, len(p.base)+len(p.manifest.Increments))
	for label, n := range p.base {
		counts[label] = n
	}
	for label, n := range p.manifest.Increments {
		counts[label] += n
	}
	return p.result(counts)
}

func (p *Pending) result(counts map[string]int) *Result {
	m := p.manifest
	return &Result{
		Files:    len(m.Entries),
		Frames:   m.Frames,
		Excluded: m.Excluded,
		Folders:  m.Folders,
		Counters: counts,
	}
}

// Commit advances the counters by the folders the bundle used.
func (p *Pending) Commit(ctx context.Context) (*Result, error) {
	e, m := p.exporter, p.manifest
	if err := e.registry.Advance(ctx, m.Increments); err != nil {
		return nil, err
	}

	perLabelFrames := make(map[string]int)
	for _, f := range m.Folders {
		perLabelFrames[f.Label] += f.Frames
	}
	for label, n := range m.Increments {
		e.logger.Info("label exported", "label", label, "folders", n, "frames", perLabelFrames[label])
		if e.observer != nil {
			e.observer.ObserveExport(label, n, perLabelFrames[label])
		}
	}
	return p.result(e.registry.Snapshot()), nil
}

// ExportLabel returns the label a frame is exported under: its activity label,
// else its first non-generic detection label. ok is false if neither exists.
func ExportLabel(f *dataset.Frame) (label string, ok bool) {
	if l := strings.TrimSpace(f.ActivityLabel); l != "" {
		return l, true
	}
	for _, d := range f.Detections {
		l := strings.TrimSpace(d.Label)
		if l != "" && !dataset.IsGenericClass(l) {
			return l, true
		}
	}
	return "", false
}

// Plan builds the manifest for frames given the current counters. It does not
// mutate anything.
func Plan(frames []*dataset.Frame, opts Options, current map[string]int) (*Manifest, error) {
	limit := opts.MaxFramesPerFolder
	if limit <= 0 {
		limit = DefaultMaxFramesPerFolder
	}

	m := &Manifest{Increments: make(map[string]int)}
	groups := make(map[string]map[string][]*dataset.Frame)

	for _, f := range frames {
		label, ok := ExportLabel(f)
		if !ok {
			if opts.OnlyLabeled {
				m.Excluded++
				continue
			}
			label = UnlabeledLabel
		}
		folder := SanitizeLabel(label)
		if folder == "" {
			folder = UnlabeledLabel
		}
		if groups[folder] == nil {
			groups[folder] = make(map[string][]*dataset.Frame)
		}
		groups[folder][f.Clip] = append(groups[folder][f.Clip], f)
		m.Frames++
	}

	if m.Frames == 0 {
		return nil, ErrNothingToExport
	}

	for _, label := range sortedKeys(groups) {
		ordinal := current[label]
		byClip := groups[label]
		for _, clip := range sortedKeys(byClip) {
			clipFrames := byClip[clip]
			sort.SliceStable(clipFrames, func(i, j int) bool {
				if clipFrames[i].Number != clipFrames[j].Number {
					return clipFrames[i].Number < clipFrames[j].Number
				}
				return clipFrames[i].Filename < clipFrames[j].Filename
			})

			for start := 0; start < len(clipFrames); start += limit {
				end := min(start+limit, len(clipFrames))
				ordinal++
				folder := fmt.Sprintf("%s%d", label, ordinal)
				imgDir := path.Join(label, folder)
				jsonDir := path.Join(label+AnnotationSuffix, folder)

				for k, f := range clipFrames[start:end] {
					stem := fmt.Sprintf("frames%05d", k+1)
					desc, err := json.MarshalIndent(describe(f, stem+".jpg"), "", "  ")
					if err != nil {
						return nil, fmt.Errorf("encode descriptor for %s: %w", f.Filename, err)
					}
					m.Entries = append(m.Entries,
						Entry{Path: path.Join(imgDir, stem+".jpg"), Data: f.Image},
						Entry{Path: path.Join(jsonDir, stem+".json"), Data: desc},
					)
				}

				m.Folders = append(m.Folders, Folder{
					Label:   label,
					Ordinal: ordinal,
					Clip:    clip,
					Path:    imgDir,
					Frames:  end - start,
				})
				m.Increments[label]++
			}
		}
	}

	return m, nil
}

// describe builds the descriptor for f. The activity label is the frame's own
// label; the sanitised form only names folders.
func describe(f *dataset.Frame, file string) Descriptor {
	label, ok := ExportLabel(f)
	if !ok {
		label = UnlabeledLabel
	}
	d := Descriptor{
		Image:          ImageInfo{File: file, Width: f.Width, Height: f.Height},
		SourceClip:     f.Clip,
		FrameNumber:    f.Number,
		SourceFilename: f.Filename,
		Timestamp:      f.Timestamp,
		ActivityLabel:  label,
		Detections:     []DetectionRecord{},
	}
	for _, det := range f.Detections {
		if dataset.IsGenericClass(det.Label) {
			continue
		}
		d.Detections = append(d.Detections, DetectionRecord{
			X:          int(math.Round(det.Box.X)),
			Y:          int(math.Round(det.Box.Y)),
			Width:      int(math.Round(det.Box.Width)),
			Height:     int(math.Round(det.Box.Height)),
			Label:      det.Label,
			Confidence: det.Confidence,
		})
	}
	return d
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
