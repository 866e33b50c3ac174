package export

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heimdex/heimdex-labeler/internal/counters"
	"github.com/heimdex/heimdex-labeler/internal/dataset"
)

type memBundle struct {
	files  map[string][]byte
	closed bool
	failOn string
}

func newMemBundle() *memBundle { return &memBundle{files: make(map[string][]byte)} }

func (b *memBundle) Add(name string, data []byte) error {
	if b.failOn != "" && strings.Contains(name, b.failOn) {
		return errors.New("bundle write failed")
	}
	b.files[name] = data
	return nil
}

func (b *memBundle) Close() error {
	b.closed = true
	return nil
}

func (b *memBundle) names() []string {
	out := make([]string, 0, len(b.files))
	for k := range b.files {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func newExporter(t *testing.T) (*Exporter, *counters.Registry) {
	t.Helper()
	reg := counters.NewRegistry(counters.NewMemoryStore())
	require.NoError(t, reg.Load(context.Background()))
	return NewExporter(reg, slog.New(slog.NewTextHandler(io.Discard, nil))), reg
}

func labelled(clip string, n int, label string) []*dataset.Frame {
	out := make([]*dataset.Frame, n)
	for i := range out {
		out[i] = &dataset.Frame{
			ID:            fmt.Sprintf("%s-%d", clip, i),
			Image:         []byte{0xFF, 0xD8, byte(i)},
			Width:         640,
			Height:        480,
			Number:        i + 1,
			Clip:          clip,
			Filename:      fmt.Sprintf("%s_%06d.jpg", clip, i+1),
			ActivityLabel: label,
			Detections: []dataset.Detection{
				{Box: dataset.Rect{X: 10.4, Y: 20.6, Width: 100.5, Height: 200.49}, Label: label, Confidence: 0.87},
			},
		}
	}
	return out
}

func TestExport_SplitsFoldersAtCap(t *testing.T) {
	e, reg := newExporter(t)
	b := newMemBundle()

	res, err := e.Export(context.Background(), labelled("v_clip001", 250, "Welding"), Options{MaxFramesPerFolder: 200}, b)
	require.NoError(t, err)
	require.Len(t, res.Folders, 2)
	assert.Equal(t, 200, res.Folders[0].Frames)
	assert.Equal(t, 50, res.Folders[1].Frames)
	assert.Equal(t, 500, res.Files)

	assert.Contains(t, b.files, "Welding/Welding1/frames00001.jpg")
	assert.Contains(t, b.files, "Welding/Welding1/frames00200.jpg")
	assert.NotContains(t, b.files, "Welding/Welding1/frames00201.jpg")
	assert.Contains(t, b.files, "Welding/Welding2/frames00001.jpg")
	assert.Contains(t, b.files, "Welding/Welding2/frames00050.jpg")
	assert.Contains(t, b.files, "Welding labeld/Welding2/frames00050.json")
	assert.True(t, b.closed)

	assert.Equal(t, 2, reg.Get("Welding"))
}

func TestExport_ContinuesOrdinalsAcrossExports(t *testing.T) {
	e, reg := newExporter(t)
	ctx := context.Background()

	_, err := e.Export(ctx, labelled("a", 3, "Welding"), Options{}, newMemBundle())
	require.NoError(t, err)

	b := newMemBundle()
	_, err = e.Export(ctx, labelled("b", 3, "Welding"), Options{}, b)
	require.NoError(t, err)

	assert.Contains(t, b.files, "Welding/Welding2/frames00001.jpg")
	assert.NotContains(t, b.files, "Welding/Welding1/frames00001.jpg")
	assert.Equal(t, 2, reg.Get("Welding"))
}

func TestExport_OrdinalsContinueAcrossClipsInOneExport(t *testing.T) {
	e, _ := newExporter(t)
	frames := append(labelled("z_clip", 2, "Lifting"), labelled("a_clip", 2, "Lifting")...)

	res, err := e.Export(context.Background(), frames, Options{}, newMemBundle())
	require.NoError(t, err)
	require.Len(t, res.Folders, 2)
	assert.Equal(t, "a_clip", res.Folders[0].Clip, "clips sorted lexicographically")
	assert.Equal(t, 1, res.Folders[0].Ordinal)
	assert.Equal(t, "z_clip", res.Folders[1].Clip)
	assert.Equal(t, 2, res.Folders[1].Ordinal)
}

func TestExport_OnlyLabeledDescriptorsMatchFolders(t *testing.T) {
	e, _ := newExporter(t)

	frames := labelled("c1", 2, "Welding")
	frames = append(frames, labelled("c2", 2, "Cleaning")...)
	frames = append(frames, &dataset.Frame{
		Clip: "c3", Number: 1, Filename: "x.jpg", Image: []byte{1},
		Detections: []dataset.Detection{{Box: dataset.Rect{Width: 5, Height: 5}, Label: "Person", Confidence: 0.9}},
	})
	frames = append(frames, &dataset.Frame{
		Clip: "c4", Number: 1, Filename: "y.jpg", Image: []byte{1},
		Detections: []dataset.Detection{
			{Box: dataset.Rect{Width: 5, Height: 5}, Label: "Person", Confidence: 0.9},
			{Box: dataset.Rect{Width: 5, Height: 5}, Label: "Painting", Confidence: 1},
		},
	})

	b := newMemBundle()
	res, err := e.Export(context.Background(), frames, Options{OnlyLabeled: true}, b)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Excluded, "generic-only frame excluded")
	assert.Equal(t, 5, res.Frames)

	for name, data := range b.files {
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		root := strings.TrimSuffix(strings.SplitN(name, "/", 2)[0], AnnotationSuffix)
		var d Descriptor
		require.NoError(t, json.Unmarshal(data, &d))
		assert.Equal(t, root, d.ActivityLabel, name)
		for _, det := range d.Detections {
			assert.False(t, dataset.IsGenericClass(det.Label), "generic class %q in %s", det.Label, name)
		}
	}
	assert.Contains(t, b.files, "Painting/Painting1/frames00001.jpg", "fallback to first non-generic detection label")
}

func TestExport_UnlabeledBucket(t *testing.T) {
	e, _ := newExporter(t)
	frames := []*dataset.Frame{{Clip: "c", Number: 1, Filename: "a.jpg", Image: []byte{1}}}

	b := newMemBundle()
	_, err := e.Export(context.Background(), frames, Options{}, b)
	require.NoError(t, err)
	assert.Contains(t, b.files, "Unlabeled/Unlabeled1/frames00001.jpg")
}

func TestExport_DescriptorContent(t *testing.T) {
	e, _ := newExporter(t)
	frames := labelled("v_clip001", 1, "Welding")
	frames[0].Number = 7
	frames[0].Detections = append(frames[0].Detections, dataset.Detection{Label: "cup", Confidence: 0.5})

	b := newMemBundle()
	_, err := e.Export(context.Background(), frames, Options{}, b)
	require.NoError(t, err)

	var d Descriptor
	require.NoError(t, json.Unmarshal(b.files["Welding labeld/Welding1/frames00001.json"], &d))
	assert.Equal(t, ImageInfo{File: "frames00001.jpg", Width: 640, Height: 480}, d.Image)
	assert.Equal(t, "v_clip001", d.SourceClip)
	assert.Equal(t, 7, d.FrameNumber)
	require.Len(t, d.Detections, 1)
	assert.Equal(t, DetectionRecord{X: 10, Y: 21, Width: 101, Height: 200, Label: "Welding", Confidence: 0.87}, d.Detections[0])
}

func TestExport_DescriptorKeepsRawLabel(t *testing.T) {
	e, _ := newExporter(t)
	frames := labelled("c", 1, "Lift/Carry")

	b := newMemBundle()
	_, err := e.Export(context.Background(), frames, Options{}, b)
	require.NoError(t, err)

	assert.Contains(t, b.files, "Lift／Carry/Lift／Carry1/frames00001.jpg")
	var d Descriptor
	require.NoError(t, json.Unmarshal(b.files["Lift／Carry labeld/Lift／Carry1/frames00001.json"], &d))
	assert.Equal(t, "Lift/Carry", d.ActivityLabel)
	require.Len(t, d.Detections, 1)
	assert.Equal(t, "Lift/Carry", d.Detections[0].Label)
}

func TestExporter_PendingCommit(t *testing.T) {
	e, reg := newExporter(t)

	p, err := e.Prepare(context.Background(), labelled("c", 2, "Welding"), Options{}, newMemBundle())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"Welding": 1}, p.Result().Counters)
	assert.Empty(t, reg.Snapshot(), "prepare leaves the registry alone")

	res, err := p.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Frames)
	assert.Equal(t, 1, reg.Get("Welding"))
}

func TestExport_FrameOrderWithinClip(t *testing.T) {
	e, _ := newExporter(t)
	frames := labelled("c", 3, "Welding")
	frames[0], frames[2] = frames[2], frames[0]
	frames[1].Number = 3
	frames[1].Filename = "a.jpg"
	frames[0].Filename = "b.jpg" // number 3 as well

	b := newMemBundle()
	_, err := e.Export(context.Background(), frames, Options{}, b)
	require.NoError(t, err)

	assert.Equal(t, []byte{0xFF, 0xD8, 0}, b.files["Welding/Welding1/frames00001.jpg"])
	assert.Equal(t, []byte{0xFF, 0xD8, 1}, b.files["Welding/Welding1/frames00002.jpg"], "number tie broken by filename")
	assert.Equal(t, []byte{0xFF, 0xD8, 2}, b.files["Welding/Welding1/frames00003.jpg"])
}

func TestExport_NothingToExport(t *testing.T) {
	e, reg := newExporter(t)
	frames := []*dataset.Frame{{Clip: "c", Number: 1, Detections: []dataset.Detection{{Label: "Person"}}}}

	b := newMemBundle()
	_, err := e.Export(context.Background(), frames, Options{OnlyLabeled: true}, b)
	assert.ErrorIs(t, err, ErrNothingToExport)
	assert.Empty(t, b.files)
	assert.Empty(t, reg.Snapshot())

	_, err = e.Export(context.Background(), nil, Options{}, b)
	assert.ErrorIs(t, err, ErrNothingToExport)
}

func TestExport_BundleFailureLeavesCounters(t *testing.T) {
	e, reg := newExporter(t)
	b := newMemBundle()
	b.failOn = "frames00002"

	_, err := e.Export(context.Background(), labelled("c", 3, "Welding"), Options{}, b)
	require.Error(t, err)
	assert.Equal(t, 0, reg.Get("Welding"))
}

func TestExport_SanitizedFolderNames(t *testing.T) {
	e, reg := newExporter(t)
	b := newMemBundle()
	_, err := e.Export(context.Background(), labelled("c", 1, `Cut/Weld`), Options{}, b)
	require.NoError(t, err)
	assert.Contains(t, b.files, "Cut／Weld/Cut／Weld1/frames00001.jpg")
	assert.Equal(t, 1, reg.Get("Cut／Weld"))
}

func TestZipBundle(t *testing.T) {
	e, _ := newExporter(t)
	var buf bytes.Buffer

	_, err := e.Export(context.Background(), labelled("c", 2, "Welding"), Options{}, NewZipBundle(&buf))
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{
		"Welding/Welding1/frames00001.jpg",
		"Welding labeld/Welding1/frames00001.json",
		"Welding/Welding1/frames00002.jpg",
		"Welding labeld/Welding1/frames00002.json",
	}, names)
}

func TestDirBundle(t *testing.T) {
	root := t.TempDir()
	b, err := NewDirBundle(root)
	require.NoError(t, err)

	e, _ := newExporter(t)
	_, err = e.Export(context.Background(), labelled("c", 1, "Welding"), Options{}, b)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(root, "Welding", "Welding1", "frames00001.jpg"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8, 0}, data)

	assert.Error(t, b.Add("../escape.txt", []byte("x")))

	_, err = NewDirBundle(filepath.Join(root, "missing"))
	assert.Error(t, err)
}
