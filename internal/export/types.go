// Package export turns annotated frames into the on-disk dataset layout:
// per-label image folders with a parallel tree of JSON descriptors, numbered
// from the persistent clip counters.
package export

import "errors"

// ErrNothingToExport is returned when no frame qualifies for export.
var ErrNothingToExport = errors.New("nothing to export")

const (
	// UnlabeledLabel buckets frames without a qualifying label.
	UnlabeledLabel = "Unlabeled"
	// DefaultMaxFramesPerFolder caps the frames written into one clip folder.
	DefaultMaxFramesPerFolder = 200
	// AnnotationSuffix is appended to the label for the descriptor tree.
	AnnotationSuffix = " labeld"
)

type Options struct {
	OnlyLabeled        bool
	MaxFramesPerFolder int
}

// Entry is one file in the manifest.
type Entry struct {
	Path string
	Data []byte
}

// Folder describes one numbered output clip folder.
type Folder struct {
	Label   string `json:"label"`
	Ordinal int    `json:"ordinal"`
	Clip    string `json:"clip"`
	Path    string `json:"path"`
	Frames  int    `json:"frames"`
}

// Manifest is the complete, not yet written, export.
type Manifest struct {
	Entries    []Entry
	Folders    []Folder
	Increments map[string]int
	Frames     int
	Excluded   int
}

// Result summarises a finished export.
type Result struct {
	Files    int            `json:"files"`
	Frames   int            `json:"frames"`
	Excluded int            `json:"excluded"`
	Folders  []Folder       `json:"folders"`
	Counters map[string]int `json:"counters"`
}

// Descriptor is the per-frame JSON written next to each image.
type Descriptor struct {
	Image          ImageInfo         `json:"image"`
	SourceClip     string            `json:"sourceClip"`
	FrameNumber    int               `json:"frameNumber"`
	SourceFilename string            `json:"sourceFilename"`
	Timestamp      float64           `json:"timestamp"`
	ActivityLabel  string            `json:"activityLabel"`
	Detections     []DetectionRecord `json:"detections"`
}

type ImageInfo struct {
	File   string `json:"file"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type DetectionRecord struct {
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}
