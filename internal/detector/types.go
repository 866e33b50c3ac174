// Package detector wraps the external object-detection model. The model runs
// as a Python subprocess; the Adapter turns its raw candidates into clamped,
// padded detections in source-pixel space.
package detector

import (
	"bytes"
	"errors"
	"time"
)

// ErrModelNotReady is returned by batch-level guards when the detector has
// not finished loading.
var ErrModelNotReady = errors.New("detection model not ready")

// Candidate is one raw detector output. Box is [x, y, w, h] in the pixel
// space of the image passed to the model.
type Candidate struct {
	Box   [4]float64 `json:"box"`
	Class string     `json:"class"`
	Score float64    `json:"score"`
}

// detectOutput is the JSON written by `detect --out`.
type detectOutput struct {
	SchemaVersion string      `json:"schema_version"`
	ModelVersion  string      `json:"model_version"`
	Detections    []Candidate `json:"detections"`
}

// Capabilities is what `doctor --json` reports about the detector install.
type Capabilities struct {
	PackageVersion string             `json:"package_version"`
	Python         PythonInfo         `json:"python"`
	Model          ModelInfo          `json:"model"`
	Dependencies   map[string]DepInfo `json:"dependencies"`
	GPU            GPUInfo            `json:"gpu"`

	HasDetector bool      `json:"-"`
	ProbedAt    time.Time `json:"-"`
}

type ModelInfo struct {
	Name    string `json:"name"`
	Weights string `json:"weights"`
	Loaded  bool   `json:"loaded"`
	Classes int    `json:"classes"`
}

type PythonInfo struct {
	Version    string `json:"version"`
	Executable string `json:"executable"`
}

type DepInfo struct {
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
}

type GPUInfo struct {
	CUDAAvailable bool   `json:"cuda_available"`
	DeviceCount   int    `json:"device_count,omitempty"`
	Error         string `json:"error,omitempty"`
}

// RunResult is the outcome of one subprocess invocation.
type RunResult struct {
	ExitCode   int           `json:"exit_code"`
	OutputPath string        `json:"output_path,omitempty"`
	StderrTail string        `json:"stderr_tail,omitempty"`
	Duration   time.Duration `json:"duration"`
}

func (r RunResult) IsSuccess() bool { return r.ExitCode == 0 }

// limitedWriter keeps only the last limit bytes written to it.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		b := lw.w.Bytes()
		lw.w.Reset()
		lw.w.Write(b[len(b)-lw.limit:])
	}
	return n, nil
}
