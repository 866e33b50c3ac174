package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/heimdex/heimdex-labeler/internal/imaging"
	"github.com/heimdex/heimdex-labeler/internal/logging"
)

const maxStderrBytes = 8 * 1024

// Model is the external detection capability.
type Model interface {
	// Ready reports whether the model has finished loading.
	Ready() bool
	// Detect runs one inference. Boxes are in img's pixel space.
	Detect(ctx context.Context, img image.Image) ([]Candidate, error)
}

// Config holds the subprocess model configuration.
type Config struct {
	PythonPath    string // empty = auto-detect
	ModuleName    string
	WorkDir       string // scratch space for frame and result files
	DoctorTimeout time.Duration
	DetectTimeout time.Duration
	Logger        *slog.Logger
}

func DefaultConfig(dataDir string, logger *slog.Logger) Config {
	return Config{
		ModuleName:    "heimdex_detector",
		WorkDir:       filepath.Join(dataDir, "detector"),
		DoctorTimeout: 60 * time.Second,
		DetectTimeout: 30 * time.Second,
		Logger:        logger,
	}
}

// SubprocessModel runs `python -m <module> detect` once per frame.
type SubprocessModel struct {
	cfg    Config
	python string
	doctor *CachedDoctor
}

func NewSubprocessModel(cfg Config) (*SubprocessModel, error) {
	python, err := resolvePython(cfg.PythonPath)
	if err != nil {
		return nil, fmt.Errorf("cannot locate python: %w", err)
	}

	if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
		return nil, fmt.Errorf("cannot create detector work dir: %w", err)
	}

	cfg.Logger.Info("detector initialised",
		"python", python,
		"module", cfg.ModuleName,
		"work_dir", logging.SanitizePath(cfg.WorkDir),
	)

	m := &SubprocessModel{cfg: cfg, python: python}
	m.doctor = NewCachedDoctor(m, cfg.Logger)
	return m, nil
}

// Doctor returns the capability cache backing Ready.
func (m *SubprocessModel) Doctor() *CachedDoctor {
	return m.doctor
}

func (m *SubprocessModel) Ready() bool {
	caps := m.doctor.Peek()
	return caps != nil && caps.HasDetector
}

// RunDoctor probes the detector environment and whether weights load.
func (m *SubprocessModel) RunDoctor(ctx context.Context) (*Capabilities, error) {
	outPath := filepath.Join(m.cfg.WorkDir, ".doctor.json")

	ctx, cancel := context.WithTimeout(ctx, m.cfg.DoctorTimeout)
	defer cancel()

	result := m.exec(ctx, outPath, "doctor", "--json", "--out", outPath)
	if !result.IsSuccess() {
		return nil, fmt.Errorf("doctor exited %d: %s", result.ExitCode, result.StderrTail)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("cannot read doctor output: %w", err)
	}

	var caps Capabilities
	if err := json.Unmarshal(data, &caps); err != nil {
		return nil, fmt.Errorf("cannot parse doctor JSON: %w", err)
	}

	caps.HasDetector = caps.Model.Loaded && isAvailable(caps.Dependencies, "torch")
	caps.ProbedAt = time.Now()

	m.cfg.Logger.Info("detector probe complete",
		"model", caps.Model.Name,
		"loaded", caps.Model.Loaded,
		"ready", caps.HasDetector,
		"cuda", caps.GPU.CUDAAvailable,
	)

	return &caps, nil
}

func (m *SubprocessModel) Detect(ctx context.Context, img image.Image) ([]Candidate, error) {
	data, err := imaging.EncodeJPEG(img)
	if err != nil {
		return nil, err
	}

	base := filepath.Join(m.cfg.WorkDir, uuid.NewString())
	imgPath := base + ".jpg"
	outPath := base + ".json"
	defer os.Remove(imgPath)
	defer os.Remove(outPath)

	if err := os.WriteFile(imgPath, data, 0644); err != nil {
		return nil, fmt.Errorf("write detector input: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.DetectTimeout)
	defer cancel()

	result := m.exec(ctx, outPath, "detect", "--image", imgPath, "--out", outPath)
	if !result.IsSuccess() {
		return nil, fmt.Errorf("detect exited %d: %s", result.ExitCode, truncate(result.StderrTail, 512))
	}

	return readCandidates(outPath)
}

func readCandidates(path string) ([]Candidate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read detect output: %w", err)
	}
	var out detectOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("cannot parse detect JSON: %w", err)
	}
	return out.Detections, nil
}

func (m *SubprocessModel) exec(ctx context.Context, outPath string, args ...string) RunResult {
	start := time.Now()

	if outPath != "" {
		if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
			return RunResult{ExitCode: -1, StderrTail: err.Error(), Duration: time.Since(start)}
		}
	}

	cmdArgs := append([]string{"-m", m.cfg.ModuleName}, args...)
	cmd := exec.CommandContext(ctx, m.python, cmdArgs...)

	var stderrBuf bytes.Buffer
	cmd.Stderr = io.Writer(&limitedWriter{w: &stderrBuf, limit: maxStderrBytes})
	cmd.Stdout = io.Discard

	err := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	if exitCode != 0 {
		m.cfg.Logger.Warn("detector command failed",
			"command", args[0],
			"exit_code", exitCode,
			"duration_ms", elapsed.Milliseconds(),
			"stderr_tail", truncate(stderrBuf.String(), 512),
		)
	} else {
		m.cfg.Logger.Debug("detector command succeeded",
			"command", args[0],
			"duration_ms", elapsed.Milliseconds(),
		)
	}

	return RunResult{
		ExitCode:   exitCode,
		OutputPath: outPath,
		StderrTail: stderrBuf.String(),
		Duration:   elapsed,
	}
}

func resolvePython(preferred string) (string, error) {
	if preferred != "" {
		if p, err := exec.LookPath(preferred); err == nil {
			return p, nil
		}
		return "", fmt.Errorf("configured python %q not found", preferred)
	}
	for _, name := range []string{"python3", "python"} {
		if p, err := exec.LookPath(name); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no python binary found on PATH (tried python3, python)")
}

func isAvailable(deps map[string]DepInfo, name string) bool {
	d, ok := deps[name]
	return ok && d.Available
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}
