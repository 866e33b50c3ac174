// Package config loads the labeler configuration from environment variables
// with defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultPort     = 8788
	DefaultLogLevel = "info"
	DefaultDataDir  = ".heimdex-labeler"

	EnvPort     = "LABELER_PORT"
	EnvLogLevel = "LABELER_LOG_LEVEL"
	EnvDataDir  = "LABELER_DATA_DIR"
	EnvHeadless = "LABELER_HEADLESS"
	EnvWatchDir = "LABELER_WATCH_DIR"

	EnvPython          = "LABELER_PYTHON"
	EnvDetectorModule  = "LABELER_DETECTOR_MODULE"
	EnvDetectorTimeout = "LABELER_DETECTOR_TIMEOUT"
	EnvFFmpeg          = "LABELER_FFMPEG"
	EnvFFprobe         = "LABELER_FFPROBE"

	EnvConfidence     = "LABELER_CONFIDENCE"
	EnvSampleInterval = "LABELER_SAMPLE_INTERVAL"
	EnvPaddingPercent = "LABELER_PADDING_PERCENT"
	EnvBlurFilter     = "LABELER_BLUR_FILTER"
	EnvBlurThreshold  = "LABELER_BLUR_THRESHOLD"
	EnvChunkMinutes   = "LABELER_CHUNK_MINUTES"
	EnvEnhanceScale   = "LABELER_ENHANCE_SCALE"
	EnvClipSize       = "LABELER_CLIP_SIZE"
	EnvMaxClipFrames  = "LABELER_MAX_CLIP_FRAMES"
	EnvSnapToGrid     = "LABELER_SNAP_TO_GRID"

	DBFilename = "labeler.db"

	DefaultDetectorModule  = "heimdex_detector"
	DefaultDetectorTimeout = 30 * time.Second
	DefaultDoctorTimeout   = 60 * time.Second

	DefaultConfidence     = 0.5
	DefaultSampleInterval = 1.0
	DefaultPaddingPercent = 10.0
	DefaultBlurThreshold  = 100.0
	DefaultChunkMinutes   = 5.0
	DefaultEnhanceScale   = 1.0
	DefaultClipSize       = 32
	DefaultMaxClipFrames  = 200
)

// Pipeline holds the tunable sampling and detection parameters.
type Pipeline struct {
	Confidence     float64
	SampleInterval float64
	PaddingPercent float64
	BlurFilter     bool
	BlurThreshold  float64
	ChunkMinutes   float64
	EnhanceScale   float64
	ClipSize       int
	MaxClipFrames  int
	SnapToGrid     bool
}

// Config defines the application configuration interface.
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	DBPath() string
	UploadsDir() string
	Headless() bool
	WatchDir() string
	Python() string
	DetectorModule() string
	DetectorTimeout() time.Duration
	DoctorTimeout() time.Duration
	FFmpeg() string
	FFprobe() string
	Pipeline() Pipeline
}

// EnvConfig reads configuration from environment variables.
type EnvConfig struct {
	port     int
	logLevel string
	dataDir  string
	headless bool
	watchDir string

	python          string
	detectorModule  string
	detectorTimeout time.Duration
	ffmpeg          string
	ffprobe         string

	pipeline Pipeline
}

// New creates an EnvConfig with defaults and environment overrides.
func New() (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:            DefaultPort,
		logLevel:        DefaultLogLevel,
		dataDir:         defaultDataDir(),
		detectorModule:  DefaultDetectorModule,
		detectorTimeout: DefaultDetectorTimeout,
		pipeline: Pipeline{
			Confidence:     DefaultConfidence,
			SampleInterval: DefaultSampleInterval,
			PaddingPercent: DefaultPaddingPercent,
			BlurFilter:     true,
			BlurThreshold:  DefaultBlurThreshold,
			ChunkMinutes:   DefaultChunkMinutes,
			EnhanceScale:   DefaultEnhanceScale,
			ClipSize:       DefaultClipSize,
			MaxClipFrames:  DefaultMaxClipFrames,
			SnapToGrid:     true,
		},
	}

	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
		}
		cfg.port = port
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		cfg.logLevel = ll
	}
	if dd := os.Getenv(EnvDataDir); dd != "" {
		cfg.dataDir = dd
	}
	cfg.watchDir = os.Getenv(EnvWatchDir)
	cfg.python = os.Getenv(EnvPython)
	cfg.ffmpeg = os.Getenv(EnvFFmpeg)
	cfg.ffprobe = os.Getenv(EnvFFprobe)
	if m := os.Getenv(EnvDetectorModule); m != "" {
		cfg.detectorModule = m
	}

	var err error
	if cfg.headless, err = envBool(EnvHeadless, false); err != nil {
		return nil, err
	}
	if cfg.detectorTimeout, err = envDuration(EnvDetectorTimeout, cfg.detectorTimeout); err != nil {
		return nil, err
	}

	p := &cfg.pipeline
	if p.Confidence, err = envFloat(EnvConfidence, p.Confidence); err != nil {
		return nil, err
	}
	if p.SampleInterval, err = envFloat(EnvSampleInterval, p.SampleInterval); err != nil {
		return nil, err
	}
	if p.PaddingPercent, err = envFloat(EnvPaddingPercent, p.PaddingPercent); err != nil {
		return nil, err
	}
	if p.BlurFilter, err = envBool(EnvBlurFilter, p.BlurFilter); err != nil {
		return nil, err
	}
	if p.BlurThreshold, err = envFloat(EnvBlurThreshold, p.BlurThreshold); err != nil {
		return nil, err
	}
	if p.ChunkMinutes, err = envFloat(EnvChunkMinutes, p.ChunkMinutes); err != nil {
		return nil, err
	}
	if p.EnhanceScale, err = envFloat(EnvEnhanceScale, p.EnhanceScale); err != nil {
		return nil, err
	}
	if p.ClipSize, err = envInt(EnvClipSize, p.ClipSize); err != nil {
		return nil, err
	}
	if p.MaxClipFrames, err = envInt(EnvMaxClipFrames, p.MaxClipFrames); err != nil {
		return nil, err
	}
	if p.SnapToGrid, err = envBool(EnvSnapToGrid, p.SnapToGrid); err != nil {
		return nil, err
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the pipeline parameters are usable.
func (p Pipeline) Validate() error {
	switch {
	case p.Confidence < 0 || p.Confidence > 1:
		return fmt.Errorf("confidence %.2f must be within [0, 1]", p.Confidence)
	case p.SampleInterval <= 0:
		return fmt.Errorf("sample interval must be positive")
	case p.PaddingPercent < 0:
		return fmt.Errorf("padding percent must not be negative")
	case p.BlurThreshold < 0:
		return fmt.Errorf("blur threshold must not be negative")
	case p.ChunkMinutes <= 0:
		return fmt.Errorf("chunk minutes must be positive")
	case p.EnhanceScale <= 0:
		return fmt.Errorf("enhance scale must be positive")
	case p.ClipSize < 1:
		return fmt.Errorf("clip size must be at least 1")
	case p.MaxClipFrames < 1:
		return fmt.Errorf("max clip frames must be at least 1")
	}
	return nil
}

// SetPort overrides the port, e.g. from a command-line flag.
func (c *EnvConfig) SetPort(port int) { c.port = port }

func (c *EnvConfig) SetLogLevel(level string) { c.logLevel = level }

func (c *EnvConfig) SetHeadless(headless bool) { c.headless = headless }

func (c *EnvConfig) Port() int { return c.port }

func (c *EnvConfig) LogLevel() string { return c.logLevel }

func (c *EnvConfig) DataDir() string { return c.dataDir }

// DBPath returns the full path to the SQLite database file.
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// UploadsDir holds videos uploaded through the API.
func (c *EnvConfig) UploadsDir() string {
	return filepath.Join(c.dataDir, "uploads")
}

func (c *EnvConfig) Headless() bool { return c.headless }

func (c *EnvConfig) WatchDir() string { return c.watchDir }

func (c *EnvConfig) Python() string { return c.python }

func (c *EnvConfig) DetectorModule() string { return c.detectorModule }

func (c *EnvConfig) DetectorTimeout() time.Duration { return c.detectorTimeout }

func (c *EnvConfig) DoctorTimeout() time.Duration { return DefaultDoctorTimeout }

func (c *EnvConfig) FFmpeg() string { return c.ffmpeg }

func (c *EnvConfig) FFprobe() string { return c.ffprobe }

func (c *EnvConfig) Pipeline() Pipeline { return c.pipeline }

func envFloat(name string, def float64) (float64, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return f, nil
}

func envInt(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return n, nil
}

func envBool(name string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", name, err)
	}
	return b, nil
}

func envDuration(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
