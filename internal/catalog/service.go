package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/heimdex/heimdex-labeler/internal/logging"
	"github.com/heimdex/heimdex-labeler/internal/video"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidJobType = errors.New("invalid job type")
)

type Service struct {
	repo   Repository
	prober video.Prober
	logger *slog.Logger
}

func NewService(repo Repository, prober video.Prober, logger *slog.Logger) *Service {
	return &Service{repo: repo, prober: prober, logger: logger}
}

// AddVideo probes path and registers it. A file that is already registered
// is returned as is. Files that are not videos, or whose duration is not
// finite and positive, are rejected with video.ErrInvalidMedia.
func (s *Service) AddVideo(ctx context.Context, path string) (*Video, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("path does not exist: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", video.ErrInvalidMedia, filepath.Base(absPath))
	}
	if !video.IsVideoFile(absPath) {
		return nil, fmt.Errorf("%w: unsupported file type %q", video.ErrInvalidMedia, filepath.Ext(absPath))
	}

	existing, err := s.repo.GetVideoByPath(ctx, absPath)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	probe, err := s.prober.Probe(ctx, absPath)
	if err != nil {
		return nil, err
	}
	if !video.ValidDuration(probe.Duration) {
		return nil, fmt.Errorf("%w: %s has no playable duration", video.ErrInvalidMedia, filepath.Base(absPath))
	}

	v := &Video{
		ID:        NewID(),
		Path:      absPath,
		Filename:  filepath.Base(absPath),
		Duration:  probe.Duration,
		Width:     probe.Width,
		Height:    probe.Height,
		Codec:     probe.Codec,
		FrameRate: probe.FrameRate,
		CreatedAt: time.Now(),
	}
	if err := s.repo.CreateVideo(ctx, v); err != nil {
		return nil, err
	}

	if s.logger != nil {
		logging.WithVideoID(s.logger, v.ID).Info("video added", "filename", v.Filename, "duration", v.Duration)
	}
	return v, nil
}

// ScanFolder registers every video below root, skipping hidden directories.
// Files that fail to probe are logged and skipped.
func (s *Service) ScanFolder(ctx context.Context, root string) ([]*Video, error) {
	var paths []string
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() && p != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if !d.IsDir() && video.IsVideoFile(d.Name()) {
			paths = append(paths, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var added []*Video
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return added, err
		}
		v, err := s.AddVideo(ctx, p)
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("failed to add video", "path", filepath.Base(p), "error", err)
			}
			continue
		}
		added = append(added, v)
	}
	return added, nil
}

func (s *Service) GetVideo(ctx context.Context, id string) (*Video, error) {
	v, err := s.repo.GetVideo(ctx, id)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, fmt.Errorf("video %s: %w", id, ErrNotFound)
	}
	return v, nil
}

func (s *Service) ListVideos(ctx context.Context) ([]*Video, error) {
	return s.repo.ListVideos(ctx)
}

// OpenVideo opens a registered video for frame decoding.
func (s *Service) OpenVideo(ctx context.Context, id string) (video.Source, error) {
	v, err := s.GetVideo(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.prober.Open(ctx, v.Path)
}

// CreateJob queues a job. Sample and marker jobs need a registered video.
func (s *Service) CreateJob(ctx context.Context, jobType, videoID string, payload JobPayload) (*Job, error) {
	switch jobType {
	case JobTypeSample, JobTypeMarkers:
		if _, err := s.GetVideo(ctx, videoID); err != nil {
			return nil, err
		}
	case JobTypeRedetect:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidJobType, jobType)
	}

	now := time.Now()
	job := &Job{
		ID:        NewID(),
		Type:      jobType,
		Status:    JobStatusPending,
		VideoID:   videoID,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	if s.logger != nil {
		logger := logging.WithJobID(s.logger, job.ID)
		if videoID != "" {
			logger = logging.WithVideoID(logger, videoID)
		}
		logger.Info("job created", "type", jobType)
	}
	return job, nil
}

func (s *Service) GetJob(ctx context.Context, id string) (*Job, error) {
	j, err := s.repo.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return j, nil
}

func (s *Service) ListJobs(ctx context.Context, limit int) ([]*Job, error) {
	return s.repo.ListJobs(ctx, limit)
}
