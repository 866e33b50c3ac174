package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/heimdex/heimdex-labeler/internal/clips"
	"github.com/heimdex/heimdex-labeler/internal/logging"
	"github.com/heimdex/heimdex-labeler/internal/session"
	"github.com/heimdex/heimdex-labeler/internal/video"
)

const DefaultPollInterval = time.Second

// Event types sent to the Notifier.
const (
	EventJobProgress = "job_progress"
	EventChunkDone   = "chunk_done"
	EventJobDone     = "job_done"
	EventJobFailed   = "job_failed"
)

// Labeler is the part of session.Session that jobs drive.
type Labeler interface {
	IngestVideo(ctx context.Context, src video.Source, progress session.ProgressFunc) (*session.IngestResult, error)
	IngestMarkers(ctx context.Context, src video.Source, markers []clips.Marker, progress session.ProgressFunc) (*session.IngestResult, error)
	Redetect(ctx context.Context, threshold float64, progress session.ProgressFunc) (int, error)
}

// Notifier receives job events, e.g. for websocket broadcast.
type Notifier interface {
	Notify(eventType string, data interface{})
}

type JobObserver interface {
	ObserveJob(jobType, status string)
}

// JobEvent is the payload of every notification.
type JobEvent struct {
	JobID    string            `json:"job_id"`
	Type     string            `json:"type"`
	VideoID  string            `json:"video_id,omitempty"`
	Progress *session.Progress `json:"progress,omitempty"`
	Result   interface{}       `json:"result,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// Runner executes queued jobs one at a time.
type Runner struct {
	service      *Service
	repo         Repository
	labeler      Labeler
	logger       *slog.Logger
	pollInterval time.Duration
	notifier     Notifier
	observer     JobObserver
	wake         chan struct{}
	running      atomic.Bool
	paused       atomic.Bool
	active       atomic.Value // string
}

func NewRunner(service *Service, repo Repository, labeler Labeler, logger *slog.Logger) *Runner {
	r := &Runner{
		service:      service,
		repo:         repo,
		labeler:      labeler,
		logger:       logger,
		pollInterval: DefaultPollInterval,
		wake:         make(chan struct{}, 1),
	}
	r.active.Store("")
	return r
}

// SetNotifier and SetObserver must be called before Start.
func (r *Runner) SetNotifier(n Notifier) { r.notifier = n }

func (r *Runner) SetObserver(o JobObserver) { r.observer = o }

func (r *Runner) Start(ctx context.Context) {
	if r.running.Swap(true) {
		return
	}

	r.logger.Info("job runner started")

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("job runner stopping")
			r.running.Store(false)
			return
		case <-ticker.C:
		case <-r.wake:
		}
		if !r.paused.Load() {
			r.processNextJob(ctx)
		}
	}
}

// Wake asks the runner to look for work without waiting for the next tick.
func (r *Runner) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runner) Pause() {
	r.paused.Store(true)
	r.logger.Info("job runner paused")
}

func (r *Runner) Resume() {
	r.paused.Store(false)
	r.logger.Info("job runner resumed")
	r.Wake()
}

func (r *Runner) IsPaused() bool {
	return r.paused.Load()
}

func (r *Runner) IsRunning() bool {
	return r.running.Load()
}

// ActiveJob returns the ID of the running job, or "".
func (r *Runner) ActiveJob() string {
	return r.active.Load().(string)
}

func (r *Runner) processNextJob(ctx context.Context) {
	jobs, err := r.repo.ListPendingJobs(ctx)
	if err != nil {
		r.logger.Error("failed to list pending jobs", "error", err)
		return
	}
	if len(jobs) == 0 {
		return
	}

	job := jobs[0]
	logger := logging.WithJobID(r.logger, job.ID).With("type", job.Type)
	if job.VideoID != "" {
		logger = logging.WithVideoID(logger, job.VideoID)
	}
	logger.Info("processing job")

	r.active.Store(job.ID)
	defer r.active.Store("")
	r.repo.UpdateJobStatus(ctx, job.ID, JobStatusRunning, "")

	result, err := r.execute(ctx, job)
	if errors.Is(err, session.ErrBusy) {
		// Another operation holds the session; retry on a later tick.
		logger.Info("session busy, job requeued")
		r.repo.UpdateJobStatus(ctx, job.ID, JobStatusPending, "")
		return
	}
	if err != nil {
		logger.Error("job failed", "error", err)
		r.repo.UpdateJobStatus(ctx, job.ID, JobStatusFailed, err.Error())
		if result != nil {
			r.repo.SetJobResult(ctx, job.ID, result)
		}
		r.notify(EventJobFailed, JobEvent{JobID: job.ID, Type: job.Type, VideoID: job.VideoID, Result: result, Error: err.Error()})
		r.observe(job.Type, JobStatusFailed)
		return
	}

	r.repo.SetJobResult(ctx, job.ID, result)
	r.repo.UpdateJobStatus(ctx, job.ID, JobStatusCompleted, "")
	r.notify(EventJobDone, JobEvent{JobID: job.ID, Type: job.Type, VideoID: job.VideoID, Result: result})
	r.observe(job.Type, JobStatusCompleted)
	logger.Info("job completed")
}

func (r *Runner) execute(ctx context.Context, job *Job) (interface{}, error) {
	switch job.Type {
	case JobTypeSample:
		src, err := r.service.OpenVideo(ctx, job.VideoID)
		if err != nil {
			return nil, err
		}
		defer src.Close()
		res, err := r.labeler.IngestVideo(ctx, src, r.progress(ctx, job))
		if res == nil {
			return nil, err
		}
		return res, err

	case JobTypeMarkers:
		src, err := r.service.OpenVideo(ctx, job.VideoID)
		if err != nil {
			return nil, err
		}
		defer src.Close()
		res, err := r.labeler.IngestMarkers(ctx, src, job.Payload.Markers, r.progress(ctx, job))
		if res == nil {
			return nil, err
		}
		return res, err

	case JobTypeRedetect:
		n, err := r.labeler.Redetect(ctx, job.Payload.Threshold, r.progress(ctx, job))
		if err != nil {
			return nil, err
		}
		return map[string]int{"frames": n}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidJobType, job.Type)
	}
}

func (r *Runner) progress(ctx context.Context, job *Job) session.ProgressFunc {
	return func(p session.Progress) {
		r.repo.UpdateJobProgress(ctx, job.ID, int(p.Percent))
		event := EventJobProgress
		if p.Chunk > 0 && p.Stage == "sampling" {
			event = EventChunkDone
		}
		r.notify(event, JobEvent{JobID: job.ID, Type: job.Type, VideoID: job.VideoID, Progress: &p})
	}
}

func (r *Runner) notify(eventType string, data JobEvent) {
	if r.notifier != nil {
		r.notifier.Notify(eventType, data)
	}
}

func (r *Runner) observe(jobType, status string) {
	if r.observer != nil {
		r.observer.ObserveJob(jobType, status)
	}
}

func (r *Runner) GetActiveJobCount(ctx context.Context) int {
	jobs, err := r.repo.ListJobs(ctx, 0)
	if err != nil {
		return 0
	}
	count := 0
	for _, j := range jobs {
		if j.Status == JobStatusRunning || j.Status == JobStatusPending {
			count++
		}
	}
	return count
}
