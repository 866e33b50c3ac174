package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

const (
	// FinishedJobTTL is how long completed and failed jobs stay listed.
	FinishedJobTTL  = time.Hour
	cleanupInterval = 10 * time.Minute
)

type Repository interface {
	CreateVideo(ctx context.Context, v *Video) error
	GetVideo(ctx context.Context, id string) (*Video, error)
	GetVideoByPath(ctx context.Context, path string) (*Video, error)
	ListVideos(ctx context.Context) ([]*Video, error)

	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, limit int) ([]*Job, error)
	ListPendingJobs(ctx context.Context) ([]*Job, error)
	UpdateJobStatus(ctx context.Context, id, status, errorMsg string) error
	UpdateJobProgress(ctx context.Context, id string, progress int) error
	SetJobResult(ctx context.Context, id string, result interface{}) error
}

// MemoryRepository keeps the session catalogue in memory. Videos live for the
// process lifetime; finished jobs expire after FinishedJobTTL.
type MemoryRepository struct {
	mu     sync.RWMutex
	videos map[string]*Video
	jobs   *cache.Cache
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		videos: make(map[string]*Video),
		jobs:   cache.New(FinishedJobTTL, cleanupInterval),
	}
}

func (r *MemoryRepository) CreateVideo(_ context.Context, v *Video) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *v
	r.videos[v.ID] = &c
	return nil
}

// GetVideo returns nil, nil when the video is unknown.
func (r *MemoryRepository) GetVideo(_ context.Context, id string) (*Video, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.videos[id]
	if !ok {
		return nil, nil
	}
	c := *v
	return &c, nil
}

func (r *MemoryRepository) GetVideoByPath(_ context.Context, path string) (*Video, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range r.videos {
		if v.Path == path {
			c := *v
			return &c, nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) ListVideos(_ context.Context) ([]*Video, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Video, 0, len(r.videos))
	for _, v := range r.videos {
		c := *v
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *MemoryRepository) CreateJob(_ context.Context, job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs.Set(job.ID, job.clone(), cache.NoExpiration)
	return nil
}

func (r *MemoryRepository) GetJob(_ context.Context, id string) (*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.jobs.Get(id)
	if !ok {
		return nil, nil
	}
	return v.(*Job).clone(), nil
}

// ListJobs returns the most recent jobs first.
func (r *MemoryRepository) ListJobs(_ context.Context, limit int) ([]*Job, error) {
	jobs := r.snapshot()
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// ListPendingJobs returns pending jobs oldest first.
func (r *MemoryRepository) ListPendingJobs(_ context.Context) ([]*Job, error) {
	var pending []*Job
	for _, j := range r.snapshot() {
		if j.Status == JobStatusPending {
			pending = append(pending, j)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return pending[i].ID < pending[j].ID
	})
	return pending, nil
}

func (r *MemoryRepository) snapshot() []*Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := r.jobs.Items()
	out := make([]*Job, 0, len(items))
	for _, item := range items {
		out = append(out, item.Object.(*Job).clone())
	}
	return out
}

func (r *MemoryRepository) update(id string, fn func(*Job)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.jobs.Get(id)
	if !ok {
		return nil
	}
	job := v.(*Job).clone()
	fn(job)
	job.UpdatedAt = time.Now()

	ttl := cache.NoExpiration
	if job.Finished() {
		ttl = cache.DefaultExpiration
	}
	r.jobs.Set(id, job, ttl)
	return nil
}

func (r *MemoryRepository) UpdateJobStatus(_ context.Context, id, status, errorMsg string) error {
	return r.update(id, func(j *Job) {
		j.Status = status
		j.Error = errorMsg
		if status == JobStatusCompleted {
			j.Progress = 100
		}
	})
}

func (r *MemoryRepository) UpdateJobProgress(_ context.Context, id string, progress int) error {
	return r.update(id, func(j *Job) { j.Progress = progress })
}

func (r *MemoryRepository) SetJobResult(_ context.Context, id string, result interface{}) error {
	return r.update(id, func(j *Job) { j.Result = result })
}
