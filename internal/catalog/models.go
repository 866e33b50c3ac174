package catalog

import (
	"time"

	"github.com/google/uuid"

	"github.com/heimdex/heimdex-labeler/internal/clips"
)

// Video is a source video registered for labelling.
type Video struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Filename  string    `json:"filename"`
	Duration  float64   `json:"duration"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Codec     string    `json:"codec,omitempty"`
	FrameRate float64   `json:"frame_rate,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	JobTypeSample   = "sample"
	JobTypeMarkers  = "markers"
	JobTypeRedetect = "redetect"

	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// JobPayload carries the type-specific job arguments.
type JobPayload struct {
	Markers   []clips.Marker `json:"markers,omitempty"`
	Threshold float64        `json:"threshold,omitempty"`
}

type Job struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Status    string      `json:"status"`
	VideoID   string      `json:"video_id,omitempty"`
	Progress  int         `json:"progress"`
	Error     string      `json:"error,omitempty"`
	Payload   JobPayload  `json:"payload"`
	Result    interface{} `json:"result,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

func (j *Job) clone() *Job {
	c := *j
	c.Payload.Markers = append([]clips.Marker(nil), j.Payload.Markers...)
	return &c
}

func (j *Job) Finished() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

func NewID() string {
	return uuid.NewString()
}
