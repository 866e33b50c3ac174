package api

import (
	"time"

	"github.com/heimdex/heimdex-labeler/internal/annotation"
	"github.com/heimdex/heimdex-labeler/internal/catalog"
	"github.com/heimdex/heimdex-labeler/internal/clips"
	"github.com/heimdex/heimdex-labeler/internal/dataset"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	UptimeS int64  `json:"uptime_s"`
}

type StatusResponse struct {
	State        string                  `json:"state"`
	LastError    string                  `json:"last_error,omitempty"`
	Frames       int                     `json:"frames"`
	Marked       int                     `json:"marked"`
	Videos       int                     `json:"videos"`
	Processing   bool                    `json:"processing"`
	ModelReady   bool                    `json:"model_ready"`
	RunnerPaused bool                    `json:"runner_paused"`
	JobsPending  int                     `json:"jobs_pending"`
	ActiveJob    *JobResponse            `json:"active_job,omitempty"`
	Detector     *DetectorStatusResponse `json:"detector,omitempty"`
}

type DetectorStatusResponse struct {
	Model       string `json:"model"`
	Loaded      bool   `json:"loaded"`
	CUDA        bool   `json:"cuda"`
	LastProbeAt string `json:"last_probe_at,omitempty"`
}

type AddVideoRequest struct {
	Path string `json:"path"`
}

type VideoResponse struct {
	ID        string  `json:"id"`
	Filename  string  `json:"filename"`
	Duration  float64 `json:"duration"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	Codec     string  `json:"codec,omitempty"`
	FrameRate float64 `json:"frame_rate,omitempty"`
	CreatedAt string  `json:"created_at"`
}

type VideosResponse struct {
	Videos []VideoResponse `json:"videos"`
}

type MarkersRequest struct {
	Markers []clips.Marker `json:"markers"`
}

type RedetectRequest struct {
	Threshold *float64 `json:"threshold,omitempty"`
}

type JobCreatedResponse struct {
	JobID string `json:"job_id"`
}

type JobResponse struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Status    string      `json:"status"`
	VideoID   string      `json:"video_id,omitempty"`
	Progress  int         `json:"progress"`
	Error     string      `json:"error,omitempty"`
	Result    interface{} `json:"result,omitempty"`
	CreatedAt string      `json:"created_at"`
	UpdatedAt string      `json:"updated_at"`
}

type JobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

type FrameResponse struct {
	Index int `json:"index"`
	*dataset.Frame
	Marked bool `json:"marked"`
}

type FramesResponse struct {
	Total     int                  `json:"total"`
	Offset    int                  `json:"offset"`
	Frames    []FrameResponse      `json:"frames"`
	Selection annotation.Selection `json:"selection"`
}

type SetDetectionsRequest struct {
	Detections []dataset.Detection `json:"detections"`
}

type AddDetectionRequest struct {
	Box   dataset.Rect `json:"box"`
	Label string       `json:"label"`
}

type AddDetectionResponse struct {
	Index int `json:"index"`
}

type UpdateDetectionRequest struct {
	Box   *dataset.Rect `json:"box,omitempty"`
	Label *string       `json:"label,omitempty"`
}

type LabelRequest struct {
	Label string `json:"label"`
}

type MarkRequest struct {
	Marked *bool `json:"marked,omitempty"`
}

type MarkResponse struct {
	Marked bool `json:"marked"`
}

type RangeRequest struct {
	From  int    `json:"from"`
	To    int    `json:"to"`
	Label string `json:"label,omitempty"`
}

type CountResponse struct {
	Count int `json:"count"`
}

type SelectionRequest struct {
	Action    string `json:"action"`
	Frame     int    `json:"frame"`
	Detection *int   `json:"detection,omitempty"`
}

type ExportRequest struct {
	OnlyLabeled bool   `json:"only_labeled"`
	OutputDir   string `json:"output_dir,omitempty"`
}

type CountersResponse struct {
	Counters map[string]int `json:"counters"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func VideoToResponse(v *catalog.Video) VideoResponse {
	return VideoResponse{
		ID:        v.ID,
		Filename:  v.Filename,
		Duration:  v.Duration,
		Width:     v.Width,
		Height:    v.Height,
		Codec:     v.Codec,
		FrameRate: v.FrameRate,
		CreatedAt: v.CreatedAt.Format(time.RFC3339),
	}
}

func JobToResponse(j *catalog.Job) JobResponse {
	return JobResponse{
		ID:        j.ID,
		Type:      j.Type,
		Status:    j.Status,
		VideoID:   j.VideoID,
		Progress:  j.Progress,
		Error:     j.Error,
		Result:    j.Result,
		CreatedAt: j.CreatedAt.Format(time.RFC3339),
		UpdatedAt: j.UpdatedAt.Format(time.RFC3339),
	}
}
