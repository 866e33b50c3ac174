package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/heimdex/heimdex-labeler/internal/catalog"
	"github.com/heimdex/heimdex-labeler/internal/config"
	"github.com/heimdex/heimdex-labeler/internal/export"
	"github.com/heimdex/heimdex-labeler/internal/session"
	"github.com/heimdex/heimdex-labeler/internal/video"
)

const (
	maxImageBytes = 32 << 20
	maxJSONBytes  = 1 << 20
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))

	r.Get("/health", healthHandler(cfg))
	r.Get("/status", statusHandler(cfg))
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler())
	}
	if cfg.Hub != nil {
		r.Get("/ws", cfg.Hub.HandleWebSocket)
	}

	r.Get("/settings", getSettingsHandler(cfg))
	r.Put("/settings", putSettingsHandler(cfg))

	r.Route("/videos", func(r chi.Router) {
		r.Get("/", listVideosHandler(cfg))
		r.Post("/", addVideoHandler(cfg))
		r.Get("/{id}/stream", streamVideoHandler(cfg))
		r.Post("/{id}/sample", sampleVideoHandler(cfg))
		r.Post("/{id}/markers", markersHandler(cfg))
	})
	r.Post("/images", uploadImagesHandler(cfg))

	r.Get("/jobs", listJobsHandler(cfg))
	r.Get("/jobs/{id}", getJobHandler(cfg))

	r.Route("/frames", func(r chi.Router) {
		r.Get("/", listFramesHandler(cfg))
		r.Delete("/", resetFramesHandler(cfg))
		r.Post("/batch-label", batchLabelHandler(cfg))
		r.Post("/redetect", redetectHandler(cfg))
		r.Post("/delete-range", deleteRangeHandler(cfg))
		r.Post("/mark-range", markRangeHandler(cfg))
		r.Post("/delete-marked", deleteMarkedHandler(cfg))

		r.Get("/{index}", getFrameHandler(cfg))
		r.Get("/{index}/image", frameImageHandler(cfg))
		r.Put("/{index}/detections", setDetectionsHandler(cfg))
		r.Post("/{index}/detections", addDetectionHandler(cfg))
		r.Patch("/{index}/detections/{det}", updateDetectionHandler(cfg))
		r.Delete("/{index}/detections/{det}", deleteDetectionHandler(cfg))
		r.Post("/{index}/label", labelFrameHandler(cfg))
		r.Post("/{index}/mark", markFrameHandler(cfg))
	})
	r.Post("/selection", selectionHandler(cfg))

	r.Post("/export", exportHandler(cfg))
	r.Get("/counters", getCountersHandler(cfg))
	r.Delete("/counters", resetCountersHandler(cfg))

	return r
}

// decodeJSON reads a bounded JSON body. An empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBytes)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
		return false
	}
	return true
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(time.Since(cfg.StartTime).Seconds())
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: config.Version,
			UptimeS: uptime,
		})
	}
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		store := cfg.Session.Store()

		resp := StatusResponse{
			State:      "idle",
			Frames:     store.Len(),
			Marked:     len(store.Marked()),
			Processing: cfg.Session.IsProcessing(),
			ModelReady: cfg.Session.Detector().Ready(),
		}

		if cfg.Catalog != nil {
			videos, _ := cfg.Catalog.ListVideos(ctx)
			resp.Videos = len(videos)

			jobs, _ := cfg.Catalog.ListJobs(ctx, 20)
			for _, j := range jobs {
				switch j.Status {
				case catalog.JobStatusRunning:
					jr := JobToResponse(j)
					resp.ActiveJob = &jr
				case catalog.JobStatusPending:
					resp.JobsPending++
				case catalog.JobStatusFailed:
					if resp.LastError == "" {
						resp.LastError = j.Error
					}
				}
			}
		}

		if resp.Processing || resp.ActiveJob != nil {
			resp.State = "processing"
		}
		if cfg.Runner != nil && cfg.Runner.IsPaused() {
			resp.RunnerPaused = true
			if resp.State == "idle" {
				resp.State = "paused"
			}
		}
		if !resp.ModelReady && resp.State == "idle" {
			resp.State = "loading"
		}

		if cfg.Doctor != nil {
			if caps := cfg.Doctor.Peek(); caps != nil {
				resp.Detector = &DetectorStatusResponse{
					Model:       caps.Model.Name,
					Loaded:      caps.HasDetector,
					CUDA:        caps.GPU.CUDAAvailable,
					LastProbeAt: caps.ProbedAt.Format(time.RFC3339),
				}
			}
		}

		WriteJSON(w, http.StatusOK, resp)
	}
}

func getSettingsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, cfg.Session.Settings())
	}
}

// putSettingsHandler merges the body over the current settings, so partial
// updates are accepted.
func putSettingsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		settings := cfg.Session.Settings()
		if !decodeJSON(w, r, &settings) {
			return
		}
		if err := settings.Validate(); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}
		if err := cfg.Session.UpdateSettings(settings); err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, cfg.Session.Settings())
	}
}

func listVideosHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		videos, err := cfg.Catalog.ListVideos(r.Context())
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list videos", "INTERNAL_ERROR")
			return
		}

		resp := VideosResponse{Videos: make([]VideoResponse, len(videos))}
		for i, v := range videos {
			resp.Videos[i] = VideoToResponse(v)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

// addVideoHandler registers a video either from a multipart upload (field
// "file") or from a local path in a JSON body.
func addVideoHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var path string
		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
			saved, err := saveUpload(r, cfg.UploadsDir)
			if err != nil {
				if errors.Is(err, video.ErrInvalidMedia) {
					writeServiceError(w, cfg.Logger, err)
					return
				}
				WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
				return
			}
			path = saved
		} else {
			var req AddVideoRequest
			if !decodeJSON(w, r, &req) {
				return
			}
			if req.Path == "" {
				WriteError(w, http.StatusBadRequest, "path is required", "BAD_REQUEST")
				return
			}
			path = req.Path
		}

		v, err := cfg.Catalog.AddVideo(r.Context(), path)
		if err != nil {
			if errors.Is(err, video.ErrInvalidMedia) {
				writeServiceError(w, cfg.Logger, err)
				return
			}
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}
		WriteJSON(w, http.StatusCreated, VideoToResponse(v))
	}
}

// saveUpload streams the "file" part into its own folder under dir, keeping
// the original stem so sampled frames are named after it.
func saveUpload(r *http.Request, dir string) (string, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return "", fmt.Errorf("invalid multipart body: %w", err)
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return "", errors.New("file is required")
		}
		if err != nil {
			return "", fmt.Errorf("invalid multipart body: %w", err)
		}
		if part.FormName() != "file" {
			continue
		}

		name := filepath.Base(part.FileName())
		if !video.IsVideoFile(name) {
			return "", fmt.Errorf("%w: unsupported file type %q", video.ErrInvalidMedia, filepath.Ext(name))
		}
		stem := export.SanitizeName(video.Stem(name), 120)
		if stem == "" {
			stem = "video"
		}

		folder := filepath.Join(dir, uuid.NewString()[:8])
		if err := os.MkdirAll(folder, 0755); err != nil {
			return "", err
		}
		dst := filepath.Join(folder, stem+strings.ToLower(filepath.Ext(name)))
		f, err := os.Create(dst)
		if err != nil {
			return "", err
		}
		if _, err := io.Copy(f, part); err != nil {
			f.Close()
			os.RemoveAll(folder)
			return "", fmt.Errorf("upload interrupted: %w", err)
		}
		if err := f.Close(); err != nil {
			return "", err
		}
		return dst, nil
	}
}

func streamVideoHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := cfg.Catalog.GetVideo(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		if err := cfg.Playback.ServeFile(w, r, v.Path); err != nil {
			cfg.Logger.Error("playback error", "error", err, "video_id", v.ID)
		}
	}
}

func createJob(cfg ServerConfig, w http.ResponseWriter, r *http.Request, jobType, videoID string, payload catalog.JobPayload) {
	job, err := cfg.Catalog.CreateJob(r.Context(), jobType, videoID, payload)
	if err != nil {
		writeServiceError(w, cfg.Logger, err)
		return
	}
	if cfg.Runner != nil {
		cfg.Runner.Wake()
	}
	WriteJSON(w, http.StatusAccepted, JobCreatedResponse{JobID: job.ID})
}

func sampleVideoHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		createJob(cfg, w, r, catalog.JobTypeSample, chi.URLParam(r, "id"), catalog.JobPayload{})
	}
}

func markersHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req MarkersRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if len(req.Markers) == 0 {
			WriteError(w, http.StatusBadRequest, "markers must not be empty", "INVALID_MARKER")
			return
		}
		createJob(cfg, w, r, catalog.JobTypeMarkers, chi.URLParam(r, "id"), catalog.JobPayload{Markers: req.Markers})
	}
}

// uploadImagesHandler loads every "file" or "files" part as a still frame.
func uploadImagesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mr, err := r.MultipartReader()
		if err != nil {
			WriteError(w, http.StatusBadRequest, "multipart body required", "BAD_REQUEST")
			return
		}

		var images []session.Image
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				WriteError(w, http.StatusBadRequest, "invalid multipart body", "BAD_REQUEST")
				return
			}
			if part.FormName() != "file" && part.FormName() != "files" {
				continue
			}
			data, err := io.ReadAll(io.LimitReader(part, maxImageBytes+1))
			if err != nil {
				WriteError(w, http.StatusBadRequest, "upload interrupted", "BAD_REQUEST")
				return
			}
			if len(data) > maxImageBytes {
				WriteError(w, http.StatusRequestEntityTooLarge, "image too large", "BAD_REQUEST")
				return
			}
			images = append(images, session.Image{Name: filepath.Base(part.FileName()), Data: data})
		}
		if len(images) == 0 {
			WriteError(w, http.StatusBadRequest, "no images uploaded", "BAD_REQUEST")
			return
		}

		res, err := cfg.Session.IngestImages(r.Context(), images)
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

func listJobsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := cfg.Catalog.ListJobs(r.Context(), 50)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list jobs", "INTERNAL_ERROR")
			return
		}

		resp := JobsResponse{Jobs: make([]JobResponse, len(jobs))}
		for i, j := range jobs {
			resp.Jobs[i] = JobToResponse(j)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := cfg.Catalog.GetJob(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, JobToResponse(job))
	}
}
