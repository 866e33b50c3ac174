package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/heimdex/heimdex-labeler/internal/catalog"
)

func intParam(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	v, err := strconv.Atoi(chi.URLParam(r, name))
	if err != nil {
		WriteError(w, http.StatusBadRequest, name+" must be an integer", "BAD_REQUEST")
		return 0, false
	}
	return v, true
}

func queryInt(r *http.Request, name string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v < 0 {
		return def
	}
	return v
}

// listFramesHandler pages through the frames; limit=0 returns everything
// from offset.
func listFramesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		store := cfg.Session.Store()
		frames := store.Frames()
		offset := queryInt(r, "offset", 0)
		limit := queryInt(r, "limit", 0)

		if offset > len(frames) {
			offset = len(frames)
		}
		end := len(frames)
		if limit > 0 && offset+limit < end {
			end = offset + limit
		}

		resp := FramesResponse{
			Total:     len(frames),
			Offset:    offset,
			Frames:    make([]FrameResponse, 0, end-offset),
			Selection: store.Selection(),
		}
		marked := make(map[int]bool)
		for _, i := range store.Marked() {
			marked[i] = true
		}
		for i := offset; i < end; i++ {
			resp.Frames = append(resp.Frames, FrameResponse{Index: i, Frame: frames[i], Marked: marked[i]})
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getFrameHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		i, ok := intParam(w, r, "index")
		if !ok {
			return
		}
		store := cfg.Session.Store()
		f, err := store.Frame(i)
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, FrameResponse{Index: i, Frame: f, Marked: store.IsMarked(i)})
	}
}

func frameImageHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		i, ok := intParam(w, r, "index")
		if !ok {
			return
		}
		f, err := cfg.Session.Store().Frame(i)
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		w.Header().Set("Content-Type", http.DetectContentType(f.Image))
		w.Header().Set("Content-Length", strconv.Itoa(len(f.Image)))
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		w.Write(f.Image)
	}
}

func setDetectionsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		i, ok := intParam(w, r, "index")
		if !ok {
			return
		}
		var req SetDetectionsRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := cfg.Session.Store().SetDetections(i, req.Detections); err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func addDetectionHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		i, ok := intParam(w, r, "index")
		if !ok {
			return
		}
		var req AddDetectionRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		d, err := cfg.Session.Store().AddDetection(i, req.Box, req.Label)
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusCreated, AddDetectionResponse{Index: d})
	}
}

func updateDetectionHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		i, ok := intParam(w, r, "index")
		if !ok {
			return
		}
		d, ok := intParam(w, r, "det")
		if !ok {
			return
		}
		var req UpdateDetectionRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		store := cfg.Session.Store()
		if req.Box != nil {
			if err := store.ResizeDetection(i, d, *req.Box); err != nil {
				writeServiceError(w, cfg.Logger, err)
				return
			}
		}
		if req.Label != nil {
			if err := store.RelabelDetection(i, d, *req.Label); err != nil {
				writeServiceError(w, cfg.Logger, err)
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func deleteDetectionHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		i, ok := intParam(w, r, "index")
		if !ok {
			return
		}
		d, ok := intParam(w, r, "det")
		if !ok {
			return
		}
		if err := cfg.Session.Store().RemoveDetection(i, d); err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func labelFrameHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		i, ok := intParam(w, r, "index")
		if !ok {
			return
		}
		var req LabelRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.Label == "" {
			WriteError(w, http.StatusBadRequest, "label is required", "BAD_REQUEST")
			return
		}
		if err := cfg.Session.Store().ApplyLabel(i, req.Label); err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// markFrameHandler toggles review marking, or sets it when "marked" is given.
func markFrameHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		i, ok := intParam(w, r, "index")
		if !ok {
			return
		}
		var req MarkRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		store := cfg.Session.Store()
		var (
			marked bool
			err    error
		)
		switch {
		case req.Marked == nil:
			marked, err = store.ToggleMark(i)
		case *req.Marked:
			marked, err = true, store.Mark(i)
		default:
			marked, err = false, store.Unmark(i)
		}
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, MarkResponse{Marked: marked})
	}
}

func batchLabelHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RangeRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.Label == "" {
			WriteError(w, http.StatusBadRequest, "label is required", "BAD_REQUEST")
			return
		}
		n, err := cfg.Session.BatchLabel(r.Context(), req.From, req.To, req.Label)
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, CountResponse{Count: n})
	}
}

// redetectHandler queues a re-detection job; it defaults to the current
// confidence threshold.
func redetectHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RedetectRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		threshold := cfg.Session.Settings().Confidence
		if req.Threshold != nil {
			threshold = *req.Threshold
		}
		if threshold < 0 || threshold > 1 {
			WriteError(w, http.StatusBadRequest, "threshold must be within [0, 1]", "INVALID_RANGE")
			return
		}
		if err := cfg.Session.Detector().RequireReady(); err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		createJob(cfg, w, r, catalog.JobTypeRedetect, "", catalog.JobPayload{Threshold: threshold})
	}
}

func deleteRangeHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RangeRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		n, err := cfg.Session.Store().DeleteRange(req.From, req.To)
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, CountResponse{Count: n})
	}
}

// markRangeHandler adds frames from..to to the review set.
func markRangeHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RangeRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := cfg.Session.Store().MarkRange(req.From, req.To); err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, CountResponse{Count: req.To - req.From + 1})
	}
}

func deleteMarkedHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := cfg.Session.Store().DeleteMarked()
		WriteJSON(w, http.StatusOK, CountResponse{Count: n})
	}
}

func resetFramesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cfg.Session.Reset(); err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func selectionHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SelectionRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		store := cfg.Session.Store()
		var err error
		switch req.Action {
		case "next":
			store.Next()
		case "prev":
			store.Prev()
		case "deselect":
			store.Deselect()
		case "select":
			err = store.Select(req.Frame)
			if err == nil && req.Detection != nil {
				err = store.SelectDetection(*req.Detection)
			}
		default:
			WriteError(w, http.StatusBadRequest, "action must be next, prev, select or deselect", "BAD_REQUEST")
			return
		}
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, store.Selection())
	}
}
