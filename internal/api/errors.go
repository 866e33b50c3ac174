package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/heimdex/heimdex-labeler/internal/annotation"
	"github.com/heimdex/heimdex-labeler/internal/catalog"
	"github.com/heimdex/heimdex-labeler/internal/clips"
	"github.com/heimdex/heimdex-labeler/internal/detector"
	"github.com/heimdex/heimdex-labeler/internal/export"
	"github.com/heimdex/heimdex-labeler/internal/session"
	"github.com/heimdex/heimdex-labeler/internal/video"
)

var errorCodes = []struct {
	err    error
	status int
	code   string
}{
	{video.ErrInvalidMedia, http.StatusUnprocessableEntity, "INVALID_MEDIA"},
	{detector.ErrModelNotReady, http.StatusServiceUnavailable, "MODEL_NOT_READY"},
	{annotation.ErrIndexOutOfRange, http.StatusNotFound, "INDEX_OUT_OF_RANGE"},
	{annotation.ErrInvalidRange, http.StatusBadRequest, "INVALID_RANGE"},
	{export.ErrNothingToExport, http.StatusUnprocessableEntity, "NOTHING_TO_EXPORT"},
	{clips.ErrInvalidMarker, http.StatusBadRequest, "INVALID_MARKER"},
	{session.ErrBusy, http.StatusConflict, "BUSY"},
	{catalog.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{catalog.ErrInvalidJobType, http.StatusBadRequest, "BAD_REQUEST"},
}

// writeServiceError maps domain errors to status codes. Unknown errors are
// logged and reported as internal.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			WriteError(w, e.status, err.Error(), e.code)
			return
		}
	}
	logger.Error("request failed", "error", err)
	WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
}
