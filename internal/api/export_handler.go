package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/heimdex/heimdex-labeler/internal/export"
	"github.com/heimdex/heimdex-labeler/internal/session"
)

// exportHandler writes the dataset into output_dir when given. Otherwise the
// archive is built in a temporary file first so a failed export still
// produces a JSON error instead of a truncated download.
func exportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ExportRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		if req.OutputDir != "" {
			bundle, err := export.NewDirBundle(req.OutputDir)
			if err != nil {
				WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
				return
			}
			res, err := cfg.Session.Export(r.Context(), req.OnlyLabeled, bundle, nil)
			if err != nil {
				writeServiceError(w, cfg.Logger, err)
				return
			}
			WriteJSON(w, http.StatusOK, res)
			return
		}

		tmp, err := os.CreateTemp("", "labeler-export-*.zip")
		if err != nil {
			writeServiceError(w, cfg.Logger, fmt.Errorf("create export archive: %w", err))
			return
		}
		defer func() {
			tmp.Close()
			os.Remove(tmp.Name())
		}()

		// Counters advance only after the archive has been streamed in full.
		sent := false
		_, err = cfg.Session.Export(r.Context(), req.OnlyLabeled, export.NewZipBundle(tmp), func(res *export.Result) error {
			size, err := tmp.Seek(0, io.SeekEnd)
			if err == nil {
				_, err = tmp.Seek(0, io.SeekStart)
			}
			if err != nil {
				return fmt.Errorf("read export archive: %w", err)
			}

			filename := fmt.Sprintf("dataset-%s.zip", time.Now().Format("20060102-150405"))
			w.Header().Set("Content-Type", "application/zip")
			w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
			w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
			w.Header().Set("X-Export-Frames", strconv.Itoa(res.Frames))
			w.Header().Set("X-Export-Folders", strconv.Itoa(len(res.Folders)))
			w.WriteHeader(http.StatusOK)
			sent = true
			_, err = io.Copy(w, tmp)
			return err
		})
		switch {
		case err == nil:
		case sent && errors.Is(err, session.ErrNotDelivered):
			cfg.Logger.Warn("export download interrupted, counters unchanged", "error", err)
		case sent:
			cfg.Logger.Error("export sent but counters not advanced", "error", err)
		default:
			writeServiceError(w, cfg.Logger, err)
		}
	}
}

func getCountersHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, CountersResponse{Counters: cfg.Session.Counters().Snapshot()})
	}
}

func resetCountersHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cfg.Session.ResetCounters(r.Context()); err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
