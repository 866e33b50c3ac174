// Package playback streams registered source videos to the browser with byte
// range support, so the operator can scrub the timeline while placing markers.
package playback

import (
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type PlaybackService interface {
	ServeFile(w http.ResponseWriter, r *http.Request, filePath string) error
}

// videoTypes covers containers the OS MIME table often lacks.
var videoTypes = map[string]string{
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
	".webm": "video/webm",
}

func contentType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if t, ok := videoTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

type Server struct {
	logger *slog.Logger
}

func NewServer(logger *slog.Logger) *Server {
	return &Server{logger: logger}
}

// ServeFile writes filePath, or the requested byte range of it. HEAD requests
// get headers only.
func (s *Server) ServeFile(w http.ResponseWriter, r *http.Request, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "video not found", http.StatusNotFound)
			return nil
		}
		return fmt.Errorf("failed to open video: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat video: %w", err)
	}
	size := stat.Size()

	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", contentType(filePath))
	h.Set("Last-Modified", stat.ModTime().UTC().Format(http.TimeFormat))

	rng, err := ParseRange(r.Header.Get("Range"), size)
	switch {
	case err == ErrUnsatisfiable:
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		http.Error(w, "Range Not Satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return nil
	case err != nil && err != ErrInvalidRange:
		return err
	}

	// A malformed header is ignored and the whole file is sent.
	if rng == nil {
		h.Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodHead {
			return nil
		}
		_, err = io.Copy(w, file)
		return s.copyErr(err)
	}

	h.Set("Content-Length", strconv.FormatInt(rng.ContentLength(), 10))
	h.Set("Content-Range", rng.ContentRange(size))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method == http.MethodHead {
		return nil
	}

	if _, err := file.Seek(rng.Start, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek: %w", err)
	}
	_, err = io.CopyN(w, file, rng.ContentLength())
	return s.copyErr(err)
}

// copyErr drops write errors caused by the player abandoning a request, which
// happens on every seek.
func (s *Server) copyErr(err error) error {
	if err != nil {
		s.logger.Debug("playback copy ended early", "error", err)
	}
	return nil
}
