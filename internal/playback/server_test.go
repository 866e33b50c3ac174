package playback

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func writeVideo(t *testing.T, name string, size int) string {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func serve(t *testing.T, method, path, rangeHeader string) *httptest.ResponseRecorder {
	t.Helper()
	s := NewServer(slog.New(slog.NewTextHandler(io.Discard, nil)))
	req := httptest.NewRequest(method, "/videos/x/stream", nil)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	rr := httptest.NewRecorder()
	if err := s.ServeFile(rr, req, path); err != nil {
		t.Fatalf("ServeFile() error = %v", err)
	}
	return rr
}

func TestServeFile_Full(t *testing.T) {
	path := writeVideo(t, "shift.mkv", 1000)

	rr := serve(t, http.MethodGet, path, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if rr.Body.Len() != 1000 {
		t.Errorf("body length = %d, want 1000", rr.Body.Len())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "video/x-matroska" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestServeFile_Range(t *testing.T) {
	path := writeVideo(t, "shift.mp4", 1000)

	rr := serve(t, http.MethodGet, path, "bytes=100-199")
	if rr.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rr.Code)
	}
	if got := rr.Header().Get("Content-Range"); got != "bytes 100-199/1000" {
		t.Errorf("Content-Range = %q", got)
	}
	body := rr.Body.Bytes()
	if len(body) != 100 || body[0] != byte(100%251) {
		t.Errorf("body = %d bytes starting %d", len(body), body[0])
	}
}

func TestServeFile_Unsatisfiable(t *testing.T) {
	path := writeVideo(t, "shift.mp4", 10)

	rr := serve(t, http.MethodGet, path, "bytes=50-")
	if rr.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("status = %d, want 416", rr.Code)
	}
	if got := rr.Header().Get("Content-Range"); got != "bytes */10" {
		t.Errorf("Content-Range = %q", got)
	}
}

func TestServeFile_HeadAndMissing(t *testing.T) {
	path := writeVideo(t, "shift.webm", 64)

	rr := serve(t, http.MethodHead, path, "")
	if rr.Code != http.StatusOK || rr.Body.Len() != 0 {
		t.Errorf("HEAD = %d with %d body bytes", rr.Code, rr.Body.Len())
	}
	if rr.Header().Get("Content-Length") != "64" {
		t.Errorf("Content-Length = %q", rr.Header().Get("Content-Length"))
	}

	rr = serve(t, http.MethodGet, filepath.Join(t.TempDir(), "gone.mp4"), "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing file status = %d, want 404", rr.Code)
	}
}
