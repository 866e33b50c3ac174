package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/heimdex/heimdex-labeler/internal/catalog"
	"github.com/heimdex/heimdex-labeler/internal/config"
	"github.com/heimdex/heimdex-labeler/internal/counters"
	"github.com/heimdex/heimdex-labeler/internal/detector"
	"github.com/heimdex/heimdex-labeler/internal/metrics"
	"github.com/heimdex/heimdex-labeler/internal/playback"
	"github.com/heimdex/heimdex-labeler/internal/session"
	"github.com/heimdex/heimdex-labeler/internal/video"
)

type personModel struct {
	ready bool
}

func (m *personModel) Ready() bool { return m.ready }

func (m *personModel) Detect(context.Context, image.Image) ([]detector.Candidate, error) {
	return []detector.Candidate{{Box: [4]float64{4, 4, 16, 24}, Class: "person", Score: 0.9}}, nil
}

type stubProber struct{}

func (stubProber) Probe(context.Context, string) (*video.ProbeResult, error) {
	return &video.ProbeResult{Duration: 30, Width: 64, Height: 48}, nil
}

func (stubProber) Open(context.Context, string) (video.Source, error) {
	return nil, video.ErrInvalidMedia
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T, ready bool) ServerConfig {
	t.Helper()
	logger := discardLogger()

	settings := session.SettingsFrom(config.Pipeline{
		Confidence:     0.5,
		SampleInterval: 1,
		PaddingPercent: 10,
		BlurThreshold:  100,
		ChunkMinutes:   5,
		EnhanceScale:   1,
		ClipSize:       32,
		MaxClipFrames:  200,
		SnapToGrid:     true,
	})
	registry := counters.NewRegistry(counters.NewMemoryStore())
	sess, err := session.New(detector.NewAdapter(&personModel{ready: ready}, logger), registry, settings, logger)
	if err != nil {
		t.Fatal(err)
	}

	m, err := metrics.New(prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	sess.SetObserver(m)

	repo := catalog.NewMemoryRepository()
	svc := catalog.NewService(repo, stubProber{}, logger)

	return ServerConfig{
		Session:    sess,
		Catalog:    svc,
		Runner:     catalog.NewRunner(svc, repo, sess, logger),
		Metrics:    m,
		Playback:   playback.NewServer(logger),
		UploadsDir: t.TempDir(),
		Logger:     logger,
		StartTime:  time.Now(),
	}
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeJSONBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rr.Body.String())
	}
	return body
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	code, _ := decodeJSONBody(t, rr)["code"].(string)
	return code
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 48, 36))
	for y := 0; y < 36; y++ {
		for x := 0; x < 48; x++ {
			if (x+y)%2 == 0 {
				img.Set(x, y, color.White)
			}
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func uploadImages(t *testing.T, h http.Handler, n int) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for i := 0; i < n; i++ {
		fw, err := mw.CreateFormFile("files", "still.png")
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(testPNG(t))
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/images", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}
