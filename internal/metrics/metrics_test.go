package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Observe(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	m.ObserveChunk(60, 20)
	m.ObserveFlagged(3)
	m.ObserveDetection(50*time.Millisecond, 2, nil)
	m.ObserveDetection(10*time.Millisecond, 0, errors.New("x"))
	m.ObserveExport("Welding", 2, 250)
	m.ObserveJob("sample", "completed")

	assert.Equal(t, 60.0, testutil.ToFloat64(m.framesSampled))
	assert.Equal(t, 20.0, testutil.ToFloat64(m.framesDropped))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.framesFlagged))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.detectionsKept))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.detectionErrors))
	assert.Equal(t, 250.0, testutil.ToFloat64(m.exportFrames.WithLabelValues("Welding")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobsTotal.WithLabelValues("sample", "completed")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveChunk(1, 1)
	m.ObserveDetection(time.Second, 1, nil)
	m.ObserveExport("x", 1, 1)
}

func TestMetrics_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}

func TestMetrics_Handler(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)
	m.ObserveChunk(5, 0)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), "labeler_frames_sampled_total 5"))
}
