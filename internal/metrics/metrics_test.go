package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.CodeRequested(true)
	m.CodeRequested(false)
	m.CodeRequested(true)
	m.HandshakeFinished("success")
	m.HandshakeFinished("timeout")
	m.UploadFinished(true, 2048)
	m.UploadFinished(false, 4096)
	m.DeleteFinished(true)
	m.SyncFinished(time.Unix(1700000000, 0), true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.codeRequests.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.codeRequests.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.handshakes.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.handshakes.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.uploads.WithLabelValues("error")))
	assert.Equal(t, 2048.0, testutil.ToFloat64(m.uploadedBytes), "failed uploads add no bytes")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deletes.WithLabelValues("ok")))
	assert.Equal(t, 1700000000.0, testutil.ToFloat64(m.lastSync))
}

func TestFailedSyncKeepsLastTimestamp(t *testing.T) {
	m := New()

	m.SyncFinished(time.Unix(100, 0), true)
	m.SyncFinished(time.Unix(200, 0), false)

	assert.Equal(t, 100.0, testutil.ToFloat64(m.lastSync))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.syncRuns.WithLabelValues("error")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.HandshakeFinished("success")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `icloud_backup_handshakes_total{status="success"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.CodeRequested(true)
		m.HandshakeFinished("failed")
		m.UploadFinished(true, 1)
		m.DeleteFinished(false)
		m.SyncFinished(time.Now(), true)
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
