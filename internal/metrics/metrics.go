// Package metrics exposes handshake and backup counters in the prometheus
// text format. All methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "icloud_backup"

// Metrics holds the daemon's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	codeRequests  *prometheus.CounterVec
	handshakes    *prometheus.CounterVec
	uploads       *prometheus.CounterVec
	uploadedBytes prometheus.Counter
	deletes       *prometheus.CounterVec
	syncRuns      *prometheus.CounterVec
	lastSync      prometheus.Gauge
}

// New creates and registers the collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		codeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "code_requests_total",
			Help:      "2FA code requests by result.",
		}, []string{"result"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Finished 2FA handshakes by final status.",
		}, []string{"status"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Backup archive uploads by result.",
		}, []string{"result"}),
		uploadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Bytes of successfully uploaded archives.",
		}),
		deletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_deletes_total",
			Help:      "Remote archives deleted by retention, by result.",
		}, []string{"result"}),
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Backup passes by result.",
		}, []string{"result"}),
		lastSync: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_sync_timestamp_seconds",
			Help:      "Unix time of the last completed backup pass.",
		}),
	}

	reg.MustRegister(
		m.codeRequests,
		m.handshakes,
		m.uploads,
		m.uploadedBytes,
		m.deletes,
		m.syncRuns,
		m.lastSync,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

// CodeRequested counts a code request.
func (m *Metrics) CodeRequested(ok bool) {
	if m == nil {
		return
	}
	m.codeRequests.WithLabelValues(result(ok)).Inc()
}

// HandshakeFinished counts a handshake that reached status.
func (m *Metrics) HandshakeFinished(status string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(status).Inc()
}

// UploadFinished counts an upload of size bytes.
func (m *Metrics) UploadFinished(ok bool, size int64) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(result(ok)).Inc()
	if ok && size > 0 {
		m.uploadedBytes.Add(float64(size))
	}
}

// DeleteFinished counts a retention delete.
func (m *Metrics) DeleteFinished(ok bool) {
	if m == nil {
		return
	}
	m.deletes.WithLabelValues(result(ok)).Inc()
}

// SyncFinished counts a backup pass that ended at t.
func (m *Metrics) SyncFinished(t time.Time, ok bool) {
	if m == nil {
		return
	}
	m.syncRuns.WithLabelValues(result(ok)).Inc()
	if ok {
		m.lastSync.Set(float64(t.Unix()))
	}
}

// Handler serves the registry. A nil *Metrics serves 404.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
