// Package metrics provides Prometheus metrics for the hank-sync server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	connectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hanksync_connections_total",
			Help: "Total number of accepted transport connections",
		},
	)

	connectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hanksync_connections_active",
			Help: "Number of currently open transport connections",
		},
	)

	connectionsClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hanksync_connections_closed_total",
			Help: "Closed connections by reason",
		},
		[]string{"reason"},
	)

	// Stream metrics
	streamsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hanksync_streams_total",
			Help: "Handled streams by command and outcome",
		},
		[]string{"cmd", "status"},
	)

	streamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hanksync_stream_duration_seconds",
			Help:    "Time spent handling one stream",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"cmd"},
	)

	// Content transfer metrics
	bytesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hanksync_bytes_received_total",
			Help: "Total payload bytes written to disk by put",
		},
	)

	bytesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hanksync_bytes_sent_total",
			Help: "Total payload bytes streamed by get",
		},
	)

	confinementRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hanksync_path_rejections_total",
			Help: "Client paths rejected by root confinement",
		},
	)

	statusScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hanksync_status_scan_duration_seconds",
			Help:    "Time to walk the root for a status request",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Audit metrics
	auditEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hanksync_audit_entries_total",
			Help: "Audit entries by outcome (written, dropped, failed)",
		},
		[]string{"result"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordConnectionOpened records an accepted connection.
func RecordConnectionOpened() {
	connectionsTotal.Inc()
	connectionsActive.Inc()
}

// RecordConnectionClosed records a finished connection. reason is
// "disconnect" for a peer close and "error" otherwise.
func RecordConnectionClosed(reason string) {
	connectionsActive.Dec()
	connectionsClosedTotal.WithLabelValues(reason).Inc()
}

// RecordStream records one handled stream.
func RecordStream(cmd string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	streamsTotal.WithLabelValues(cmd, status).Inc()
	streamDuration.WithLabelValues(cmd).Observe(duration.Seconds())
}

// RecordBytesReceived adds payload bytes received by put.
func RecordBytesReceived(n uint64) {
	bytesReceived.Add(float64(n))
}

// RecordBytesSent adds payload bytes sent by get.
func RecordBytesSent(n uint64) {
	bytesSent.Add(float64(n))
}

// RecordPathRejected records a path refused by confinement.
func RecordPathRejected() {
	confinementRejections.Inc()
}

// RecordStatusScan records the duration of a full-tree usage scan.
func RecordStatusScan(duration time.Duration) {
	statusScanDuration.Observe(duration.Seconds())
}

// RecordAuditWritten records an audit entry appended to the log.
func RecordAuditWritten() {
	auditEntriesTotal.WithLabelValues("written").Inc()
}

// RecordAuditDropped records an audit entry discarded because the queue was full.
func RecordAuditDropped() {
	auditEntriesTotal.WithLabelValues("dropped").Inc()
}

// RecordAuditFailed records an audit entry whose write failed.
func RecordAuditFailed() {
	auditEntriesTotal.WithLabelValues("failed").Inc()
}
