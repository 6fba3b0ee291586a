package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics exposed by either daemon.
type Metrics struct {
	// Chunk / catalog metrics
	ChunkUploadsTotal      *prometheus.CounterVec
	ChunkDownloadsTotal    prometheus.Counter
	ChunkCheckHitsTotal    prometheus.Counter
	ChunkCheckMissesTotal  prometheus.Counter
	ChunkBytesStoredTotal  *prometheus.CounterVec
	CatalogOperationsTotal *prometheus.CounterVec

	// Container metrics
	ContainersSealedTotal prometheus.Counter
	ContainerWriteLatency prometheus.Histogram
	OpenContainerBytes    prometheus.Gauge

	// Version graph metrics
	VersionsCreatedTotal  prometheus.Counter
	VersionCreateLatency  prometheus.Histogram
	DatabaseOperationsTotal *prometheus.CounterVec

	// Notifier metrics
	NotificationsPublishedTotal prometheus.Counter
	NotificationsDroppedTotal   *prometheus.CounterVec
	SubscribersActive           prometheus.Gauge

	// Client sync engine metrics
	SyncCyclesTotal    *prometheus.CounterVec
	FilesUploadedTotal prometheus.Counter
	FilesDownloadedTotal prometheus.Counter
	RetryQueueDepth    prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		ChunkUploadsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entanglement_chunk_uploads_total",
				Help: "Chunk upload requests by outcome",
			},
			[]string{"result"},
		),
		ChunkDownloadsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "entanglement_chunk_downloads_total",
				Help: "Chunk download requests served",
			},
		),
		ChunkCheckHitsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "entanglement_chunk_check_hits_total",
				Help: "Hashes reported existing by chunk-check",
			},
		),
		ChunkCheckMissesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "entanglement_chunk_check_misses_total",
				Help: "Hashes reported missing by chunk-check",
			},
		),
		ChunkBytesStoredTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entanglement_chunk_bytes_stored_total",
				Help: "Bytes written to containers, raw vs compressed",
			},
			[]string{"form"},
		),
		CatalogOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entanglement_catalog_operations_total",
				Help: "Catalog operation count by kind and result",
			},
			[]string{"operation", "result"},
		),

		ContainersSealedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "entanglement_containers_sealed_total",
				Help: "Packfiles sealed at capacity",
			},
		),
		ContainerWriteLatency: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "entanglement_container_write_latency_seconds",
				Help:    "Container write critical-section latency",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
		),
		OpenContainerBytes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "entanglement_open_container_bytes",
				Help: "Bytes written to the currently open container",
			},
		),

		VersionsCreatedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "entanglement_versions_created_total",
				Help: "Version-graph transactions committed",
			},
		),
		VersionCreateLatency: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "entanglement_version_create_latency_seconds",
				Help:    "create_version_with_tier transaction latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
		),
		DatabaseOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entanglement_database_operations_total",
				Help: "SQLite operation count by kind and result",
			},
			[]string{"operation", "result"},
		),

		NotificationsPublishedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "entanglement_notifications_published_total",
				Help: "Change notifications published to the broadcast hub",
			},
		),
		NotificationsDroppedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entanglement_notifications_dropped_total",
				Help: "Notifications dropped by reason (rate_limited, channel_full)",
			},
			[]string{"reason"},
		),
		SubscribersActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "entanglement_subscribers_active",
				Help: "Active notification subscribers",
			},
		),

		SyncCyclesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entanglement_sync_cycles_total",
				Help: "Client state machine cycles by state",
			},
			[]string{"state"},
		),
		FilesUploadedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "entanglement_files_uploaded_total",
				Help: "Files uploaded by the client sync engine",
			},
		),
		FilesDownloadedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "entanglement_files_downloaded_total",
				Help: "Files downloaded by the client sync engine",
			},
		),
		RetryQueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "entanglement_retry_queue_depth",
				Help: "Rows currently pending in the client retry table",
			},
		),
	}
}

// RecordChunkUpload records the outcome of a chunk upload request.
func (m *Metrics) RecordChunkUpload(result string, rawBytes, storedBytes int) {
	m.ChunkUploadsTotal.WithLabelValues(result).Inc()
	form := "raw"
	if storedBytes < rawBytes {
		form = "compressed"
	}
	m.ChunkBytesStoredTotal.WithLabelValues(form).Add(float64(storedBytes))
}

// RecordChunkCheck records a chunk-check outcome for one hash.
func (m *Metrics) RecordChunkCheck(existing bool) {
	if existing {
		m.ChunkCheckHitsTotal.Inc()
	} else {
		m.ChunkCheckMissesTotal.Inc()
	}
}

// RecordCatalogOp records a catalog operation outcome.
func (m *Metrics) RecordCatalogOp(operation string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.CatalogOperationsTotal.WithLabelValues(operation, result).Inc()
}

// RecordContainerSeal records a container being sealed.
func (m *Metrics) RecordContainerSeal() {
	m.ContainersSealedTotal.Inc()
}

// RecordVersionCreated records a committed version-graph transaction.
func (m *Metrics) RecordVersionCreated(durationSeconds float64) {
	m.VersionsCreatedTotal.Inc()
	m.VersionCreateLatency.Observe(durationSeconds)
}

// RecordNotificationDropped records a dropped notification by reason.
func (m *Metrics) RecordNotificationDropped(reason string) {
	m.NotificationsDroppedTotal.WithLabelValues(reason).Inc()
}

// RecordSyncCycle records one pass through a client state.
func (m *Metrics) RecordSyncCycle(state string) {
	m.SyncCyclesTotal.WithLabelValues(state).Inc()
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
