package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "skytransfer"

// Metrics holds all application metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestBytes    *prometheus.CounterVec
	activeConnections   prometheus.Gauge

	transfersTotal   *prometheus.CounterVec
	transferDuration *prometheus.HistogramVec
	transferBytes    *prometheus.CounterVec
	chunksTotal      *prometheus.CounterVec

	admissionInFlight prometheus.Gauge
	admissionWait     prometheus.Histogram

	fetchRetries prometheus.Counter
	fetchAborts  prometheus.Counter
	cacheResults *prometheus.CounterVec

	manifestSyncs        *prometheus.CounterVec
	manifestSyncDuration prometheus.Histogram
	manifestPending      *prometheus.GaugeVec

	goroutines       prometheus.Gauge
	memoryAllocBytes prometheus.Gauge
}

// NewMetrics registers metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewMetricsWithRegistry registers metrics with a custom registry (for testing).
func NewMetricsWithRegistry(reg *prometheus.Registry) *Metrics {
	return newMetrics(reg, reg)
}

func newMetrics(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: gatherer,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		httpRequestBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_request_bytes_total",
				Help:      "Total bytes written in HTTP responses",
			},
			[]string{"method", "path"},
		),
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of active HTTP connections",
			},
		),
		transfersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfers_total",
				Help:      "Total number of uploads and downloads by result",
			},
			[]string{"direction", "result"},
		),
		transferDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transfer_duration_seconds",
				Help:      "Duration of completed uploads and downloads",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"direction"},
		),
		transferBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfer_bytes_total",
				Help:      "Plaintext bytes uploaded or downloaded",
			},
			[]string{"direction"},
		),
		chunksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunks_total",
				Help:      "Chunks encrypted or decrypted",
			},
			[]string{"operation"},
		),
		admissionInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "admission_in_flight",
				Help:      "Upload tasks currently admitted",
			},
		),
		admissionWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "admission_wait_seconds",
				Help:      "Time spent waiting for upload admission",
				Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60},
			},
		),
		fetchRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_retries_total",
				Help:      "Ranged fetch attempts that were retried",
			},
		),
		fetchAborts: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_aborts_total",
				Help:      "Ranged fetches that exhausted the retry budget",
			},
		),
		cacheResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunk_cache_requests_total",
				Help:      "Chunk cache lookups by result",
			},
			[]string{"result"},
		),
		manifestSyncs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "manifest_syncs_total",
				Help:      "Manifest syncs by trigger and result",
			},
			[]string{"trigger", "result"},
		),
		manifestSyncDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "manifest_sync_duration_seconds",
				Help:      "Manifest sync duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		manifestPending: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "manifest_pending_changes",
				Help:      "Manifest changes not yet written to the store",
			},
			[]string{"kind"},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_total",
				Help:      "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_alloc_bytes",
				Help:      "Number of bytes allocated and not yet freed",
			},
		),
	}
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration, bytes int64) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, path, http.StatusText(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, path, http.StatusText(status)).Observe(duration.Seconds())
	m.httpRequestBytes.WithLabelValues(method, path).Add(float64(bytes))
}

// RecordTransfer records a finished upload or download.
func (m *Metrics) RecordTransfer(direction string, err error, duration time.Duration, bytes int64) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.transfersTotal.WithLabelValues(direction, result).Inc()
	if err == nil {
		m.transferDuration.WithLabelValues(direction).Observe(duration.Seconds())
		m.transferBytes.WithLabelValues(direction).Add(float64(bytes))
	}
}

// RecordChunks records encrypted or decrypted chunks.
func (m *Metrics) RecordChunks(operation string, n int64) {
	if m == nil {
		return
	}
	m.chunksTotal.WithLabelValues(operation).Add(float64(n))
}

// SetAdmissionInFlight sets the admitted task gauge.
func (m *Metrics) SetAdmissionInFlight(n int64) {
	if m == nil {
		return
	}
	m.admissionInFlight.Set(float64(n))
}

// ObserveAdmissionWait records how long a task waited to be admitted.
func (m *Metrics) ObserveAdmissionWait(d time.Duration) {
	if m == nil {
		return
	}
	m.admissionWait.Observe(d.Seconds())
}

func (m *Metrics) RecordFetchRetry() {
	if m == nil {
		return
	}
	m.fetchRetries.Inc()
}

func (m *Metrics) RecordFetchAbort() {
	if m == nil {
		return
	}
	m.fetchAborts.Inc()
}

// RecordCacheResult counts a chunk cache hit or miss.
func (m *Metrics) RecordCacheResult(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheResults.WithLabelValues("hit").Inc()
		return
	}
	m.cacheResults.WithLabelValues("miss").Inc()
}

// RecordManifestSync records a manifest sync attempt.
func (m *Metrics) RecordManifestSync(trigger string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.manifestSyncs.WithLabelValues(trigger, result).Inc()
	m.manifestSyncDuration.Observe(duration.Seconds())
}

// SetManifestPending exports the pending add and remove counters.
func (m *Metrics) SetManifestPending(toAdd, toRemove int) {
	if m == nil {
		return
	}
	m.manifestPending.WithLabelValues("add").Set(float64(toAdd))
	m.manifestPending.WithLabelValues("remove").Set(float64(toRemove))
}

// IncrementActiveConnections increments the active connections counter.
func (m *Metrics) IncrementActiveConnections() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
}

// DecrementActiveConnections decrements the active connections counter.
func (m *Metrics) DecrementActiveConnections() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
}

// StartSystemMetricsCollector periodically updates system metrics until
// stop is closed.
func (m *Metrics) StartSystemMetricsCollector(stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.UpdateSystemMetrics()
			case <-stop:
				return
			}
		}
	}()
}

// Handler returns the HTTP handler for metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
