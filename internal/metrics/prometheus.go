package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for a window store application.
// All recording methods are safe to call on a nil *Metrics.
type Metrics struct {
	// Cache metrics
	CacheHitsTotal           prometheus.Counter
	CacheMissesTotal         prometheus.Counter
	CacheEvictionsTotal      prometheus.Counter
	CacheSizeBytes           prometheus.Gauge
	CacheEntriesTotal        prometheus.Gauge
	CacheFlushesTotal        *prometheus.CounterVec
	CacheFlushedEntriesTotal prometheus.Counter
	CacheFlushDuration       prometheus.Histogram

	// Window store metrics
	StorePutsTotal     *prometheus.CounterVec
	StoreFetchesTotal  *prometheus.CounterVec
	StoreFetchDuration prometheus.Histogram
	StoreFlushDuration prometheus.Histogram

	// Segmented store metrics
	SegmentsTotal          prometheus.Gauge
	SegmentSnapshotsTotal  prometheus.Counter
	SegmentSnapshotLatency prometheus.Histogram

	// Record collector metrics
	RecordsSentTotal  *prometheus.CounterVec
	SendRetriesTotal  prometheus.Counter
	SendFailuresTotal *prometheus.CounterVec

	// Task metrics
	RecordsProcessedTotal prometheus.Counter
	CommitsTotal          prometheus.Counter
	CommitDuration        prometheus.Histogram

	// System metrics
	DiskUsageBytes     prometheus.Gauge
	DiskAvailableBytes prometheus.Gauge
	DiskUsagePercent   prometheus.Gauge
	MemoryUsageBytes   prometheus.Gauge
	GoroutinesTotal    prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with reg. A nil
// registerer creates unregistered metrics.
func NewMetrics(applicationID string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"application_id": applicationID}
	factory := promauto.With(reg)

	counter := func(subsystem, name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}
	gauge := func(subsystem, name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}
	histogram := func(subsystem, name, help string) prometheus.Histogram {
		return factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "pairdb",
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.00005, 2, 16),
		})
	}
	counterVec := func(subsystem, name, help string, labelNames ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, labelNames)
	}

	return &Metrics{
		CacheHitsTotal:           counter("cache", "hits_total", "Total number of cache hits"),
		CacheMissesTotal:         counter("cache", "misses_total", "Total number of cache misses"),
		CacheEvictionsTotal:      counter("cache", "evictions_total", "Total number of cache evictions"),
		CacheSizeBytes:           gauge("cache", "size_bytes", "Current cache size in bytes"),
		CacheEntriesTotal:        gauge("cache", "entries_total", "Current number of cache entries"),
		CacheFlushesTotal:        counterVec("cache", "flushes_total", "Total number of namespace flushes", "status"),
		CacheFlushedEntriesTotal: counter("cache", "flushed_entries_total", "Total number of dirty entries delivered to listeners"),
		CacheFlushDuration:       histogram("cache", "flush_duration_seconds", "Namespace flush duration"),

		StorePutsTotal:     counterVec("window_store", "puts_total", "Total number of window store puts", "store"),
		StoreFetchesTotal:  counterVec("window_store", "fetches_total", "Total number of window store fetches", "store", "kind"),
		StoreFetchDuration: histogram("window_store", "fetch_duration_seconds", "Window store fetch duration"),
		StoreFlushDuration: histogram("window_store", "flush_duration_seconds", "Window store flush duration"),

		SegmentsTotal:          gauge("segments", "total", "Current number of live segments"),
		SegmentSnapshotsTotal:  counter("segments", "snapshots_total", "Total number of segment snapshots written"),
		SegmentSnapshotLatency: histogram("segments", "snapshot_duration_seconds", "Segment snapshot write duration"),

		RecordsSentTotal:  counterVec("collector", "records_sent_total", "Total number of records sent", "topic"),
		SendRetriesTotal:  counter("collector", "send_retries_total", "Total number of send retries"),
		SendFailuresTotal: counterVec("collector", "send_failures_total", "Total number of failed sends", "reason"),

		RecordsProcessedTotal: counter("task", "records_processed_total", "Total number of records processed"),
		CommitsTotal:          counter("task", "commits_total", "Total number of task commits"),
		CommitDuration:        histogram("task", "commit_duration_seconds", "Task commit duration"),

		DiskUsageBytes:     gauge("system", "disk_usage_bytes", "Disk usage in bytes"),
		DiskAvailableBytes: gauge("system", "disk_available_bytes", "Available disk space in bytes"),
		DiskUsagePercent:   gauge("system", "disk_usage_percent", "Disk usage percentage"),
		MemoryUsageBytes:   gauge("system", "memory_usage_bytes", "Memory usage in bytes"),
		GoroutinesTotal:    gauge("system", "goroutines_total", "Number of goroutines"),
	}
}

// RecordCacheLookup records a cache hit or miss
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHitsTotal.Inc()
	} else {
		m.CacheMissesTotal.Inc()
	}
}

// RecordCacheEviction records an evicted cache entry
func (m *Metrics) RecordCacheEviction() {
	if m == nil {
		return
	}
	m.CacheEvictionsTotal.Inc()
}

// UpdateCacheStats updates cache size statistics
func (m *Metrics) UpdateCacheStats(entries int, sizeBytes int64) {
	if m == nil {
		return
	}
	m.CacheEntriesTotal.Set(float64(entries))
	m.CacheSizeBytes.Set(float64(sizeBytes))
}

// RecordCacheFlush records a namespace flush
func (m *Metrics) RecordCacheFlush(status string, entries int, duration float64) {
	if m == nil {
		return
	}
	m.CacheFlushesTotal.WithLabelValues(status).Inc()
	m.CacheFlushedEntriesTotal.Add(float64(entries))
	m.CacheFlushDuration.Observe(duration)
}

// RecordStorePut records a window store put
func (m *Metrics) RecordStorePut(store string) {
	if m == nil {
		return
	}
	m.StorePutsTotal.WithLabelValues(store).Inc()
}

// RecordStoreFetch records a window store fetch
func (m *Metrics) RecordStoreFetch(store, kind string, duration float64) {
	if m == nil {
		return
	}
	m.StoreFetchesTotal.WithLabelValues(store, kind).Inc()
	m.StoreFetchDuration.Observe(duration)
}

// RecordStoreFlush records a window store flush
func (m *Metrics) RecordStoreFlush(duration float64) {
	if m == nil {
		return
	}
	m.StoreFlushDuration.Observe(duration)
}

// RecordSegmentSnapshot records a segment snapshot write
func (m *Metrics) RecordSegmentSnapshot(liveSegments int, duration float64) {
	if m == nil {
		return
	}
	m.SegmentsTotal.Set(float64(liveSegments))
	m.SegmentSnapshotsTotal.Inc()
	m.SegmentSnapshotLatency.Observe(duration)
}

// RecordSend records a successful send
func (m *Metrics) RecordSend(topic string) {
	if m == nil {
		return
	}
	m.RecordsSentTotal.WithLabelValues(topic).Inc()
}

// RecordSendRetry records a retried send attempt
func (m *Metrics) RecordSendRetry() {
	if m == nil {
		return
	}
	m.SendRetriesTotal.Inc()
}

// RecordSendFailure records a send that was given up
func (m *Metrics) RecordSendFailure(reason string) {
	if m == nil {
		return
	}
	m.SendFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordProcessed records a processed input record
func (m *Metrics) RecordProcessed() {
	if m == nil {
		return
	}
	m.RecordsProcessedTotal.Inc()
}

// RecordCommit records a task commit
func (m *Metrics) RecordCommit(duration float64) {
	if m == nil {
		return
	}
	m.CommitsTotal.Inc()
	m.CommitDuration.Observe(duration)
}

// UpdateSystemStats updates system-level statistics
func (m *Metrics) UpdateSystemStats(diskUsage, diskAvailable, memoryUsage int64, goroutines int) {
	if m == nil {
		return
	}
	m.DiskUsageBytes.Set(float64(diskUsage))
	m.DiskAvailableBytes.Set(float64(diskAvailable))
	if diskUsage+diskAvailable > 0 {
		m.DiskUsagePercent.Set(float64(diskUsage) / float64(diskUsage+diskAvailable) * 100)
	}
	m.MemoryUsageBytes.Set(float64(memoryUsage))
	m.GoroutinesTotal.Set(float64(goroutines))
}
