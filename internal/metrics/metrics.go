// Package metrics exposes Prometheus instrumentation for the sync server
// and a periodic collector for process-level gauges.
package metrics

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"
)

var (
	// Connection lifecycle
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "driftsync_connections_total",
		Help: "Total WebSocket connections accepted",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "driftsync_connections_active",
		Help: "Currently open WebSocket connections",
	})

	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "driftsync_connections_rejected_total",
		Help: "Connections rejected by reason",
	}, []string{"reason"})

	// Message traffic
	MessagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "driftsync_messages_received_total",
		Help: "Inbound messages by type",
	}, []string{"type"})

	MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "driftsync_messages_sent_total",
		Help: "Outbound messages by type",
	}, []string{"type"})

	BytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "driftsync_bytes_received_total",
		Help: "Total bytes received over WebSocket",
	})

	BytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "driftsync_bytes_sent_total",
		Help: "Total bytes sent over WebSocket",
	})

	// Sync pipeline
	DeltasApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "driftsync_deltas_applied_total",
		Help: "Deltas applied to documents",
	})

	BatchesFlushed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "driftsync_batches_flushed_total",
		Help: "Delta batches flushed to subscribers",
	})

	BatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "driftsync_batch_size_deltas",
		Help:    "Deltas per flushed batch",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
	})

	DocumentsResident = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "driftsync_documents_resident",
		Help: "Documents currently held in memory",
	})

	DocumentsEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "driftsync_documents_evicted_total",
		Help: "Idle documents evicted from memory",
	})

	// Delivery tracking
	AcksPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "driftsync_acks_pending",
		Help: "Messages awaiting acknowledgement",
	})

	AckRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "driftsync_ack_retries_total",
		Help: "Messages resent after ack timeout",
	})

	AckFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "driftsync_ack_failures_total",
		Help: "Messages abandoned after exhausting retries",
	})

	// Abuse handling
	RateLimitedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "driftsync_rate_limited_messages_total",
		Help: "Messages rejected by the per-connection rate limiter",
	})

	SlowClientsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "driftsync_slow_clients_dropped_total",
		Help: "Connections closed because their send buffer stayed full",
	})

	ErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "driftsync_errors_total",
		Help: "Protocol errors sent to clients by code",
	}, []string{"code"})

	// Process gauges
	memoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "driftsync_memory_usage_bytes",
		Help: "Resident set size of the server process",
	})

	cpuUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "driftsync_cpu_usage_percent",
		Help: "Process CPU usage percent",
	})

	goroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "driftsync_goroutines_active",
		Help: "Current goroutine count",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		ConnectionsRejected,
		MessagesReceived,
		MessagesSent,
		BytesReceived,
		BytesSent,
		DeltasApplied,
		BatchesFlushed,
		BatchSize,
		DocumentsResident,
		DocumentsEvicted,
		AcksPending,
		AckRetries,
		AckFailures,
		RateLimitedMessages,
		SlowClientsDropped,
		ErrorsTotal,
		memoryUsageBytes,
		cpuUsagePercent,
		goroutinesActive,
	)
}

// Handler serves the Prometheus exposition endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Gauges supplies live values the collector samples each interval.
type Gauges struct {
	ActiveConnections func() int
	ResidentDocuments func() int
	PendingAcks       func() int
}

// Collector samples process and server gauges on a fixed interval.
type Collector struct {
	interval time.Duration
	gauges   Gauges
	proc     *process.Process
	stop     chan struct{}
}

// NewCollector creates a Collector. interval falls back to 15s when zero.
func NewCollector(interval time.Duration, gauges Gauges) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &Collector{
		interval: interval,
		gauges:   gauges,
		proc:     proc,
		stop:     make(chan struct{}),
	}
}

// Start begins periodic collection.
func (c *Collector) Start() {
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop ends collection.
func (c *Collector) Stop() {
	close(c.stop)
}

func (c *Collector) collect() {
	if c.gauges.ActiveConnections != nil {
		ConnectionsActive.Set(float64(c.gauges.ActiveConnections()))
	}
	if c.gauges.ResidentDocuments != nil {
		DocumentsResident.Set(float64(c.gauges.ResidentDocuments()))
	}
	if c.gauges.PendingAcks != nil {
		AcksPending.Set(float64(c.gauges.PendingAcks()))
	}

	goroutinesActive.Set(float64(runtime.NumGoroutine()))

	if c.proc != nil {
		if mem, err := c.proc.MemoryInfo(); err == nil && mem != nil {
			memoryUsageBytes.Set(float64(mem.RSS))
		}
		if cpu, err := c.proc.CPUPercent(); err == nil {
			cpuUsagePercent.Set(cpu)
		}
	}
}
