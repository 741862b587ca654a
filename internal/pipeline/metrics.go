package pipeline

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tphakala/dspfirmware/internal/logging"
)

// pipelineMetrics holds the Prometheus collectors for the runtime, grounded
// on the teacher's internal/observability/metrics.AudioCoreMetrics
// constructor-with-registry pattern.
type pipelineMetrics struct {
	tickDuration   *prometheus.HistogramVec
	xrunTotal      *prometheus.CounterVec
	deadlineMisses *prometheus.HistogramVec
	bufferPoolSize *prometheus.GaugeVec
	dpQueueDepth   *prometheus.GaugeVec
}

func newPipelineMetrics(reg prometheus.Registerer) (*pipelineMetrics, error) {
	m := &pipelineMetrics{
		tickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dspfirmware",
			Subsystem: "pipeline",
			Name:      "tick_duration_seconds",
			Help:      "Duration of one LL pipeline tick.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}, []string{"pipeline_id"}),
		xrunTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dspfirmware",
			Subsystem: "pipeline",
			Name:      "xrun_total",
			Help:      "Count of recorded xruns per pipeline.",
		}, []string{"pipeline_id"}),
		deadlineMisses: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dspfirmware",
			Subsystem: "pipeline",
			Name:      "deadline_overrun_seconds",
			Help:      "Amount by which a missed tick exceeded its deadline.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 8),
		}, []string{"pipeline_id"}),
		bufferPoolSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dspfirmware",
			Subsystem: "pipeline",
			Name:      "buffer_pool_buffers",
			Help:      "Buffers currently held by each buffer pool tier.",
		}, []string{"tier"}),
		dpQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dspfirmware",
			Subsystem: "pipeline",
			Name:      "dp_queue_depth_bytes",
			Help:      "Bytes available on a DP queue's producer-facing slot.",
		}, []string{"queue_id"}),
	}

	for _, c := range []prometheus.Collector{m.tickDuration, m.xrunTotal, m.deadlineMisses, m.bufferPoolSize, m.dpQueueDepth} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// MetricsCollector is the runtime-facing façade over pipelineMetrics,
// mirroring audiocore.MetricsCollector's enabled/no-op-when-unconfigured
// behaviour so callers never need a nil check.
type MetricsCollector struct {
	metrics *pipelineMetrics
	enabled bool
}

var (
	defaultMetrics     atomic.Pointer[MetricsCollector]
	defaultMetricsOnce sync.Once
	metricsLogger      *slog.Logger
)

// NewMetricsCollector builds a collector registered against reg. Pass
// prometheus.NewRegistry() in tests to avoid collisions with the global
// default registry.
func NewMetricsCollector(reg prometheus.Registerer) (*MetricsCollector, error) {
	m, err := newPipelineMetrics(reg)
	if err != nil {
		return nil, err
	}
	return &MetricsCollector{metrics: m, enabled: true}, nil
}

// DefaultMetricsCollector returns the process-wide collector, lazily
// registering it against prometheus's default registry on first use.
func DefaultMetricsCollector() *MetricsCollector {
	defaultMetricsOnce.Do(func() {
		metricsLogger = logging.ForService("pipeline.metrics")
		mc, err := NewMetricsCollector(prometheus.DefaultRegisterer)
		if err != nil {
			metricsLogger.Warn("metrics registration failed, collector disabled", "error", err)
			mc = &MetricsCollector{enabled: false}
		}
		defaultMetrics.Store(mc)
	})
	return defaultMetrics.Load()
}

func (mc *MetricsCollector) ObserveTickDuration(pipelineID uuid.UUID, d time.Duration) {
	if !mc.enabled {
		return
	}
	mc.metrics.tickDuration.WithLabelValues(pipelineID.String()).Observe(d.Seconds())
}

func (mc *MetricsCollector) IncXrun(pipelineID uuid.UUID) {
	if !mc.enabled {
		return
	}
	mc.metrics.xrunTotal.WithLabelValues(pipelineID.String()).Inc()
}

func (mc *MetricsCollector) ObserveDeadlineOverrun(pipelineID uuid.UUID, overrun time.Duration) {
	if !mc.enabled || overrun <= 0 {
		return
	}
	mc.metrics.deadlineMisses.WithLabelValues(pipelineID.String()).Observe(overrun.Seconds())
}

func (mc *MetricsCollector) SetBufferPoolSize(tier string, n int) {
	if !mc.enabled {
		return
	}
	mc.metrics.bufferPoolSize.WithLabelValues(tier).Set(float64(n))
}

func (mc *MetricsCollector) SetDPQueueDepth(queueID uuid.UUID, bytes int) {
	if !mc.enabled {
		return
	}
	mc.metrics.dpQueueDepth.WithLabelValues(queueID.String()).Set(float64(bytes))
}
