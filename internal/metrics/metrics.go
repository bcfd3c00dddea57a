package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector receives measurements from kernels, allocators and the batch
// processor. Implementations must be safe for concurrent use.
type Collector interface {
	ObserveKernel(kernel string, d time.Duration)
	SetArenaBytes(total, used int64)
	AddAlignedBytes(delta int64)
	SetKVCacheLength(n int)
	AddKVCacheAppends(n int)
	AddQuantClamped(n int)
	SetQueueDepth(n int)
	IncRequest(status string)
	IncValidationError(operation, errorType string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) ObserveKernel(string, time.Duration) {}
func (Nop) SetArenaBytes(int64, int64) {}
func (Nop) AddAlignedBytes(int64) {}
func (Nop) SetKVCacheLength(int) {}
func (Nop) AddKVCacheAppends(int) {}
func (Nop) AddQuantClamped(int) {}
func (Nop) SetQueueDepth(int) {}
func (Nop) IncRequest(string) {}
func (Nop) IncValidationError(string, string) {}

// Time starts a timer for kernel and returns the function that stops it.
//
//	defer metrics.Time(c, "matmul")()
func Time(c Collector, kernel string) func() {
	start := time.Now()
	return func() {
		c.ObserveKernel(kernel, time.Since(start))
	}
}

// OrNop returns c, or Nop when c is nil.
func OrNop(c Collector) Collector {
	if c == nil {
		return Nop{}
	}
	return c
}

// Prometheus is a Collector backed by client_golang metrics registered on a
// caller supplied registerer.
type Prometheus struct {
	KernelDuration   *prometheus.HistogramVec
	ArenaTotalBytes  prometheus.Gauge
	ArenaUsedBytes   prometheus.Gauge
	AlignedBytes     prometheus.Gauge
	KVCacheLength    prometheus.Gauge
	KVCacheAppends   prometheus.Counter
	QuantClamped     prometheus.Counter
	QueueDepth       prometheus.Gauge
	Requests         *prometheus.CounterVec
	ValidationErrors *prometheus.CounterVec
}

// NewPrometheus registers the core metrics on reg under namespace.
// A nil reg uses prometheus.DefaultRegisterer.
func NewPrometheus(reg prometheus.Registerer, namespace string) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Prometheus{
		KernelDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kernel_duration_seconds",
			Help:      "Histogram of kernel execution times",
			Buckets:   []float64{1e-6, 1e-5, 1e-4, 1e-3, 1e-2, 0.1, 1},
		}, []string{"kernel"}),

		ArenaTotalBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "arena_total_bytes",
			Help:      "Bytes held by arena chunks",
		}),

		ArenaUsedBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "arena_used_bytes",
			Help:      "Bytes handed out by the arena since the last reset",
		}),

		AlignedBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "aligned_allocated_bytes",
			Help:      "Current bytes held by aligned allocations",
		}),

		KVCacheLength: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "kv_cache_length_tokens",
			Help:      "Positions committed to the KV cache",
		}),

		KVCacheAppends: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kv_cache_appends_total",
			Help:      "Total number of positions appended to KV cache layers",
		}),

		QuantClamped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quant_clamped_total",
			Help:      "Weights clamped to the 4-bit range while packing",
		}),

		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_queue_depth",
			Help:      "Requests waiting in the batch queue",
		}),

		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_requests_total",
			Help:      "Batch requests by outcome",
		}, []string{"status"}),

		ValidationErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_errors_total",
			Help:      "Total number of validation errors",
		}, []string{"operation", "error_type"}),
	}
}

func (p *Prometheus) ObserveKernel(kernel string, d time.Duration) {
	p.KernelDuration.WithLabelValues(kernel).Observe(d.Seconds())
}

func (p *Prometheus) SetArenaBytes(total, used int64) {
	p.ArenaTotalBytes.Set(float64(total))
	p.ArenaUsedBytes.Set(float64(used))
}

func (p *Prometheus) AddAlignedBytes(delta int64) {
	p.AlignedBytes.Add(float64(delta))
}

func (p *Prometheus) SetKVCacheLength(n int) {
	p.KVCacheLength.Set(float64(n))
}

func (p *Prometheus) AddKVCacheAppends(n int) {
	p.KVCacheAppends.Add(float64(n))
}

func (p *Prometheus) AddQuantClamped(n int) {
	if n > 0 {
		p.QuantClamped.Add(float64(n))
	}
}

func (p *Prometheus) SetQueueDepth(n int) {
	p.QueueDepth.Set(float64(n))
}

func (p *Prometheus) IncRequest(status string) {
	p.Requests.WithLabelValues(status).Inc()
}

func (p *Prometheus) IncValidationError(operation, errorType string) {
	p.ValidationErrors.WithLabelValues(operation, errorType).Inc()
}
