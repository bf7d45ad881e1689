package prometheus

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DefaultRegistry is the default Prometheus registry
	DefaultRegistry = prometheus.NewRegistry()

	// DefaultRegisterer is the default Prometheus registerer
	DefaultRegisterer = prometheus.WrapRegistererWith(prometheus.Labels{"service": "ocworker"}, DefaultRegistry)

	// Metrics collection
	metricsOnce sync.Once
	metrics     *Metrics
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Transport metrics
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec
	FrameBytes     *prometheus.CounterVec
	FramesDropped  *prometheus.CounterVec
	Reconnects     prometheus.Counter

	// Protocol metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ProgramLoads    *prometheus.CounterVec

	// GPU metrics
	KernelDispatches *prometheus.CounterVec
	KernelDuration   *prometheus.HistogramVec

	// Custom metrics registry
	CustomCounters   map[string]*prometheus.CounterVec
	CustomGauges     map[string]*prometheus.GaugeVec
	CustomHistograms map[string]*prometheus.HistogramVec
	customMu         sync.RWMutex
	registerer       prometheus.Registerer
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = NewMetrics(DefaultRegisterer)
	})
	return metrics
}

// NewMetrics creates a new metrics collection
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = DefaultRegisterer
	}
	factory := promauto.With(registerer)

	m := &Metrics{
		FramesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocworker_frames_sent_total",
				Help: "Total number of frames written to the coordinator",
			},
			[]string{"route"},
		),
		FramesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocworker_frames_received_total",
				Help: "Total number of frames read from the coordinator",
			},
			[]string{"route"},
		),
		FrameBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocworker_frame_bytes_total",
				Help: "Total frame bytes by direction",
			},
			[]string{"direction"}, // direction: in, out
		),
		FramesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocworker_frames_dropped_total",
				Help: "Total number of frames dropped",
			},
			[]string{"reason"},
		),
		Reconnects: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ocworker_reconnects_total",
				Help: "Total number of reconnect attempts after a lost connection",
			},
		),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocworker_requests_total",
				Help: "Total number of handled protocol requests",
			},
			[]string{"route", "result"}, // result: ok, error
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ocworker_request_duration_seconds",
				Help:    "Protocol request handling duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		ProgramLoads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocworker_program_loads_total",
				Help: "Total number of program load attempts",
			},
			[]string{"result"},
		),

		KernelDispatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocworker_gpu_kernel_dispatches_total",
				Help: "Total number of GPU kernel dispatches",
			},
			[]string{"kernel", "result"},
		),
		KernelDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ocworker_gpu_kernel_duration_seconds",
				Help:    "GPU kernel duration from submission to readback in seconds",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"kernel"},
		),

		CustomCounters:   make(map[string]*prometheus.CounterVec),
		CustomGauges:     make(map[string]*prometheus.GaugeVec),
		CustomHistograms: make(map[string]*prometheus.HistogramVec),
		registerer:       registerer,
	}

	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordFrame records a frame crossing the connection. direction is "in"
// or "out".
func (m *Metrics) RecordFrame(direction, route string, size int) {
	if direction == "in" {
		m.FramesReceived.WithLabelValues(route).Inc()
	} else {
		m.FramesSent.WithLabelValues(route).Inc()
	}
	m.FrameBytes.WithLabelValues(direction).Add(float64(size))
}

// RecordRequest records a handled protocol request
func (m *Metrics) RecordRequest(route string, err error, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(route, result(err)).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordKernel records a GPU kernel dispatch
func (m *Metrics) RecordKernel(kernel string, duration time.Duration, err error) {
	m.KernelDispatches.WithLabelValues(kernel, result(err)).Inc()
	m.KernelDuration.WithLabelValues(kernel).Observe(duration.Seconds())
}

// Counter creates or returns a custom counter metric
func (m *Metrics) Counter(name, help string, labels ...string) *prometheus.CounterVec {
	m.customMu.RLock()
	if counter, exists := m.CustomCounters[name]; exists {
		m.customMu.RUnlock()
		return counter
	}
	m.customMu.RUnlock()

	m.customMu.Lock()
	defer m.customMu.Unlock()

	// Double-check after acquiring write lock
	if counter, exists := m.CustomCounters[name]; exists {
		return counter
	}

	counter := promauto.With(m.registerer).NewCounterVec(
		prometheus.CounterOpts{
			Name: name,
			Help: help,
		},
		labels,
	)
	m.CustomCounters[name] = counter
	return counter
}

// Gauge creates or returns a custom gauge metric
func (m *Metrics) Gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	m.customMu.RLock()
	if gauge, exists := m.CustomGauges[name]; exists {
		m.customMu.RUnlock()
		return gauge
	}
	m.customMu.RUnlock()

	m.customMu.Lock()
	defer m.customMu.Unlock()

	if gauge, exists := m.CustomGauges[name]; exists {
		return gauge
	}

	gauge := promauto.With(m.registerer).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: name,
			Help: help,
		},
		labels,
	)
	m.CustomGauges[name] = gauge
	return gauge
}

// Histogram creates or returns a custom histogram metric
func (m *Metrics) Histogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	m.customMu.RLock()
	if histogram, exists := m.CustomHistograms[name]; exists {
		m.customMu.RUnlock()
		return histogram
	}
	m.customMu.RUnlock()

	m.customMu.Lock()
	defer m.customMu.Unlock()

	if histogram, exists := m.CustomHistograms[name]; exists {
		return histogram
	}

	opts := prometheus.HistogramOpts{
		Name:    name,
		Help:    help,
		Buckets: buckets,
	}
	if buckets == nil {
		opts.Buckets = prometheus.DefBuckets
	}

	histogram := promauto.With(m.registerer).NewHistogramVec(opts, labels)
	m.CustomHistograms[name] = histogram
	return histogram
}

// Convenience functions for global metrics

// Counter returns a custom counter metric (creates if doesn't exist)
func Counter(name, help string, labels ...string) *prometheus.CounterVec {
	return GetMetrics().Counter(name, help, labels...)
}

// Gauge returns a custom gauge metric (creates if doesn't exist)
func Gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	return GetMetrics().Gauge(name, help, labels...)
}

// Histogram returns a custom histogram metric (creates if doesn't exist)
func Histogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return GetMetrics().Histogram(name, help, buckets, labels...)
}
