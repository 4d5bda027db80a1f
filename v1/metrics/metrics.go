package metrics

import "github.com/prometheus/client_golang/prometheus"

// Result labels used by AcquireCounter and ReleaseCounter.
const (
	ResultAcquired  = "acquired"
	ResultContended = "contended"
	ResultReleased  = "released"
	ResultLost      = "lost"
	ResultError     = "error"
)

var (
	// AcquireCounter counts Acquire calls by result.
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mutex_acquire_total",
		Help: "Total number of lock acquisition attempts by result",
	}, []string{"result"})
	// ReleaseCounter counts Release calls by result.
	ReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mutex_release_total",
		Help: "Total number of lock releases by result",
	}, []string{"result"})
	// OperationLatency observes the duration of coordinator operations.
	OperationLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mutex_operation_seconds",
		Help:    "Latency of lock operations against the backing store",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
	// NotifyCounter counts transition notifications by outcome.
	NotifyCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mutex_notifications_total",
		Help: "Total number of lease transition notifications by outcome",
	}, []string{"outcome"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterMetrics registers the mutex collectors on the provided registry.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquireCounter, ReleaseCounter, OperationLatency, NotifyCounter)
}
