// Package metrics exposes Prometheus collectors for instance/port/allocation
// counts, admission rejections, API and reconciliation latency, plus a
// liveness/readiness/health endpoint set independent of the Prometheus
// registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ptpool_instances_total",
			Help: "Total number of instances by observed state",
		},
		[]string{"state"},
	)

	PortsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ptpool_ports_total",
			Help: "Total number of registered ports by availability",
		},
		[]string{"available"},
	)

	AllocationsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ptpool_allocations_active",
			Help: "Number of allocations that are currently current (not deleted)",
		},
	)

	AdmissionRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ptpool_admission_rejections_total",
			Help: "Total number of requests rejected by admission control, by operation",
		},
		[]string{"operation"},
	)

	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ptpool_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ptpool_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	InstanceCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ptpool_instance_create_duration_seconds",
			Help:    "Time taken to create and start an instance, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	InstanceReadyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ptpool_instance_ready_duration_seconds",
			Help:    "Time from creation until the PT checker reports the instance ready, in seconds",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120},
		},
	)

	AllocationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ptpool_allocation_duration_seconds",
			Help:    "Time taken to allocate (unpause) an instance, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	DeallocationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ptpool_deallocation_duration_seconds",
			Help:    "Time taken to deallocate (pause) an instance, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ptpool_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pass"},
	)

	ReconciliationCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ptpool_reconciliation_cycles_total",
			Help: "Total number of reconciliation passes completed, by pass and outcome",
		},
		[]string{"pass", "outcome"},
	)

	TaskRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ptpool_task_retries_total",
			Help: "Total number of task retry attempts, by job name",
		},
		[]string{"job"},
	)

	TaskExhaustedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ptpool_task_exhausted_total",
			Help: "Total number of jobs that ran out of retries, by job name",
		},
		[]string{"job"},
	)

	CachedFilesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ptpool_cached_files_total",
			Help: "Total number of entries in the file cache",
		},
	)
)

func init() {
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(PortsTotal)
	prometheus.MustRegister(AllocationsActive)
	prometheus.MustRegister(AdmissionRejectionsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(InstanceCreateDuration)
	prometheus.MustRegister(InstanceReadyDuration)
	prometheus.MustRegister(AllocationDuration)
	prometheus.MustRegister(DeallocationDuration)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(TaskRetriesTotal)
	prometheus.MustRegister(TaskExhaustedTotal)
	prometheus.MustRegister(CachedFilesTotal)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
