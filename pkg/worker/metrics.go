package worker

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sandpolis/agent/metric"
)

// Metrics holds Prometheus metrics shared by every pool of a registry.
// Series are labelled by pool name.
type Metrics struct {
	queueDepth     *prometheus.GaugeVec
	submitted      *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	panics         *prometheus.CounterVec
	processingTime *prometheus.HistogramVec
}

// NewMetrics creates the pool metrics and registers them with registrar
func NewMetrics(registrar metric.Registrar) (*Metrics, error) {
	m := &Metrics{
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sandpolis_agent_worker_queue_depth",
			Help: "Current worker pool queue depth",
		}, []string{"pool"}),
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sandpolis_agent_worker_submitted_total",
			Help: "Total tasks submitted",
		}, []string{"pool"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sandpolis_agent_worker_dropped_total",
			Help: "Total tasks rejected due to full queue",
		}, []string{"pool"}),
		panics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sandpolis_agent_worker_panics_total",
			Help: "Total tasks that panicked",
		}, []string{"pool"}),
		processingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sandpolis_agent_worker_task_duration_seconds",
			Help:    "Time spent running tasks",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"pool"}),
	}

	const service = "worker_pool"
	for name, c := range map[string]prometheus.Collector{
		"queue_depth":           m.queueDepth,
		"submitted_total":       m.submitted,
		"dropped_total":         m.dropped,
		"panics_total":          m.panics,
		"task_duration_seconds": m.processingTime,
	} {
		if err := registrar.Register(service, name, c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
