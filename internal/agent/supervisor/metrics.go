package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/G-Research/fleetbench/internal/common/metrics"
)

type supervisorMetrics struct {
	runningWorkers prometheus.Gauge
	failures       *prometheus.CounterVec
}

func newSupervisorMetrics(registerer prometheus.Registerer) *supervisorMetrics {
	factory := promauto.With(registerer)
	return &supervisorMetrics{
		runningWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: metrics.AgentMetricPrefix + "running_workers",
			Help: "Number of worker processes currently running on this agent",
		}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.AgentMetricPrefix + "worker_failures_total",
			Help: "Worker failures detected by this agent",
		}, []string{"type"}),
	}
}
