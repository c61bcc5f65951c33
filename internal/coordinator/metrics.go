package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/G-Research/fleetbench/internal/common/metrics"
)

type coordinatorMetrics struct {
	phaseDuration     *prometheus.HistogramVec
	registeredWorkers prometheus.Gauge
	registeredAgents  prometheus.Gauge
	testsCompleted    *prometheus.CounterVec
}

func newCoordinatorMetrics(registerer prometheus.Registerer) *coordinatorMetrics {
	factory := promauto.With(registerer)
	return &coordinatorMetrics{
		phaseDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metrics.CoordinatorMetricPrefix + "phase_duration_seconds",
				Help:    "Time taken by a test phase across all of its workers",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
			},
			[]string{"phase"},
		),
		registeredWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: metrics.CoordinatorMetricPrefix + "registered_workers",
			Help: "Number of workers in the registry",
		}),
		registeredAgents: factory.NewGauge(prometheus.GaugeOpts{
			Name: metrics.CoordinatorMetricPrefix + "registered_agents",
			Help: "Number of agents in the registry",
		}),
		testsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: metrics.CoordinatorMetricPrefix + "tests_completed_total",
				Help: "Tests that ran to completion, by outcome",
			},
			[]string{"outcome"},
		),
	}
}
