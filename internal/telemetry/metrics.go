// Package telemetry holds the Prometheus collectors shared by the API and the worker.
package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	GenerationsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "generations_created_total", Help: "Generations accepted by Create, by outcome (new, follower, cache_hit)",
	}, []string{"outcome"})
	QuotaRejects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "generations_quota_rejects_total", Help: "Create calls rejected by the quota guard",
	})
	GenerationsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "generations_finished_total", Help: "Generations reaching a terminal state, by status and error kind",
	}, []string{"status", "error_kind"})
	Backpressure = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_backpressure_total", Help: "Dispatch attempts held back, by reason",
	}, []string{"reason"})
	Submissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "provider_submissions_total", Help: "Provider submissions by provider and outcome",
	}, []string{"provider", "outcome"})
	Retries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "generation_retries_total", Help: "Transient failures scheduled for another attempt",
	})
	Polls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "provider_polls_total", Help: "Status checks by provider and observed state",
	}, []string{"provider", "state"})
	QueueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "generation_queue_depth", Help: "Generation ids waiting in the scheduled queue",
	})
	InFlightGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "provider_submissions_inflight", Help: "Active provider submissions seen by the last poll",
	})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			GenerationsCreated,
			QuotaRejects,
			GenerationsFinished,
			Backpressure,
			Submissions,
			Retries,
			Polls,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
