// Package metrics registers the Prometheus collectors for the job
// pipeline. Collectors live on a dedicated registry so tests can
// construct isolated instances.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds every collector the pipeline records into.
type Metrics struct {
	Registry *prometheus.Registry

	JobsSubmitted prometheus.Counter
	JobsFinished  *prometheus.CounterVec
	JobRetries    prometheus.Counter
	StepsExecuted *prometheus.CounterVec
	StepDuration  *prometheus.HistogramVec
	ActiveWorkers prometheus.Gauge
	LeasesReaped  prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		JobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conveyor_jobs_submitted_total",
			Help: "Jobs accepted by the API.",
		}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_jobs_finished_total",
			Help: "Jobs that reached a terminal status.",
		}, []string{"status"}),
		JobRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conveyor_job_retries_total",
			Help: "Tool invocations re-issued after a retryable failure.",
		}),
		StepsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_steps_executed_total",
			Help: "Sealed steps by tool and outcome.",
		}, []string{"tool", "outcome"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conveyor_step_duration_seconds",
			Help:    "Wall-clock duration of tool invocations.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"tool"}),
		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conveyor_active_workers",
			Help: "Workers currently executing a job.",
		}),
		LeasesReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conveyor_leases_reaped_total",
			Help: "Expired leases requeued by the maintenance reaper.",
		}),
	}
	reg.MustRegister(
		m.JobsSubmitted, m.JobsFinished, m.JobRetries,
		m.StepsExecuted, m.StepDuration, m.ActiveWorkers, m.LeasesReaped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}
