package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry        *prometheus.Registry
	jobsTotal       *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	activeJobs      prometheus.Gauge
	pollsTotal      prometheus.Counter
	pollErrorsTotal prometheus.Counter
	purgedJobsTotal prometheus.Counter
	staleJobsTotal  prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geoproc_worker_jobs_total",
			Help: "Total worker jobs by job type and final status.",
		}, []string{"job_type", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "geoproc_worker_job_duration_seconds",
			Help:    "Total processing duration for each worker job.",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		}, []string{"job_type", "status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "geoproc_worker_active_jobs",
			Help: "Whether the worker is currently processing a job.",
		}),
		pollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geoproc_worker_polls_total",
			Help: "Total claim attempts against the job store.",
		}),
		pollErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geoproc_worker_poll_errors_total",
			Help: "Claim attempts that failed with a store error.",
		}),
		purgedJobsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geoproc_worker_purged_jobs_total",
			Help: "Terminal jobs removed by retention cleanup.",
		}),
		staleJobsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geoproc_worker_stale_jobs_total",
			Help: "Jobs found stuck in processing at startup and requeued.",
		}),
	}

	registry.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.activeJobs,
		m.pollsTotal,
		m.pollErrorsTotal,
		m.purgedJobsTotal,
		m.staleJobsTotal,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
