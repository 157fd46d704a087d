package worker

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mafalana/geoproc/internal/domain"
	"github.com/mafalana/geoproc/internal/pipeline"
	"github.com/mafalana/geoproc/internal/store"
)

// Config bounds the scheduler loop. Zero values take the defaults below.
type Config struct {
	PollInterval      time.Duration
	RetentionAge      time.Duration
	RetentionInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.RetentionAge <= 0 {
		c.RetentionAge = 72 * time.Hour
	}
	if c.RetentionInterval <= 0 {
		c.RetentionInterval = time.Hour
	}
	return c
}

// Server is the single-consumer scheduler: it polls the job store, processes
// at most one job at a time, and owns the retention and stale-job housekeeping.
type Server struct {
	logger    *log.Logger
	cfg       Config
	jobStore  store.JobStore
	processor *pipeline.Processor
	metrics   *metrics
	tracer    trace.Tracer
}

func NewServer(logger *log.Logger, cfg Config, jobStore store.JobStore, processor *pipeline.Processor) (*Server, error) {
	if jobStore == nil {
		return nil, fmt.Errorf("job store is required")
	}
	if processor == nil {
		return nil, fmt.Errorf("pipeline processor is required")
	}
	return &Server{
		logger:    logger,
		cfg:       cfg.withDefaults(),
		jobStore:  jobStore,
		processor: processor,
		metrics:   newMetrics(),
		tracer:    otel.Tracer("geoproc/worker"),
	}, nil
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

// Run drives the claim/process loop until ctx is cancelled. Every error
// inside the loop is absorbed: a bad store round-trip or a failed job never
// stops the scheduler.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Printf("worker started, polling every %s", s.cfg.PollInterval)

	if n, err := s.jobStore.ResetStaleProcessing(ctx); err != nil {
		s.logger.Printf("stale job sweep failed: %v", err)
	} else if n > 0 {
		s.logger.Printf("requeued %d stale processing job(s) from a previous run", n)
		s.metrics.staleJobsTotal.Add(float64(n))
	}

	// Force the retention check on the first iteration and again right
	// after each processed job, so bursts do not wait for the next tick.
	forceCleanup := true
	var lastCleanup time.Time

	for {
		if err := ctx.Err(); err != nil {
			s.logger.Printf("worker stopping: %v", err)
			return nil
		}

		if forceCleanup || time.Since(lastCleanup) >= s.cfg.RetentionInterval {
			s.purgeOldJobs(ctx)
			lastCleanup = time.Now()
			forceCleanup = false
		}

		s.metrics.pollsTotal.Inc()
		job, ok, err := s.jobStore.ClaimNext(ctx)
		if err != nil {
			s.metrics.pollErrorsTotal.Inc()
			s.logger.Printf("claim next job: %v", err)
			s.sleep(ctx)
			continue
		}
		if !ok {
			s.sleep(ctx)
			continue
		}

		s.processJob(ctx, job)
		forceCleanup = true
	}
}

func (s *Server) processJob(ctx context.Context, job domain.Job) {
	startedAt := time.Now()
	s.logger.Printf("processing job id=%s type=%s project=%s", job.ID, job.Type, job.ProjectID)

	ctx, span := s.tracer.Start(ctx, "worker.process_job",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("job.type", job.Type),
		))
	defer span.End()

	s.metrics.activeJobs.Inc()
	defer s.metrics.activeJobs.Dec()

	status := s.processor.Process(ctx, job)

	elapsed := time.Since(startedAt)
	s.metrics.jobsTotal.WithLabelValues(job.Type, status).Inc()
	s.metrics.jobDuration.WithLabelValues(job.Type, status).Observe(elapsed.Seconds())
	s.logger.Printf("finished job id=%s status=%s elapsed=%s", job.ID, status, elapsed.Round(time.Millisecond))
}

func (s *Server) purgeOldJobs(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.RetentionAge)
	n, err := s.jobStore.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Printf("retention cleanup failed: %v", err)
		return
	}
	if n > 0 {
		s.logger.Printf("retention cleanup removed %d job(s) older than %s", n, s.cfg.RetentionAge)
		s.metrics.purgedJobsTotal.Add(float64(n))
	}
}

func (s *Server) sleep(ctx context.Context) {
	t := time.NewTimer(s.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
