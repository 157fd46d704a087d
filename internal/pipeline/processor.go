package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mafalana/geoproc/internal/domain"
	"github.com/mafalana/geoproc/internal/store"
)

// ErrCancelled aborts a pipeline at the next step boundary after a job's
// cancelled flag is set. It is never reported as a failure.
var ErrCancelled = errors.New("job cancelled")

// ObjectStore is the slice of blob storage the pipelines need. Implemented
// by *storage.Client.
type ObjectStore interface {
	Upload(ctx context.Context, localPath, key string) error
	UploadBytes(ctx context.Context, key string, data []byte, contentType string) error
	UploadTree(ctx context.Context, localDir, remotePrefix string) ([]string, error)
	Download(ctx context.Context, key, localPath string) error
	Delete(ctx context.Context, key string) error
	ObjectExists(ctx context.Context, key string) (bool, error)
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// ToolConfig locates the external converters and bounds their runtimes.
type ToolConfig struct {
	PotreeConverter string
	GDALInfo        string
	GDALTranslate   string
	GDALTransform   string

	ConvertTimeout  time.Duration
	ValidateTimeout time.Duration
	PreviewTimeout  time.Duration

	WorkDir      string
	PreviewSize  int
	SampleRate   float64
	SignedURLTTL time.Duration
}

func (c ToolConfig) withDefaults() ToolConfig {
	if c.GDALInfo == "" {
		c.GDALInfo = "gdalinfo"
	}
	if c.GDALTranslate == "" {
		c.GDALTranslate = "gdal_translate"
	}
	if c.GDALTransform == "" {
		c.GDALTransform = "gdaltransform"
	}
	if c.ConvertTimeout <= 0 {
		c.ConvertTimeout = time.Hour
	}
	if c.ValidateTimeout <= 0 {
		c.ValidateTimeout = time.Minute
	}
	if c.PreviewTimeout <= 0 {
		c.PreviewTimeout = 30 * time.Second
	}
	if c.WorkDir == "" {
		c.WorkDir = os.TempDir()
	}
	if c.PreviewSize <= 0 {
		c.PreviewSize = 512
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 0.01
	}
	if c.SignedURLTTL <= 0 {
		c.SignedURLTTL = 720 * time.Hour
	}
	return c
}

// Processor executes the step sequence for one claimed job. All step errors
// are absorbed into the job record; Process never panics outward and never
// returns an error to the scheduler loop.
type Processor struct {
	logger   *log.Logger
	jobs     store.JobStore
	projects store.ProjectStore
	blobs    ObjectStore
	runner   CommandRunner
	tools    ToolConfig
	tracer   trace.Tracer
}

func NewProcessor(logger *log.Logger, jobs store.JobStore, projects store.ProjectStore, blobs ObjectStore, runner CommandRunner, tools ToolConfig) *Processor {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Processor{
		logger:   logger,
		jobs:     jobs,
		projects: projects,
		blobs:    blobs,
		runner:   runner,
		tools:    tools.withDefaults(),
		tracer:   otel.Tracer("geoproc/pipeline"),
	}
}

// run carries the scratch state of one pipeline execution so cleanup can
// undo exactly what this run produced and nothing more.
type run struct {
	job domain.Job

	scratchPaths []string // local files and directories, removed on every outcome
	scratchKeys  []string // source blobs consumed by the job, removed on every outcome
	uploadedKeys []string // derived artifacts, removed only on cancel or failure
}

func (r *run) trackPath(p string) { r.scratchPaths = append(r.scratchPaths, p) }

func (r *run) trackKey(k string) { r.scratchKeys = append(r.scratchKeys, k) }

func (r *run) trackUpload(keys ...string) { r.uploadedKeys = append(r.uploadedKeys, keys...) }

// Process runs the pipeline for job and records the terminal outcome. The
// returned status is the job's final state, for metrics.
func (p *Processor) Process(ctx context.Context, job domain.Job) string {
	ctx, span := p.tracer.Start(ctx, "pipeline.process", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.type", job.Type),
		attribute.String("project.id", job.ProjectID),
	))
	defer span.End()

	r := &run{job: job}

	var err error
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("pipeline panic: %v", rec)
			}
		}()
		switch job.Type {
		case domain.JobTypePointCloud:
			err = p.processPointCloud(ctx, r)
		case domain.JobTypeOrtho:
			err = p.processOrtho(ctx, r)
		default:
			err = fmt.Errorf("unknown job type %q", job.Type)
		}
	}()

	var status string
	switch {
	case err == nil:
		status = domain.JobStatusCompleted
		p.updateJob(ctx, job.ID, store.StatusUpdate(domain.JobStatusCompleted, "done", "Conversion completed"))
	case errors.Is(err, ErrCancelled):
		status = domain.JobStatusCancelled
		p.logger.Printf("job %s cancelled, cleaning up", job.ID)
		p.updateJob(ctx, job.ID, store.StatusUpdate(domain.JobStatusCancelled, "cancelled", "Job cancelled by user"))
	default:
		status = domain.JobStatusFailed
		p.logger.Printf("job %s failed: %v", job.ID, err)
		msg := err.Error()
		upd := store.StatusUpdate(domain.JobStatusFailed, "failed", "Conversion failed")
		upd.ErrorMessage = &msg
		p.updateJob(ctx, job.ID, upd)
	}
	span.SetAttributes(attribute.String("job.status", status))

	p.cleanup(ctx, r, status)
	return status
}

// cleanup removes this run's scratch state. The sequence is identical for
// every outcome except that derived artifacts survive a completed run. Each
// removal is independent; one miss never blocks the rest.
func (p *Processor) cleanup(ctx context.Context, r *run, status string) {
	for _, path := range r.scratchPaths {
		if err := os.RemoveAll(path); err != nil {
			p.logger.Printf("job %s cleanup: remove %s: %v", r.job.ID, path, err)
		}
	}
	if r.job.WorkPath != "" {
		if err := os.RemoveAll(r.job.WorkPath); err != nil && !os.IsNotExist(err) {
			p.logger.Printf("job %s cleanup: remove work path %s: %v", r.job.ID, r.job.WorkPath, err)
		}
	}
	keys := r.scratchKeys
	if status != domain.JobStatusCompleted {
		keys = append(keys, r.uploadedKeys...)
	}
	for _, key := range keys {
		if err := p.blobs.Delete(ctx, key); err != nil {
			p.logger.Printf("job %s cleanup: delete %s: %v", r.job.ID, key, err)
		}
	}
}

// checkpoint is polled at every step boundary. A store error here is logged
// and treated as not-cancelled; the next boundary will see the flag.
func (p *Processor) checkpoint(ctx context.Context, jobID string) error {
	cancelled, err := p.jobs.IsCancelled(ctx, jobID)
	if err != nil {
		p.logger.Printf("job %s: cancellation check failed: %v", jobID, err)
		return nil
	}
	if cancelled {
		return ErrCancelled
	}
	return nil
}

func (p *Processor) progress(ctx context.Context, jobID, step, message string) {
	p.updateJob(ctx, jobID, store.StatusUpdate(domain.JobStatusProcessing, step, message))
}

func (p *Processor) updateJob(ctx context.Context, jobID string, upd store.JobUpdate) {
	if err := p.jobs.Update(ctx, jobID, upd); err != nil {
		p.logger.Printf("job %s: status update failed: %v", jobID, err)
	}
}

func (p *Processor) loadProject(ctx context.Context, projectID string) (domain.Project, error) {
	project, ok, err := p.projects.GetProject(ctx, projectID)
	if err != nil {
		return domain.Project{}, fmt.Errorf("load project %s: %w", projectID, err)
	}
	if !ok {
		return domain.Project{}, fmt.Errorf("project %s not found", projectID)
	}
	return project, nil
}
