package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/mafalana/geoproc/internal/domain"
	"github.com/mafalana/geoproc/internal/id"
	"github.com/mafalana/geoproc/internal/store"
)

type Server struct {
	logger      *log.Logger
	jobStore    store.JobStore
	projects    store.ProjectStore
	storage     objectStorage
	rateLimiter RateLimiter
	metrics     *metrics
	tracer      trace.Tracer
	mux         *http.ServeMux
}

type objectStorage interface {
	ObjectExists(ctx context.Context, key string) (bool, error)
}

func NewServer(logger *log.Logger, jobStore store.JobStore, projects store.ProjectStore, storage objectStorage, rateLimiter RateLimiter) *Server {
	if storage == nil {
		storage = unavailableObjectStorage{}
	}
	s := &Server{
		logger:      logger,
		jobStore:    jobStore,
		projects:    projects,
		storage:     storage,
		rateLimiter: rateLimiter,
		metrics:     newMetrics(),
		tracer:      otel.Tracer("geoproc/api"),
	}
	s.routes()
	return s
}

type unavailableObjectStorage struct{}

func (unavailableObjectStorage) ObjectExists(context.Context, string) (bool, error) {
	return false, errors.New("object storage is unavailable")
}

func (s *Server) Handler() http.Handler {
	return s.withTracing(s.metrics.withHTTPMetrics(s.withRateLimit(s.mux)))
}

func (s *Server) routes() {
	s.mux = http.NewServeMux()
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("POST /v1/projects/{id}/pointcloud", s.handleSubmitPointCloud)
	s.mux.HandleFunc("POST /v1/projects/{id}/ortho", s.handleSubmitOrtho)
	s.mux.HandleFunc("GET /v1/projects/{id}/jobs", s.handleListProjectJobs)
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("POST /v1/jobs/{id}/cancel", s.handleCancelJob)
	s.mux.HandleFunc("GET /v1/stats", s.handleStats)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitRequest struct {
	SourceKey string `json:"source_key"`
	JobID     string `json:"job_id,omitempty"`
}

func (s *Server) handleSubmitPointCloud(w http.ResponseWriter, r *http.Request) {
	s.submitJob(w, r, domain.JobTypePointCloud)
}

func (s *Server) handleSubmitOrtho(w http.ResponseWriter, r *http.Request) {
	s.submitJob(w, r, domain.JobTypeOrtho)
}

// submitJob enqueues a conversion by writing a pending job record; the worker
// finds it on its next poll. The source object must already be uploaded.
func (s *Server) submitJob(w http.ResponseWriter, r *http.Request, jobType string) {
	projectID := r.PathValue("id")

	var body submitRequest
	if err := decodeJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	req := domain.SubmitJobRequest{
		ProjectID: projectID,
		Type:      jobType,
		SourceKey: strings.TrimSpace(body.SourceKey),
		JobID:     strings.TrimSpace(body.JobID),
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if _, ok, err := s.projects.GetProject(r.Context(), projectID); err != nil {
		s.logger.Printf("load project %s: %v", projectID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load project"})
		return
	} else if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "project not found"})
		return
	}

	exists, err := s.storage.ObjectExists(r.Context(), req.SourceKey)
	if err != nil {
		s.logger.Printf("source check %s: %v", req.SourceKey, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "source object check failed"})
		return
	}
	if !exists {
		writeJSON(w, http.StatusConflict, map[string]string{"error": fmt.Sprintf("source object is missing: %s", req.SourceKey)})
		return
	}

	now := time.Now().UTC()
	job := domain.Job{
		ID:              req.JobID,
		ProjectID:       projectID,
		Type:            jobType,
		Status:          domain.JobStatusPending,
		ProgressMessage: "Queued",
		SourceKey:       req.SourceKey,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if job.ID == "" {
		job.ID = id.New()
	}

	if err := s.jobStore.Create(r.Context(), job); err != nil {
		if errors.Is(err, store.ErrDuplicateJob) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "job already exists"})
			return
		}
		s.logger.Printf("create job %s: %v", job.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create job"})
		return
	}

	s.metrics.jobsSubmitted.WithLabelValues(jobType).Inc()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":     job.ID,
		"project_id": job.ProjectID,
		"type":       job.Type,
		"status":     job.Status,
		"status_url": "/v1/jobs/" + job.ID,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Printf("fetch job %s: %v", jobID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load job"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	writeJSON(w, http.StatusOK, jobResponse(job))
}

func (s *Server) handleListProjectJobs(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	jobs, err := s.jobStore.ListByProject(r.Context(), projectID)
	if err != nil {
		s.logger.Printf("list jobs for project %s: %v", projectID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list jobs"})
		return
	}
	out := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobResponse(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

// handleCancelJob sets the sticky cancellation flag. The store transition is
// authoritative; the preliminary Get only shapes the error response.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Printf("fetch job %s: %v", jobID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load job"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	if job.Status == domain.JobStatusCancelled {
		// Repeated cancels are a no-op, not an error.
		writeJSON(w, http.StatusOK, map[string]any{
			"job_id":  jobID,
			"status":  domain.JobStatusCancelled,
			"message": "job is already cancelled",
		})
		return
	}
	if !domain.Cancellable(job.Status) {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": fmt.Sprintf("job is already %s and cannot be cancelled", job.Status),
		})
		return
	}

	cancelled, err := s.jobStore.Cancel(r.Context(), jobID, time.Now().UTC())
	if err != nil {
		s.logger.Printf("cancel job %s: %v", jobID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to cancel job"})
		return
	}
	if !cancelled {
		// Lost the race against a terminal transition. A concurrent cancel
		// that won still counts as success.
		if j, ok, err := s.jobStore.Get(r.Context(), jobID); err == nil && ok && j.Status == domain.JobStatusCancelled {
			writeJSON(w, http.StatusOK, map[string]any{
				"job_id":  jobID,
				"status":  domain.JobStatusCancelled,
				"message": "job is already cancelled",
			})
			return
		}
		writeJSON(w, http.StatusConflict, map[string]string{"error": "job already finished and cannot be cancelled"})
		return
	}

	s.logger.Printf("job %s cancelled (was %s)", jobID, job.Status)
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":          jobID,
		"status":          domain.JobStatusCancelled,
		"previous_status": job.Status,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-24 * time.Hour)
	jobStats, err := s.jobStore.Stats(r.Context(), since)
	if err != nil {
		s.logger.Printf("job stats: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load stats"})
		return
	}
	totalProjects, totalPoints, err := s.projects.ProjectStats(r.Context())
	if err != nil {
		s.logger.Printf("project stats: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load stats"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_projects":     totalProjects,
		"total_points":       totalPoints,
		"active_jobs":        jobStats.ActiveJobs,
		"completed_jobs_24h": jobStats.CompletedJobs24h,
		"failed_jobs_24h":    jobStats.FailedJobs24h,
	})
}

func jobResponse(j domain.Job) map[string]any {
	resp := map[string]any{
		"job_id":           j.ID,
		"project_id":       j.ProjectID,
		"type":             j.Type,
		"status":           j.Status,
		"current_step":     j.CurrentStep,
		"progress_message": j.ProgressMessage,
		"cancelled":        j.Cancelled,
		"created_at":       j.CreatedAt,
		"updated_at":       j.UpdatedAt,
	}
	if j.ErrorMessage != "" {
		resp["error_message"] = j.ErrorMessage
	}
	if j.CompletedAt != nil {
		resp["completed_at"] = j.CompletedAt
	}
	return resp
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
