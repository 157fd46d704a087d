package api

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mafalana/geoproc/internal/domain"
	"github.com/mafalana/geoproc/internal/store"
)

type fakeObjectStorage struct {
	keys map[string]bool
}

func (f fakeObjectStorage) ObjectExists(_ context.Context, key string) (bool, error) {
	return f.keys[key], nil
}

type apiFixture struct {
	jobs     *store.MemoryJobStore
	projects *store.MemoryProjectStore
	storage  fakeObjectStorage
	handler  http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := &apiFixture{
		jobs:     store.NewMemoryJobStore(),
		projects: store.NewMemoryProjectStore(),
		storage:  fakeObjectStorage{keys: make(map[string]bool)},
	}
	f.projects.Put(domain.Project{ID: "proj-1", Name: "Test Site"})
	srv := NewServer(log.New(io.Discard, "", 0), f.jobs, f.projects, f.storage, nil)
	f.handler = srv.Handler()
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, decoded
}

func TestSubmitPointCloudJob(t *testing.T) {
	f := newAPIFixture(t)
	f.storage.keys["proj-1/uploads/scan.las"] = true

	rec, body := f.do(t, http.MethodPost, "/v1/projects/proj-1/pointcloud",
		`{"source_key": "proj-1/uploads/scan.las"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %v", rec.Code, body)
	}
	if body["status"] != domain.JobStatusPending {
		t.Fatalf("expected pending job, got %v", body["status"])
	}

	jobID, _ := body["job_id"].(string)
	job, ok, _ := f.jobs.Get(context.Background(), jobID)
	if !ok {
		t.Fatal("expected job record created")
	}
	if job.Type != domain.JobTypePointCloud || job.SourceKey != "proj-1/uploads/scan.las" {
		t.Fatalf("job record mismatch: %+v", job)
	}
}

func TestSubmitRejectsUnknownProject(t *testing.T) {
	f := newAPIFixture(t)
	rec, _ := f.do(t, http.MethodPost, "/v1/projects/ghost/ortho",
		`{"source_key": "ghost/uploads/ortho.tif"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSubmitRejectsMissingSourceObject(t *testing.T) {
	f := newAPIFixture(t)
	rec, body := f.do(t, http.MethodPost, "/v1/projects/proj-1/pointcloud",
		`{"source_key": "proj-1/uploads/never-uploaded.las"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %v", rec.Code, body)
	}
}

func TestSubmitDuplicateJobID(t *testing.T) {
	f := newAPIFixture(t)
	f.storage.keys["proj-1/uploads/scan.las"] = true

	payload := `{"source_key": "proj-1/uploads/scan.las", "job_id": "fixed-id"}`
	if rec, _ := f.do(t, http.MethodPost, "/v1/projects/proj-1/pointcloud", payload); rec.Code != http.StatusAccepted {
		t.Fatalf("expected first submit to succeed, got %d", rec.Code)
	}
	rec, _ := f.do(t, http.MethodPost, "/v1/projects/proj-1/pointcloud", payload)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate job id, got %d", rec.Code)
	}
}

func TestSubmitRejectsBadBody(t *testing.T) {
	f := newAPIFixture(t)
	rec, _ := f.do(t, http.MethodPost, "/v1/projects/proj-1/pointcloud", `{"source_key": `)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	rec, _ = f.do(t, http.MethodPost, "/v1/projects/proj-1/pointcloud", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing source_key, got %d", rec.Code)
	}
}

func TestGetJob(t *testing.T) {
	f := newAPIFixture(t)
	now := time.Now().UTC()
	f.jobs.Create(context.Background(), domain.Job{
		ID:        "job-1",
		ProjectID: "proj-1",
		Type:      domain.JobTypeOrtho,
		Status:    domain.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	})

	rec, body := f.do(t, http.MethodGet, "/v1/jobs/job-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body["job_id"] != "job-1" || body["type"] != domain.JobTypeOrtho {
		t.Fatalf("unexpected body: %v", body)
	}
	if _, present := body["error_message"]; present {
		t.Fatal("expected no error_message for healthy job")
	}

	rec, _ = f.do(t, http.MethodGet, "/v1/jobs/ghost", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestListProjectJobs(t *testing.T) {
	f := newAPIFixture(t)
	base := time.Now().UTC()
	for i, id := range []string{"job-a", "job-b"} {
		f.jobs.Create(context.Background(), domain.Job{
			ID:        id,
			ProjectID: "proj-1",
			Type:      domain.JobTypePointCloud,
			Status:    domain.JobStatusPending,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
			UpdatedAt: base,
		})
	}

	rec, body := f.do(t, http.MethodGet, "/v1/projects/proj-1/jobs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	jobs, _ := body["jobs"].([]any)
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	first, _ := jobs[0].(map[string]any)
	if first["job_id"] != "job-b" {
		t.Fatalf("expected newest first, got %v", first["job_id"])
	}
}

func TestCancelJobLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	now := time.Now().UTC()
	f.jobs.Create(context.Background(), domain.Job{
		ID:        "job-1",
		ProjectID: "proj-1",
		Type:      domain.JobTypePointCloud,
		Status:    domain.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	})

	rec, body := f.do(t, http.MethodPost, "/v1/jobs/job-1/cancel", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", rec.Code, body)
	}
	if body["previous_status"] != domain.JobStatusPending {
		t.Fatalf("expected previous_status pending, got %v", body["previous_status"])
	}

	job, _, _ := f.jobs.Get(context.Background(), "job-1")
	if job.Status != domain.JobStatusCancelled || !job.Cancelled {
		t.Fatalf("expected cancelled record, got %+v", job)
	}

	// A second cancel is an idempotent no-op, not an error.
	cancelledAt := job.CompletedAt
	rec, body = f.do(t, http.MethodPost, "/v1/jobs/job-1/cancel", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on repeat cancel, got %d: %v", rec.Code, body)
	}
	if msg, _ := body["message"].(string); !strings.Contains(msg, "already cancelled") {
		t.Fatalf("expected already-cancelled message, got %v", body)
	}
	after, _, _ := f.jobs.Get(context.Background(), "job-1")
	if after.Status != domain.JobStatusCancelled || !after.CompletedAt.Equal(*cancelledAt) {
		t.Fatalf("repeat cancel mutated the record: %+v", after)
	}

	// Completed jobs still get a conflict naming the terminal state.
	f.jobs.Create(context.Background(), domain.Job{
		ID:        "job-2",
		ProjectID: "proj-1",
		Type:      domain.JobTypePointCloud,
		Status:    domain.JobStatusCompleted,
		CreatedAt: now,
		UpdatedAt: now,
	})
	rec, body = f.do(t, http.MethodPost, "/v1/jobs/job-2/cancel", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if msg, _ := body["error"].(string); !strings.Contains(msg, domain.JobStatusCompleted) {
		t.Fatalf("expected terminal state in message, got %q", msg)
	}

	rec, _ = f.do(t, http.MethodPost, "/v1/jobs/ghost/cancel", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestStats(t *testing.T) {
	f := newAPIFixture(t)
	f.projects.Put(domain.Project{ID: "proj-2", PointCount: 1000})
	now := time.Now().UTC()
	f.jobs.Create(context.Background(), domain.Job{
		ID: "job-1", ProjectID: "proj-1", Type: domain.JobTypeOrtho,
		Status: domain.JobStatusPending, CreatedAt: now, UpdatedAt: now,
	})

	rec, body := f.do(t, http.MethodGet, "/v1/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body["total_projects"] != float64(2) {
		t.Fatalf("expected 2 projects, got %v", body["total_projects"])
	}
	if body["total_points"] != float64(1000) {
		t.Fatalf("expected 1000 points, got %v", body["total_points"])
	}
	if body["active_jobs"] != float64(1) {
		t.Fatalf("expected 1 active job, got %v", body["active_jobs"])
	}
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)
	rec, body := f.do(t, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected health response: %d %v", rec.Code, body)
	}
}
