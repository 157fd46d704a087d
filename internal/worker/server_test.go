package worker

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/mafalana/geoproc/internal/domain"
	"github.com/mafalana/geoproc/internal/pipeline"
	"github.com/mafalana/geoproc/internal/store"
)

func newTestServer(t *testing.T, jobStore store.JobStore) *Server {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	proc := pipeline.NewProcessor(
		logger,
		jobStore,
		store.NewMemoryProjectStore(),
		nopBlobStore{},
		nopRunner{},
		pipeline.ToolConfig{WorkDir: t.TempDir()},
	)
	srv, err := NewServer(logger, Config{PollInterval: 5 * time.Millisecond}, jobStore, proc)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv
}

type nopRunner struct{}

func (nopRunner) Run(context.Context, pipeline.Command) (pipeline.CommandResult, error) {
	return pipeline.CommandResult{}, nil
}

type nopBlobStore struct{}

func (nopBlobStore) Upload(context.Context, string, string) error { return nil }
func (nopBlobStore) UploadBytes(context.Context, string, []byte, string) error {
	return nil
}
func (nopBlobStore) UploadTree(context.Context, string, string) ([]string, error) {
	return nil, nil
}
func (nopBlobStore) Download(context.Context, string, string) error { return nil }
func (nopBlobStore) Delete(context.Context, string) error           { return nil }
func (nopBlobStore) ObjectExists(context.Context, string) (bool, error) {
	return false, nil
}
func (nopBlobStore) SignedURL(context.Context, string, time.Duration) (string, error) {
	return "", nil
}

func TestRunProcessesQueuedJob(t *testing.T) {
	jobStore := store.NewMemoryJobStore()
	now := time.Now().UTC()
	// A job for a project that does not exist fails fast in the pipeline,
	// which is enough to observe the full claim/process/finalize roundtrip.
	if err := jobStore.Create(context.Background(), domain.Job{
		ID:        "job-1",
		ProjectID: "missing-project",
		Type:      domain.JobTypePointCloud,
		Status:    domain.JobStatusPending,
		SourceKey: "missing-project/uploads/scan.las",
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seed job: %v", err)
	}

	srv := newTestServer(t, jobStore)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		job, _, _ := jobStore.Get(context.Background(), "job-1")
		if domain.IsTerminal(job.Status) {
			if job.Status != domain.JobStatusFailed {
				t.Fatalf("expected failed job, got %s", job.Status)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("job was never processed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}

func TestRunRequeuesStaleJobsAtStartup(t *testing.T) {
	jobStore := store.NewMemoryJobStore()
	now := time.Now().UTC()
	if err := jobStore.Create(context.Background(), domain.Job{
		ID:        "stale-1",
		ProjectID: "missing-project",
		Type:      domain.JobTypeOrtho,
		Status:    domain.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	if _, ok, _ := jobStore.ClaimNext(context.Background()); !ok {
		t.Fatal("claim failed")
	}

	// The sweep runs before the first poll, so by the time the job reaches
	// a terminal status it must have passed through pending again.
	srv := newTestServer(t, jobStore)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go srv.Run(ctx)

	deadline := time.After(time.Second)
	for {
		job, _, _ := jobStore.Get(context.Background(), "stale-1")
		if domain.IsTerminal(job.Status) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("stale job was never reprocessed")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRunPurgesExpiredJobs(t *testing.T) {
	jobStore := store.NewMemoryJobStore()
	if err := jobStore.Create(context.Background(), domain.Job{
		ID:        "ancient",
		ProjectID: "proj-1",
		Type:      domain.JobTypeOrtho,
		Status:    domain.JobStatusCompleted,
		CreatedAt: time.Now().UTC().Add(-100 * time.Hour),
	}); err != nil {
		t.Fatalf("seed job: %v", err)
	}

	srv := newTestServer(t, jobStore)
	srv.cfg.RetentionAge = 72 * time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Run(ctx)
	defer cancel()

	deadline := time.After(time.Second)
	for {
		if _, ok, _ := jobStore.Get(context.Background(), "ancient"); !ok {
			return
		}
		select {
		case <-deadline:
			t.Fatal("expired job was never purged")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
