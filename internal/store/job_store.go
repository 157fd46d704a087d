package store

import (
	"context"
	"errors"
	"time"

	"github.com/mafalana/geoproc/internal/domain"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrDuplicateJob    = errors.New("job already exists")
	ErrProjectNotFound = errors.New("project not found")
)

// JobUpdate is a partial merge into a job record. Nil fields are left
// untouched; updated_at is always advanced.
type JobUpdate struct {
	Status          *string
	CurrentStep     *string
	ProgressMessage *string
	ErrorMessage    *string
}

// JobStats summarizes job activity for the dashboard.
type JobStats struct {
	ActiveJobs       int64
	CompletedJobs24h int64
	FailedJobs24h    int64
}

// JobStore owns job records. ClaimNext is the queue: it atomically moves the
// oldest pending job to processing, and at most one caller receives a given
// job no matter how many workers poll the same store.
type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	ClaimNext(ctx context.Context) (domain.Job, bool, error)
	Update(ctx context.Context, id string, fields JobUpdate) error
	Cancel(ctx context.Context, id string, at time.Time) (bool, error)
	IsCancelled(ctx context.Context, id string) (bool, error)
	ListByProject(ctx context.Context, projectID string) ([]domain.Job, error)
	ResetStaleProcessing(ctx context.Context) (int64, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Stats(ctx context.Context, since time.Time) (JobStats, error)
}

// ProjectStore is the parent-resource collaborator: read before the pipeline
// starts, written exactly once after the final successful step.
type ProjectStore interface {
	GetProject(ctx context.Context, id string) (domain.Project, bool, error)
	UpdateProject(ctx context.Context, project domain.Project) error
	ProjectStats(ctx context.Context) (totalProjects, totalPoints int64, err error)
}

func strPtr(s string) *string { return &s }

// StatusUpdate is shorthand for the common status+message merge.
func StatusUpdate(status, step, message string) JobUpdate {
	u := JobUpdate{Status: strPtr(status)}
	if step != "" {
		u.CurrentStep = strPtr(step)
	}
	if message != "" {
		u.ProgressMessage = strPtr(message)
	}
	return u
}
