package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"

	JobTypePointCloud = "pointcloud_conversion"
	JobTypeOrtho      = "ortho_conversion"
)

// Job is one queued unit of conversion work tied to a project. The worker
// claims a pending job, runs the step sequence for its type, and leaves it in
// exactly one of the terminal statuses.
type Job struct {
	ID              string
	ProjectID       string
	Type            string
	Status          string
	CurrentStep     string
	ProgressMessage string
	ErrorMessage    string
	Cancelled       bool
	SourceKey       string
	WorkPath        string
	RetryCount      int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

// IsTerminal reports whether status permits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Cancellable reports whether a job in the given status may still be
// cancelled by a user request.
func Cancellable(status string) bool {
	return status == JobStatusPending || status == JobStatusProcessing
}

// ValidJobType reports whether t names a known conversion pipeline.
func ValidJobType(t string) bool {
	return t == JobTypePointCloud || t == JobTypeOrtho
}

type SubmitJobRequest struct {
	ProjectID string `json:"project_id"`
	Type      string `json:"type"`
	SourceKey string `json:"source_key"`
	JobID     string `json:"job_id,omitempty"`
}

func (r SubmitJobRequest) Validate() error {
	if strings.TrimSpace(r.ProjectID) == "" {
		return errors.New("project_id is required")
	}
	if !ValidJobType(strings.TrimSpace(r.Type)) {
		return fmt.Errorf("unsupported job type: %s", r.Type)
	}
	if strings.TrimSpace(r.SourceKey) == "" {
		return errors.New("source_key is required")
	}
	return nil
}
