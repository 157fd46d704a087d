package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mafalana/geoproc/internal/domain"
)

// MemoryJobStore is the in-process JobStore used by tests and brokerless
// single-binary runs. All operations take the one lock, which is what makes
// ClaimNext atomic here.
type MemoryJobStore struct {
	mu   sync.Mutex
	jobs map[string]domain.Job
	seq  map[string]int64
	next int64
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]domain.Job),
		seq:  make(map[string]int64),
	}
}

func (s *MemoryJobStore) Create(_ context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return ErrDuplicateJob
	}
	s.next++
	s.seq[job.ID] = s.next
	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (domain.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	return job, ok, nil
}

func (s *MemoryJobStore) ClaimNext(_ context.Context) (domain.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		found  bool
		oldest domain.Job
	)
	for _, job := range s.jobs {
		if job.Status != domain.JobStatusPending {
			continue
		}
		if !found || job.CreatedAt.Before(oldest.CreatedAt) ||
			(job.CreatedAt.Equal(oldest.CreatedAt) && s.seq[job.ID] < s.seq[oldest.ID]) {
			oldest = job
			found = true
		}
	}
	if !found {
		return domain.Job{}, false, nil
	}

	oldest.Status = domain.JobStatusProcessing
	oldest.UpdatedAt = time.Now().UTC()
	s.jobs[oldest.ID] = oldest
	return oldest, true, nil
}

func (s *MemoryJobStore) Update(_ context.Context, id string, fields JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		// Missing jobs are tolerated; the caller logs.
		return nil
	}
	if domain.IsTerminal(job.Status) {
		// Terminal rows are immutable; a late write from a pipeline that
		// lost a cancellation race is dropped.
		return nil
	}

	now := time.Now().UTC()
	if fields.Status != nil {
		job.Status = *fields.Status
		if domain.IsTerminal(job.Status) && job.CompletedAt == nil {
			at := now
			job.CompletedAt = &at
		}
	}
	if fields.CurrentStep != nil {
		job.CurrentStep = *fields.CurrentStep
	}
	if fields.ProgressMessage != nil {
		job.ProgressMessage = *fields.ProgressMessage
	}
	if fields.ErrorMessage != nil {
		job.ErrorMessage = *fields.ErrorMessage
	}
	job.UpdatedAt = now
	s.jobs[id] = job
	return nil
}

func (s *MemoryJobStore) Cancel(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return false, nil
	}
	if domain.IsTerminal(job.Status) {
		return false, nil
	}

	job.Cancelled = true
	job.Status = domain.JobStatusCancelled
	job.UpdatedAt = at
	job.CompletedAt = &at
	s.jobs[id] = job
	return true, nil
}

func (s *MemoryJobStore) IsCancelled(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return false, nil
	}
	return job.Cancelled, nil
}

func (s *MemoryJobStore) ListByProject(_ context.Context, projectID string) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []domain.Job
	for _, job := range s.jobs {
		if job.ProjectID == projectID {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return s.seq[jobs[i].ID] > s.seq[jobs[j].ID]
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs, nil
}

func (s *MemoryJobStore) ResetStaleProcessing(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reset int64
	now := time.Now().UTC()
	for id, job := range s.jobs {
		if job.Status != domain.JobStatusProcessing {
			continue
		}
		job.Status = domain.JobStatusPending
		job.UpdatedAt = now
		s.jobs[id] = job
		reset++
	}
	return reset, nil
}

func (s *MemoryJobStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, job := range s.jobs {
		if job.CreatedAt.Before(cutoff) {
			delete(s.jobs, id)
			delete(s.seq, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryJobStore) Stats(_ context.Context, since time.Time) (JobStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats JobStats
	for _, job := range s.jobs {
		switch job.Status {
		case domain.JobStatusPending, domain.JobStatusProcessing:
			stats.ActiveJobs++
		case domain.JobStatusCompleted:
			if job.CompletedAt != nil && !job.CompletedAt.Before(since) {
				stats.CompletedJobs24h++
			}
		case domain.JobStatusFailed:
			if job.CompletedAt != nil && !job.CompletedAt.Before(since) {
				stats.FailedJobs24h++
			}
		}
	}
	return stats, nil
}
