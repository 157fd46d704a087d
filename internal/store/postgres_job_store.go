package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/mafalana/geoproc/internal/domain"
)

const jobSchemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	seq BIGSERIAL,
	project_id TEXT NOT NULL,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	current_step TEXT NOT NULL DEFAULT '',
	progress_message TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	cancelled BOOLEAN NOT NULL DEFAULT FALSE,
	source_key TEXT NOT NULL DEFAULT '',
	work_path TEXT NOT NULL DEFAULT '',
	retry_count INT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS jobs_status_created_at_idx ON jobs (status, created_at);
CREATE INDEX IF NOT EXISTS jobs_project_id_idx ON jobs (project_id);
CREATE INDEX IF NOT EXISTS jobs_created_at_idx ON jobs (created_at);
`

const jobColumns = `id, project_id, type, status, current_step, progress_message,
	error_message, cancelled, source_key, work_path, retry_count,
	created_at, updated_at, completed_at`

// PostgresJobStore implements JobStore on a shared *sql.DB. Claim atomicity
// comes from FOR UPDATE SKIP LOCKED: concurrent workers never observe the
// same pending row.
type PostgresJobStore struct {
	db *sql.DB
}

// Open dials Postgres and verifies the connection. The returned handle is
// shared between the job and project stores.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func NewPostgresJobStore(ctx context.Context, db *sql.DB) (*PostgresJobStore, error) {
	s := &PostgresJobStore{db: db}
	if _, err := db.ExecContext(ctx, jobSchemaSQL); err != nil {
		return nil, fmt.Errorf("ensure jobs schema: %w", err)
	}
	return s, nil
}

func (s *PostgresJobStore) Create(ctx context.Context, job domain.Job) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (id, project_id, type, status, current_step, progress_message,
			error_message, cancelled, source_key, work_path, retry_count,
			created_at, updated_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		job.ID,
		job.ProjectID,
		job.Type,
		job.Status,
		job.CurrentStep,
		job.ProgressMessage,
		job.ErrorMessage,
		job.Cancelled,
		job.SourceKey,
		job.WorkPath,
		job.RetryCount,
		job.CreatedAt,
		job.UpdatedAt,
		job.CompletedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
			return ErrDuplicateJob
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func scanJob(row interface{ Scan(...any) error }) (domain.Job, error) {
	var (
		job         domain.Job
		completedAt sql.NullTime
	)
	err := row.Scan(
		&job.ID,
		&job.ProjectID,
		&job.Type,
		&job.Status,
		&job.CurrentStep,
		&job.ProgressMessage,
		&job.ErrorMessage,
		&job.Cancelled,
		&job.SourceKey,
		&job.WorkPath,
		&job.RetryCount,
		&job.CreatedAt,
		&job.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return domain.Job{}, err
	}
	if completedAt.Valid {
		at := completedAt.Time
		job.CompletedAt = &at
	}
	return job, nil
}

func (s *PostgresJobStore) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`,
		id,
	)
	job, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("query job: %w", err)
	}
	return job, true, nil
}

func (s *PostgresJobStore) ClaimNext(ctx context.Context) (domain.Job, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`UPDATE jobs
		 SET status = $1, updated_at = $2
		 WHERE id = (
			SELECT id FROM jobs
			WHERE status = $3
			ORDER BY created_at, seq
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		domain.JobStatusProcessing,
		time.Now().UTC(),
		domain.JobStatusPending,
	)
	job, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("claim next job: %w", err)
	}
	return job, true, nil
}

func (s *PostgresJobStore) Update(ctx context.Context, id string, fields JobUpdate) error {
	set := []string{"updated_at = $1"}
	args := []any{time.Now().UTC()}

	add := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if fields.Status != nil {
		add("status", *fields.Status)
		if domain.IsTerminal(*fields.Status) {
			set = append(set, "completed_at = COALESCE(completed_at, $1)")
		}
	}
	if fields.CurrentStep != nil {
		add("current_step", *fields.CurrentStep)
	}
	if fields.ProgressMessage != nil {
		add("progress_message", *fields.ProgressMessage)
	}
	if fields.ErrorMessage != nil {
		add("error_message", *fields.ErrorMessage)
	}

	// Terminal rows are immutable; a late progress write from a pipeline
	// that lost a cancellation race lands on nothing.
	args = append(args, id, domain.JobStatusCompleted, domain.JobStatusFailed, domain.JobStatusCancelled)
	query := fmt.Sprintf(
		"UPDATE jobs SET %s WHERE id = $%d AND status NOT IN ($%d, $%d, $%d)",
		strings.Join(set, ", "), len(args)-3, len(args)-2, len(args)-1, len(args),
	)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// Cancel is the authoritative cancellation check: the WHERE clause admits only
// non-terminal rows, so a job that completed in the meantime reports false and
// keeps its record untouched.
func (s *PostgresJobStore) Cancel(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs
		 SET cancelled = TRUE, status = $1, updated_at = $2, completed_at = $2
		 WHERE id = $3 AND status IN ($4, $5)`,
		domain.JobStatusCancelled,
		at,
		id,
		domain.JobStatusPending,
		domain.JobStatusProcessing,
	)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel job rows affected: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresJobStore) IsCancelled(ctx context.Context, id string) (bool, error) {
	var cancelled bool
	err := s.db.QueryRowContext(ctx, `SELECT cancelled FROM jobs WHERE id = $1`, id).Scan(&cancelled)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("query cancelled flag: %w", err)
	}
	return cancelled, nil
}

func (s *PostgresJobStore) ListByProject(ctx context.Context, projectID string) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE project_id = $1 ORDER BY created_at DESC, seq DESC`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("query jobs by project: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return jobs, nil
}

func (s *PostgresJobStore) ResetStaleProcessing(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET status = $1, updated_at = $2 WHERE status = $3`,
		domain.JobStatusPending,
		time.Now().UTC(),
		domain.JobStatusProcessing,
	)
	if err != nil {
		return 0, fmt.Errorf("reset stale processing jobs: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresJobStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired jobs: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresJobStore) Stats(ctx context.Context, since time.Time) (JobStats, error) {
	var stats JobStats
	err := s.db.QueryRowContext(
		ctx,
		`SELECT
			COUNT(*) FILTER (WHERE status IN ($1, $2)),
			COUNT(*) FILTER (WHERE status = $3 AND completed_at >= $5),
			COUNT(*) FILTER (WHERE status = $4 AND completed_at >= $5)
		 FROM jobs`,
		domain.JobStatusPending,
		domain.JobStatusProcessing,
		domain.JobStatusCompleted,
		domain.JobStatusFailed,
		since,
	).Scan(&stats.ActiveJobs, &stats.CompletedJobs24h, &stats.FailedJobs24h)
	if err != nil {
		return JobStats{}, fmt.Errorf("query job stats: %w", err)
	}
	return stats, nil
}
