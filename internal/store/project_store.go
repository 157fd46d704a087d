package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/mafalana/geoproc/internal/domain"
)

const projectSchemaSQL = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	client TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	tags TEXT[] NOT NULL DEFAULT '{}',
	crs JSONB,
	location JSONB,
	point_count BIGINT NOT NULL DEFAULT 0,
	thumbnail TEXT NOT NULL DEFAULT '',
	cloud_url TEXT NOT NULL DEFAULT '',
	ortho JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

type PostgresProjectStore struct {
	db *sql.DB
}

func NewPostgresProjectStore(ctx context.Context, db *sql.DB) (*PostgresProjectStore, error) {
	s := &PostgresProjectStore{db: db}
	if _, err := db.ExecContext(ctx, projectSchemaSQL); err != nil {
		return nil, fmt.Errorf("ensure projects schema: %w", err)
	}
	return s, nil
}

func (s *PostgresProjectStore) GetProject(ctx context.Context, id string) (domain.Project, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, name, client, description, tags, crs, location, point_count,
			thumbnail, cloud_url, ortho, created_at, updated_at
		 FROM projects WHERE id = $1`,
		id,
	)

	var (
		p                           domain.Project
		crsJSON, locJSON, orthoJSON []byte
	)
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Client,
		&p.Description,
		pq.Array(&p.Tags),
		&crsJSON,
		&locJSON,
		&p.PointCount,
		&p.Thumbnail,
		&p.CloudURL,
		&orthoJSON,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Project{}, false, nil
		}
		return domain.Project{}, false, fmt.Errorf("query project: %w", err)
	}

	if len(crsJSON) > 0 {
		p.CRS = &domain.CRS{}
		if err := json.Unmarshal(crsJSON, p.CRS); err != nil {
			return domain.Project{}, false, fmt.Errorf("unmarshal project crs: %w", err)
		}
	}
	if len(locJSON) > 0 {
		p.Location = &domain.Location{}
		if err := json.Unmarshal(locJSON, p.Location); err != nil {
			return domain.Project{}, false, fmt.Errorf("unmarshal project location: %w", err)
		}
	}
	if len(orthoJSON) > 0 {
		p.Ortho = &domain.Ortho{}
		if err := json.Unmarshal(orthoJSON, p.Ortho); err != nil {
			return domain.Project{}, false, fmt.Errorf("unmarshal project ortho: %w", err)
		}
	}
	return p, true, nil
}

func (s *PostgresProjectStore) UpdateProject(ctx context.Context, p domain.Project) error {
	var (
		crsJSON, locJSON, orthoJSON []byte
		err                         error
	)
	if p.CRS != nil {
		if crsJSON, err = json.Marshal(p.CRS); err != nil {
			return fmt.Errorf("marshal project crs: %w", err)
		}
	}
	if p.Location != nil {
		if locJSON, err = json.Marshal(p.Location); err != nil {
			return fmt.Errorf("marshal project location: %w", err)
		}
	}
	if p.Ortho != nil {
		if orthoJSON, err = json.Marshal(p.Ortho); err != nil {
			return fmt.Errorf("marshal project ortho: %w", err)
		}
	}

	tags := p.Tags
	if tags == nil {
		tags = []string{}
	}

	res, err := s.db.ExecContext(
		ctx,
		`UPDATE projects
		 SET name = $1, client = $2, description = $3, tags = $4, crs = $5,
			location = $6, point_count = $7, thumbnail = $8, cloud_url = $9,
			ortho = $10, updated_at = $11
		 WHERE id = $12`,
		p.Name,
		p.Client,
		p.Description,
		pq.Array(tags),
		crsJSON,
		locJSON,
		p.PointCount,
		p.Thumbnail,
		p.CloudURL,
		orthoJSON,
		time.Now().UTC(),
		p.ID,
	)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update project rows affected: %w", err)
	}
	if affected == 0 {
		return ErrProjectNotFound
	}
	return nil
}

func (s *PostgresProjectStore) ProjectStats(ctx context.Context) (int64, int64, error) {
	var totalProjects, totalPoints int64
	err := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(*), COALESCE(SUM(point_count), 0) FROM projects`,
	).Scan(&totalProjects, &totalPoints)
	if err != nil {
		return 0, 0, fmt.Errorf("query project stats: %w", err)
	}
	return totalProjects, totalPoints, nil
}

// MemoryProjectStore backs tests and single-process runs.
type MemoryProjectStore struct {
	mu       sync.RWMutex
	projects map[string]domain.Project
}

func NewMemoryProjectStore() *MemoryProjectStore {
	return &MemoryProjectStore{projects: make(map[string]domain.Project)}
}

func (s *MemoryProjectStore) Put(p domain.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.ID] = p
}

func (s *MemoryProjectStore) GetProject(_ context.Context, id string) (domain.Project, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	return p, ok, nil
}

func (s *MemoryProjectStore) UpdateProject(_ context.Context, p domain.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[p.ID]; !ok {
		return ErrProjectNotFound
	}
	p.UpdatedAt = time.Now().UTC()
	s.projects[p.ID] = p
	return nil
}

func (s *MemoryProjectStore) ProjectStats(_ context.Context) (int64, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var points int64
	for _, p := range s.projects {
		points += p.PointCount
	}
	return int64(len(s.projects)), points, nil
}
