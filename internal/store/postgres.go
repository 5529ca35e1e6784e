package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"channel-pipeline/internal/models"
)

// PostgresStore wraps pgxpool and keeps each job as a JSONB record.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a pooled connection to Postgres.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Get fetches a job by id.
func (s *PostgresStore) Get(ctx context.Context, jobID string) (models.Job, bool, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT record FROM jobs WHERE id = $1`, jobID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("%w: select %s: %w", models.ErrStore, jobID, err)
	}
	var job models.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return models.Job{}, false, fmt.Errorf("%w: decode %s: %w", models.ErrStore, jobID, err)
	}
	return job, true, nil
}

// Set upserts the full record. The status column mirrors the record for
// operational queries only.
func (s *PostgresStore) Set(ctx context.Context, job models.Job) error {
	if job.JobID == "" {
		return fmt.Errorf("%w: empty job id", models.ErrStore)
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", models.ErrStore, job.JobID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, record, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE
		SET record = EXCLUDED.record, status = EXCLUDED.status, updated_at = NOW()
	`, job.JobID, raw, string(job.Status), job.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: upsert %s: %w", models.ErrStore, job.JobID, err)
	}
	return nil
}
