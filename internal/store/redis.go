package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"channel-pipeline/internal/models"
)

// RedisStore keeps each job as a JSON string under job:<jobID>. Keys carry
// no TTL; jobs are never expired here.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Get fetches a job by id. A missing key reports ok=false with a nil error.
func (s *RedisStore) Get(ctx context.Context, jobID string) (models.Job, bool, error) {
	raw, err := s.client.Get(ctx, Key(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("%w: get %s: %w", models.ErrStore, jobID, err)
	}
	var job models.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return models.Job{}, false, fmt.Errorf("%w: decode %s: %w", models.ErrStore, jobID, err)
	}
	return job, true, nil
}

// Set overwrites the full record.
func (s *RedisStore) Set(ctx context.Context, job models.Job) error {
	if job.JobID == "" {
		return fmt.Errorf("%w: empty job id", models.ErrStore)
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", models.ErrStore, job.JobID, err)
	}
	if err := s.client.Set(ctx, Key(job.JobID), raw, 0).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %w", models.ErrStore, job.JobID, err)
	}
	return nil
}
