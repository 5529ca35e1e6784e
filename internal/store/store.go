package store

import (
	"context"
	"fmt"
	"sync"

	"channel-pipeline/internal/models"
)

// JobStore persists whole job records keyed by job ID. Set overwrites the
// full record; there is no partial update and no concurrency check, so
// callers merge previous fields before writing.
type JobStore interface {
	Get(ctx context.Context, jobID string) (models.Job, bool, error)
	Set(ctx context.Context, job models.Job) error
}

// Key returns the persisted key of a job record.
func Key(jobID string) string { return "job:" + jobID }

// MemoryStore keeps job records in process memory. Used by the
// single-process mode and by tests.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]models.Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]models.Job)}
}

func (m *MemoryStore) Get(_ context.Context, jobID string) (models.Job, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[Key(jobID)]
	if !ok {
		return models.Job{}, false, nil
	}
	return cloneJob(job), true, nil
}

func (m *MemoryStore) Set(_ context.Context, job models.Job) error {
	if job.JobID == "" {
		return fmt.Errorf("%w: empty job id", models.ErrStore)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[Key(job.JobID)] = cloneJob(job)
	return nil
}

// Len returns how many records are stored.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.jobs)
}

func cloneJob(j models.Job) models.Job {
	if j.Items != nil {
		j.Items = append([]models.Item(nil), j.Items...)
	}
	return j
}
