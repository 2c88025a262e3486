package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/models"
	"github.com/google/uuid"
)

// MemoryJobRepository keeps jobs in process memory. It is used when no
// database is configured; jobs are lost on restart.
type MemoryJobRepository struct {
	mu      sync.RWMutex
	jobs    map[uuid.UUID]models.Job
	results map[uuid.UUID]models.JobResult
	now     func() time.Time
}

func NewMemoryJobRepository() *MemoryJobRepository {
	return &MemoryJobRepository{
		jobs:    make(map[uuid.UUID]models.Job),
		results: make(map[uuid.UUID]models.JobResult),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryJobRepository) Create(ctx context.Context, job *models.Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = *job
	return nil
}

func (r *MemoryJobRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, nil
	}
	return &job, nil
}

func (r *MemoryJobRepository) List(ctx context.Context, fingerprint string, limit int) ([]models.Job, error) {
	r.mu.RLock()
	jobs := make([]models.Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		if job.KeyFingerprint == fingerprint {
			jobs = append(jobs, job)
		}
	}
	r.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (r *MemoryJobRepository) Save(ctx context.Context, job *models.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = *job
	return nil
}

func (r *MemoryJobRepository) UpdateProgress(ctx context.Context, id uuid.UUID, completed, failed int, rateLimit string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil
	}
	job.CompletedRows = completed
	job.FailedRows = failed
	job.RateLimit = rateLimit
	r.jobs[id] = job
	return nil
}

func (r *MemoryJobRepository) SaveResult(ctx context.Context, result *models.JobResult) error {
	if result.CreatedAt.IsZero() {
		result.CreatedAt = r.now()
	}

	stored := *result
	stored.CSV = append([]byte(nil), result.CSV...)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[result.JobID] = stored
	return nil
}

func (r *MemoryJobRepository) FindResult(ctx context.Context, id uuid.UUID) (*models.JobResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result, ok := r.results[id]
	if !ok {
		return nil, nil
	}
	result.CSV = append([]byte(nil), result.CSV...)
	return &result, nil
}

func (r *MemoryJobRepository) DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed int64
	for id, job := range r.jobs {
		if job.FinishedAt != nil && job.FinishedAt.Before(before) {
			delete(r.jobs, id)
			delete(r.results, id)
			removed++
		}
	}
	return removed, nil
}
