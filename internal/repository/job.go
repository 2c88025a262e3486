package repository

import (
	"context"
	"errors"
	"time"

	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/models"
	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/storage"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type JobRepository struct {
	db *storage.Postgres
}

func NewJobRepository(db *storage.Postgres) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) Create(ctx context.Context, job *models.Job) error {
	return r.db.DB.WithContext(ctx).Create(job).Error
}

// Returns nil when the job does not exist
func (r *JobRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var job models.Job
	err := r.db.DB.WithContext(ctx).
		Where("id = ?", id).
		First(&job).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &job, nil
}

// Jobs of one key fingerprint, most recent first
func (r *JobRepository) List(ctx context.Context, fingerprint string, limit int) ([]models.Job, error) {
	var jobs []models.Job
	err := r.db.DB.WithContext(ctx).
		Where("key_fingerprint = ?", fingerprint).
		Order("created_at DESC").
		Limit(limit).
		Find(&jobs).Error

	return jobs, err
}

func (r *JobRepository) Save(ctx context.Context, job *models.Job) error {
	return r.db.DB.WithContext(ctx).Save(job).Error
}

func (r *JobRepository) UpdateProgress(ctx context.Context, id uuid.UUID, completed, failed int, rateLimit string) error {
	return r.db.DB.WithContext(ctx).
		Model(&models.Job{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"completed_rows": completed,
			"failed_rows":    failed,
			"rate_limit":     rateLimit,
		}).Error
}

func (r *JobRepository) SaveResult(ctx context.Context, result *models.JobResult) error {
	return r.db.DB.WithContext(ctx).Save(result).Error
}

// Returns nil when no result was stored
func (r *JobRepository) FindResult(ctx context.Context, id uuid.UUID) (*models.JobResult, error) {
	var result models.JobResult
	err := r.db.DB.WithContext(ctx).
		Where("job_id = ?", id).
		First(&result).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &result, nil
}

// Deletes jobs finished before the cutoff along with their results
func (r *JobRepository) DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error) {
	var removed int64
	err := r.db.Transaction(func(tx *gorm.DB) error {
		tx = tx.WithContext(ctx)

		finished := tx.Model(&models.Job{}).Select("id").Where("finished_at < ?", before)
		if err := tx.Where("job_id IN (?)", finished).Delete(&models.JobResult{}).Error; err != nil {
			return err
		}

		res := tx.Where("finished_at < ?", before).Delete(&models.Job{})
		removed = res.RowsAffected
		return res.Error
	})

	return removed, err
}
