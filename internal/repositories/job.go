package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/floworc/floworc/internal/db"
	"github.com/floworc/floworc/internal/events"
)

// gormJobRepository is the GORM implementation of JobRepository.
type gormJobRepository struct {
	db *gorm.DB
}

// NewJobRepository returns a JobRepository backed by the provided *gorm.DB.
func NewJobRepository(database *gorm.DB) JobRepository {
	return &gormJobRepository{db: database}
}

// Create inserts a new job record. Returns ErrConflict when a record with
// the same ID already exists.
func (r *gormJobRepository) Create(ctx context.Context, job events.Job) error {
	var record db.Job
	if err := record.FromDomain(job); err != nil {
		return fmt.Errorf("jobs: encode: %w", err)
	}
	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("jobs: create: %w", err)
	}
	return nil
}

// Update persists the full snapshot of an existing job record.
func (r *gormJobRepository) Update(ctx context.Context, job events.Job) error {
	var record db.Job
	if err := record.FromDomain(job); err != nil {
		return fmt.Errorf("jobs: encode: %w", err)
	}
	result := r.db.WithContext(ctx).Model(&db.Job{}).Where("id = ?", record.ID).
		Updates(map[string]interface{}{
			"status":           record.Status,
			"started_at":       record.StartedAt,
			"completed_at":     record.CompletedAt,
			"last_error":       record.LastError,
			"progress_percent": record.ProgressPercent,
			"current_step":     record.CurrentStep,
			"metrics":          record.Metrics,
		})
	if result.Error != nil {
		return fmt.Errorf("jobs: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByID retrieves a job by its ID. Returns ErrNotFound if no record exists.
func (r *gormJobRepository) GetByID(ctx context.Context, id string) (events.Job, error) {
	var record db.Job
	err := r.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return events.Job{}, ErrNotFound
		}
		return events.Job{}, fmt.Errorf("jobs: get by id: %w", err)
	}
	job, err := record.ToDomain()
	if err != nil {
		return events.Job{}, fmt.Errorf("jobs: decode %s: %w", id, err)
	}
	return job, nil
}

// List returns jobs matching the filter and the total count, ordered by
// scheduled time descending (most recent first).
func (r *gormJobRepository) List(ctx context.Context, filter ListFilter) ([]events.Job, int64, error) {
	q := r.db.WithContext(ctx).Model(&db.Job{})
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.Kind != "" {
		q = q.Where("kind = ?", string(filter.Kind))
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list count: %w", err)
	}

	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	var records []db.Job
	if err := q.Order("scheduled_at DESC").Find(&records).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list: %w", err)
	}

	jobs := make([]events.Job, 0, len(records))
	for i := range records {
		job, err := records[i].ToDomain()
		if err != nil {
			return nil, 0, fmt.Errorf("jobs: decode %s: %w", records[i].ID, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, total, nil
}

// Delete removes a job record and its retained logs.
func (r *gormJobRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_id = ?", id).Delete(&db.JobLog{}).Error; err != nil {
			return fmt.Errorf("jobs: delete logs: %w", err)
		}
		result := tx.Where("id = ?", id).Delete(&db.Job{})
		if result.Error != nil {
			return fmt.Errorf("jobs: delete: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// BulkCreateLogs inserts multiple log lines in a single transaction.
// Logs are collected during job execution and inserted all at once at
// completion to minimize write pressure during the run.
func (r *gormJobRepository) BulkCreateLogs(ctx context.Context, logs []db.JobLog) error {
	if len(logs) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&logs).Error; err != nil {
		return fmt.Errorf("jobs: bulk create logs: %w", err)
	}
	return nil
}

// GetLogs returns all log lines for a job ordered by timestamp ascending.
func (r *gormJobRepository) GetLogs(ctx context.Context, jobID string) ([]db.JobLog, error) {
	var logs []db.JobLog
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("timestamp ASC").
		Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("jobs: get logs: %w", err)
	}
	return logs, nil
}

// isUniqueViolation detects unique-constraint errors across both supported
// drivers without importing driver-specific error types.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
