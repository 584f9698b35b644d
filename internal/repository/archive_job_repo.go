package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/studiodesk/internal/domain"
	"gorm.io/gorm"
)

// ErrJobNotFound is returned when no archive job matches.
var ErrJobNotFound = errors.New("archive job not found")

var activeStatuses = []domain.JobStatus{domain.JobStatusPending, domain.JobStatusRunning}

// ArchiveJobRepository persists archive jobs.
type ArchiveJobRepository struct {
	db *gorm.DB
}

// NewArchiveJobRepository creates a new ArchiveJobRepository.
func NewArchiveJobRepository(db *gorm.DB) *ArchiveJobRepository {
	return &ArchiveJobRepository{db: db}
}

// Create inserts a new job record.
func (r *ArchiveJobRepository) Create(ctx context.Context, job *domain.ArchiveJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

// GetByID retrieves a job by its ID.
func (r *ArchiveJobRepository) GetByID(ctx context.Context, id string) (*domain.ArchiveJob, error) {
	var job domain.ArchiveJob
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

// FindLatest returns the newest job for a resource regardless of status.
func (r *ArchiveJobRepository) FindLatest(ctx context.Context, resourceID string) (*domain.ArchiveJob, error) {
	var job domain.ArchiveJob
	err := r.db.WithContext(ctx).
		Where("resource_id = ?", resourceID).
		Order("created_at DESC").
		First(&job).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

// FindLatestReady returns the newest completed, unexpired job for a resource.
func (r *ArchiveJobRepository) FindLatestReady(ctx context.Context, resourceID string, now time.Time) (*domain.ArchiveJob, error) {
	var job domain.ArchiveJob
	err := r.db.WithContext(ctx).
		Where("resource_id = ? AND status = ?", resourceID, domain.JobStatusCompleted).
		Where("(expires_at IS NULL OR expires_at > ?)", now).
		Order("completed_at DESC").
		First(&job).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

// FindActive returns a pending or running job started by userID for the resource
// that was updated at or after since.
func (r *ArchiveJobRepository) FindActive(ctx context.Context, resourceID, userID string, since time.Time) (*domain.ArchiveJob, error) {
	var job domain.ArchiveJob
	err := r.db.WithContext(ctx).
		Where("resource_id = ? AND user_id = ?", resourceID, userID).
		Where("status IN ?", activeStatuses).
		Where("updated_at >= ?", since).
		Order("created_at DESC").
		First(&job).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

// FailActive marks every pending or running job as failed and returns how many
// were changed.
func (r *ArchiveJobRepository) FailActive(ctx context.Context, message string, at time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&domain.ArchiveJob{}).
		Where("status IN ?", activeStatuses).
		Updates(map[string]interface{}{
			"status":        domain.JobStatusFailed,
			"progress":      0,
			"error_message": message,
			"completed_at":  at,
			"updated_at":    time.Now(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to fail active jobs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// MarkRunning moves a job to running.
func (r *ArchiveJobRepository) MarkRunning(ctx context.Context, id string, at time.Time) error {
	return r.update(ctx, id, map[string]interface{}{
		"status":     domain.JobStatusRunning,
		"started_at": at,
	})
}

// UpdateProgress records the latest percent and message.
func (r *ArchiveJobRepository) UpdateProgress(ctx context.Context, id string, percent int, message string) error {
	return r.update(ctx, id, map[string]interface{}{
		"progress":       percent,
		"status_message": message,
	})
}

// CompletedArchive is the outcome of a successful build.
type CompletedArchive struct {
	ObjectKey    string
	DownloadURL  string
	FileCount    int
	SkippedCount int
	SizeBytes    int64
	CompletedAt  time.Time
	ExpiresAt    time.Time
}

// MarkCompleted stores the archive location and clears any error.
func (r *ArchiveJobRepository) MarkCompleted(ctx context.Context, id string, res CompletedArchive) error {
	return r.update(ctx, id, map[string]interface{}{
		"status":         domain.JobStatusCompleted,
		"progress":       100,
		"object_key":     res.ObjectKey,
		"download_url":   res.DownloadURL,
		"error_message":  "",
		"file_count":     res.FileCount,
		"skipped_count":  res.SkippedCount,
		"size_bytes":     res.SizeBytes,
		"completed_at":   res.CompletedAt,
		"expires_at":     res.ExpiresAt,
		"status_message": "completed",
	})
}

// MarkFailed stores the failure and clears any archive location.
func (r *ArchiveJobRepository) MarkFailed(ctx context.Context, id, message string, at time.Time) error {
	return r.update(ctx, id, map[string]interface{}{
		"status":        domain.JobStatusFailed,
		"progress":      0,
		"error_message": message,
		"object_key":    "",
		"download_url":  "",
		"completed_at":  at,
	})
}

func (r *ArchiveJobRepository) update(ctx context.Context, id string, fields map[string]interface{}) error {
	fields["updated_at"] = time.Now()
	res := r.db.WithContext(ctx).Model(&domain.ArchiveJob{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("failed to update archive job %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrJobNotFound
	}
	return err
}
