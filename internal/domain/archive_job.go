package domain

import "time"

// JobStatus represents the status of an archive job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// IsActive reports whether the job is still being prepared.
func (s JobStatus) IsActive() bool {
	return s == JobStatusPending || s == JobStatusRunning
}

// ArchiveJob is one server-side archive preparation for a resource
// (a retouch request number). Completed jobs carry ObjectKey and DownloadURL,
// failed jobs carry ErrorMessage; never both.
type ArchiveJob struct {
	ID            string     `gorm:"type:text;primaryKey" json:"id"`
	ResourceID    string     `gorm:"type:text;not null;index" json:"resource_id"`
	UserID        string     `gorm:"type:text;not null;index" json:"user_id"`
	Status        JobStatus  `gorm:"type:text;default:pending;index" json:"status"`
	Progress      int        `gorm:"default:0" json:"progress"`
	StatusMessage string     `gorm:"type:text" json:"status_message,omitempty"`
	ObjectKey     string     `gorm:"type:text" json:"object_key,omitempty"`
	DownloadURL   string     `gorm:"type:text" json:"download_url,omitempty"`
	ErrorMessage  string     `gorm:"type:text" json:"error_message,omitempty"`
	FileCount     int        `gorm:"default:0" json:"file_count"`
	SkippedCount  int        `gorm:"default:0" json:"skipped_count"`
	SizeBytes     int64      `gorm:"default:0" json:"size_bytes"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	ExpiresAt     *time.Time `gorm:"index" json:"expires_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TableName returns the database table name for ArchiveJob.
func (ArchiveJob) TableName() string {
	return "archive_jobs"
}

// IsUsable reports whether a completed archive can still be handed out at now.
func (j *ArchiveJob) IsUsable(now time.Time) bool {
	if j.Status != JobStatusCompleted || j.ObjectKey == "" {
		return false
	}
	return j.ExpiresAt == nil || now.Before(*j.ExpiresAt)
}
