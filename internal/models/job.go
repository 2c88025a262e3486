package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCanceled  JobStatus = "canceled"
)

// Finished reports whether the job can no longer change.
func (s JobStatus) Finished() bool {
	return s == JobCompleted || s == JobFailed || s == JobCanceled
}

// Job is one uploaded CSV being run through LeMUR.
type Job struct {
	ID             uuid.UUID  `gorm:"type:uuid;primary_key" json:"id"`
	Status         JobStatus  `gorm:"index;not null" json:"status"`
	Filename       string     `json:"filename"`
	Prompt         string     `gorm:"type:text" json:"prompt"`
	KeyFingerprint string     `gorm:"index" json:"-"`
	CountAnswers   bool       `json:"count_answers"`
	TotalRows      int        `json:"total_rows"`
	CompletedRows  int        `json:"completed_rows"`
	FailedRows     int        `json:"failed_rows"`
	Pauses         int        `json:"pauses"`
	RateLimit      string     `json:"rate_limit,omitempty"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

func (j *Job) BeforeCreate(tx *gorm.DB) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	return nil
}

func (Job) TableName() string {
	return "jobs"
}

// StatusText is the progress line shown while the job runs.
func (j *Job) StatusText() string {
	if j.Status == JobCompleted {
		return fmt.Sprintf("Completed all %d requests", j.TotalRows)
	}
	return fmt.Sprintf("Completed %d/%d requests", j.CompletedRows, j.TotalRows)
}

// JobResult holds the annotated CSV of a completed job.
type JobResult struct {
	JobID     uuid.UUID `gorm:"type:uuid;primary_key"`
	CSV       []byte    `gorm:"type:bytea;not null"`
	CreatedAt time.Time
}

func (JobResult) TableName() string {
	return "job_results"
}
