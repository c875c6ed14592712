package models

import (
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// validTransitions is the only permitted shape of a job's history.
var validTransitions = map[JobStatus][]JobStatus{
	StatusQueued:     {StatusProcessing, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted:  {},
	StatusFailed:     {},
	StatusCancelled:  {},
}

func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s JobStatus) IsTerminal() bool {
	return len(validTransitions[s]) == 0
}

func (s JobStatus) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

type EvaluationJob struct {
	ID                    uuid.UUID         `gorm:"type:uuid;primary_key;default:gen_random_uuid()" json:"-"`
	JobID                 string            `gorm:"type:text;uniqueIndex;not null" json:"id"`
	OwnerID               string            `gorm:"type:text;not null;index" json:"-"`
	JobTitle              string            `gorm:"type:text;not null" json:"job_title"`
	CVDocumentID          uuid.UUID         `gorm:"type:uuid;not null" json:"cv_document_id"`
	ProjectDocumentID     uuid.UUID         `gorm:"type:uuid;not null" json:"project_document_id"`
	Status                JobStatus         `gorm:"type:text;not null;default:'queued';index" json:"status"`
	Version               int               `gorm:"not null;default:1" json:"-"`
	RetryCount            int               `gorm:"not null;default:0" json:"retry_count,omitempty"`
	ErrorMessage          *string           `gorm:"type:text" json:"error_message,omitempty"`
	Result                *EvaluationResult `gorm:"type:jsonb;serializer:json" json:"result,omitempty"`
	CreatedAt             time.Time         `gorm:"default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt             time.Time         `gorm:"default:CURRENT_TIMESTAMP" json:"updated_at"`
	ProcessingStartedAt   *time.Time        `gorm:"type:timestamp" json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time        `gorm:"type:timestamp" json:"processing_completed_at,omitempty"`
}

func (EvaluationJob) TableName() string {
	return "evaluation_jobs"
}
