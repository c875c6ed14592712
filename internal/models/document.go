package models

import (
	"time"

	"github.com/google/uuid"
)

type DocumentType string

const (
	DocTypeCV             DocumentType = "cv"
	DocTypeProjectReport  DocumentType = "project_report"
	DocTypeJobDescription DocumentType = "job_description"
	DocTypeCaseStudy      DocumentType = "case_study"
	DocTypeCVRubric       DocumentType = "cv_rubric"
	DocTypeProjectRubric  DocumentType = "project_rubric"
)

// Document is owned by the upload subsystem; the evaluation core only
// reads it. ExtractedText must be present before the document can feed
// the engine or the retrieval index.
type Document struct {
	ID            uuid.UUID    `gorm:"type:uuid;primary_key;default:gen_random_uuid()" json:"id"`
	Type          DocumentType `gorm:"type:text;not null;index" json:"type"`
	OwnerID       string       `gorm:"type:text;not null;index" json:"-"`
	ExtractedText string       `gorm:"type:text" json:"-"`
	Vectorized    bool         `gorm:"not null;default:false" json:"vectorized"`
	CreatedAt     time.Time    `gorm:"default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt     time.Time    `gorm:"default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Document) TableName() string {
	return "documents"
}
