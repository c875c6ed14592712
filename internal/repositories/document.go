package repositories

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"hirelens/evaluator/internal/apperrors"
	"hirelens/evaluator/internal/models"
)

// DocumentRepository is the read side of the document provider contract.
// The upload subsystem owns the rows; the evaluation core only reads
// them.
type DocumentRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Document, error)
	FindForOwner(ctx context.Context, id uuid.UUID, ownerID string) (*models.Document, error)
	ListByType(ctx context.Context, docType models.DocumentType, limit int) ([]models.Document, error)
	MarkVectorized(ctx context.Context, id uuid.UUID) error
}

type documentRepository struct {
	db *gorm.DB
}

func NewDocumentRepository(db *gorm.DB) DocumentRepository {
	return &documentRepository{db: db}
}

func (r *documentRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	var doc models.Document
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("document %s not found", id)
		}
		return nil, apperrors.Persistence(err, "failed to find document %s", id)
	}
	return &doc, nil
}

// FindForOwner reports not-found on owner mismatch so document existence
// is never leaked across owners.
func (r *documentRepository) FindForOwner(ctx context.Context, id uuid.UUID, ownerID string) (*models.Document, error) {
	var doc models.Document
	err := r.db.WithContext(ctx).
		Where("id = ? AND owner_id = ?", id, ownerID).
		First(&doc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("document %s not found", id)
		}
		return nil, apperrors.Persistence(err, "failed to find document %s", id)
	}
	return &doc, nil
}

func (r *documentRepository) ListByType(ctx context.Context, docType models.DocumentType, limit int) ([]models.Document, error) {
	var docs []models.Document
	err := r.db.WithContext(ctx).
		Where("type = ?", docType).
		Order("created_at ASC").
		Limit(limit).
		Find(&docs).Error
	if err != nil {
		return nil, apperrors.Persistence(err, "failed to list %s documents", docType)
	}
	return docs, nil
}

func (r *documentRepository) MarkVectorized(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&models.Document{}).
		Where("id = ?", id).
		Update("vectorized", true)
	if result.Error != nil {
		return apperrors.Persistence(result.Error, "failed to mark document %s vectorized", id)
	}
	if result.RowsAffected == 0 {
		return apperrors.NotFound("document %s not found", id)
	}
	return nil
}
