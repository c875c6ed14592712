package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"hirelens/evaluator/internal/apperrors"
	"hirelens/evaluator/internal/models"
	"hirelens/evaluator/internal/repositories"
)

const (
	minJobTitleLength = 3
	maxJobTitleLength = 100

	// rough queue-drain estimate surfaced to the caller
	estimatedJobDuration = 2 * time.Minute
)

type DispatcherService interface {
	Submit(ctx context.Context, ownerID string, req *models.EvaluateRequest) (*models.EvaluateResponse, error)
}

type dispatcherService struct {
	jobRepo repositories.JobRepository
	docRepo repositories.DocumentRepository
	queue   Queue
	log     *zap.Logger
}

func NewDispatcherService(
	jobRepo repositories.JobRepository,
	docRepo repositories.DocumentRepository,
	queue Queue,
	log *zap.Logger,
) DispatcherService {
	return &dispatcherService{
		jobRepo: jobRepo,
		docRepo: docRepo,
		queue:   queue,
		log:     log,
	}
}

// Submit implements DispatcherService: validate, mint a job id, persist
// the queued record, enqueue the work item, and return synchronously.
func (d *dispatcherService) Submit(ctx context.Context, ownerID string, req *models.EvaluateRequest) (*models.EvaluateResponse, error) {
	if ownerID == "" {
		return nil, apperrors.Validation("owner id is required")
	}

	title := strings.TrimSpace(req.JobTitle)
	if n := utf8.RuneCountInString(title); n < minJobTitleLength || n > maxJobTitleLength {
		return nil, apperrors.Validation("job_title must be between %d and %d characters", minJobTitleLength, maxJobTitleLength)
	}

	cvDocID, err := uuid.Parse(req.CVDocumentID)
	if err != nil {
		return nil, apperrors.Validation("cv_document_id is not a valid id")
	}
	projectDocID, err := uuid.Parse(req.ProjectDocumentID)
	if err != nil {
		return nil, apperrors.Validation("project_document_id is not a valid id")
	}

	cvDoc, err := d.docRepo.FindForOwner(ctx, cvDocID, ownerID)
	if err != nil {
		return nil, err
	}
	if cvDoc.Type != models.DocTypeCV {
		return nil, apperrors.Validation("document %s is not a CV", cvDocID)
	}
	if strings.TrimSpace(cvDoc.ExtractedText) == "" {
		return nil, apperrors.Validation("CV document %s has no extracted text yet", cvDocID)
	}

	projectDoc, err := d.docRepo.FindForOwner(ctx, projectDocID, ownerID)
	if err != nil {
		return nil, err
	}
	if projectDoc.Type != models.DocTypeProjectReport {
		return nil, apperrors.Validation("document %s is not a project report", projectDocID)
	}
	if strings.TrimSpace(projectDoc.ExtractedText) == "" {
		return nil, apperrors.Validation("project document %s has no extracted text yet", projectDocID)
	}

	jobID := MintJobID()

	job := &models.EvaluationJob{
		ID:                uuid.New(),
		JobID:             jobID,
		OwnerID:           ownerID,
		JobTitle:          title,
		CVDocumentID:      cvDocID,
		ProjectDocumentID: projectDocID,
		Status:            models.StatusQueued,
		Version:           1,
	}

	created, err := d.jobRepo.CreateAtomic(ctx, job)
	if err != nil {
		return nil, err
	}

	item := &WorkItem{
		JobID:       created.JobID,
		RecordID:    created.ID,
		JobTitle:    title,
		CVText:      cvDoc.ExtractedText,
		ProjectText: projectDoc.ExtractedText,
		OwnerID:     ownerID,
	}

	if err := d.queue.Enqueue(ctx, item); err != nil {
		// The row exists but no work item backs it; mark it failed so the
		// caller sees a consistent record.
		msg := fmt.Sprintf("enqueue failed: %v", err)
		if _, terr := d.jobRepo.TransitionStatus(ctx, created.JobID, models.StatusFailed, &repositories.TransitionExtras{ErrorMessage: &msg}); terr != nil {
			d.log.Error("failed to mark job failed after enqueue error",
				zap.String("job_id", created.JobID),
				zap.Error(terr),
			)
		}
		return nil, apperrors.Persistence(err, "failed to enqueue job %s", created.JobID)
	}

	d.log.Info("job submitted",
		zap.String("job_id", created.JobID),
		zap.String("job_title", title),
	)

	return &models.EvaluateResponse{
		ID:                  created.JobID,
		Status:              string(created.Status),
		EstimatedCompletion: time.Now().Add(estimatedJobDuration).UTC().Format(time.RFC3339),
	}, nil
}

// MintJobID produces "eval_<base36 millis>_<12 hex>". Collisions are
// practically impossible; CreateAtomic makes them observably safe anyway.
func MintJobID() string {
	var buf [6]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing is effectively fatal elsewhere; degrade to
		// a time-derived suffix rather than panic.
		return fmt.Sprintf("eval_%s_%012x", strconv.FormatInt(time.Now().UnixMilli(), 36), time.Now().UnixNano()&0xffffffffffff)
	}
	return fmt.Sprintf("eval_%s_%s", strconv.FormatInt(time.Now().UnixMilli(), 36), hex.EncodeToString(buf[:]))
}
