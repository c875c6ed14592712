package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"hirelens/evaluator/internal/apperrors"
	"hirelens/evaluator/internal/models"
)

const (
	createRetries     = 3
	createBaseDelay   = 100 * time.Millisecond
	optimisticRetries = 3
	optimisticDelay   = 50 * time.Millisecond
)

// TransitionExtras carries the optional fields written alongside a
// status transition.
type TransitionExtras struct {
	Result         *models.EvaluationResult
	ErrorMessage   *string
	IncrementRetry bool
}

type ListOptions struct {
	Status string
	Page   int
	Limit  int
}

type JobRepository interface {
	CreateAtomic(ctx context.Context, job *models.EvaluationJob) (*models.EvaluationJob, error)
	FindByJobID(ctx context.Context, jobID string) (*models.EvaluationJob, error)
	FindForOwner(ctx context.Context, jobID, ownerID string) (*models.EvaluationJob, error)
	UpdateOptimistic(ctx context.Context, jobID string, expectedVersion int, patch map[string]interface{}) (*models.EvaluationJob, error)
	TransitionStatus(ctx context.Context, jobID string, newStatus models.JobStatus, extras *TransitionExtras) (*models.EvaluationJob, error)
	List(ctx context.Context, ownerID string, opts ListOptions) ([]models.EvaluationJob, *models.Pagination, error)
	Cancel(ctx context.Context, jobID, ownerID string) (*models.EvaluationJob, error)
	FindStaleQueued(ctx context.Context, olderThan time.Duration, limit int) ([]models.EvaluationJob, error)
}

type jobRepository struct {
	db      *gorm.DB
	timeout time.Duration
	log     *zap.Logger
}

func NewJobRepository(db *gorm.DB, timeout time.Duration, log *zap.Logger) JobRepository {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &jobRepository{db: db, timeout: timeout, log: log}
}

func (r *jobRepository) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.timeout)
}

// CreateAtomic implements JobRepository: upsert-by-job-id. If the row
// already exists the existing record is returned unchanged, so repeated
// submissions with the same job id are idempotent.
func (r *jobRepository) CreateAtomic(ctx context.Context, job *models.EvaluationJob) (*models.EvaluationJob, error) {
	var lastErr error

	for attempt := 0; attempt <= createRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(createBaseDelay * time.Duration(1<<(attempt-1)))
		}

		opCtx, cancel := r.withTimeout(ctx)
		err := r.db.WithContext(opCtx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "job_id"}},
				DoNothing: true,
			}).
			Create(job).Error
		cancel()

		if err == nil {
			return r.FindByJobID(ctx, job.JobID)
		}
		lastErr = err
		r.log.Warn("job insert failed, retrying",
			zap.String("job_id", job.JobID),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	// Final re-read: a concurrent insert may have won the race.
	if existing, err := r.FindByJobID(ctx, job.JobID); err == nil {
		return existing, nil
	}
	return nil, apperrors.Persistence(lastErr, "failed to create job %s", job.JobID)
}

// FindByJobID implements JobRepository.
func (r *jobRepository) FindByJobID(ctx context.Context, jobID string) (*models.EvaluationJob, error) {
	opCtx, cancel := r.withTimeout(ctx)
	defer cancel()

	var job models.EvaluationJob
	err := r.db.WithContext(opCtx).Where("job_id = ?", jobID).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("job %s not found", jobID)
		}
		return nil, apperrors.Persistence(err, "failed to find job %s", jobID)
	}
	return &job, nil
}

// FindForOwner implements JobRepository. An owner mismatch reports
// not-found so that job existence is never leaked across owners.
func (r *jobRepository) FindForOwner(ctx context.Context, jobID, ownerID string) (*models.EvaluationJob, error) {
	opCtx, cancel := r.withTimeout(ctx)
	defer cancel()

	var job models.EvaluationJob
	err := r.db.WithContext(opCtx).
		Where("job_id = ? AND owner_id = ?", jobID, ownerID).
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("job %s not found", jobID)
		}
		return nil, apperrors.Persistence(err, "failed to find job %s", jobID)
	}
	return &job, nil
}

// UpdateOptimistic implements JobRepository: apply patch iff the stored
// version still equals expectedVersion, bumping the version. On mismatch
// the caller's view is stale; retries re-read before giving up.
func (r *jobRepository) UpdateOptimistic(ctx context.Context, jobID string, expectedVersion int, patch map[string]interface{}) (*models.EvaluationJob, error) {
	version := expectedVersion
	var lastErr error

	for attempt := 0; attempt <= optimisticRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(optimisticDelay * time.Duration(1<<(attempt-1)))

			current, err := r.FindByJobID(ctx, jobID)
			if err != nil {
				return nil, err
			}
			version = current.Version
		}

		updated, err := r.casUpdate(ctx, jobID, version, patch)
		if err == nil {
			return updated, nil
		}
		if !apperrors.IsConcurrency(err) {
			return nil, err
		}
		lastErr = err
	}

	return nil, lastErr
}

// casUpdate performs a single compare-and-swap on the version column.
func (r *jobRepository) casUpdate(ctx context.Context, jobID string, version int, patch map[string]interface{}) (*models.EvaluationJob, error) {
	updates := make(map[string]interface{}, len(patch)+2)
	for k, v := range patch {
		updates[k] = v
	}
	updates["version"] = version + 1
	updates["updated_at"] = time.Now()

	opCtx, cancel := r.withTimeout(ctx)
	defer cancel()

	result := r.db.WithContext(opCtx).
		Model(&models.EvaluationJob{}).
		Where("job_id = ? AND version = ?", jobID, version).
		Updates(updates)

	if result.Error != nil {
		return nil, apperrors.Persistence(result.Error, "failed to update job %s", jobID)
	}
	if result.RowsAffected == 0 {
		return nil, apperrors.Concurrency("version conflict updating job %s at version %d", jobID, version)
	}

	return r.FindByJobID(ctx, jobID)
}

// TransitionStatus implements JobRepository. It validates the transition
// against the state machine on every read, stamps the processing
// timestamps, and writes through the optimistic-locking path.
func (r *jobRepository) TransitionStatus(ctx context.Context, jobID string, newStatus models.JobStatus, extras *TransitionExtras) (*models.EvaluationJob, error) {
	var lastErr error

	for attempt := 0; attempt <= optimisticRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(optimisticDelay * time.Duration(1<<(attempt-1)))
		}

		job, err := r.FindByJobID(ctx, jobID)
		if err != nil {
			return nil, err
		}

		if !job.Status.CanTransitionTo(newStatus) {
			if job.Status.IsTerminal() {
				return nil, apperrors.Concurrency("job %s is already %s; cannot transition to %s", jobID, job.Status, newStatus)
			}
			return nil, apperrors.Validation("invalid status transition %s -> %s for job %s", job.Status, newStatus, jobID)
		}

		patch := map[string]interface{}{"status": newStatus}

		now := time.Now()
		switch newStatus {
		case models.StatusProcessing:
			patch["processing_started_at"] = now
		case models.StatusCompleted, models.StatusFailed:
			patch["processing_completed_at"] = now
		}

		if extras != nil {
			if extras.Result != nil {
				encoded, err := json.Marshal(extras.Result)
				if err != nil {
					return nil, apperrors.Persistence(err, "failed to encode result for job %s", jobID)
				}
				patch["result"] = string(encoded)
			}
			if extras.ErrorMessage != nil {
				patch["error_message"] = *extras.ErrorMessage
			}
			if extras.IncrementRetry {
				patch["retry_count"] = job.RetryCount + 1
			}
		}

		updated, err := r.casUpdate(ctx, jobID, job.Version, patch)
		if err == nil {
			return updated, nil
		}
		if !apperrors.IsConcurrency(err) {
			return nil, err
		}
		lastErr = err
	}

	return nil, lastErr
}

// List implements JobRepository.
func (r *jobRepository) List(ctx context.Context, ownerID string, opts ListOptions) ([]models.EvaluationJob, *models.Pagination, error) {
	page := opts.Page
	if page < 1 {
		page = 1
	}
	limit := opts.Limit
	if limit < 1 || limit > 100 {
		limit = 20
	}

	opCtx, cancel := r.withTimeout(ctx)
	defer cancel()

	query := r.db.WithContext(opCtx).
		Model(&models.EvaluationJob{}).
		Where("owner_id = ?", ownerID)
	if opts.Status != "" {
		query = query.Where("status = ?", opts.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, nil, apperrors.Persistence(err, "failed to count jobs")
	}

	var jobs []models.EvaluationJob
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, nil, apperrors.Persistence(err, "failed to list jobs")
	}

	totalPages := int(math.Ceil(float64(total) / float64(limit)))
	pagination := &models.Pagination{
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
		HasPrev:    page > 1,
	}
	return jobs, pagination, nil
}

// Cancel implements JobRepository. Cancelling an already-cancelled job is
// a no-op returning the same record; cancelling from a terminal state is
// rejected.
func (r *jobRepository) Cancel(ctx context.Context, jobID, ownerID string) (*models.EvaluationJob, error) {
	job, err := r.FindForOwner(ctx, jobID, ownerID)
	if err != nil {
		return nil, err
	}

	if job.Status == models.StatusCancelled {
		return job, nil
	}
	if job.Status.IsTerminal() {
		return nil, apperrors.Validation("job %s is %s and can no longer be cancelled", jobID, job.Status)
	}

	return r.TransitionStatus(ctx, jobID, models.StatusCancelled, nil)
}

// FindStaleQueued implements JobRepository: queued rows older than the
// grace window, candidates for re-enqueue after a crash between insert
// and enqueue.
func (r *jobRepository) FindStaleQueued(ctx context.Context, olderThan time.Duration, limit int) ([]models.EvaluationJob, error) {
	opCtx, cancel := r.withTimeout(ctx)
	defer cancel()

	var jobs []models.EvaluationJob
	err := r.db.WithContext(opCtx).
		Where("status = ? AND created_at < ?", models.StatusQueued, time.Now().Add(-olderThan)).
		Order("created_at ASC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, apperrors.Persistence(err, "failed to find stale queued jobs")
	}
	return jobs, nil
}
