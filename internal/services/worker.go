package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"hirelens/evaluator/internal/apperrors"
	"hirelens/evaluator/internal/models"
	"hirelens/evaluator/internal/repositories"
)

const (
	maxErrorMessageLength = 300
	terminalRetryDelay    = 500 * time.Millisecond
	requeueSweepInterval  = 30 * time.Second
	requeueSweepBatch     = 10
)

type Worker interface {
	Start(ctx context.Context)
	Stop()
}

type worker struct {
	queue        Queue
	jobRepo      repositories.JobRepository
	docRepo      repositories.DocumentRepository
	engine       EngineService
	concurrency  int
	requeueAfter time.Duration
	log          *zap.Logger

	wg          sync.WaitGroup
	stopOnce    sync.Once
	stopDequeue context.CancelFunc
}

func NewWorker(
	queue Queue,
	jobRepo repositories.JobRepository,
	docRepo repositories.DocumentRepository,
	engine EngineService,
	concurrency int,
	requeueAfter time.Duration,
	log *zap.Logger,
) Worker {
	if concurrency <= 0 {
		concurrency = 2
	}
	if requeueAfter <= 0 {
		requeueAfter = 2 * time.Minute
	}
	return &worker{
		queue:        queue,
		jobRepo:      jobRepo,
		docRepo:      docRepo,
		engine:       engine,
		concurrency:  concurrency,
		requeueAfter: requeueAfter,
		log:          log,
	}
}

// Start implements Worker. Processing uses the caller's context; only the
// dequeue loop is cancelled on Stop so in-flight jobs drain cleanly.
func (w *worker) Start(ctx context.Context) {
	dequeueCtx, cancel := context.WithCancel(ctx)
	w.stopDequeue = cancel

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.run(ctx, dequeueCtx, i+1)
	}

	w.wg.Add(1)
	go w.sweepStaleQueued(dequeueCtx)

	w.log.Info("worker pool started", zap.Int("concurrency", w.concurrency))
}

// Stop implements Worker: stop pulling new items, wait for in-flight
// items to finish.
func (w *worker) Stop() {
	w.stopOnce.Do(func() {
		if w.stopDequeue != nil {
			w.stopDequeue()
		}
	})
	w.wg.Wait()
	w.log.Info("worker pool stopped")
}

func (w *worker) run(procCtx, dequeueCtx context.Context, workerID int) {
	defer w.wg.Done()

	for {
		item, err := w.queue.Dequeue(dequeueCtx)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) || errors.Is(err, context.Canceled) {
				return
			}
			w.log.Warn("dequeue failed", zap.Int("worker", workerID), zap.Error(err))
			continue
		}
		w.processItem(procCtx, item, workerID)
	}
}

// processItem drives one job through the engine. Panics and engine errors
// both end in a failed transition, and the item is always acked so
// operator-visible failures do not spin. A job is left in processing only
// when writeTerminal's second attempt also fails.
func (w *worker) processItem(ctx context.Context, item *WorkItem, workerID int) {
	log := w.log.With(zap.Int("worker", workerID), zap.String("job_id", item.JobID))

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic during evaluation", zap.Any("panic", r))
			msg := "internal error during evaluation"
			w.writeTerminal(ctx, item.JobID, models.StatusFailed, &repositories.TransitionExtras{
				ErrorMessage:   &msg,
				IncrementRetry: true,
			}, log)
			w.queue.Ack(item)
		}
	}()

	job, err := w.jobRepo.FindByJobID(ctx, item.JobID)
	if err != nil {
		log.Warn("job lookup failed, dropping item", zap.Error(err))
		w.queue.Ack(item)
		return
	}

	switch job.Status {
	case models.StatusQueued:
		if _, err := w.jobRepo.TransitionStatus(ctx, item.JobID, models.StatusProcessing, nil); err != nil {
			// Another worker won the job, or the store is unhealthy; the
			// stale-queued sweep picks it up again if it stays queued.
			log.Warn("could not enter processing, dropping item", zap.Error(err))
			w.queue.Ack(item)
			return
		}
	case models.StatusProcessing:
		log.Info("duplicate delivery for job already processing, skipping")
		w.queue.Ack(item)
		return
	default:
		log.Info("job already terminal, skipping", zap.String("status", string(job.Status)))
		w.queue.Ack(item)
		return
	}

	log.Info("processing job")
	result, evalErr := w.engine.Evaluate(ctx, item)

	// A cancellation that landed during processing wins; the terminal
	// update becomes a no-op.
	if current, err := w.jobRepo.FindByJobID(ctx, item.JobID); err == nil && current.Status == models.StatusCancelled {
		log.Info("job was cancelled during processing, skipping terminal update")
		w.queue.Ack(item)
		return
	}

	if evalErr != nil {
		msg := singleSentence(evalErr.Error())
		log.Error("evaluation failed", zap.Error(evalErr))
		w.writeTerminal(ctx, item.JobID, models.StatusFailed, &repositories.TransitionExtras{
			ErrorMessage:   &msg,
			IncrementRetry: true,
		}, log)
	} else {
		log.Info("evaluation completed")
		w.writeTerminal(ctx, item.JobID, models.StatusCompleted, &repositories.TransitionExtras{
			Result: result,
		}, log)
	}

	w.queue.Ack(item)
}

// writeTerminal performs the terminal transition with one best-effort
// retry on persistence failure. A concurrency rejection means another
// writer already finished the job; log and move on.
func (w *worker) writeTerminal(ctx context.Context, jobID string, status models.JobStatus, extras *repositories.TransitionExtras, log *zap.Logger) {
	_, err := w.jobRepo.TransitionStatus(ctx, jobID, status, extras)
	if err == nil {
		return
	}
	if apperrors.IsConcurrency(err) {
		log.Warn("terminal write lost the race, another writer finished the job", zap.Error(err))
		return
	}

	log.Warn("terminal transition failed, retrying once", zap.Error(err))
	time.Sleep(terminalRetryDelay)

	if _, err := w.jobRepo.TransitionStatus(ctx, jobID, status, extras); err != nil {
		if apperrors.IsConcurrency(err) {
			log.Warn("terminal write lost the race on retry", zap.Error(err))
			return
		}
		log.Error("terminal transition failed permanently; job may appear stuck in processing", zap.Error(err))
	}
}

// sweepStaleQueued re-enqueues queued rows that outlived the grace
// window, covering a crash between job insert and enqueue.
func (w *worker) sweepStaleQueued(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(requeueSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jobs, err := w.jobRepo.FindStaleQueued(ctx, w.requeueAfter, requeueSweepBatch)
			if err != nil {
				w.log.Warn("stale queued sweep failed", zap.Error(err))
				continue
			}

			for i := range jobs {
				job := &jobs[i]
				item, err := w.rebuildWorkItem(ctx, job)
				if err != nil {
					w.log.Warn("could not rebuild work item for stale job",
						zap.String("job_id", job.JobID),
						zap.Error(err),
					)
					continue
				}
				if err := w.queue.Enqueue(ctx, item); err != nil {
					w.log.Warn("could not re-enqueue stale job",
						zap.String("job_id", job.JobID),
						zap.Error(err),
					)
					continue
				}
				w.log.Info("re-enqueued stale queued job", zap.String("job_id", job.JobID))
			}
		}
	}
}

func (w *worker) rebuildWorkItem(ctx context.Context, job *models.EvaluationJob) (*WorkItem, error) {
	cvDoc, err := w.docRepo.FindByID(ctx, job.CVDocumentID)
	if err != nil {
		return nil, err
	}
	projectDoc, err := w.docRepo.FindByID(ctx, job.ProjectDocumentID)
	if err != nil {
		return nil, err
	}
	return &WorkItem{
		JobID:       job.JobID,
		RecordID:    job.ID,
		JobTitle:    job.JobTitle,
		CVText:      cvDoc.ExtractedText,
		ProjectText: projectDoc.ExtractedText,
		OwnerID:     job.OwnerID,
	}, nil
}

// singleSentence reduces an error chain to a one-line, bounded message
// safe to show to users.
func singleSentence(msg string) string {
	if idx := strings.IndexByte(msg, '\n'); idx >= 0 {
		msg = msg[:idx]
	}
	msg = strings.TrimSpace(msg)
	if len(msg) > maxErrorMessageLength {
		msg = msg[:maxErrorMessageLength] + "..."
	}
	return msg
}
