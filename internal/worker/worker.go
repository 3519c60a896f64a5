// Package worker implements the analysis job execution loop.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/print-quote-service/internal/analyzer"
	"github.com/JakeFAU/print-quote-service/internal/job"
	"github.com/JakeFAU/print-quote-service/internal/metrics"
)

// Config controls Worker behavior.
type Config struct {
	// Timeout bounds one job's fetch and analysis.
	Timeout time.Duration
}

// Worker consumes queue items and executes the analysis pipeline.
type Worker struct {
	queue      job.Queue
	store      job.Store
	pipeline   *Pipeline
	onComplete job.CompletionHook
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Worker. onComplete may be nil.
func New(
	queue job.Queue,
	store job.Store,
	pipeline *Pipeline,
	onComplete job.CompletionHook,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &Worker{
		queue:      queue,
		store:      store,
		pipeline:   pipeline,
		onComplete: onComplete,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run blocks, consuming queue items until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, job.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		w.processJob(ctx, item)
	}
}

func (w *Worker) processJob(ctx context.Context, item job.QueueItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	if w.pipeline == nil {
		w.logger.Error("no pipeline configured", zap.String("job_id", item.JobID))
		w.fail(ctx, item.JobID, errors.New("no pipeline configured"))
		return
	}
	if _, err := w.store.Update(ctx, item.JobID, job.Update{Status: job.StatusRunning, Progress: ProgressStarted}); err != nil {
		w.logger.Error("update job status failed", zap.String("job_id", item.JobID), zap.Error(err))
		return
	}
	metrics.ObserveJob(string(job.StatusRunning))

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	result, err := w.pipeline.Run(jobCtx, item.SourceURL, item.SizeHint, func(progress int) {
		if _, upErr := w.store.Update(ctx, item.JobID, job.Update{Status: job.StatusRunning, Progress: progress}); upErr != nil {
			w.logger.Warn("progress update failed", zap.String("job_id", item.JobID), zap.Error(upErr))
		}
	})
	if err != nil {
		w.logger.Warn("job failed", zap.String("job_id", item.JobID), zap.Error(err))
		w.fail(ctx, item.JobID, err)
		return
	}
	w.complete(ctx, item, result)
}

func (w *Worker) complete(ctx context.Context, item job.QueueItem, result analyzer.Result) {
	token := ""
	if w.onComplete != nil {
		var err error
		token, err = w.onComplete(ctx, item.SessionRef, result)
		if err != nil {
			w.logger.Error("completion hook failed", zap.String("job_id", item.JobID), zap.Error(err))
			w.fail(ctx, item.JobID, err)
			return
		}
	}
	res := result
	if _, err := w.store.Update(ctx, item.JobID, job.Update{
		Status:            job.StatusCompleted,
		Result:            &res,
		VerificationToken: token,
	}); err != nil {
		w.logger.Error("final job status update failed", zap.String("job_id", item.JobID), zap.Error(err))
		return
	}
	metrics.ObserveJob(string(job.StatusCompleted))
	w.logger.Info("job completed",
		zap.String("job_id", item.JobID),
		zap.String("content_hash", result.ContentHash),
		zap.Int("total_pages", result.TotalPages),
	)
}

func (w *Worker) fail(ctx context.Context, jobID string, cause error) {
	if _, err := w.store.Update(ctx, jobID, job.Update{
		Status: job.StatusFailed,
		Error:  job.FailureFrom(cause),
	}); err != nil {
		w.logger.Error("fail job status update", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	metrics.ObserveJob(string(job.StatusFailed))
}
