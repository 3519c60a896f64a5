// Package orchestrator decides whether an analysis runs inline or as a
// pollable job, and answers job status queries.
package orchestrator

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/print-quote-service/internal/analyzer"
	"github.com/JakeFAU/print-quote-service/internal/apperr"
	"github.com/JakeFAU/print-quote-service/internal/job"
	"github.com/JakeFAU/print-quote-service/internal/metrics"
)

const mib = 1 << 20

// Config controls scheduling decisions.
type Config struct {
	// SyncThreshold is the largest estimate still run inline.
	SyncThreshold time.Duration
	// BaseEstimate and PerMiB define the duration estimate from size.
	BaseEstimate time.Duration
	PerMiB       time.Duration
	// UnknownEstimate is reported when the size could not be learned.
	UnknownEstimate time.Duration
	// InlineSlots bounds concurrent inline analyses.
	InlineSlots    int64
	EnqueueTimeout time.Duration
	Retention      time.Duration
	TombstoneTTL   time.Duration
	SweepInterval  time.Duration
}

func (c *Config) setDefaults() {
	if c.SyncThreshold <= 0 {
		c.SyncThreshold = 8 * time.Second
	}
	if c.BaseEstimate <= 0 {
		c.BaseEstimate = 2 * time.Second
	}
	if c.PerMiB <= 0 {
		c.PerMiB = 1500 * time.Millisecond
	}
	if c.UnknownEstimate <= 0 {
		c.UnknownEstimate = 60 * time.Second
	}
	if c.InlineSlots <= 0 {
		c.InlineSlots = 4
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = 2 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 15 * time.Minute
	}
	if c.TombstoneTTL <= 0 {
		c.TombstoneTTL = time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
}

// Prober learns a document's size before it is downloaded.
type Prober interface {
	Probe(ctx context.Context, rawURL string) (int64, error)
}

// Pipeline runs fetch and analysis for one document.
type Pipeline interface {
	Run(ctx context.Context, sourceURL string, sizeHint int64, report func(int)) (analyzer.Result, error)
}

// SubmitRequest is one analysis request.
type SubmitRequest struct {
	SourceURL  string
	SizeHint   int64
	SessionRef string
}

// Submission is either a finished result or an accepted job.
type Submission struct {
	Done              bool
	Result            analyzer.Result
	VerificationToken string
	JobID             string
	EstimatedTime     time.Duration
}

// EstimatedSeconds rounds the estimate up to whole seconds.
func (s Submission) EstimatedSeconds() int {
	return int(math.Ceil(s.EstimatedTime.Seconds()))
}

// Orchestrator owns every job write except the worker's own transitions.
type Orchestrator struct {
	store      job.Store
	queue      job.Queue
	pipeline   Pipeline
	prober     Prober
	ids        job.IDGenerator
	clock      job.Clock
	onComplete job.CompletionHook
	inline     *semaphore.Weighted
	cfg        Config
	logger     *zap.Logger
}

// New constructs an Orchestrator. prober and onComplete may be nil.
func New(
	store job.Store,
	queue job.Queue,
	pipeline Pipeline,
	prober Prober,
	ids job.IDGenerator,
	clock job.Clock,
	onComplete job.CompletionHook,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:      store,
		queue:      queue,
		pipeline:   pipeline,
		prober:     prober,
		ids:        ids,
		clock:      clock,
		onComplete: onComplete,
		inline:     semaphore.NewWeighted(cfg.InlineSlots),
		cfg:        cfg,
		logger:     logger,
	}
}

// Estimate returns the expected duration for a document of size bytes.
// Sizes <= 0 are unknown.
func (o *Orchestrator) Estimate(size int64) (time.Duration, bool) {
	if size <= 0 {
		return o.cfg.UnknownEstimate, false
	}
	perByte := float64(o.cfg.PerMiB) / mib
	return o.cfg.BaseEstimate + time.Duration(perByte*float64(size)), true
}

// Submit runs the analysis inline when it is expected to be quick, otherwise
// it stores a pending job and enqueues it.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (Submission, error) {
	req.SourceURL = strings.TrimSpace(req.SourceURL)
	if req.SourceURL == "" {
		return Submission{}, apperr.New(apperr.KindValidation, "source_url is required")
	}
	if req.SizeHint < 0 {
		return Submission{}, apperr.New(apperr.KindValidation, "size_hint_bytes must not be negative")
	}

	size := req.SizeHint
	if size == 0 && o.prober != nil {
		probed, err := o.prober.Probe(ctx, req.SourceURL)
		switch {
		case apperr.IsKind(err, apperr.KindSSRFBlocked), apperr.IsKind(err, apperr.KindValidation):
			return Submission{}, err
		case err != nil:
			o.logger.Debug("size probe failed", zap.Error(err))
		default:
			size = probed
		}
	}

	estimate, known := o.Estimate(size)
	if known && estimate < o.cfg.SyncThreshold && o.inline.TryAcquire(1) {
		defer o.inline.Release(1)
		return o.runInline(ctx, req, size)
	}
	return o.enqueue(ctx, req, size, estimate)
}

func (o *Orchestrator) runInline(ctx context.Context, req SubmitRequest, size int64) (Submission, error) {
	result, err := o.pipeline.Run(ctx, req.SourceURL, size, nil)
	if err != nil {
		return Submission{}, err
	}
	token := ""
	if o.onComplete != nil {
		token, err = o.onComplete(ctx, req.SessionRef, result)
		if err != nil {
			return Submission{}, err
		}
	}
	return Submission{Done: true, Result: result, VerificationToken: token}, nil
}

func (o *Orchestrator) enqueue(ctx context.Context, req SubmitRequest, size int64, estimate time.Duration) (Submission, error) {
	id, err := o.ids.NewID()
	if err != nil {
		return Submission{}, apperr.Wrap(apperr.KindAnalysisFailed, "generate job id", err)
	}
	now := o.clock.Now()
	if err := o.store.Create(ctx, job.Job{
		ID:         id,
		Status:     job.StatusPending,
		SourceURL:  req.SourceURL,
		SizeHint:   size,
		SessionRef: req.SessionRef,
		CreatedAt:  now,
		UpdatedAt:  now,
	}); err != nil {
		return Submission{}, apperr.Wrap(apperr.KindAnalysisFailed, "create job", err)
	}

	enqueueCtx, cancel := context.WithTimeout(ctx, o.cfg.EnqueueTimeout)
	defer cancel()
	if err := o.queue.Enqueue(enqueueCtx, job.QueueItem{
		JobID:      id,
		SourceURL:  req.SourceURL,
		SizeHint:   size,
		SessionRef: req.SessionRef,
		Submitted:  now.Unix(),
	}); err != nil {
		if _, upErr := o.store.Update(ctx, id, job.Update{
			Status: job.StatusFailed,
			Error:  &job.Failure{Kind: string(apperr.KindUpstreamUnavailable), Message: "job queue is full"},
		}); upErr != nil {
			o.logger.Error("fail unqueued job", zap.String("job_id", id), zap.Error(upErr))
		}
		return Submission{}, apperr.Wrap(apperr.KindUpstreamUnavailable, "job queue is full", err)
	}
	metrics.ObserveJob(string(job.StatusPending))
	o.logger.Info("job accepted", zap.String("job_id", id), zap.Int64("size_hint", size), zap.Duration("estimate", estimate))
	return Submission{JobID: id, EstimatedTime: estimate}, nil
}

// Status returns the job's current view.
func (o *Orchestrator) Status(ctx context.Context, jobID string) (job.Job, error) {
	j, err := o.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			return job.Job{}, job.ErrNotFound
		}
		return job.Job{}, apperr.Wrap(apperr.KindAnalysisFailed, "load job", err)
	}
	if j.Status == job.StatusExpired {
		return job.Job{}, job.ErrExpired
	}
	return j, nil
}

// Sweep applies retention expiry once.
func (o *Orchestrator) Sweep(ctx context.Context) (int, int, error) {
	expired, purged, err := o.store.Sweep(ctx, o.clock.Now(), o.cfg.Retention, o.cfg.TombstoneTTL)
	if err != nil {
		return 0, 0, err
	}
	for range expired {
		metrics.ObserveJob(string(job.StatusExpired))
	}
	if expired > 0 || purged > 0 {
		o.logger.Debug("job sweep", zap.Int("expired", expired), zap.Int("purged", purged))
	}
	return expired, purged, nil
}

// RunSweeper calls Sweep every SweepInterval until ctx ends.
func (o *Orchestrator) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := o.Sweep(ctx); err != nil {
				o.logger.Warn("job sweep failed", zap.Error(err))
			}
		}
	}
}
