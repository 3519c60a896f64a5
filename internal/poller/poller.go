// Package poller waits for an analysis job to finish using bounded
// exponential backoff.
package poller

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/print-quote-service/internal/apperr"
	"github.com/JakeFAU/print-quote-service/internal/job"
)

// ErrRejected marks a status response that retrying cannot fix.
var ErrRejected = errors.New("status request rejected")

// Config bounds the polling schedule.
type Config struct {
	MinInterval   time.Duration
	MaxInterval   time.Duration
	Growth        float64
	FastFactor    float64
	TimeoutFactor float64
	TimeoutFloor  time.Duration
	MaxAttempts   int
}

// DefaultConfig returns the stock schedule.
func DefaultConfig() Config {
	return Config{
		MinInterval:   500 * time.Millisecond,
		MaxInterval:   10 * time.Second,
		Growth:        1.3,
		FastFactor:    2,
		TimeoutFactor: 3,
		TimeoutFloor:  30 * time.Second,
		MaxAttempts:   60,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinInterval <= 0 {
		c.MinInterval = d.MinInterval
	}
	if c.MaxInterval < c.MinInterval {
		c.MaxInterval = max(d.MaxInterval, c.MinInterval)
	}
	if c.Growth < 1.2 || c.Growth > 1.5 {
		c.Growth = d.Growth
	}
	if c.FastFactor < 1 {
		c.FastFactor = d.FastFactor
	}
	if c.TimeoutFactor <= 0 {
		c.TimeoutFactor = d.TimeoutFactor
	}
	if c.TimeoutFloor <= 0 {
		c.TimeoutFloor = d.TimeoutFloor
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	return c
}

// Interval returns the wait after the given zero-based attempt. Once the job
// reports more than half progress the wait is shortened by FastFactor, but it
// never drops below MinInterval.
func (c Config) Interval(attempt, progress int) time.Duration {
	c = c.withDefaults()
	delay := float64(c.MinInterval) * math.Pow(c.Growth, float64(max(attempt, 0)))
	delay = math.Min(delay, float64(c.MaxInterval))
	if progress > 50 {
		delay /= c.FastFactor
	}
	return max(time.Duration(delay), c.MinInterval)
}

// Timeout returns the overall polling budget for a job estimated to take estimated.
func (c Config) Timeout(estimated time.Duration) time.Duration {
	c = c.withDefaults()
	return max(time.Duration(float64(estimated)*c.TimeoutFactor), c.TimeoutFloor)
}

// StatusSource reads a job's status.
type StatusSource interface {
	JobStatus(ctx context.Context, jobID string) (job.Job, error)
}

// Poller polls a StatusSource until the job reaches a terminal state.
type Poller struct {
	source StatusSource
	cfg    Config
	sleep  func(ctx context.Context, d time.Duration) error
	logger *zap.Logger
}

// New constructs a Poller.
func New(source StatusSource, cfg Config, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{source: source, cfg: cfg.withDefaults(), sleep: sleepCtx, logger: logger}
}

// Poll blocks until the job completes or fails, the job is unknown or
// expired, or the polling bounds are exhausted.
func (p *Poller) Poll(ctx context.Context, jobID string, estimated time.Duration) (job.Job, error) {
	budget := p.cfg.Timeout(estimated)
	pollCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	var lastErr error
	progress := 0
	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		j, err := p.source.JobStatus(pollCtx, jobID)
		switch {
		case err == nil:
			if j.Status.Terminal() {
				return j, nil
			}
			progress = j.Progress
			lastErr = nil
		case apperr.IsKind(err, apperr.KindJobNotFound), apperr.IsKind(err, apperr.KindJobExpired), errors.Is(err, ErrRejected):
			return job.Job{}, err
		default:
			if pollCtx.Err() == nil {
				lastErr = err
				p.logger.Debug("transient status error", zap.String("job_id", jobID), zap.Int("attempt", attempt), zap.Error(err))
			}
		}
		if attempt == p.cfg.MaxAttempts-1 {
			break
		}
		if err := p.sleep(pollCtx, p.cfg.Interval(attempt, progress)); err != nil {
			break
		}
	}

	if ctx.Err() != nil {
		return job.Job{}, fmt.Errorf("poll canceled: %w", ctx.Err())
	}
	if lastErr != nil {
		return job.Job{}, apperr.Wrap(apperr.KindUpstreamUnavailable, "job status unavailable", lastErr)
	}
	return job.Job{}, apperr.Newf(apperr.KindUpstreamTimeout, "job %s did not finish within %s", jobID, budget)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
