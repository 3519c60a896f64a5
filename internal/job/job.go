// Package job defines the analysis job model and the collaborator interfaces
// shared by the orchestrator, the worker pool and the stores.
package job

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/JakeFAU/print-quote-service/internal/analyzer"
	"github.com/JakeFAU/print-quote-service/internal/apperr"
)

// Status represents the lifecycle state of an analysis job.
type Status string

// Job status values.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// Terminal reports whether the status is a final outcome of processing.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether moving from s to next is legal. Status only
// moves forward: pending, running, then completed or failed, then expired.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusFailed
	case StatusRunning:
		return next == StatusRunning || next.Terminal()
	case StatusCompleted, StatusFailed:
		return next == StatusExpired
	default:
		return false
	}
}

var (
	// ErrInvalidTransition is returned when an update would move a job backwards.
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrQueueClosed is returned by queues after shutdown.
	ErrQueueClosed = errors.New("queue closed")
	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = apperr.New(apperr.KindJobNotFound, "job not found")
	// ErrExpired is returned for jobs whose retention window has passed.
	ErrExpired = apperr.New(apperr.KindJobExpired, "job has expired")
)

// Failure describes why a job failed.
type Failure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Job is the record kept for every asynchronous analysis.
type Job struct {
	ID                string           `json:"job_id"`
	Status            Status           `json:"status"`
	Progress          int              `json:"progress"`
	SourceURL         string           `json:"-"`
	SizeHint          int64            `json:"-"`
	SessionRef        string           `json:"-"`
	Result            *analyzer.Result `json:"result,omitempty"`
	Error             *Failure         `json:"error,omitempty"`
	VerificationToken string           `json:"verification_token,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
	FinishedAt        *time.Time       `json:"finished_at,omitempty"`
}

// Update is a status change applied by the job's single writer.
type Update struct {
	Status            Status
	Progress          int
	Result            *analyzer.Result
	Error             *Failure
	VerificationToken string
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID      string
	SourceURL  string
	SizeHint   int64
	SessionRef string
	Submitted  int64
}

// Store persists job records.
type Store interface {
	Create(ctx context.Context, j Job) error
	Get(ctx context.Context, jobID string) (Job, error)
	Update(ctx context.Context, jobID string, u Update) (Job, error)
	// Sweep expires terminal jobs older than retention and purges expired
	// tombstones older than retention+tombstoneTTL.
	Sweep(ctx context.Context, now time.Time, retention, tombstoneTTL time.Duration) (expired, purged int, err error)
}

// Queue provides enqueue/dequeue semantics for analysis jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// CompletionHook runs after a job's analysis succeeds and returns the
// verification token to expose with the job.
type CompletionHook func(ctx context.Context, sessionRef string, result analyzer.Result) (string, error)

// FailureFrom converts an error into the Failure stored on a job.
func FailureFrom(err error) *Failure {
	kind, ok := apperr.KindOf(err)
	if !ok {
		kind = apperr.KindAnalysisFailed
	}
	return &Failure{Kind: string(kind), Message: apperr.Message(err)}
}
