package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/print-quote-service/internal/job"
)

// JobStore provides an in-memory job.Store.
type JobStore struct {
	mu    sync.RWMutex
	jobs  map[string]job.Job
	clock job.Clock
}

// NewJobStore constructs a JobStore.
func NewJobStore(clock job.Clock) *JobStore {
	return &JobStore{
		jobs:  make(map[string]job.Job),
		clock: clock,
	}
}

// Create stores a new job in pending status.
func (s *JobStore) Create(_ context.Context, j job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[j.ID]; exists {
		return errors.New("job already exists")
	}
	if j.Status == "" {
		j.Status = job.StatusPending
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = j.CreatedAt
	}
	s.jobs[j.ID] = j
	return nil
}

// Get fetches a job by ID. Expired tombstones are returned as-is.
func (s *JobStore) Get(_ context.Context, jobID string) (job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return job.Job{}, job.ErrNotFound
	}
	return j, nil
}

// Update applies a forward-only status change.
func (s *JobStore) Update(_ context.Context, jobID string, u job.Update) (job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return job.Job{}, job.ErrNotFound
	}
	if !j.Status.CanTransition(u.Status) {
		return job.Job{}, fmt.Errorf("%w: %s -> %s", job.ErrInvalidTransition, j.Status, u.Status)
	}
	now := s.clock.Now()
	j.Status = u.Status
	j.Progress = max(j.Progress, min(u.Progress, 100))
	j.UpdatedAt = now
	if u.Status.Terminal() {
		j.FinishedAt = &now
		j.Result = u.Result
		j.Error = u.Error
		j.VerificationToken = u.VerificationToken
		if u.Status == job.StatusCompleted {
			j.Progress = 100
		}
	}
	s.jobs[jobID] = j
	return j, nil
}

// Sweep expires finished jobs past retention and drops old tombstones.
func (s *JobStore) Sweep(_ context.Context, now time.Time, retention, tombstoneTTL time.Duration) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expired, purged := 0, 0
	for id, j := range s.jobs {
		switch {
		case j.Status.Terminal() && j.FinishedAt != nil && !now.Before(j.FinishedAt.Add(retention)):
			j.Status = job.StatusExpired
			j.Result = nil
			j.VerificationToken = ""
			j.UpdatedAt = now
			s.jobs[id] = j
			expired++
		case j.Status == job.StatusExpired && !now.Before(j.UpdatedAt.Add(tombstoneTTL)):
			delete(s.jobs, id)
			purged++
		}
	}
	return expired, purged, nil
}

// Len reports how many records, tombstones included, are held.
func (s *JobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}
