package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/print-quote-service/internal/analyzer"
	"github.com/JakeFAU/print-quote-service/internal/apperr"
	"github.com/JakeFAU/print-quote-service/internal/job"
	"github.com/JakeFAU/print-quote-service/internal/queue/memory"
	storemem "github.com/JakeFAU/print-quote-service/internal/storage/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDs struct{ n atomic.Int32 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("job-%d", s.n.Add(1)), nil
}

type fakePipeline struct {
	result analyzer.Result
	err    error
	calls  atomic.Int32
	block  chan struct{}
}

func (p *fakePipeline) Run(ctx context.Context, _ string, _ int64, _ func(int)) (analyzer.Result, error) {
	p.calls.Add(1)
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return analyzer.Result{}, ctx.Err()
		}
	}
	return p.result, p.err
}

type fakeProber struct {
	size int64
	err  error
}

func (p fakeProber) Probe(context.Context, string) (int64, error) { return p.size, p.err }

var sample = analyzer.Result{ContentHash: "h1", TotalPages: 2, ColorPages: 1, MonoPages: 1, AnalysisMethod: analyzer.MethodRaster}

type fixture struct {
	orch     *Orchestrator
	store    *storemem.JobStore
	queue    *memory.Queue
	pipeline *fakePipeline
	clock    *testClock
}

func newFixture(t *testing.T, prober Prober, cfg Config) *fixture {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)}
	f := &fixture{
		store:    storemem.NewJobStore(clock),
		queue:    memory.NewQueue(2),
		pipeline: &fakePipeline{result: sample},
		clock:    clock,
	}
	hook := func(_ context.Context, session string, res analyzer.Result) (string, error) {
		return session + ":" + res.ContentHash, nil
	}
	f.orch = New(f.store, f.queue, f.pipeline, prober, &seqIDs{}, clock, hook, cfg, nil)
	return f
}

func TestEstimate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, Config{})

	d, known := f.orch.Estimate(4 * mib)
	require.True(t, known)
	require.Equal(t, 8*time.Second, d)

	d, known = f.orch.Estimate(mib)
	require.True(t, known)
	require.Equal(t, 3500*time.Millisecond, d)

	_, known = f.orch.Estimate(0)
	require.False(t, known)
}

func TestSubmitSmallDocumentRunsInline(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, Config{})

	sub, err := f.orch.Submit(context.Background(), SubmitRequest{
		SourceURL:  "https://docs.example.com/small.pdf",
		SizeHint:   mib,
		SessionRef: "s1",
	})
	require.NoError(t, err)
	require.True(t, sub.Done)
	require.Equal(t, sample, sub.Result)
	require.Equal(t, "s1:h1", sub.VerificationToken)
	require.Zero(t, f.queue.Len())
}

func TestSubmitLargeDocumentIsQueued(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, Config{})

	sub, err := f.orch.Submit(context.Background(), SubmitRequest{
		SourceURL:  "https://docs.example.com/big.pdf",
		SizeHint:   4 * mib,
		SessionRef: "s1",
	})
	require.NoError(t, err)
	require.False(t, sub.Done)
	require.Equal(t, "job-1", sub.JobID)
	require.Equal(t, 8, sub.EstimatedSeconds())
	require.Zero(t, f.pipeline.calls.Load())

	item, err := f.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "job-1", item.JobID)
	require.Equal(t, "s1", item.SessionRef)

	j, err := f.orch.Status(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, job.StatusPending, j.Status)
}

func TestSubmitUnknownSizeGoesAsync(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fakeProber{size: -1}, Config{})

	sub, err := f.orch.Submit(context.Background(), SubmitRequest{SourceURL: "https://docs.example.com/x.pdf"})
	require.NoError(t, err)
	require.False(t, sub.Done)
	require.Equal(t, 60, sub.EstimatedSeconds())
}

func TestSubmitUsesProbedSize(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fakeProber{size: 100 << 10}, Config{})

	sub, err := f.orch.Submit(context.Background(), SubmitRequest{SourceURL: "https://docs.example.com/x.pdf"})
	require.NoError(t, err)
	require.True(t, sub.Done)
}

func TestSubmitProbeFailureGoesAsync(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fakeProber{err: apperr.New(apperr.KindNetwork, "HEAD not allowed")}, Config{})

	sub, err := f.orch.Submit(context.Background(), SubmitRequest{SourceURL: "https://docs.example.com/x.pdf"})
	require.NoError(t, err)
	require.False(t, sub.Done)
}

func TestSubmitRejectsBlockedURLsUpFront(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fakeProber{err: apperr.New(apperr.KindSSRFBlocked, "blocked")}, Config{})

	_, err := f.orch.Submit(context.Background(), SubmitRequest{SourceURL: "http://169.254.169.254/latest"})
	require.True(t, apperr.IsKind(err, apperr.KindSSRFBlocked))
	require.Zero(t, f.queue.Len())
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, Config{})

	_, err := f.orch.Submit(context.Background(), SubmitRequest{SourceURL: "  "})
	require.True(t, apperr.IsKind(err, apperr.KindValidation))
	_, err = f.orch.Submit(context.Background(), SubmitRequest{SourceURL: "https://a/b.pdf", SizeHint: -5})
	require.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestSubmitInlineErrorsPropagate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, Config{})
	f.pipeline.err = apperr.New(apperr.KindInvalidContentType, "content type text/html is not accepted")

	_, err := f.orch.Submit(context.Background(), SubmitRequest{SourceURL: "https://a/b.pdf", SizeHint: 1024})
	require.True(t, apperr.IsKind(err, apperr.KindInvalidContentType))
}

func TestSubmitFallsBackToQueueWhenInlineSlotsBusy(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, Config{InlineSlots: 1})
	f.pipeline.block = make(chan struct{})

	done := make(chan Submission, 1)
	go func() {
		sub, _ := f.orch.Submit(context.Background(), SubmitRequest{SourceURL: "https://a/1.pdf", SizeHint: 1024})
		done <- sub
	}()
	require.Eventually(t, func() bool { return f.pipeline.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	sub, err := f.orch.Submit(context.Background(), SubmitRequest{SourceURL: "https://a/2.pdf", SizeHint: 1024})
	require.NoError(t, err)
	require.False(t, sub.Done, "second request should be queued while the only slot is busy")

	close(f.pipeline.block)
	require.True(t, (<-done).Done)
}

func TestSubmitQueueFull(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, Config{EnqueueTimeout: 10 * time.Millisecond})
	req := SubmitRequest{SourceURL: "https://a/big.pdf", SizeHint: 100 * mib}

	for range 2 {
		_, err := f.orch.Submit(context.Background(), req)
		require.NoError(t, err)
	}
	_, err := f.orch.Submit(context.Background(), req)
	require.True(t, apperr.IsKind(err, apperr.KindUpstreamUnavailable))

	j, err := f.orch.Status(context.Background(), "job-3")
	require.NoError(t, err)
	require.Equal(t, job.StatusFailed, j.Status)
}

func TestStatusNotFoundAndExpired(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, Config{Retention: time.Minute, TombstoneTTL: time.Hour})
	ctx := context.Background()

	_, err := f.orch.Status(ctx, "nope")
	require.True(t, errors.Is(err, job.ErrNotFound))

	sub, err := f.orch.Submit(ctx, SubmitRequest{SourceURL: "https://a/big.pdf", SizeHint: 100 * mib})
	require.NoError(t, err)
	_, err = f.store.Update(ctx, sub.JobID, job.Update{Status: job.StatusRunning})
	require.NoError(t, err)
	res := sample
	_, err = f.store.Update(ctx, sub.JobID, job.Update{Status: job.StatusCompleted, Result: &res})
	require.NoError(t, err)

	j, err := f.orch.Status(ctx, sub.JobID)
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, j.Status)

	f.clock.Advance(time.Minute)
	expired, _, err := f.orch.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, expired)

	_, err = f.orch.Status(ctx, sub.JobID)
	require.True(t, apperr.IsKind(err, apperr.KindJobExpired))

	f.clock.Advance(time.Hour)
	_, purged, err := f.orch.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, purged)
	_, err = f.orch.Status(ctx, sub.JobID)
	require.True(t, apperr.IsKind(err, apperr.KindJobNotFound))
}

func TestRunSweeperStopsOnCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, Config{SweepInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.orch.RunSweeper(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
