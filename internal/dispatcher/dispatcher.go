// Package dispatcher runs the analysis worker pool over the job queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/print-quote-service/internal/job"
	"github.com/JakeFAU/print-quote-service/internal/worker"
)

type closer interface {
	Close()
}

// Dispatcher owns a fixed pool of workers sharing one queue.
type Dispatcher struct {
	queue   job.Queue
	workers []*worker.Worker
	running atomic.Int32
}

// New creates a Dispatcher.
func New(queue job.Queue, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
	}
}

// Size reports the number of workers in the pool.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Running reports how many worker loops are live.
func (d *Dispatcher) Running() int {
	return int(d.running.Load())
}

// Check reports an error unless every worker loop is live. It backs the
// readiness probe.
func (d *Dispatcher) Check(context.Context) error {
	if running, size := d.Running(), d.Size(); running < size {
		return fmt.Errorf("%d of %d workers running", running, size)
	}
	return nil
}

// Run starts every worker and blocks until all of them have returned. When
// ctx ends the queue is closed, if it supports closing, so no new jobs are
// accepted while workers unwind.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		d.running.Add(1)
		go func() {
			defer wg.Done()
			defer d.running.Add(-1)
			w.Run(ctx)
		}()
	}

	stopped := make(chan struct{})
	go func() {
		wg.Wait()
		close(stopped)
	}()

	select {
	case <-ctx.Done():
		if c, ok := d.queue.(closer); ok {
			c.Close()
		}
		<-stopped
	case <-stopped:
	}
}
