// Package worker provides a small bounded goroutine pool for long-lived,
// rate-limited recurring background jobs, the same role the teacher's
// connection pool played for bounding concurrent database handles. No other
// KiteDB package submits work to it; one-shot fan-out with a join
// (checkpoint section serialization, replica batch decode) uses errgroup
// directly instead.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Job is a unit of background work submitted to the pool.
type Job func(ctx context.Context) error

type worker struct {
	id      uint64
	busy    atomic.Bool
	lastRun atomic.Int64 // UnixNano
}

// Pool runs a bounded number of persistent goroutines pulling Jobs off a
// shared queue, the way the teacher's connection Pool bounded concurrent
// database handles — generalized here from "hold a *bundoc.Database" to
// "run an arbitrary background Job".
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc

	jobs    chan Job
	workers []*worker
	nextID  atomic.Uint64

	wg sync.WaitGroup

	mu      sync.RWMutex
	running bool
}

// Options configures a Pool.
type Options struct {
	Size      int // number of persistent worker goroutines
	QueueSize int // buffered job queue depth
}

// DefaultOptions returns a small pool suitable for background checkpoint
// and compaction scheduling in an embedded process.
func DefaultOptions() Options {
	return Options{Size: 4, QueueSize: 64}
}

// New starts a pool with the given options.
func New(opts Options) *Pool {
	if opts.Size <= 0 {
		opts.Size = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = opts.Size
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(chan Job, opts.QueueSize),
		workers: make([]*worker, opts.Size),
		running: true,
	}

	for i := 0; i < opts.Size; i++ {
		w := &worker{id: p.nextID.Add(1)}
		p.workers[i] = w
		p.wg.Add(1)
		go p.run(w)
	}

	return p
}

func (p *Pool) run(w *worker) {
	defer p.wg.Done()
	for {
		select {
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			w.busy.Store(true)
			_ = job(p.ctx) // a Submit-ed job's error is dropped; SubmitAndWait hands it back to its caller
			w.busy.Store(false)
			w.lastRun.Store(time.Now().UnixNano())
		case <-p.ctx.Done():
			return
		}
	}
}

// Submit enqueues job, blocking only while the queue is full, until the job
// is queued or the pool is closed. It does not wait for the job to run; the
// job runs asynchronously on a worker.
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return errors.New("worker: pool is closed")
	}
	select {
	case p.jobs <- job:
		return nil
	case <-p.ctx.Done():
		return errors.New("worker: pool is closed")
	}
}

// SubmitAndWait enqueues job and blocks until it has run, returning its error.
func (p *Pool) SubmitAndWait(job Job) error {
	done := make(chan error, 1)
	err := p.Submit(func(ctx context.Context) error {
		err := job(ctx)
		done <- err
		return err
	})
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-p.ctx.Done():
		return errors.New("worker: pool closed before job completed")
	}
}

// Stats reports how many workers are currently busy vs idle.
type Stats struct {
	TotalWorkers int
	Busy         int
	Idle         int
	QueueDepth   int
}

// Stats returns a snapshot of pool utilization.
func (p *Pool) Stats() Stats {
	s := Stats{TotalWorkers: len(p.workers), QueueDepth: len(p.jobs)}
	for _, w := range p.workers {
		if w.busy.Load() {
			s.Busy++
		} else {
			s.Idle++
		}
	}
	return s
}

// Close stops accepting new jobs, cancels in-flight job contexts, and waits
// for all worker goroutines to exit.
func (p *Pool) Close() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	return nil
}
