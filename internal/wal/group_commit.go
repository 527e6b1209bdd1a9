package wal

import (
	"sync"
	"time"
)

// defaultGroupCommitWindow is used when Options.GroupCommitWindow is zero,
// matching DefaultOptions' own default of 5ms.
const defaultGroupCommitWindow = 5 * time.Millisecond

// CommitRequest is a transaction's request to have its commit durably
// flushed before it returns to its caller.
type CommitRequest struct {
	LSN      LSN
	Response chan error
}

// GroupCommitter amortizes fsync cost across the concurrent write
// transactions one Database may have in flight at once (§5's "many
// threads may hold write transactions concurrently" model makes this
// genuinely useful, unlike a single-writer design where there's never more
// than one commit in flight to batch).
//
// How it works:
//  1. Transactions request a commit by sending a request to the channel.
//  2. The background goroutine collects requests into a batch.
//  3. The batch is flushed when:
//     - The batch size limit is reached.
//     - GroupCommitWindow elapses (latency bound).
//     - The incoming channel is empty (immediate flush for low load).
//  4. The batch's fsync is handed to the process-wide SharedFlusher rather
//     than calling wal.Sync() directly, so a process holding several open
//     Databases (one per shard, say) coalesces their fsyncs too.
//  5. All waiting transactions in the batch are notified.
type GroupCommitter struct {
	wal          *WAL
	requests     chan *CommitRequest
	batchSize    int
	batchTimeout time.Duration
	mu           sync.Mutex
	stopped      bool
	stopChan     chan struct{}
	wg           sync.WaitGroup
}

// NewGroupCommitter creates a group committer for wal with the given batch
// window; windowMS <= 0 falls back to defaultGroupCommitWindow, so callers
// can pass Options.GroupCommitWindow straight through.
func NewGroupCommitter(wal *WAL, windowMS int) *GroupCommitter {
	window := defaultGroupCommitWindow
	if windowMS > 0 {
		window = time.Duration(windowMS) * time.Millisecond
	}

	gc := &GroupCommitter{
		wal:          wal,
		requests:     make(chan *CommitRequest, 1000),
		batchSize:    100, // Max 100 commits per batch
		batchTimeout: window,
		stopChan:     make(chan struct{}),
	}

	gc.wg.Add(1)
	go gc.run()

	return gc
}

// Commit submits a commit request and waits for it to be flushed.
func (gc *GroupCommitter) Commit(lsn LSN) error {
	gc.mu.Lock()
	if gc.stopped {
		gc.mu.Unlock()
		return ErrCommitterStopped
	}
	gc.mu.Unlock()

	req := &CommitRequest{
		LSN:      lsn,
		Response: make(chan error, 1),
	}

	select {
	case gc.requests <- req:
	case <-gc.stopChan:
		return ErrCommitterStopped
	}

	return <-req.Response
}

// run processes commit requests in batches.
func (gc *GroupCommitter) run() {
	defer gc.wg.Done()

	var batch []*CommitRequest
	timer := time.NewTimer(gc.batchTimeout)
	defer timer.Stop()

	for {
		select {
		case req := <-gc.requests:
			batch = append(batch, req)

			// If batch is full OR channel is empty (no immediate followers),
			// flush immediately. This optimizes latency for serial/low-
			// throughput workloads while still batching high-throughput
			// bursts.
			if len(batch) >= gc.batchSize || len(gc.requests) == 0 {
				gc.flushBatch(batch)
				batch = nil
				timer.Reset(gc.batchTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				gc.flushBatch(batch)
				batch = nil
			}
			timer.Reset(gc.batchTimeout)

		case <-gc.stopChan:
			if len(batch) > 0 {
				gc.flushBatch(batch)
			}
			return
		}
	}
}

// flushBatch performs a single fsync (via the shared flusher) for the
// entire batch and wakes every waiter with its result.
func (gc *GroupCommitter) flushBatch(batch []*CommitRequest) {
	err := GetSharedFlusher().Flush(gc.wal)

	for _, req := range batch {
		req.Response <- err
	}
}

// Stop drains any in-flight batch and stops accepting new requests.
func (gc *GroupCommitter) Stop() {
	gc.mu.Lock()
	if gc.stopped {
		gc.mu.Unlock()
		return
	}
	gc.stopped = true
	gc.mu.Unlock()

	close(gc.stopChan)
	gc.wg.Wait()
}

// ErrCommitterStopped is returned when the group committer is stopped.
var ErrCommitterStopped = &CommitError{msg: "group committer stopped"}

// CommitError represents a commit error.
type CommitError struct {
	msg string
}

func (e *CommitError) Error() string {
	return e.msg
}
