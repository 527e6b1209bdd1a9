// Package wal implements KiteDB's write-ahead log: a dual-region,
// CRC32C-protected, length-prefixed record stream living inside the same
// single file as the page store and snapshot image (§4.2, §4.4).
//
// Key components:
//   - WAL: the coordinator managing the two regions and the active one.
//   - region: one fixed-size in-file append area. It does not wrap: once
//     full, an append to it fails with util.ErrWALSegmentFull.
//   - Record: a single typed, checksummed log entry.
//   - GroupCommitter / SharedFlusher: batch fsync machinery. A
//     GroupCommitter coalesces one database's concurrent committers;
//     SharedFlusher coalesces fsyncs across every WAL a process has open.
package wal

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/maskdotdev/kitedb/internal/util"
)

// DefaultBufferSize is kept for parity with the teacher's buffered-writer
// sizing; nothing reads it, since regions are written directly via WriteAt
// rather than through a buffer.
const DefaultBufferSize = 256 * 1024

// WAL coordinates appends across the two dual in-file regions, handing out
// LSNs and tracking which region is currently accepting writes.
type WAL struct {
	file    *os.File
	regions [2]*region
	active  atomic.Int32 // RegionID of the currently writable region

	currentLSN atomic.Uint64
	syncCount  atomic.Uint64

	mu sync.RWMutex

	log zerolog.Logger
}

// Open creates a WAL coordinator over two pre-allocated regions of the
// shared database file. The caller (the root kitedb coordinator) owns
// computing the regions' byte ranges from the page-0 header and persisting
// any RegionDescriptor.Tail changes back to that header after each commit
// or checkpoint.
func Open(file *os.File, regionA, regionB RegionDescriptor, startLSN LSN, log zerolog.Logger) *WAL {
	w := &WAL{
		file: file,
		regions: [2]*region{
			newRegion(RegionA, file, regionA),
			newRegion(RegionB, file, regionB),
		},
		log: log,
	}
	w.currentLSN.Store(uint64(startLSN))
	return w
}

// ActiveRegion returns the RegionID currently accepting writes.
func (w *WAL) ActiveRegion() RegionID {
	return RegionID(w.active.Load())
}

// RegionDescriptors returns the current on-disk bookkeeping for both
// regions, for the coordinator to persist into the page-0 header.
func (w *WAL) RegionDescriptors() (a, b RegionDescriptor) {
	return w.regions[RegionA].descriptor(), w.regions[RegionB].descriptor()
}

// Append writes a record to the active region, falling over to the other
// region if the active one lacks capacity. Returns the record's assigned
// LSN. A fallover surfaces util.ErrWALSegmentFull to the caller if neither
// region has room — that is the coordinator's signal to force a checkpoint
// before any further writes can proceed.
func (w *WAL) Append(record *Record) (LSN, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	lsn := LSN(w.currentLSN.Add(1))
	record.LSN = lsn

	data, err := record.Encode()
	if err != nil {
		return 0, err
	}

	active := w.regions[w.ActiveRegion()]
	if err := active.append(data); err != nil {
		if err == util.ErrWALSegmentFull {
			w.log.Warn().Int("region", int(active.id)).Msg("wal region full, switching to standby region")
			if switchErr := w.switchRegionLocked(); switchErr != nil {
				return 0, switchErr
			}
			active = w.regions[w.ActiveRegion()]
			if err := active.append(data); err != nil {
				return 0, err
			}
			return lsn, nil
		}
		return 0, err
	}
	return lsn, nil
}

// AppendBatch appends records one at a time, each through its own Append
// call, returning the LSN of the last record written. It is not atomic: if
// an append fails part-way, the records before it stay appended.
func (w *WAL) AppendBatch(records []*Record) (LSN, error) {
	var last LSN
	for _, record := range records {
		lsn, err := w.Append(record)
		if err != nil {
			return 0, err
		}
		last = lsn
	}
	return last, nil
}

// switchRegionLocked flips the active region to its sibling. Callers must
// hold w.mu. The sibling must already have been reset by a completed
// checkpoint; if it still has unfolded data, switching would silently
// start overwriting it, so this refuses in that case.
func (w *WAL) switchRegionLocked() error {
	next := w.ActiveRegion().other()
	if w.regions[next].descriptor().Tail != 0 {
		return util.ErrWALSegmentFull
	}
	w.active.Store(int32(next))
	return nil
}

// SwitchRegion flips the active region; called by the checkpoint engine
// once it has durably folded the previously-active region's records into a
// new snapshot and reset that region.
func (w *WAL) SwitchRegion() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.switchRegionLocked()
}

// ResetRegion clears a region's tail back to zero once a checkpoint has
// folded everything in it.
func (w *WAL) ResetRegion(id RegionID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.regions[id].reset()
}

// Sync forces both regions to durable storage. The WAL lives in the same
// file as everything else, so one fsync covers both regions; the WAL still
// exposes this as a single call to match the teacher's WAL.Sync() surface
// that GroupCommitter and SharedFlusher are written against.
func (w *WAL) Sync() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	w.syncCount.Add(1)
	return w.regions[RegionA].sync()
}

// SyncCount reports how many times Sync has actually been called, for
// tests asserting a sync-policy gate (Options.SyncMode) suppresses the
// call entirely rather than only swallowing its error.
func (w *WAL) SyncCount() uint64 {
	return w.syncCount.Load()
}

// CurrentLSN returns the most recently assigned LSN.
func (w *WAL) CurrentLSN() LSN {
	return LSN(w.currentLSN.Load())
}

// Advance bumps the LSN counter forward, used when opening a database whose
// page-0 header already recorded a higher LSN than this coordinator's zero
// value (i.e. every Open() other than "create a brand new file").
func (w *WAL) Advance(lsn LSN) {
	for {
		cur := w.currentLSN.Load()
		if uint64(lsn) <= cur {
			return
		}
		if w.currentLSN.CompareAndSwap(cur, uint64(lsn)) {
			return
		}
	}
}

// ReadAllRecords reads every record from both regions, in RegionA-then-
// RegionB order.
func (w *WAL) ReadAllRecords() ([]*Record, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var all []*Record
	for _, r := range w.regions {
		records, err := r.readRecords()
		if err != nil {
			return nil, err
		}
		all = append(all, records...)
	}
	return all, nil
}

// ReadActiveRegion reads only the currently-active region's records, the
// common case for ordinary (non-checkpoint) recovery replay.
func (w *WAL) ReadActiveRegion() ([]*Record, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.regions[w.ActiveRegion()].readRecords()
}

// Close flushes both regions. The WAL does not own the underlying file (the
// pager does), so Close never closes it.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.regions[RegionA].sync()
}

// RecordExists reports whether lsn has already been assigned.
func (w *WAL) RecordExists(lsn LSN) bool {
	return lsn > 0 && lsn <= w.CurrentLSN()
}
