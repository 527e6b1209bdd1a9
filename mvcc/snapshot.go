package mvcc

import "sync"

// Snapshot is the consistent point-in-time view a transaction reads through:
// its own begin_ts, plus the set of transaction ids that were still active
// when it started (and therefore invisible regardless of their eventual
// commit_ts, per snapshot isolation's "no phantom of concurrent work" rule).
type Snapshot struct {
	BeginTS    Timestamp
	ActiveTxns map[uint64]struct{}
}

// IsVisible reports whether version v should be seen by a reader holding
// this snapshot: committed (EndTS==0 or EndTS beyond read time doesn't
// matter here, only BeginTS does for the creating write) at or before
// BeginTS, and not produced by a transaction that was still in flight when
// the snapshot was taken.
func (s *Snapshot) IsVisible(v *Version) bool {
	if v == nil {
		return false
	}
	if v.BeginTS > s.BeginTS {
		return false
	}
	if _, active := s.ActiveTxns[v.TxID]; active {
		return false
	}
	return true
}

// GetVisibleVersion walks head for the newest version visible to s.
func (s *Snapshot) GetVisibleVersion(head *Version) *Version {
	for v := head; v != nil; v = v.Next {
		if s.IsVisible(v) {
			return v
		}
	}
	return nil
}

// SnapshotManager tracks in-flight transactions so new snapshots can record
// which txids to hide, and tracks the oldest snapshot still outstanding so
// the garbage collector knows which versions remain reachable.
type SnapshotManager struct {
	vm *VersionManager

	mu         sync.RWMutex
	activeTxns map[uint64]struct{}
	// openSnapshots counts, per BeginTS, how many live snapshots still
	// reference it; a BeginTS drops out of the min-tracking set once its
	// count reaches zero.
	openSnapshots map[Timestamp]int
}

// NewSnapshotManager creates a snapshot manager bound to vm's clock.
func NewSnapshotManager(vm *VersionManager) *SnapshotManager {
	return &SnapshotManager{
		vm:            vm,
		activeTxns:    make(map[uint64]struct{}),
		openSnapshots: make(map[Timestamp]int),
	}
}

// BeginSnapshot mints a new snapshot for txid at the current clock value,
// then marks txid active so snapshots started after it (but before its
// commit) will exclude its writes.
func (sm *SnapshotManager) BeginSnapshot(txid uint64) *Snapshot {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	ts := sm.vm.NewTimestamp()

	active := make(map[uint64]struct{}, len(sm.activeTxns))
	for id := range sm.activeTxns {
		active[id] = struct{}{}
	}

	sm.activeTxns[txid] = struct{}{}
	sm.openSnapshots[ts]++

	return &Snapshot{BeginTS: ts, ActiveTxns: active}
}

// CommitTransaction marks txid no longer active, so snapshots started from
// this point on will see its writes.
func (sm *SnapshotManager) CommitTransaction(txid uint64) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.activeTxns, txid)
}

// AbortTransaction marks txid no longer active without making its writes
// visible (the version chain entries it produced are never prepended on
// abort, so there is nothing further to hide).
func (sm *SnapshotManager) AbortTransaction(txid uint64) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.activeTxns, txid)
}

// ReleaseSnapshot retires a snapshot once its transaction has finished,
// allowing its BeginTS to drop out of the oldest-active-snapshot watermark.
func (sm *SnapshotManager) ReleaseSnapshot(s *Snapshot) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if n := sm.openSnapshots[s.BeginTS]; n <= 1 {
		delete(sm.openSnapshots, s.BeginTS)
	} else {
		sm.openSnapshots[s.BeginTS] = n - 1
	}
}

// OldestActiveSnapshot returns the BeginTS of the oldest snapshot still
// open, or the current clock value if none are open. Garbage collection
// must never reclaim a version still reachable at or after this watermark.
func (sm *SnapshotManager) OldestActiveSnapshot() Timestamp {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if len(sm.openSnapshots) == 0 {
		return sm.vm.CurrentTimestamp()
	}
	oldest := Timestamp(^uint64(0))
	for ts := range sm.openSnapshots {
		if ts < oldest {
			oldest = ts
		}
	}
	return oldest
}

// ActiveTransactionCount reports how many write transactions are currently
// in flight.
func (sm *SnapshotManager) ActiveTransactionCount() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.activeTxns)
}
