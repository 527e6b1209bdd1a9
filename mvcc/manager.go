package mvcc

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/maskdotdev/kitedb/internal/util"
)

// TxStatus is the lifecycle state of a Transaction.
type TxStatus int

const (
	StatusActive TxStatus = iota
	StatusCommitted
	StatusAborted
)

// pendingWrite is a transaction's staged write to one TxKey, held until
// commit so it can be discarded wholesale on abort.
type pendingWrite struct {
	data []byte // nil means "delete"
}

// Transaction tracks one write transaction's MVCC bookkeeping: its identity,
// its snapshot, and the read-set/write-set first-committer-wins conflict
// detection is checked against at commit time.
type Transaction struct {
	ID       uint64
	Status   TxStatus
	Snapshot *Snapshot

	mu       sync.Mutex
	reads    map[TxKey]struct{}
	writes   map[TxKey]pendingWrite
	writeSeq []TxKey // preserves insertion order for deterministic replay/logging
}

// RecordRead adds key to the transaction's read-set, used at commit time to
// detect write-skew against concurrently committed transactions.
func (tx *Transaction) RecordRead(key TxKey) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.reads[key] = struct{}{}
}

// Stage buffers a write to key for this transaction without making it
// visible to any other transaction; data == nil stages a deletion.
func (tx *Transaction) Stage(key TxKey, data []byte) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if _, exists := tx.writes[key]; !exists {
		tx.writeSeq = append(tx.writeSeq, key)
	}
	tx.writes[key] = pendingWrite{data: data}
}

// StagedValue returns this transaction's own uncommitted write to key, for
// read-your-own-writes.
func (tx *Transaction) StagedValue(key TxKey) ([]byte, bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	w, ok := tx.writes[key]
	return w.data, ok
}

// WriteSet returns the ordered list of TxKeys this transaction has written.
func (tx *Transaction) WriteSet() []TxKey {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	out := make([]TxKey, len(tx.writeSeq))
	copy(out, tx.writeSeq)
	return out
}

// TransactionManager is the MVCC coordinator: issues transaction ids and
// snapshots, tracks per-TxKey version chains, and enforces first-committer-
// wins conflict detection at commit time. It holds no WAL or pager
// reference — the root kitedb coordinator sequences "write WAL, then call
// Commit" itself, since durability ordering is the coordinator's concern,
// not MVCC's.
type TransactionManager struct {
	versions  *VersionManager
	snapshots *SnapshotManager

	nextTxID atomic.Uint64

	// commitMu serializes the validate+publish epilogue of Commit, matching
	// the commit_lock the spec's concurrency model requires: only one
	// transaction may validate conflicts and publish new versions at a time.
	commitMu sync.Mutex
}

// NewTransactionManager creates a manager over a fresh VersionManager and
// SnapshotManager.
func NewTransactionManager() *TransactionManager {
	vm := NewVersionManager()
	return &TransactionManager{
		versions:  vm,
		snapshots: NewSnapshotManager(vm),
	}
}

// Versions exposes the underlying VersionManager, e.g. for the coordinator's
// read-merge path and for recovery replay to advance the clock.
func (tm *TransactionManager) Versions() *VersionManager { return tm.versions }

// Begin allocates a new transaction id and a snapshot that excludes every
// transaction still active at this instant.
func (tm *TransactionManager) Begin() *Transaction {
	txid := tm.nextTxID.Add(1)
	snap := tm.snapshots.BeginSnapshot(txid)
	return &Transaction{
		ID:       txid,
		Status:   StatusActive,
		Snapshot: snap,
		reads:    make(map[TxKey]struct{}),
		writes:   make(map[TxKey]pendingWrite),
	}
}

// Commit validates tx's write-set (and read-set, for write-skew detection)
// against every version committed since tx's snapshot was taken, and on
// success prepends tx's staged writes onto their chains at commitTS.
// Returns util.ErrTxnAborted wrapped with the conflicting TxKey on conflict;
// the caller must then roll back.
func (tm *TransactionManager) Commit(tx *Transaction) (Timestamp, error) {
	tm.commitMu.Lock()
	defer tm.commitMu.Unlock()

	if tx.Status != StatusActive {
		return 0, errors.Wrap(util.ErrTxnNotActive, "mvcc: commit called on non-active transaction")
	}

	conflictKeys := make(map[TxKey]struct{}, len(tx.writes)+len(tx.reads))
	for k := range tx.writes {
		conflictKeys[k] = struct{}{}
	}
	for k := range tx.reads {
		conflictKeys[k] = struct{}{}
	}

	for key := range conflictKeys {
		head := tm.versions.Head(key)
		if head == nil {
			continue
		}
		if head.BeginTS > tx.Snapshot.BeginTS && head.TxID != tx.ID {
			tx.Status = StatusAborted
			tm.snapshots.AbortTransaction(tx.ID)
			tm.snapshots.ReleaseSnapshot(tx.Snapshot)
			return 0, errors.Wrapf(util.ErrTxnAborted, "mvcc: write-write conflict on %s", key)
		}
	}

	commitTS := tm.versions.NewTimestamp()
	for _, key := range tx.writeSeq {
		w := tx.writes[key]
		tm.versions.Prepend(key, &Version{Data: w.data, TxID: tx.ID, BeginTS: commitTS})
	}

	tx.Status = StatusCommitted
	tm.snapshots.CommitTransaction(tx.ID)
	tm.snapshots.ReleaseSnapshot(tx.Snapshot)
	return commitTS, nil
}

// Rollback discards tx's staged writes without touching any version chain.
func (tm *TransactionManager) Rollback(tx *Transaction) {
	if tx.Status != StatusActive {
		return
	}
	tx.Status = StatusAborted
	tm.snapshots.AbortTransaction(tx.ID)
	tm.snapshots.ReleaseSnapshot(tx.Snapshot)
}

// ActiveTransactionCount reports the number of in-flight write transactions.
func (tm *TransactionManager) ActiveTransactionCount() int {
	return tm.snapshots.ActiveTransactionCount()
}
