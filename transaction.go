package kitedb

import (
	"github.com/petermattis/goid"
	"github.com/pkg/errors"

	"github.com/maskdotdev/kitedb/delta"
	"github.com/maskdotdev/kitedb/graph"
	"github.com/maskdotdev/kitedb/internal/codec"
	"github.com/maskdotdev/kitedb/internal/util"
	"github.com/maskdotdev/kitedb/internal/wal"
	"github.com/maskdotdev/kitedb/mvcc"
)

// Txn is a single transaction against a Database: a private pending delta
// overlaid on the committed state, an MVCC snapshot fixing what it can
// read, and (for a write transaction) the WAL records it has appended so
// far. Many goroutines may each hold their own active write Txn
// concurrently; the only per-goroutine restriction is that a single
// goroutine cannot have two write Txns active at once (§5). Concurrent
// writers are serialised only at the MVCC commit epilogue (db.commitMu /
// mvcc.TransactionManager's internal commitMu) and at WAL append
// (wal.WAL.mu) — read-only Txns run concurrently with all of them.
type Txn struct {
	db       *Database
	readOnly bool
	mvccTx   *mvcc.Transaction
	delta    *delta.Delta
	done     bool

	// recovering is set only for the synthetic transactions replayWAL
	// constructs to re-apply a committed WAL group at Open time. It
	// suppresses WAL re-append and the read-only/writer-active gate so
	// the exact same apply<Op> methods serve both live execution and
	// recovery replay.
	recovering bool

	frames [][]byte // length-prefixed encoded WAL records, for the replication frame payload

	keyedCreates map[graph.NodeID]string      // nodes this txn created with a key
	keyedDeletes map[graph.NodeID]struct{}      // nodes this txn deleted that had a key

	// writerGoroutine is the goid.Get() value of the goroutine that called
	// Begin for a write transaction; finish releases exactly this key from
	// db.writerThreads, regardless of which goroutine Commit/Rollback runs
	// on.
	writerGoroutine int64
}

// Begin starts a new transaction. A write transaction fails with
// TransactionInProgress if the calling goroutine already has a write
// transaction active (§4.7, §5); a different goroutine may hold its own
// write transaction concurrently. It fails with ReadOnly if the database
// itself was opened read-only and a write was requested.
func (db *Database) Begin(readOnly bool) (*Txn, error) {
	if db.closed.Load() {
		return nil, errors.Wrap(util.ErrDatabaseClosed, "kitedb: Begin")
	}
	var gid int64
	if !readOnly {
		if db.opts.ReadOnly {
			return nil, errors.Wrap(util.ErrReadOnly, "kitedb: Begin write transaction")
		}
		gid = goid.Get()
		if _, alreadyActive := db.writerThreads.LoadOrStore(gid, struct{}{}); alreadyActive {
			return nil, errors.Wrap(util.ErrTransactionInProgress, "kitedb: Begin write transaction")
		}
	}
	return &Txn{
		db:              db,
		readOnly:        readOnly,
		writerGoroutine: gid,
		mvccTx:          db.mvccMgr.Begin(),
		delta:           delta.New(),
		keyedCreates:    make(map[graph.NodeID]string),
		keyedDeletes:    make(map[graph.NodeID]struct{}),
	}, nil
}

func (tx *Txn) finish() {
	tx.done = true
	if !tx.readOnly && !tx.recovering {
		tx.db.writerThreads.Delete(tx.writerGoroutine)
	}
}

// Commit validates and durably applies a write transaction, or (for a
// read-only transaction) simply releases its snapshot. On conflict it
// returns a *ConflictError and leaves no trace of the transaction's writes
// in either the version chains or the committed delta.
func (tx *Txn) Commit() error {
	if tx.done {
		return errors.Wrap(util.ErrNoTransaction, "kitedb: Commit")
	}
	db := tx.db

	if tx.readOnly {
		db.mvccMgr.Rollback(tx.mvccTx)
		tx.finish()
		return nil
	}

	commitTS, err := db.mvccMgr.Commit(tx.mvccTx)
	if err != nil {
		tx.finish()
		return &ConflictError{TxID: tx.mvccTx.ID, Keys: []string{err.Error()}}
	}

	if !tx.recovering {
		lsn, err := tx.appendWAL(wal.RecordTypeCommit, wal.EncodeCommit(uint64(commitTS)))
		if err != nil {
			tx.finish()
			return wrapIo(err, "kitedb: append commit record")
		}
		// §4.4/§6.3's flush policy: Full fsyncs the file on every commit;
		// Normal relies on the WAL buffer having already been written to
		// the OS (wal.Append uses WriteAt, not a userspace buffer) with no
		// explicit fsync; Off does neither. When group commit is enabled,
		// Full's fsync is requested through the GroupCommitter so that
		// concurrent writers' commits share one underlying fsync instead of
		// each paying for their own.
		if db.opts.SyncMode == SyncFull {
			if db.groupCommitter != nil {
				if err := db.groupCommitter.Commit(lsn); err != nil {
					tx.finish()
					return wrapIo(err, "kitedb: group commit sync WAL")
				}
			} else if err := db.wal.Sync(); err != nil {
				tx.finish()
				return wrapIo(err, "kitedb: sync WAL")
			}
		}
	}

	db.commitMu.Lock()
	db.committedDelta.MergeFrom(tx.delta)
	for id, key := range tx.keyedCreates {
		db.nodeKeyByID[id] = key
		db.keyToNodeID[key] = id
	}
	for id := range tx.keyedDeletes {
		if key, ok := db.nodeKeyByID[id]; ok {
			delete(db.nodeKeyByID, id)
			delete(db.keyToNodeID, key)
		}
	}
	db.header.CurrentLSN = db.wal.CurrentLSN()
	db.commitMu.Unlock()

	if !tx.recovering && db.replPrimary != nil {
		if _, rerr := db.replPrimary.Append(tx.mvccTx.ID, tx.frameBlob()); rerr != nil {
			db.log.Warn().Err(rerr).Uint64("txid", tx.mvccTx.ID).Msg("kitedb: replication append failed")
		}
	}

	tx.finish()

	if !tx.recovering && db.opts.AutoCheckpoint {
		db.maybeAutoCheckpoint()
	}
	return nil
}

// Rollback discards a write transaction's pending writes without
// affecting any version chain; a read-only transaction's Rollback is
// equivalent to its Commit.
func (tx *Txn) Rollback() error {
	if tx.done {
		return nil
	}
	tx.db.mvccMgr.Rollback(tx.mvccTx)
	tx.finish()
	return nil
}

func (tx *Txn) checkWritable() error {
	if tx.done {
		return errors.Wrap(util.ErrNoTransaction, "kitedb: transaction already finished")
	}
	if tx.readOnly {
		return errors.Wrap(util.ErrReadOnly, "kitedb: write attempted on read-only transaction")
	}
	return nil
}

// appendWAL encodes and appends one record (no fsync), tagging it
// with this transaction's id so recovery can group records by
// transaction.
func (tx *Txn) appendWAL(t wal.RecordType, payload []byte) (wal.LSN, error) {
	rec := &wal.Record{TxnID: tx.mvccTx.ID, Type: t, Payload: payload}
	lsn, err := tx.db.wal.Append(rec)
	if err != nil {
		return 0, err
	}
	encoded, encErr := rec.Encode()
	if encErr == nil {
		framed := codec.PutUint32(nil, uint32(len(encoded)))
		framed = append(framed, encoded...)
		tx.frames = append(tx.frames, framed)
	}
	return lsn, nil
}

// frameBlob concatenates every length-prefixed record this transaction
// appended into one byte slice suitable for Primary.Append's walBytes
// argument; a replica decodes it by repeatedly reading a 4-byte length
// prefix followed by that many bytes of wal.Record.
func (tx *Txn) frameBlob() []byte {
	var out []byte
	for _, f := range tx.frames {
		out = append(out, f...)
	}
	return out
}

// lookupKeyMerged resolves a unique node key to a NodeID, honoring this
// transaction's own pending writes first, then the committed delta, then
// the checkpoint's key index.
func (tx *Txn) lookupKeyMerged(key string) (graph.NodeID, bool) {
	if id, found, deleted := tx.delta.LookupKey(key); found {
		return id, true
	} else if deleted {
		return 0, false
	}
	if id, found, deleted := tx.db.committedDelta.LookupKey(key); found {
		return id, true
	} else if deleted {
		return 0, false
	}
	tx.db.mu.RLock()
	defer tx.db.mu.RUnlock()
	id, ok := tx.db.keyToNodeID[key]
	return id, ok
}

// nodeExistsMerged reports whether id currently exists, using the full
// MVCC version-chain overlay (node existence is a point-valued fact, per
// §4.6's conflict-key taxonomy) falling back to the checkpoint image.
func (tx *Txn) nodeExistsMerged(id graph.NodeID) bool {
	key := mvcc.NodeKey(id)
	tx.mvccTx.RecordRead(key)
	if data, ok := tx.mvccTx.StagedValue(key); ok {
		return data != nil
	}
	if head := tx.db.mvccMgr.Versions().Head(key); head != nil {
		if v := tx.mvccTx.Snapshot.GetVisibleVersion(head); v != nil {
			return v.Data != nil
		}
	}
	_, ok := tx.db.image.Nodes[id]
	return ok
}

func (tx *Txn) edgeExistsMerged(k graph.EdgeKey) bool {
	key := mvcc.EdgeTxKey(k)
	tx.mvccTx.RecordRead(key)
	if data, ok := tx.mvccTx.StagedValue(key); ok {
		return data != nil
	}
	if head := tx.db.mvccMgr.Versions().Head(key); head != nil {
		if v := tx.mvccTx.Snapshot.GetVisibleVersion(head); v != nil {
			return v.Data != nil
		}
	}
	_, ok := tx.db.image.Edges[k]
	return ok
}
