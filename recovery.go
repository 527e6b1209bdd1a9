package kitedb

import (
	"github.com/pkg/errors"

	"github.com/maskdotdev/kitedb/delta"
	"github.com/maskdotdev/kitedb/graph"
	"github.com/maskdotdev/kitedb/internal/wal"
)

// replayWAL re-executes every committed transaction recorded in the WAL
// since the last checkpoint, rebuilding the MVCC version chains, the
// committed delta and the key index that a checkpoint alone does not
// capture. wal.Recovery already does the filtering (a transaction with
// no Commit record in the log is discarded, per the all-or-nothing
// guarantee a live Begin/Commit pair gives); this pass regroups its
// filtered, in-order record stream by transaction id and replays each
// group through a synthetic Txn.
func (db *Database) replayWAL() error {
	records, err := wal.NewRecovery(db.wal).Recover()
	if err != nil {
		return errors.Wrap(err, "kitedb: WAL recovery scan")
	}

	order := make([]uint64, 0)
	groups := make(map[uint64][]*wal.Record)
	for _, rec := range records {
		if _, ok := groups[rec.TxnID]; !ok {
			order = append(order, rec.TxnID)
		}
		groups[rec.TxnID] = append(groups[rec.TxnID], rec)
	}

	for _, txnID := range order {
		if err := db.replayGroup(groups[txnID]); err != nil {
			return errors.Wrapf(err, "kitedb: replay txn %d", txnID)
		}
	}
	return nil
}

// replayGroup re-applies one committed transaction's mutation records
// through a synthetic recovering Txn, then commits it the same way a live
// write transaction would — minus the WAL append (the bytes are already
// on disk) and the replication forward (a primary re-ships its own
// history to replicas once, not again on every restart).
func (db *Database) replayGroup(records []*wal.Record) error {
	tx := &Txn{
		db:           db,
		mvccTx:       db.mvccMgr.Begin(),
		delta:        delta.New(),
		recovering:   true,
		keyedCreates: make(map[graph.NodeID]string),
		keyedDeletes: make(map[graph.NodeID]struct{}),
	}

	for _, rec := range records {
		if err := tx.replayRecord(rec); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// replayRecord decodes one WAL record and re-issues it through the same
// mutating methods live execution uses, so replay and live execution can
// never drift apart in what a given record type means.
func (tx *Txn) replayRecord(rec *wal.Record) error {
	switch rec.Type {
	case wal.RecordTypeCreateNode:
		r, err := wal.DecodeCreateNode(rec.Payload)
		if err != nil {
			return err
		}
		return tx.CreateNodeWithID(r.ID, r.Key)

	case wal.RecordTypeCreateNodesBatch:
		entries, err := wal.DecodeCreateNodesBatch(rec.Payload)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := tx.CreateNodeWithID(e.ID, e.Key); err != nil {
				return err
			}
		}
		return nil

	case wal.RecordTypeDeleteNode:
		id, err := wal.DecodeDeleteNode(rec.Payload)
		if err != nil {
			return err
		}
		return tx.DeleteNode(id)

	case wal.RecordTypeAddEdge:
		k, err := wal.DecodeAddEdge(rec.Payload)
		if err != nil {
			return err
		}
		return tx.AddEdge(k.Src, k.EType, k.Dst)

	case wal.RecordTypeAddEdgesBatch:
		keys, err := wal.DecodeAddEdgesBatch(rec.Payload)
		if err != nil {
			return err
		}
		return tx.AddEdgesBatch(keys)

	case wal.RecordTypeAddEdgeProps:
		r, err := wal.DecodeAddEdgeProps(rec.Payload)
		if err != nil {
			return err
		}
		return tx.SetEdgeProp(r.Edge.Src, r.Edge.EType, r.Edge.Dst, r.KeyID, r.Value)

	case wal.RecordTypeAddEdgesPropsBatch:
		entries, err := wal.DecodeAddEdgesPropsBatch(rec.Payload)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := tx.SetEdgeProp(e.Edge.Src, e.Edge.EType, e.Edge.Dst, e.KeyID, e.Value); err != nil {
				return err
			}
		}
		return nil

	case wal.RecordTypeDeleteEdge:
		k, err := wal.DecodeDeleteEdge(rec.Payload)
		if err != nil {
			return err
		}
		return tx.DeleteEdge(k.Src, k.EType, k.Dst)

	case wal.RecordTypeSetNodeProp:
		r, err := wal.DecodeSetNodeProp(rec.Payload)
		if err != nil {
			return err
		}
		return tx.SetNodeProp(r.Node, r.KeyID, r.Value)

	case wal.RecordTypeDelNodeProp:
		r, err := wal.DecodeDelNodeProp(rec.Payload)
		if err != nil {
			return err
		}
		return tx.DelNodeProp(r.Node, r.KeyID)

	case wal.RecordTypeSetEdgeProp:
		r, err := wal.DecodeSetEdgeProp(rec.Payload)
		if err != nil {
			return err
		}
		return tx.SetEdgeProp(r.Edge.Src, r.Edge.EType, r.Edge.Dst, r.KeyID, r.Value)

	case wal.RecordTypeSetEdgeProps:
		r, err := wal.DecodeSetEdgeProps(rec.Payload)
		if err != nil {
			return err
		}
		return tx.SetEdgeProps(r.Edge.Src, r.Edge.EType, r.Edge.Dst, r.Props)

	case wal.RecordTypeDelEdgeProp:
		r, err := wal.DecodeDelEdgeProp(rec.Payload)
		if err != nil {
			return err
		}
		return tx.DelEdgeProp(r.Edge.Src, r.Edge.EType, r.Edge.Dst, r.KeyID)

	case wal.RecordTypeAddNodeLabel:
		r, err := wal.DecodeAddNodeLabel(rec.Payload)
		if err != nil {
			return err
		}
		return tx.AddNodeLabel(r.Node, r.Label)

	case wal.RecordTypeRemoveNodeLabel:
		r, err := wal.DecodeRemoveNodeLabel(rec.Payload)
		if err != nil {
			return err
		}
		return tx.RemoveNodeLabel(r.Node, r.Label)

	case wal.RecordTypeSetNodeVector:
		r, err := wal.DecodeSetNodeVector(rec.Payload)
		if err != nil {
			return err
		}
		return tx.SetNodeVector(r.Node, r.KeyID, r.Vec)

	case wal.RecordTypeDelNodeVector:
		r, err := wal.DecodeDelNodeVector(rec.Payload)
		if err != nil {
			return err
		}
		return tx.DelNodeVector(r.Node, r.KeyID)

	case wal.RecordTypeBatchVectors:
		entries, err := wal.DecodeBatchVectors(rec.Payload)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := tx.SetNodeVector(e.Node, e.KeyID, e.Vec); err != nil {
				return err
			}
		}
		return nil

	case wal.RecordTypeSealFragment, wal.RecordTypeCompactFragments:
		// Local replay skips these fragment bookkeeping records: the
		// store derives its own fragment boundaries from the replayed
		// SetNodeVector/DelNodeVector records (sealing at targetSize).
		return nil

	case wal.RecordTypeDefineLabel:
		r, err := wal.DecodeDefineLabel(rec.Payload)
		if err != nil {
			return err
		}
		tx.db.schema.adoptLabel(graph.LabelID(r.ID), r.Name)
		return nil

	case wal.RecordTypeDefineEtype:
		r, err := wal.DecodeDefineEtype(rec.Payload)
		if err != nil {
			return err
		}
		tx.db.schema.adoptEtype(graph.ETypeID(r.ID), r.Name)
		return nil

	case wal.RecordTypeDefinePropKey:
		r, err := wal.DecodeDefinePropKey(rec.Payload)
		if err != nil {
			return err
		}
		tx.db.schema.adoptPropKey(graph.PropKeyID(r.ID), r.Name)
		return nil

	default:
		return errors.Errorf("kitedb: unexpected record type %v during replay", rec.Type)
	}
}

// maybeAutoCheckpoint triggers a checkpoint once the active WAL region has
// filled past opts.CheckpointThreshold (§4.9). Foreground by default;
// when BackgroundCheckpoint is set the fold runs on its own goroutine so
// the committing transaction's caller is not held up by it.
func (db *Database) maybeAutoCheckpoint() {
	a, b := db.wal.RegionDescriptors()
	active := a
	if db.wal.ActiveRegion() == wal.RegionB {
		active = b
	}
	if active.Size == 0 {
		return
	}
	fillRatio := float64(active.Tail) / float64(active.Size)
	if fillRatio < db.opts.CheckpointThreshold {
		return
	}
	if db.opts.BackgroundCheckpoint {
		go func() {
			if err := db.Checkpoint(); err != nil {
				db.log.Warn().Err(err).Msg("kitedb: background checkpoint failed")
			}
		}()
		return
	}
	if err := db.Checkpoint(); err != nil {
		db.log.Warn().Err(err).Msg("kitedb: auto checkpoint failed")
	}
}
