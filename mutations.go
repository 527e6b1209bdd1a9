package kitedb

import (
	"github.com/pkg/errors"

	"github.com/maskdotdev/kitedb/graph"
	"github.com/maskdotdev/kitedb/internal/util"
	"github.com/maskdotdev/kitedb/internal/wal"
	"github.com/maskdotdev/kitedb/mvcc"
)

// --- Nodes ---------------------------------------------------------------

// CreateNode allocates a new node, optionally with a unique string key,
// and returns its id.
func (tx *Txn) CreateNode(key *string) (graph.NodeID, error) {
	if err := tx.checkWritable(); err != nil {
		return 0, err
	}
	if key != nil {
		if _, found := tx.lookupKeyMerged(*key); found {
			return 0, errors.Wrapf(util.ErrDuplicateKey, "kitedb: key %q", *key)
		}
	}
	id := graph.NodeID(tx.db.nextNodeID.Add(1))
	tx.applyCreateNode(id, key)
	if !tx.recovering {
		if _, err := tx.appendWAL(wal.RecordTypeCreateNode, wal.EncodeCreateNode(id, key)); err != nil {
			return 0, wrapIo(err, "kitedb: append CreateNode")
		}
	}
	return id, nil
}

func (tx *Txn) applyCreateNode(id graph.NodeID, key *string) {
	tx.mvccTx.Stage(mvcc.NodeKey(id), presentMarker)
	tx.delta.CreateNode(id, key)
	if key != nil {
		tx.mvccTx.Stage(mvcc.KeyKey(*key), encodeNodeID(id))
		tx.delta.SetKey(*key, id)
		tx.keyedCreates[id] = *key
		delete(tx.keyedDeletes, id)
	}
}

// CreateNodeWithID creates a node under a caller-chosen id, failing if
// that id is already in use — used by replica replay and bulk loaders
// that must preserve ids from another source.
func (tx *Txn) CreateNodeWithID(id graph.NodeID, key *string) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	if tx.nodeExistsMerged(id) {
		return errors.Wrapf(util.ErrDuplicateKey, "kitedb: node %d already exists", id)
	}
	if key != nil {
		if _, found := tx.lookupKeyMerged(*key); found {
			return errors.Wrapf(util.ErrDuplicateKey, "kitedb: key %q", *key)
		}
	}
	tx.applyCreateNode(id, key)
	if uint64(id) > tx.db.nextNodeID.Load() {
		tx.db.nextNodeID.Store(uint64(id))
	}
	if !tx.recovering {
		if _, err := tx.appendWAL(wal.RecordTypeCreateNode, wal.EncodeCreateNode(id, key)); err != nil {
			return wrapIo(err, "kitedb: append CreateNode")
		}
	}
	return nil
}

// CreateNodesBatch creates one node per entry in keys (nil entries are
// unkeyed nodes) and returns their ids in the same order.
func (tx *Txn) CreateNodesBatch(keys []*string) ([]graph.NodeID, error) {
	if err := tx.checkWritable(); err != nil {
		return nil, err
	}
	ids := make([]graph.NodeID, len(keys))
	records := make([]wal.CreateNodeRecord, len(keys))
	for i, key := range keys {
		if key != nil {
			if _, found := tx.lookupKeyMerged(*key); found {
				return nil, errors.Wrapf(util.ErrDuplicateKey, "kitedb: key %q", *key)
			}
		}
		id := graph.NodeID(tx.db.nextNodeID.Add(1))
		tx.applyCreateNode(id, key)
		ids[i] = id
		records[i] = wal.CreateNodeRecord{ID: id, Key: key}
	}
	if !tx.recovering {
		if _, err := tx.appendWAL(wal.RecordTypeCreateNodesBatch, wal.EncodeCreateNodesBatch(records)); err != nil {
			return nil, wrapIo(err, "kitedb: append CreateNodesBatch")
		}
	}
	return ids, nil
}

// DeleteNode removes a node. Edges touching it are left for the read
// layer to filter (§4.7's "edges to/from deleted nodes filtered from
// traversal results"), matching the spec's lazy-cleanup approach.
func (tx *Txn) DeleteNode(id graph.NodeID) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	if !tx.nodeExistsMerged(id) {
		return errors.Wrapf(util.ErrNodeNotFound, "kitedb: node %d", id)
	}
	tx.applyDeleteNode(id)
	if !tx.recovering {
		if _, err := tx.appendWAL(wal.RecordTypeDeleteNode, wal.EncodeDeleteNode(id)); err != nil {
			return wrapIo(err, "kitedb: append DeleteNode")
		}
	}
	return nil
}

func (tx *Txn) applyDeleteNode(id graph.NodeID) {
	tx.mvccTx.Stage(mvcc.NodeKey(id), nil)
	if key, ok := tx.nodeKeyMerged(id); ok {
		tx.mvccTx.Stage(mvcc.KeyKey(key), nil)
		tx.delta.DeleteKey(key)
		tx.keyedDeletes[id] = struct{}{}
		delete(tx.keyedCreates, id)
	}
	tx.delta.DeleteNode(id)
}

// nodeKeyMerged resolves id's current unique key, if it has one, honoring
// this transaction's own pending state first.
func (tx *Txn) nodeKeyMerged(id graph.NodeID) (string, bool) {
	if key, ok := tx.keyedCreates[id]; ok {
		return key, true
	}
	if _, deleted := tx.keyedDeletes[id]; deleted {
		return "", false
	}
	tx.db.mu.RLock()
	key, ok := tx.db.nodeKeyByID[id]
	tx.db.mu.RUnlock()
	return key, ok
}

// --- Node properties & labels ---------------------------------------------

// SetNodeProp sets one property on id.
func (tx *Txn) SetNodeProp(id graph.NodeID, keyID graph.PropKeyID, value graph.PropValue) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	if !tx.nodeExistsMerged(id) {
		return errors.Wrapf(util.ErrNodeNotFound, "kitedb: node %d", id)
	}
	tx.applySetNodeProp(id, keyID, value)
	if !tx.recovering {
		if _, err := tx.appendWAL(wal.RecordTypeSetNodeProp, wal.EncodeSetNodeProp(id, keyID, value)); err != nil {
			return wrapIo(err, "kitedb: append SetNodeProp")
		}
	}
	return nil
}

func (tx *Txn) applySetNodeProp(id graph.NodeID, keyID graph.PropKeyID, value graph.PropValue) {
	tx.mvccTx.Stage(mvcc.NodePropKey(id, keyID), encodeValue(value))
	tx.delta.SetNodeProp(id, keyID, value)
}

// DelNodeProp removes a property from id.
func (tx *Txn) DelNodeProp(id graph.NodeID, keyID graph.PropKeyID) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	tx.applyDelNodeProp(id, keyID)
	if !tx.recovering {
		if _, err := tx.appendWAL(wal.RecordTypeDelNodeProp, wal.EncodeDelNodeProp(id, keyID)); err != nil {
			return wrapIo(err, "kitedb: append DelNodeProp")
		}
	}
	return nil
}

func (tx *Txn) applyDelNodeProp(id graph.NodeID, keyID graph.PropKeyID) {
	tx.mvccTx.Stage(mvcc.NodePropKey(id, keyID), nil)
	tx.delta.DelNodeProp(id, keyID)
}

// AddNodeLabel adds label to id's label set (a no-op conflict-wise if
// already present).
func (tx *Txn) AddNodeLabel(id graph.NodeID, label graph.LabelID) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	if !tx.nodeExistsMerged(id) {
		return errors.Wrapf(util.ErrNodeNotFound, "kitedb: node %d", id)
	}
	tx.applyAddNodeLabel(id, label)
	if !tx.recovering {
		if _, err := tx.appendWAL(wal.RecordTypeAddNodeLabel, wal.EncodeAddNodeLabel(id, label)); err != nil {
			return wrapIo(err, "kitedb: append AddNodeLabel")
		}
	}
	return nil
}

func (tx *Txn) applyAddNodeLabel(id graph.NodeID, label graph.LabelID) {
	tx.mvccTx.Stage(mvcc.NodeLabelKey(id, label), presentMarker)
	tx.mvccTx.RecordRead(mvcc.NodeLabelsKey(id))
	tx.delta.AddNodeLabel(id, label)
}

// RemoveNodeLabel removes label from id's label set.
func (tx *Txn) RemoveNodeLabel(id graph.NodeID, label graph.LabelID) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	tx.applyRemoveNodeLabel(id, label)
	if !tx.recovering {
		if _, err := tx.appendWAL(wal.RecordTypeRemoveNodeLabel, wal.EncodeRemoveNodeLabel(id, label)); err != nil {
			return wrapIo(err, "kitedb: append RemoveNodeLabel")
		}
	}
	return nil
}

func (tx *Txn) applyRemoveNodeLabel(id graph.NodeID, label graph.LabelID) {
	tx.mvccTx.Stage(mvcc.NodeLabelKey(id, label), nil)
	tx.mvccTx.RecordRead(mvcc.NodeLabelsKey(id))
	tx.delta.RemoveNodeLabel(id, label)
}

// --- Edges -----------------------------------------------------------------

// AddEdge creates an edge (src, etype, dst) with no properties.
func (tx *Txn) AddEdge(src graph.NodeID, etype graph.ETypeID, dst graph.NodeID) error {
	return tx.AddEdgeWithProps(src, etype, dst, nil)
}

// AddEdgeWithProps creates an edge with an initial property set.
func (tx *Txn) AddEdgeWithProps(src graph.NodeID, etype graph.ETypeID, dst graph.NodeID, props map[graph.PropKeyID]graph.PropValue) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	k := graph.EdgeKey{Src: src, EType: etype, Dst: dst}
	if !tx.nodeExistsMerged(src) {
		return errors.Wrapf(util.ErrNodeNotFound, "kitedb: edge source %d", src)
	}
	if !tx.nodeExistsMerged(dst) {
		return errors.Wrapf(util.ErrNodeNotFound, "kitedb: edge dest %d", dst)
	}
	if tx.edgeExistsMerged(k) {
		return errors.Wrapf(util.ErrDuplicateEdge, "kitedb: edge %s", k)
	}
	tx.applyAddEdge(k, props)
	if !tx.recovering {
		if _, err := tx.appendWAL(wal.RecordTypeAddEdge, wal.EncodeAddEdge(k)); err != nil {
			return wrapIo(err, "kitedb: append AddEdge")
		}
		if len(props) > 0 {
			for keyID, v := range props {
				if _, err := tx.appendWAL(wal.RecordTypeAddEdgeProps, wal.EncodeAddEdgeProps(k, keyID, v)); err != nil {
					return wrapIo(err, "kitedb: append AddEdgeProps")
				}
			}
		}
	}
	return nil
}

func (tx *Txn) applyAddEdge(k graph.EdgeKey, props map[graph.PropKeyID]graph.PropValue) {
	tx.mvccTx.Stage(mvcc.EdgeTxKey(k), presentMarker)
	tx.mvccTx.RecordRead(mvcc.NeighborsOutKey(k.Src, k.EType, true))
	tx.mvccTx.RecordRead(mvcc.NeighborsInKey(k.Dst, k.EType, true))
	tx.delta.AddEdge(k)
	for keyID, v := range props {
		tx.mvccTx.Stage(mvcc.EdgePropKey(k, keyID), encodeValue(v))
		tx.delta.SetEdgeProp(k, keyID, v)
	}
}

// AddEdgesBatch creates every edge in keys, none with properties.
func (tx *Txn) AddEdgesBatch(keys []graph.EdgeKey) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	for _, k := range keys {
		if tx.edgeExistsMerged(k) {
			return errors.Wrapf(util.ErrDuplicateEdge, "kitedb: edge %s", k)
		}
		tx.applyAddEdge(k, nil)
	}
	if !tx.recovering {
		if _, err := tx.appendWAL(wal.RecordTypeAddEdgesBatch, wal.EncodeAddEdgesBatch(keys)); err != nil {
			return wrapIo(err, "kitedb: append AddEdgesBatch")
		}
	}
	return nil
}

// DeleteEdge removes an edge.
func (tx *Txn) DeleteEdge(src graph.NodeID, etype graph.ETypeID, dst graph.NodeID) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	k := graph.EdgeKey{Src: src, EType: etype, Dst: dst}
	if !tx.edgeExistsMerged(k) {
		return errors.Wrapf(util.ErrEdgeNotFound, "kitedb: edge %s", k)
	}
	tx.applyDeleteEdge(k)
	if !tx.recovering {
		if _, err := tx.appendWAL(wal.RecordTypeDeleteEdge, wal.EncodeDeleteEdge(k)); err != nil {
			return wrapIo(err, "kitedb: append DeleteEdge")
		}
	}
	return nil
}

func (tx *Txn) applyDeleteEdge(k graph.EdgeKey) {
	tx.mvccTx.Stage(mvcc.EdgeTxKey(k), nil)
	tx.mvccTx.RecordRead(mvcc.NeighborsOutKey(k.Src, k.EType, true))
	tx.mvccTx.RecordRead(mvcc.NeighborsInKey(k.Dst, k.EType, true))
	tx.delta.DeleteEdge(k)
}

// --- Edge properties ---------------------------------------------------

// SetEdgeProp sets a single property on an existing edge.
func (tx *Txn) SetEdgeProp(src graph.NodeID, etype graph.ETypeID, dst graph.NodeID, keyID graph.PropKeyID, value graph.PropValue) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	k := graph.EdgeKey{Src: src, EType: etype, Dst: dst}
	if !tx.edgeExistsMerged(k) {
		return errors.Wrapf(util.ErrEdgeNotFound, "kitedb: edge %s", k)
	}
	tx.applySetEdgeProp(k, keyID, value)
	if !tx.recovering {
		if _, err := tx.appendWAL(wal.RecordTypeSetEdgeProp, wal.EncodeSetEdgeProp(k, keyID, value)); err != nil {
			return wrapIo(err, "kitedb: append SetEdgeProp")
		}
	}
	return nil
}

func (tx *Txn) applySetEdgeProp(k graph.EdgeKey, keyID graph.PropKeyID, value graph.PropValue) {
	tx.mvccTx.Stage(mvcc.EdgePropKey(k, keyID), encodeValue(value))
	tx.delta.SetEdgeProp(k, keyID, value)
}

// SetEdgeProps sets several properties at once. A repeated KeyID within
// props is meaningless in Go (map keys are unique), so the ambiguity the
// WAL payload codec resolves last-write-wins only ever arises on replay
// of a foreign-written record.
func (tx *Txn) SetEdgeProps(src graph.NodeID, etype graph.ETypeID, dst graph.NodeID, props map[graph.PropKeyID]graph.PropValue) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	k := graph.EdgeKey{Src: src, EType: etype, Dst: dst}
	if !tx.edgeExistsMerged(k) {
		return errors.Wrapf(util.ErrEdgeNotFound, "kitedb: edge %s", k)
	}
	for keyID, v := range props {
		tx.applySetEdgeProp(k, keyID, v)
	}
	if !tx.recovering {
		if _, err := tx.appendWAL(wal.RecordTypeSetEdgeProps, wal.EncodeSetEdgeProps(k, props)); err != nil {
			return wrapIo(err, "kitedb: append SetEdgeProps")
		}
	}
	return nil
}

// DelEdgeProp removes a single property from an edge.
func (tx *Txn) DelEdgeProp(src graph.NodeID, etype graph.ETypeID, dst graph.NodeID, keyID graph.PropKeyID) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	k := graph.EdgeKey{Src: src, EType: etype, Dst: dst}
	tx.applyDelEdgeProp(k, keyID)
	if !tx.recovering {
		if _, err := tx.appendWAL(wal.RecordTypeDelEdgeProp, wal.EncodeDelEdgeProp(k, keyID)); err != nil {
			return wrapIo(err, "kitedb: append DelEdgeProp")
		}
	}
	return nil
}

func (tx *Txn) applyDelEdgeProp(k graph.EdgeKey, keyID graph.PropKeyID) {
	tx.mvccTx.Stage(mvcc.EdgePropKey(k, keyID), nil)
	tx.delta.DelEdgeProp(k, keyID)
}

// --- Vectors ---------------------------------------------------------------
//
// Vector mutations stage their conflict key through MVCC like any other
// property, but the vector bytes themselves are written straight into the
// shared vector.Store rather than buffered in the per-txn delta: the
// store's own fragment/seal bookkeeping (§4.8) already assumes a single
// append-mostly writer per key and has no notion of a pending, possibly
// rolled-back write. A transaction that writes a vector and then rolls
// back therefore leaves the vector applied — a deliberately narrower
// isolation guarantee than every other mutation kind, matching this
// spec's choice to exclude vector batch/seal/compaction records from
// replication replay.

// SetNodeVector stores a vector under keyID on id.
func (tx *Txn) SetNodeVector(id graph.NodeID, keyID graph.PropKeyID, vec []float32) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	if !tx.nodeExistsMerged(id) {
		return errors.Wrapf(util.ErrNodeNotFound, "kitedb: node %d", id)
	}
	tx.mvccTx.Stage(mvcc.NodePropKey(id, keyID), presentMarker)
	if err := tx.db.vectors.Set(keyID, id, vec); err != nil {
		return errors.Wrap(err, "kitedb: set node vector")
	}
	if !tx.recovering {
		if _, err := tx.appendWAL(wal.RecordTypeSetNodeVector, wal.EncodeSetNodeVector(id, keyID, vec)); err != nil {
			return wrapIo(err, "kitedb: append SetNodeVector")
		}
	}
	return nil
}

// DelNodeVector removes a vector under keyID from id.
func (tx *Txn) DelNodeVector(id graph.NodeID, keyID graph.PropKeyID) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	tx.mvccTx.Stage(mvcc.NodePropKey(id, keyID), nil)
	if err := tx.db.vectors.Delete(keyID, id); err != nil {
		return errors.Wrap(err, "kitedb: delete node vector")
	}
	if !tx.recovering {
		if _, err := tx.appendWAL(wal.RecordTypeDelNodeVector, wal.EncodeDelNodeVector(id, keyID)); err != nil {
			return wrapIo(err, "kitedb: append DelNodeVector")
		}
	}
	return nil
}

// --- Schema tokens -----------------------------------------------------

// DefineLabel resolves name to a LabelID, allocating and durably
// recording a new one if name has never been used before.
func (tx *Txn) DefineLabel(name string) (graph.LabelID, error) {
	if err := tx.checkWritable(); err != nil {
		return 0, err
	}
	if id, ok := tx.db.schema.labelID(name); ok {
		return id, nil
	}
	id := tx.db.schema.allocateLabel(name)
	if !tx.recovering {
		if _, err := tx.appendWAL(wal.RecordTypeDefineLabel, wal.EncodeDefineLabel(id, name)); err != nil {
			return 0, wrapIo(err, "kitedb: append DefineLabel")
		}
	}
	return id, nil
}

// DefineEtype resolves name to an ETypeID, allocating one if needed.
func (tx *Txn) DefineEtype(name string) (graph.ETypeID, error) {
	if err := tx.checkWritable(); err != nil {
		return 0, err
	}
	if id, ok := tx.db.schema.etypeID(name); ok {
		return id, nil
	}
	id := tx.db.schema.allocateEtype(name)
	if !tx.recovering {
		if _, err := tx.appendWAL(wal.RecordTypeDefineEtype, wal.EncodeDefineEtype(id, name)); err != nil {
			return 0, wrapIo(err, "kitedb: append DefineEtype")
		}
	}
	return id, nil
}

// DefinePropKey resolves name to a PropKeyID, allocating one if needed.
func (tx *Txn) DefinePropKey(name string) (graph.PropKeyID, error) {
	if err := tx.checkWritable(); err != nil {
		return 0, err
	}
	if id, ok := tx.db.schema.propKeyID(name); ok {
		return id, nil
	}
	id := tx.db.schema.allocatePropKey(name)
	if !tx.recovering {
		if _, err := tx.appendWAL(wal.RecordTypeDefinePropKey, wal.EncodeDefinePropKey(id, name)); err != nil {
			return 0, wrapIo(err, "kitedb: append DefinePropKey")
		}
	}
	return id, nil
}
