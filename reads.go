package kitedb

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/maskdotdev/kitedb/delta"
	"github.com/maskdotdev/kitedb/graph"
	"github.com/maskdotdev/kitedb/internal/util"
	"github.com/maskdotdev/kitedb/mvcc"
)

// This file implements §4.7's read surface. Point-valued reads (one
// property, one label bit) go through the full MVCC version-chain
// overlay, so a transaction sees exactly the writes visible to its
// snapshot plus its own pending ones. Structural/iteration reads
// (adjacency lists, the full property map, counts) use the committed
// delta plus the checkpoint image — read-committed, not snapshot
// isolated — overlaid by this transaction's own pending delta so it
// always sees its own writes; §4.6 scopes MVCC conflict detection to the
// NeighborsOut/In TxKeys rather than to every edge individually, and the
// read side matches that granularity.

// NodeProp returns one property value on id.
func (tx *Txn) NodeProp(id graph.NodeID, keyID graph.PropKeyID) (graph.PropValue, bool, error) {
	if !tx.nodeExistsMerged(id) {
		return graph.PropValue{}, false, errors.Wrapf(util.ErrNodeNotFound, "kitedb: node %d", id)
	}
	key := mvcc.NodePropKey(id, keyID)
	tx.mvccTx.RecordRead(key)
	if data, ok := tx.mvccTx.StagedValue(key); ok {
		if data == nil {
			return graph.PropValue{}, false, nil
		}
		v, err := decodeValue(data)
		return v, err == nil, err
	}
	if head := tx.db.mvccMgr.Versions().Head(key); head != nil {
		if v := tx.mvccTx.Snapshot.GetVisibleVersion(head); v != nil {
			if v.Data == nil {
				return graph.PropValue{}, false, nil
			}
			val, err := decodeValue(v.Data)
			return val, err == nil, err
		}
	}
	tx.db.mu.RLock()
	rec, ok := tx.db.image.Nodes[id]
	tx.db.mu.RUnlock()
	if !ok {
		return graph.PropValue{}, false, nil
	}
	v, ok := rec.Props[keyID]
	return v, ok, nil
}

// NodeProps returns every property currently set on id (read-committed,
// overlaid with this transaction's own pending edits).
func (tx *Txn) NodeProps(id graph.NodeID) (map[graph.PropKeyID]graph.PropValue, error) {
	if !tx.nodeExistsMerged(id) {
		return nil, errors.Wrapf(util.ErrNodeNotFound, "kitedb: node %d", id)
	}
	tx.db.mu.RLock()
	out := make(map[graph.PropKeyID]graph.PropValue)
	if rec, ok := tx.db.image.Nodes[id]; ok {
		for k, v := range rec.Props {
			out[k] = v
		}
	}
	tx.db.mu.RUnlock()
	applyNodePropEdits(out, tx.db.committedDelta.NodeEditsFor(id))
	applyNodePropEdits(out, tx.delta.NodeEditsFor(id))
	return out, nil
}

func applyNodePropEdits(out map[graph.PropKeyID]graph.PropValue, edits *delta.NodeEdits) {
	if edits == nil {
		return
	}
	for k, v := range edits.PropsSet {
		out[k] = v
	}
	for k := range edits.PropsDeleted {
		delete(out, k)
	}
}

// NodeLabels returns id's current label set, sorted.
func (tx *Txn) NodeLabels(id graph.NodeID) ([]graph.LabelID, error) {
	if !tx.nodeExistsMerged(id) {
		return nil, errors.Wrapf(util.ErrNodeNotFound, "kitedb: node %d", id)
	}
	tx.mvccTx.RecordRead(mvcc.NodeLabelsKey(id))
	set := make(map[graph.LabelID]struct{})
	tx.db.mu.RLock()
	if rec, ok := tx.db.image.Nodes[id]; ok {
		for l := range rec.Labels {
			set[l] = struct{}{}
		}
	}
	tx.db.mu.RUnlock()
	applyNodeLabelEdits(set, tx.db.committedDelta.NodeEditsFor(id))
	applyNodeLabelEdits(set, tx.delta.NodeEditsFor(id))

	out := make([]graph.LabelID, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func applyNodeLabelEdits(set map[graph.LabelID]struct{}, edits *delta.NodeEdits) {
	if edits == nil {
		return
	}
	for l := range edits.LabelsAdded {
		set[l] = struct{}{}
	}
	for l := range edits.LabelsRemoved {
		delete(set, l)
	}
}

// NodeHasLabel reports whether id currently carries label.
func (tx *Txn) NodeHasLabel(id graph.NodeID, label graph.LabelID) (bool, error) {
	labels, err := tx.NodeLabels(id)
	if err != nil {
		return false, err
	}
	for _, l := range labels {
		if l == label {
			return true, nil
		}
	}
	return false, nil
}

// EdgeProp returns one property value on edge (src, etype, dst).
func (tx *Txn) EdgeProp(src graph.NodeID, etype graph.ETypeID, dst graph.NodeID, keyID graph.PropKeyID) (graph.PropValue, bool, error) {
	k := graph.EdgeKey{Src: src, EType: etype, Dst: dst}
	if !tx.edgeExistsMerged(k) {
		return graph.PropValue{}, false, errors.Wrapf(util.ErrEdgeNotFound, "kitedb: edge %s", k)
	}
	key := mvcc.EdgePropKey(k, keyID)
	tx.mvccTx.RecordRead(key)
	if data, ok := tx.mvccTx.StagedValue(key); ok {
		if data == nil {
			return graph.PropValue{}, false, nil
		}
		v, err := decodeValue(data)
		return v, err == nil, err
	}
	if head := tx.db.mvccMgr.Versions().Head(key); head != nil {
		if v := tx.mvccTx.Snapshot.GetVisibleVersion(head); v != nil {
			if v.Data == nil {
				return graph.PropValue{}, false, nil
			}
			val, err := decodeValue(v.Data)
			return val, err == nil, err
		}
	}
	tx.db.mu.RLock()
	rec, ok := tx.db.image.Edges[k]
	tx.db.mu.RUnlock()
	if !ok {
		return graph.PropValue{}, false, nil
	}
	v, ok := rec.Props[keyID]
	return v, ok, nil
}

// EdgeProps returns every property currently set on edge (src, etype,
// dst) (read-committed, overlaid with this transaction's own edits).
func (tx *Txn) EdgeProps(src graph.NodeID, etype graph.ETypeID, dst graph.NodeID) (map[graph.PropKeyID]graph.PropValue, error) {
	k := graph.EdgeKey{Src: src, EType: etype, Dst: dst}
	if !tx.edgeExistsMerged(k) {
		return nil, errors.Wrapf(util.ErrEdgeNotFound, "kitedb: edge %s", k)
	}
	tx.db.mu.RLock()
	out := make(map[graph.PropKeyID]graph.PropValue)
	if rec, ok := tx.db.image.Edges[k]; ok {
		for pk, pv := range rec.Props {
			out[pk] = pv
		}
	}
	tx.db.mu.RUnlock()
	for pk, pv := range tx.db.committedDelta.EdgePropsFor(k) {
		out[pk] = pv
	}
	for pk, pv := range tx.delta.EdgePropsFor(k) {
		out[pk] = pv
	}
	return out, nil
}

// OutEdges returns id's outgoing edges, sorted by (etype, dst), excluding
// anything tombstoned by this transaction's own pending delta.
func (tx *Txn) OutEdges(id graph.NodeID) ([]graph.EdgeKey, error) {
	if !tx.nodeExistsMerged(id) {
		return nil, errors.Wrapf(util.ErrNodeNotFound, "kitedb: node %d", id)
	}
	tx.mvccTx.RecordRead(mvcc.NeighborsOutKey(id, 0, false))
	set := tx.mergedAdjacency(id, true)
	return sortEdgeKeys(set), nil
}

// InEdges returns id's incoming edges, sorted the same way.
func (tx *Txn) InEdges(id graph.NodeID) ([]graph.EdgeKey, error) {
	if !tx.nodeExistsMerged(id) {
		return nil, errors.Wrapf(util.ErrNodeNotFound, "kitedb: node %d", id)
	}
	tx.mvccTx.RecordRead(mvcc.NeighborsInKey(id, 0, false))
	set := tx.mergedAdjacency(id, false)
	return sortEdgeKeys(set), nil
}

// OutNeighbors returns the distinct destination nodes reachable from id
// via an edge of type etype.
func (tx *Txn) OutNeighbors(id graph.NodeID, etype graph.ETypeID) ([]graph.NodeID, error) {
	if !tx.nodeExistsMerged(id) {
		return nil, errors.Wrapf(util.ErrNodeNotFound, "kitedb: node %d", id)
	}
	tx.mvccTx.RecordRead(mvcc.NeighborsOutKey(id, etype, true))
	set := tx.mergedAdjacency(id, true)
	return neighborsOfType(set, etype, true), nil
}

// InNeighbors returns the distinct source nodes with an edge of type
// etype into id.
func (tx *Txn) InNeighbors(id graph.NodeID, etype graph.ETypeID) ([]graph.NodeID, error) {
	if !tx.nodeExistsMerged(id) {
		return nil, errors.Wrapf(util.ErrNodeNotFound, "kitedb: node %d", id)
	}
	tx.mvccTx.RecordRead(mvcc.NeighborsInKey(id, etype, true))
	set := tx.mergedAdjacency(id, false)
	return neighborsOfType(set, etype, false), nil
}

// mergedAdjacency folds the checkpoint image's adjacency for node,
// db.committedDelta's additions/removals, and this transaction's own
// pending additions/removals into one edge-key set, filtering out edges
// that touch a node neither the image nor either delta still considers
// alive.
func (tx *Txn) mergedAdjacency(node graph.NodeID, out bool) map[graph.EdgeKey]struct{} {
	tx.db.mu.RLock()
	base := tx.db.image.OutAdj[node]
	if !out {
		base = tx.db.image.InAdj[node]
	}
	set := make(map[graph.EdgeKey]struct{}, len(base))
	for k := range base {
		set[k] = struct{}{}
	}
	tx.db.mu.RUnlock()

	apply := func(d *delta.Delta) {
		var added, removed []graph.EdgeKey
		if out {
			added, removed = d.OutAdded(node), d.OutDeleted(node)
		} else {
			added, removed = d.InAdded(node), d.InDeleted(node)
		}
		for _, k := range added {
			set[k] = struct{}{}
		}
		for _, k := range removed {
			delete(set, k)
		}
	}
	apply(tx.db.committedDelta)
	apply(tx.delta)

	for k := range set {
		other := k.Dst
		if !out {
			other = k.Src
		}
		if !tx.nodeExistsMerged(other) {
			delete(set, k)
		}
	}
	return set
}

func sortEdgeKeys(set map[graph.EdgeKey]struct{}) []graph.EdgeKey {
	out := make([]graph.EdgeKey, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EType != out[j].EType {
			return out[i].EType < out[j].EType
		}
		if out[i].Dst != out[j].Dst {
			return out[i].Dst < out[j].Dst
		}
		return out[i].Src < out[j].Src
	})
	return out
}

func neighborsOfType(set map[graph.EdgeKey]struct{}, etype graph.ETypeID, out bool) []graph.NodeID {
	seen := make(map[graph.NodeID]struct{})
	var result []graph.NodeID
	for k := range set {
		if k.EType != etype {
			continue
		}
		n := k.Dst
		if !out {
			n = k.Src
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		result = append(result, n)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// NodeByKey resolves a unique string key to its NodeID.
func (tx *Txn) NodeByKey(key string) (graph.NodeID, bool) {
	return tx.lookupKeyMerged(key)
}

// NodeKey returns id's unique string key, if it has one.
func (tx *Txn) NodeKey(id graph.NodeID) (string, bool) {
	return tx.nodeKeyMerged(id)
}

// CountNodes returns the number of live nodes visible to this
// transaction (read-committed plus its own pending creates/deletes).
func (tx *Txn) CountNodes() int {
	return len(tx.listNodesLocked())
}

// CountEdges returns the number of live edges visible to this
// transaction.
func (tx *Txn) CountEdges() int {
	return len(tx.listEdgesLocked())
}

// ListNodes returns every live node id, sorted.
func (tx *Txn) ListNodes() []graph.NodeID {
	ids := tx.listNodesLocked()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (tx *Txn) listNodesLocked() []graph.NodeID {
	tx.db.mu.RLock()
	set := make(map[graph.NodeID]struct{}, len(tx.db.image.Nodes))
	for id := range tx.db.image.Nodes {
		set[id] = struct{}{}
	}
	tx.db.mu.RUnlock()

	for _, id := range tx.db.committedDelta.CreatedNodes() {
		set[id] = struct{}{}
	}
	for _, id := range tx.delta.CreatedNodes() {
		set[id] = struct{}{}
	}
	for id := range set {
		if !tx.nodeExistsMerged(id) {
			delete(set, id)
		}
	}
	out := make([]graph.NodeID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// ListEdges returns every live edge key, sorted by (etype, dst, src).
func (tx *Txn) ListEdges() []graph.EdgeKey {
	edges := tx.listEdgesLocked()
	return sortEdgeKeys(edgeSlice(edges))
}

func (tx *Txn) listEdgesLocked() map[graph.EdgeKey]struct{} {
	tx.db.mu.RLock()
	set := make(map[graph.EdgeKey]struct{}, len(tx.db.image.Edges))
	for k := range tx.db.image.Edges {
		set[k] = struct{}{}
	}
	tx.db.mu.RUnlock()

	for _, id := range tx.listNodesLocked() {
		for _, k := range tx.db.committedDelta.OutAdded(id) {
			set[k] = struct{}{}
		}
		for _, k := range tx.delta.OutAdded(id) {
			set[k] = struct{}{}
		}
	}
	for k := range set {
		if !tx.edgeExistsMerged(k) {
			delete(set, k)
		}
	}
	return set
}

func edgeSlice(set map[graph.EdgeKey]struct{}) map[graph.EdgeKey]struct{} {
	return set
}
