// Package delta implements the in-memory overlay of committed mutations not
// yet folded into the snapshot image (§3 Data Model "Delta", §4.5).
//
// Every read merges, in order: the snapshot base, this committed delta, the
// MVCC visible-version layer, and (for the writer's own transaction) a
// pending per-transaction delta that is folded into the committed delta
// only at commit time.
package delta

import (
	"sync"

	"github.com/maskdotdev/kitedb/graph"
)

// NodeEdits accumulates label and property changes to a single node that
// exist only in the delta, not yet folded into the snapshot's own node
// section.
type NodeEdits struct {
	LabelsAdded   map[graph.LabelID]struct{}
	LabelsRemoved map[graph.LabelID]struct{}
	PropsSet      map[graph.PropKeyID]graph.PropValue
	PropsDeleted  map[graph.PropKeyID]struct{}
}

func newNodeEdits() *NodeEdits {
	return &NodeEdits{
		LabelsAdded:   make(map[graph.LabelID]struct{}),
		LabelsRemoved: make(map[graph.LabelID]struct{}),
		PropsSet:      make(map[graph.PropKeyID]graph.PropValue),
		PropsDeleted:  make(map[graph.PropKeyID]struct{}),
	}
}

// Delta is one overlay: either the shared committed delta (mutated only
// under the root coordinator's commit lock) or a single transaction's
// pending delta (private to that transaction until commit merges it).
type Delta struct {
	mu sync.RWMutex

	createdNodes map[graph.NodeID]struct{}
	deletedNodes map[graph.NodeID]struct{}
	modifiedNodes map[graph.NodeID]*NodeEdits

	outAdd map[graph.NodeID]map[graph.EdgeKey]struct{}
	outDel map[graph.NodeID]map[graph.EdgeKey]struct{}
	inAdd  map[graph.NodeID]map[graph.EdgeKey]struct{}
	inDel  map[graph.NodeID]map[graph.EdgeKey]struct{}

	edgeProps map[graph.EdgeKey]map[graph.PropKeyID]graph.PropValue

	keyIndex        map[string]graph.NodeID
	keyIndexDeleted map[string]struct{}
}

// New creates an empty delta overlay.
func New() *Delta {
	return &Delta{
		createdNodes:    make(map[graph.NodeID]struct{}),
		deletedNodes:    make(map[graph.NodeID]struct{}),
		modifiedNodes:   make(map[graph.NodeID]*NodeEdits),
		outAdd:          make(map[graph.NodeID]map[graph.EdgeKey]struct{}),
		outDel:          make(map[graph.NodeID]map[graph.EdgeKey]struct{}),
		inAdd:           make(map[graph.NodeID]map[graph.EdgeKey]struct{}),
		inDel:           make(map[graph.NodeID]map[graph.EdgeKey]struct{}),
		edgeProps:       make(map[graph.EdgeKey]map[graph.PropKeyID]graph.PropValue),
		keyIndex:        make(map[string]graph.NodeID),
		keyIndexDeleted: make(map[string]struct{}),
	}
}

func (d *Delta) nodeEdits(id graph.NodeID) *NodeEdits {
	e, ok := d.modifiedNodes[id]
	if !ok {
		e = newNodeEdits()
		d.modifiedNodes[id] = e
	}
	return e
}

// CreateNode records that id was created in this delta.
func (d *Delta) CreateNode(id graph.NodeID, key *string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.createdNodes[id] = struct{}{}
	delete(d.deletedNodes, id)
	if key != nil {
		d.keyIndex[*key] = id
		delete(d.keyIndexDeleted, *key)
	}
}

// DeleteNode records that id was deleted in this delta.
func (d *Delta) DeleteNode(id graph.NodeID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.createdNodes, id)
	d.deletedNodes[id] = struct{}{}
	delete(d.modifiedNodes, id)
}

// IsNodeCreated reports whether id was created in this delta.
func (d *Delta) IsNodeCreated(id graph.NodeID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.createdNodes[id]
	return ok
}

// IsNodeDeleted reports whether id was deleted in this delta.
func (d *Delta) IsNodeDeleted(id graph.NodeID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.deletedNodes[id]
	return ok
}

// CreatedNodes returns every node id created in this delta, for callers
// (the checkpoint merge) that need to enumerate delta-only nodes that
// have no counterpart in the base snapshot image yet.
func (d *Delta) CreatedNodes() []graph.NodeID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]graph.NodeID, 0, len(d.createdNodes))
	for id := range d.createdNodes {
		out = append(out, id)
	}
	return out
}

// SetNodeProp stages a property write on id.
func (d *Delta) SetNodeProp(id graph.NodeID, keyID graph.PropKeyID, value graph.PropValue) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e := d.nodeEdits(id)
	e.PropsSet[keyID] = value
	delete(e.PropsDeleted, keyID)
}

// DelNodeProp stages a property deletion on id.
func (d *Delta) DelNodeProp(id graph.NodeID, keyID graph.PropKeyID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e := d.nodeEdits(id)
	e.PropsDeleted[keyID] = struct{}{}
	delete(e.PropsSet, keyID)
}

// NodeProp returns a staged property value for id, if any.
func (d *Delta) NodeProp(id graph.NodeID, keyID graph.PropKeyID) (graph.PropValue, bool, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.modifiedNodes[id]
	if !ok {
		return graph.PropValue{}, false, false
	}
	if _, deleted := e.PropsDeleted[keyID]; deleted {
		return graph.PropValue{}, false, true
	}
	v, ok := e.PropsSet[keyID]
	return v, ok, false
}

// AddNodeLabel stages a label addition.
func (d *Delta) AddNodeLabel(id graph.NodeID, label graph.LabelID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e := d.nodeEdits(id)
	e.LabelsAdded[label] = struct{}{}
	delete(e.LabelsRemoved, label)
}

// RemoveNodeLabel stages a label removal.
func (d *Delta) RemoveNodeLabel(id graph.NodeID, label graph.LabelID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e := d.nodeEdits(id)
	e.LabelsRemoved[label] = struct{}{}
	delete(e.LabelsAdded, label)
}

// NodeEditsFor returns the staged label/prop edits for id, or nil.
func (d *Delta) NodeEditsFor(id graph.NodeID) *NodeEdits {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.modifiedNodes[id]
}

// AddEdge stages an edge's creation, updating both adjacency directions.
func (d *Delta) AddEdge(k graph.EdgeKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	addToSet(d.outAdd, k.Src, k)
	removeFromSet(d.outDel, k.Src, k)
	addToSet(d.inAdd, k.Dst, k)
	removeFromSet(d.inDel, k.Dst, k)
}

// DeleteEdge stages an edge's deletion.
func (d *Delta) DeleteEdge(k graph.EdgeKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	addToSet(d.outDel, k.Src, k)
	removeFromSet(d.outAdd, k.Src, k)
	addToSet(d.inDel, k.Dst, k)
	removeFromSet(d.inAdd, k.Dst, k)
	delete(d.edgeProps, k)
}

// IsEdgeAdded / IsEdgeDeleted report the staged state of an edge.
func (d *Delta) IsEdgeAdded(k graph.EdgeKey) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return inSet(d.outAdd, k.Src, k)
}

func (d *Delta) IsEdgeDeleted(k graph.EdgeKey) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return inSet(d.outDel, k.Src, k)
}

// OutAdded / OutDeleted / InAdded / InDeleted return the staged adjacency
// patch sets for a node, for the coordinator's read-merge to apply atop
// the snapshot's own adjacency lists.
func (d *Delta) OutAdded(node graph.NodeID) []graph.EdgeKey  { return setSlice(d.outAdd, node) }
func (d *Delta) OutDeleted(node graph.NodeID) []graph.EdgeKey { return setSlice(d.outDel, node) }
func (d *Delta) InAdded(node graph.NodeID) []graph.EdgeKey   { return setSlice(d.inAdd, node) }
func (d *Delta) InDeleted(node graph.NodeID) []graph.EdgeKey { return setSlice(d.inDel, node) }

// SetEdgeProp stages a single edge property write.
func (d *Delta) SetEdgeProp(k graph.EdgeKey, keyID graph.PropKeyID, value graph.PropValue) {
	d.mu.Lock()
	defer d.mu.Unlock()
	props, ok := d.edgeProps[k]
	if !ok {
		props = make(map[graph.PropKeyID]graph.PropValue)
		d.edgeProps[k] = props
	}
	props[keyID] = value
}

// DelEdgeProp removes a staged edge property write (does not emit a
// tombstone; absence in the overlay falls through to the snapshot/version
// chain, matching the spec's property-deletion semantics at the MVCC layer
// rather than the delta layer).
func (d *Delta) DelEdgeProp(k graph.EdgeKey, keyID graph.PropKeyID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if props, ok := d.edgeProps[k]; ok {
		delete(props, keyID)
	}
}

// EdgeProp returns a staged edge property value, if any.
func (d *Delta) EdgeProp(k graph.EdgeKey, keyID graph.PropKeyID) (graph.PropValue, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	props, ok := d.edgeProps[k]
	if !ok {
		return graph.PropValue{}, false
	}
	v, ok := props[keyID]
	return v, ok
}

// EdgePropsFor returns a copy of every property staged for edge k in this
// delta, for callers (the checkpoint merge) that need to overlay the whole
// set rather than probe one key at a time.
func (d *Delta) EdgePropsFor(k graph.EdgeKey) map[graph.PropKeyID]graph.PropValue {
	d.mu.RLock()
	defer d.mu.RUnlock()
	props, ok := d.edgeProps[k]
	if !ok {
		return nil
	}
	out := make(map[graph.PropKeyID]graph.PropValue, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}

// SetKey / DeleteKey maintain the delta's overlay of the unique string-key
// index.
func (d *Delta) SetKey(key string, id graph.NodeID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keyIndex[key] = id
	delete(d.keyIndexDeleted, key)
}

func (d *Delta) DeleteKey(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.keyIndex, key)
	d.keyIndexDeleted[key] = struct{}{}
}

// LookupKey returns the staged NodeId for key, whether it is present, and
// whether it was explicitly tombstoned in this delta (shadowing the
// snapshot's own key index entry).
func (d *Delta) LookupKey(key string) (graph.NodeID, bool, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if id, ok := d.keyIndex[key]; ok {
		return id, true, false
	}
	_, deleted := d.keyIndexDeleted[key]
	return 0, false, deleted
}

// MergeFrom folds a transaction's pending delta into this (the committed)
// delta. Called once under the commit lock after MVCC validation succeeds.
func (d *Delta) MergeFrom(pending *Delta) {
	pending.mu.RLock()
	defer pending.mu.RUnlock()
	d.mu.Lock()
	defer d.mu.Unlock()

	for id := range pending.createdNodes {
		d.createdNodes[id] = struct{}{}
		delete(d.deletedNodes, id)
	}
	for id := range pending.deletedNodes {
		d.deletedNodes[id] = struct{}{}
		delete(d.createdNodes, id)
		delete(d.modifiedNodes, id)
	}
	for id, edits := range pending.modifiedNodes {
		target := d.nodeEdits(id)
		for l := range edits.LabelsAdded {
			target.LabelsAdded[l] = struct{}{}
			delete(target.LabelsRemoved, l)
		}
		for l := range edits.LabelsRemoved {
			target.LabelsRemoved[l] = struct{}{}
			delete(target.LabelsAdded, l)
		}
		for k, v := range edits.PropsSet {
			target.PropsSet[k] = v
			delete(target.PropsDeleted, k)
		}
		for k := range edits.PropsDeleted {
			target.PropsDeleted[k] = struct{}{}
			delete(target.PropsSet, k)
		}
	}

	mergeEdgeSets(d.outAdd, d.outDel, pending.outAdd, pending.outDel)
	mergeEdgeSets(d.inAdd, d.inDel, pending.inAdd, pending.inDel)

	for k, props := range pending.edgeProps {
		target, ok := d.edgeProps[k]
		if !ok {
			target = make(map[graph.PropKeyID]graph.PropValue)
			d.edgeProps[k] = target
		}
		for keyID, v := range props {
			target[keyID] = v
		}
	}

	for key, id := range pending.keyIndex {
		d.keyIndex[key] = id
		delete(d.keyIndexDeleted, key)
	}
	for key := range pending.keyIndexDeleted {
		d.keyIndexDeleted[key] = struct{}{}
		delete(d.keyIndex, key)
	}
}

func addToSet(m map[graph.NodeID]map[graph.EdgeKey]struct{}, node graph.NodeID, k graph.EdgeKey) {
	set, ok := m[node]
	if !ok {
		set = make(map[graph.EdgeKey]struct{})
		m[node] = set
	}
	set[k] = struct{}{}
}

func removeFromSet(m map[graph.NodeID]map[graph.EdgeKey]struct{}, node graph.NodeID, k graph.EdgeKey) {
	if set, ok := m[node]; ok {
		delete(set, k)
	}
}

func inSet(m map[graph.NodeID]map[graph.EdgeKey]struct{}, node graph.NodeID, k graph.EdgeKey) bool {
	set, ok := m[node]
	if !ok {
		return false
	}
	_, ok = set[k]
	return ok
}

func setSlice(m map[graph.NodeID]map[graph.EdgeKey]struct{}, node graph.NodeID) []graph.EdgeKey {
	set, ok := m[node]
	if !ok {
		return nil
	}
	out := make([]graph.EdgeKey, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

func mergeEdgeSets(dAdd, dDel, pAdd, pDel map[graph.NodeID]map[graph.EdgeKey]struct{}) {
	for node, set := range pAdd {
		for k := range set {
			addToSet(dAdd, node, k)
			removeFromSet(dDel, node, k)
		}
	}
	for node, set := range pDel {
		for k := range set {
			addToSet(dDel, node, k)
			removeFromSet(dAdd, node, k)
		}
	}
}
