package delta

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/maskdotdev/kitedb/graph"
)

func TestCreateAndDeleteNode(t *testing.T) {
	d := New()
	d.CreateNode(1, nil)
	require.True(t, d.IsNodeCreated(1))

	d.DeleteNode(1)
	require.False(t, d.IsNodeCreated(1))
	require.True(t, d.IsNodeDeleted(1))
}

func TestNodePropLifecycle(t *testing.T) {
	d := New()
	d.SetNodeProp(1, 5, graph.I64(42))

	v, ok, deleted := d.NodeProp(1, 5)
	require.True(t, ok)
	require.False(t, deleted)
	require.Equal(t, int64(42), v.I64)

	d.DelNodeProp(1, 5)
	_, ok, deleted = d.NodeProp(1, 5)
	require.False(t, ok)
	require.True(t, deleted)
}

func TestEdgeAddDeleteAdjacency(t *testing.T) {
	d := New()
	k := graph.EdgeKey{Src: 1, EType: 2, Dst: 3}
	d.AddEdge(k)

	require.True(t, d.IsEdgeAdded(k))
	require.ElementsMatch(t, []graph.EdgeKey{k}, d.OutAdded(1))
	require.ElementsMatch(t, []graph.EdgeKey{k}, d.InAdded(3))

	d.DeleteEdge(k)
	require.True(t, d.IsEdgeDeleted(k))
	require.Empty(t, d.OutAdded(1))
	require.ElementsMatch(t, []graph.EdgeKey{k}, d.OutDeleted(1))
}

func TestEdgePropOverlay(t *testing.T) {
	d := New()
	k := graph.EdgeKey{Src: 1, EType: 2, Dst: 3}
	d.SetEdgeProp(k, 7, graph.String("hi"))

	v, ok := d.EdgeProp(k, 7)
	require.True(t, ok)
	require.Equal(t, "hi", v.Str)

	d.DelEdgeProp(k, 7)
	_, ok = d.EdgeProp(k, 7)
	require.False(t, ok)
}

func TestKeyIndexOverlay(t *testing.T) {
	d := New()
	d.SetKey("alice", 1)

	id, ok, deleted := d.LookupKey("alice")
	require.True(t, ok)
	require.False(t, deleted)
	require.Equal(t, graph.NodeID(1), id)

	d.DeleteKey("alice")
	_, ok, deleted = d.LookupKey("alice")
	require.False(t, ok)
	require.True(t, deleted)
}

func TestMergeFromFoldsPendingIntoCommitted(t *testing.T) {
	committed := New()
	pending := New()

	pending.CreateNode(10, nil)
	pending.SetNodeProp(10, 1, graph.Bool(true))
	k := graph.EdgeKey{Src: 10, EType: 1, Dst: 11}
	pending.AddEdge(k)
	pending.SetEdgeProp(k, 2, graph.I64(9))
	pending.SetKey("new-node", 10)

	committed.MergeFrom(pending)

	require.True(t, committed.IsNodeCreated(10))
	v, ok, _ := committed.NodeProp(10, 1)
	require.True(t, ok)
	require.True(t, v.Bool)
	require.True(t, committed.IsEdgeAdded(k))
	ev, ok := committed.EdgeProp(k, 2)
	require.True(t, ok)
	require.Equal(t, int64(9), ev.I64)
	id, ok, _ := committed.LookupKey("new-node")
	require.True(t, ok)
	require.Equal(t, graph.NodeID(10), id)
}

func TestMergeFromReconcilesConflictingAddDelete(t *testing.T) {
	committed := New()
	k := graph.EdgeKey{Src: 1, EType: 1, Dst: 2}
	committed.AddEdge(k)

	pending := New()
	pending.DeleteEdge(k)
	committed.MergeFrom(pending)

	require.True(t, committed.IsEdgeDeleted(k))
	require.False(t, committed.IsEdgeAdded(k))
}

func TestNodeLabelEdits(t *testing.T) {
	d := New()
	d.AddNodeLabel(1, 3)
	edits := d.NodeEditsFor(1)
	require.NotNil(t, edits)
	_, added := edits.LabelsAdded[3]
	require.True(t, added)

	d.RemoveNodeLabel(1, 3)
	edits = d.NodeEditsFor(1)
	_, added = edits.LabelsAdded[3]
	require.False(t, added)
	_, removed := edits.LabelsRemoved[3]
	require.True(t, removed)
}
