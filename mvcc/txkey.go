package mvcc

import (
	"fmt"

	"github.com/maskdotdev/kitedb/graph"
)

// TxKeyKind tags the addressable unit a TxKey names. Every mutation and every
// read performed inside a transaction is recorded against exactly one TxKey,
// which is what first-committer-wins conflict detection compares.
type TxKeyKind uint8

const (
	TxKeyInvalid TxKeyKind = iota
	TxKeyNode              // a node's existence
	TxKeyKey               // the unique string-key -> NodeId mapping
	TxKeyNodeProp          // one property slot on a node
	TxKeyNodeLabels        // the whole label set of a node (membership test)
	TxKeyNodeLabel         // one label bit on a node
	TxKeyEdge              // an edge's existence
	TxKeyEdgeProp          // one property slot on an edge
	TxKeyNeighborsOut      // a node's outgoing adjacency, optionally filtered by etype
	TxKeyNeighborsIn       // a node's incoming adjacency, optionally filtered by etype
)

// TxKey is the typed address of everything MVCC tracks: a version chain is
// stored per TxKey, and a transaction's write-set/read-set are sets of TxKey.
type TxKey struct {
	Kind    TxKeyKind
	Node    graph.NodeID
	Other   graph.NodeID // Dst for Edge/EdgeProp, unused otherwise
	EType   graph.ETypeID
	HasEType bool // distinguishes NeighborsOut/In(node) from NeighborsOut/In(node, etype)
	KeyID   graph.PropKeyID
	LabelID graph.LabelID
	Str     string // the raw key string for TxKeyKey
}

// NodeKey addresses a node's existence.
func NodeKey(id graph.NodeID) TxKey { return TxKey{Kind: TxKeyNode, Node: id} }

// KeyKey addresses the unique string-key -> NodeId mapping.
func KeyKey(key string) TxKey { return TxKey{Kind: TxKeyKey, Str: key} }

// NodePropKey addresses one property slot on a node.
func NodePropKey(id graph.NodeID, keyID graph.PropKeyID) TxKey {
	return TxKey{Kind: TxKeyNodeProp, Node: id, KeyID: keyID}
}

// NodeLabelsKey addresses a node's whole label set.
func NodeLabelsKey(id graph.NodeID) TxKey { return TxKey{Kind: TxKeyNodeLabels, Node: id} }

// NodeLabelKey addresses one label bit on a node.
func NodeLabelKey(id graph.NodeID, label graph.LabelID) TxKey {
	return TxKey{Kind: TxKeyNodeLabel, Node: id, LabelID: label}
}

// EdgeTxKey addresses an edge's existence.
func EdgeTxKey(k graph.EdgeKey) TxKey {
	return TxKey{Kind: TxKeyEdge, Node: k.Src, Other: k.Dst, EType: k.EType, HasEType: true}
}

// EdgePropKey addresses one property slot on an edge.
func EdgePropKey(k graph.EdgeKey, keyID graph.PropKeyID) TxKey {
	return TxKey{Kind: TxKeyEdgeProp, Node: k.Src, Other: k.Dst, EType: k.EType, HasEType: true, KeyID: keyID}
}

// NeighborsOutKey addresses a node's outgoing adjacency list, optionally
// scoped to one edge type.
func NeighborsOutKey(id graph.NodeID, etype graph.ETypeID, scoped bool) TxKey {
	return TxKey{Kind: TxKeyNeighborsOut, Node: id, EType: etype, HasEType: scoped}
}

// NeighborsInKey addresses a node's incoming adjacency list, optionally
// scoped to one edge type.
func NeighborsInKey(id graph.NodeID, etype graph.ETypeID, scoped bool) TxKey {
	return TxKey{Kind: TxKeyNeighborsIn, Node: id, EType: etype, HasEType: scoped}
}

func (k TxKey) String() string {
	switch k.Kind {
	case TxKeyNode:
		return fmt.Sprintf("Node(%d)", k.Node)
	case TxKeyKey:
		return fmt.Sprintf("Key(%q)", k.Str)
	case TxKeyNodeProp:
		return fmt.Sprintf("NodeProp(%d,%d)", k.Node, k.KeyID)
	case TxKeyNodeLabels:
		return fmt.Sprintf("NodeLabels(%d)", k.Node)
	case TxKeyNodeLabel:
		return fmt.Sprintf("NodeLabel(%d,%d)", k.Node, k.LabelID)
	case TxKeyEdge:
		return fmt.Sprintf("Edge(%d,%d,%d)", k.Node, k.EType, k.Other)
	case TxKeyEdgeProp:
		return fmt.Sprintf("EdgeProp(%d,%d,%d,%d)", k.Node, k.EType, k.Other, k.KeyID)
	case TxKeyNeighborsOut:
		if k.HasEType {
			return fmt.Sprintf("NeighborsOut(%d,%d)", k.Node, k.EType)
		}
		return fmt.Sprintf("NeighborsOut(%d)", k.Node)
	case TxKeyNeighborsIn:
		if k.HasEType {
			return fmt.Sprintf("NeighborsIn(%d,%d)", k.Node, k.EType)
		}
		return fmt.Sprintf("NeighborsIn(%d)", k.Node)
	default:
		return "Invalid"
	}
}
