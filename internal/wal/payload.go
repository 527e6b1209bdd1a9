package wal

import (
	"github.com/pkg/errors"

	"github.com/maskdotdev/kitedb/graph"
	"github.com/maskdotdev/kitedb/internal/codec"
)

// This file defines the payload encoding for every RecordType. Record
// itself only frames an opaque byte payload (record.go); these helpers give
// each record type a structured, versioned-by-type wire shape so the
// coordinator and replication replay can marshal/unmarshal without
// reaching into WAL internals.

func putBytes(buf []byte, b []byte) []byte {
	buf = codec.PutUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

func getBytes(buf []byte) ([]byte, []byte, error) {
	n, k := codec.Uvarint(buf)
	if k <= 0 {
		return nil, nil, errors.New("wal: truncated length prefix")
	}
	buf = buf[k:]
	if uint64(len(buf)) < n {
		return nil, nil, errors.New("wal: truncated byte payload")
	}
	return buf[:n], buf[n:], nil
}

func putUvarint(buf []byte, v uint64) []byte { return codec.PutUvarint(buf, v) }

func getUvarint(buf []byte) (uint64, []byte, error) {
	v, k := codec.Uvarint(buf)
	if k <= 0 {
		return 0, nil, errors.New("wal: truncated varint")
	}
	return v, buf[k:], nil
}

func encodePropValue(buf []byte, v graph.PropValue) []byte {
	buf = append(buf, byte(v.Kind))
	switch v.Kind {
	case graph.PropI64:
		tmp := make([]byte, 8)
		codec.PutUint64(tmp, uint64(v.I64))
		buf = append(buf, tmp...)
	case graph.PropF64:
		tmp := make([]byte, 8)
		codec.PutUint64(tmp, mathFloat64bits(v.F64))
		buf = append(buf, tmp...)
	case graph.PropBool:
		if v.Bool {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case graph.PropString:
		buf = putBytes(buf, []byte(v.Str))
	case graph.PropBytes:
		buf = putBytes(buf, v.Bytes)
	case graph.PropF32Vector:
		buf = putUvarint(buf, uint64(len(v.Vector)))
		tmp := make([]byte, 4)
		for _, f := range v.Vector {
			codec.PutUint32(tmp, mathFloat32bits(f))
			buf = append(buf, tmp...)
		}
	}
	return buf
}

func decodePropValue(buf []byte) (graph.PropValue, []byte, error) {
	if len(buf) < 1 {
		return graph.PropValue{}, nil, errors.New("wal: truncated PropValue kind")
	}
	kind := graph.PropKind(buf[0])
	buf = buf[1:]
	switch kind {
	case graph.PropI64:
		if len(buf) < 8 {
			return graph.PropValue{}, nil, errors.New("wal: truncated PropValue i64")
		}
		return graph.I64(int64(codec.Uint64(buf[:8]))), buf[8:], nil
	case graph.PropF64:
		if len(buf) < 8 {
			return graph.PropValue{}, nil, errors.New("wal: truncated PropValue f64")
		}
		return graph.F64(mathFloat64frombits(codec.Uint64(buf[:8]))), buf[8:], nil
	case graph.PropBool:
		if len(buf) < 1 {
			return graph.PropValue{}, nil, errors.New("wal: truncated PropValue bool")
		}
		return graph.Bool(buf[0] != 0), buf[1:], nil
	case graph.PropString:
		raw, rest, err := getBytes(buf)
		if err != nil {
			return graph.PropValue{}, nil, err
		}
		return graph.String(string(raw)), rest, nil
	case graph.PropBytes:
		raw, rest, err := getBytes(buf)
		if err != nil {
			return graph.PropValue{}, nil, err
		}
		return graph.Bytes(raw), rest, nil
	case graph.PropF32Vector:
		n, rest, err := getUvarint(buf)
		if err != nil {
			return graph.PropValue{}, nil, err
		}
		vec := make([]float32, n)
		for i := range vec {
			if len(rest) < 4 {
				return graph.PropValue{}, nil, errors.New("wal: truncated PropValue vector element")
			}
			vec[i] = mathFloat32frombits(codec.Uint32(rest[:4]))
			rest = rest[4:]
		}
		return graph.F32Vector(vec), rest, nil
	default:
		return graph.PropValue{}, nil, errors.Errorf("wal: unknown PropValue kind %d", kind)
	}
}

// --- lifecycle records: Begin / Commit / Rollback ---

// EncodeCommit encodes the commit timestamp assigned to the transaction.
func EncodeCommit(commitTS uint64) []byte {
	buf := make([]byte, 8)
	codec.PutUint64(buf, commitTS)
	return buf
}

func DecodeCommit(payload []byte) (uint64, error) {
	if len(payload) < 8 {
		return 0, errors.New("wal: truncated Commit payload")
	}
	return codec.Uint64(payload[:8]), nil
}

// --- node records ---

func EncodeCreateNode(id graph.NodeID, key *string) []byte {
	buf := make([]byte, 0, 16)
	buf = putUvarint(buf, uint64(id))
	if key == nil {
		buf = append(buf, 0)
	} else {
		buf = append(buf, 1)
		buf = putBytes(buf, []byte(*key))
	}
	return buf
}

type CreateNodeRecord struct {
	ID  graph.NodeID
	Key *string
}

func DecodeCreateNode(payload []byte) (CreateNodeRecord, error) {
	id, rest, err := getUvarint(payload)
	if err != nil {
		return CreateNodeRecord{}, err
	}
	if len(rest) < 1 {
		return CreateNodeRecord{}, errors.New("wal: truncated CreateNode has-key flag")
	}
	hasKey := rest[0] != 0
	rest = rest[1:]
	rec := CreateNodeRecord{ID: graph.NodeID(id)}
	if hasKey {
		raw, _, err := getBytes(rest)
		if err != nil {
			return CreateNodeRecord{}, err
		}
		s := string(raw)
		rec.Key = &s
	}
	return rec, nil
}

func EncodeCreateNodesBatch(entries []CreateNodeRecord) []byte {
	buf := putUvarint(nil, uint64(len(entries)))
	for _, e := range entries {
		buf = append(buf, EncodeCreateNode(e.ID, e.Key)...)
	}
	return buf
}

func DecodeCreateNodesBatch(payload []byte) ([]CreateNodeRecord, error) {
	n, rest, err := getUvarint(payload)
	if err != nil {
		return nil, err
	}
	out := make([]CreateNodeRecord, 0, n)
	for i := uint64(0); i < n; i++ {
		id, r2, err := getUvarint(rest)
		if err != nil {
			return nil, err
		}
		if len(r2) < 1 {
			return nil, errors.New("wal: truncated CreateNodesBatch entry")
		}
		hasKey := r2[0] != 0
		r2 = r2[1:]
		rec := CreateNodeRecord{ID: graph.NodeID(id)}
		if hasKey {
			raw, r3, err := getBytes(r2)
			if err != nil {
				return nil, err
			}
			s := string(raw)
			rec.Key = &s
			rest = r3
		} else {
			rest = r2
		}
		out = append(out, rec)
	}
	return out, nil
}

func EncodeDeleteNode(id graph.NodeID) []byte {
	return putUvarint(nil, uint64(id))
}

func DecodeDeleteNode(payload []byte) (graph.NodeID, error) {
	id, _, err := getUvarint(payload)
	return graph.NodeID(id), err
}

// --- edge records ---

func encodeEdgeKey(buf []byte, k graph.EdgeKey) []byte {
	buf = putUvarint(buf, uint64(k.Src))
	buf = putUvarint(buf, uint64(k.EType))
	buf = putUvarint(buf, uint64(k.Dst))
	return buf
}

func decodeEdgeKey(buf []byte) (graph.EdgeKey, []byte, error) {
	src, rest, err := getUvarint(buf)
	if err != nil {
		return graph.EdgeKey{}, nil, err
	}
	etype, rest, err := getUvarint(rest)
	if err != nil {
		return graph.EdgeKey{}, nil, err
	}
	dst, rest, err := getUvarint(rest)
	if err != nil {
		return graph.EdgeKey{}, nil, err
	}
	return graph.EdgeKey{Src: graph.NodeID(src), EType: graph.ETypeID(etype), Dst: graph.NodeID(dst)}, rest, nil
}

func EncodeAddEdge(k graph.EdgeKey) []byte {
	return encodeEdgeKey(nil, k)
}

func DecodeAddEdge(payload []byte) (graph.EdgeKey, error) {
	k, _, err := decodeEdgeKey(payload)
	return k, err
}

func EncodeAddEdgesBatch(keys []graph.EdgeKey) []byte {
	buf := putUvarint(nil, uint64(len(keys)))
	for _, k := range keys {
		buf = encodeEdgeKey(buf, k)
	}
	return buf
}

func DecodeAddEdgesBatch(payload []byte) ([]graph.EdgeKey, error) {
	n, rest, err := getUvarint(payload)
	if err != nil {
		return nil, err
	}
	out := make([]graph.EdgeKey, 0, n)
	for i := uint64(0); i < n; i++ {
		var k graph.EdgeKey
		k, rest, err = decodeEdgeKey(rest)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

func EncodeDeleteEdge(k graph.EdgeKey) []byte {
	return encodeEdgeKey(nil, k)
}

func DecodeDeleteEdge(payload []byte) (graph.EdgeKey, error) {
	k, _, err := decodeEdgeKey(payload)
	return k, err
}

// --- property records ---

func EncodeSetNodeProp(id graph.NodeID, keyID graph.PropKeyID, value graph.PropValue) []byte {
	buf := putUvarint(nil, uint64(id))
	buf = putUvarint(buf, uint64(keyID))
	buf = encodePropValue(buf, value)
	return buf
}

type SetNodePropRecord struct {
	Node  graph.NodeID
	KeyID graph.PropKeyID
	Value graph.PropValue
}

func DecodeSetNodeProp(payload []byte) (SetNodePropRecord, error) {
	id, rest, err := getUvarint(payload)
	if err != nil {
		return SetNodePropRecord{}, err
	}
	keyID, rest, err := getUvarint(rest)
	if err != nil {
		return SetNodePropRecord{}, err
	}
	value, _, err := decodePropValue(rest)
	if err != nil {
		return SetNodePropRecord{}, err
	}
	return SetNodePropRecord{Node: graph.NodeID(id), KeyID: graph.PropKeyID(keyID), Value: value}, nil
}

func EncodeDelNodeProp(id graph.NodeID, keyID graph.PropKeyID) []byte {
	buf := putUvarint(nil, uint64(id))
	return putUvarint(buf, uint64(keyID))
}

type DelNodePropRecord struct {
	Node  graph.NodeID
	KeyID graph.PropKeyID
}

func DecodeDelNodeProp(payload []byte) (DelNodePropRecord, error) {
	id, rest, err := getUvarint(payload)
	if err != nil {
		return DelNodePropRecord{}, err
	}
	keyID, _, err := getUvarint(rest)
	if err != nil {
		return DelNodePropRecord{}, err
	}
	return DelNodePropRecord{Node: graph.NodeID(id), KeyID: graph.PropKeyID(keyID)}, nil
}

type SetEdgePropRecord struct {
	Edge  graph.EdgeKey
	KeyID graph.PropKeyID
	Value graph.PropValue
}

func EncodeSetEdgeProp(k graph.EdgeKey, keyID graph.PropKeyID, value graph.PropValue) []byte {
	buf := encodeEdgeKey(nil, k)
	buf = putUvarint(buf, uint64(keyID))
	buf = encodePropValue(buf, value)
	return buf
}

func DecodeSetEdgeProp(payload []byte) (SetEdgePropRecord, error) {
	k, rest, err := decodeEdgeKey(payload)
	if err != nil {
		return SetEdgePropRecord{}, err
	}
	keyID, rest, err := getUvarint(rest)
	if err != nil {
		return SetEdgePropRecord{}, err
	}
	value, _, err := decodePropValue(rest)
	if err != nil {
		return SetEdgePropRecord{}, err
	}
	return SetEdgePropRecord{Edge: k, KeyID: graph.PropKeyID(keyID), Value: value}, nil
}

// EncodeSetEdgeProps encodes a batch of property writes on one edge. A
// repeated KeyID within the same call is resolved last-write-wins, per the
// accepted Open Question decision.
func EncodeSetEdgeProps(k graph.EdgeKey, props map[graph.PropKeyID]graph.PropValue) []byte {
	buf := encodeEdgeKey(nil, k)
	buf = putUvarint(buf, uint64(len(props)))
	for keyID, value := range props {
		buf = putUvarint(buf, uint64(keyID))
		buf = encodePropValue(buf, value)
	}
	return buf
}

type SetEdgePropsRecord struct {
	Edge  graph.EdgeKey
	Props map[graph.PropKeyID]graph.PropValue
}

func DecodeSetEdgeProps(payload []byte) (SetEdgePropsRecord, error) {
	k, rest, err := decodeEdgeKey(payload)
	if err != nil {
		return SetEdgePropsRecord{}, err
	}
	n, rest, err := getUvarint(rest)
	if err != nil {
		return SetEdgePropsRecord{}, err
	}
	props := make(map[graph.PropKeyID]graph.PropValue, n)
	for i := uint64(0); i < n; i++ {
		keyID, r2, err := getUvarint(rest)
		if err != nil {
			return SetEdgePropsRecord{}, err
		}
		value, r3, err := decodePropValue(r2)
		if err != nil {
			return SetEdgePropsRecord{}, err
		}
		props[graph.PropKeyID(keyID)] = value // last-write-wins
		rest = r3
	}
	return SetEdgePropsRecord{Edge: k, Props: props}, nil
}

// EncodeAddEdgeProps shares SetEdgeProp's wire shape: both set exactly one
// property slot, differing only in WAL-replay semantics (Add implies the
// edge was just created in the same transaction).
func EncodeAddEdgeProps(k graph.EdgeKey, keyID graph.PropKeyID, value graph.PropValue) []byte {
	return EncodeSetEdgeProp(k, keyID, value)
}

func DecodeAddEdgeProps(payload []byte) (SetEdgePropRecord, error) {
	return DecodeSetEdgeProp(payload)
}

func EncodeAddEdgesPropsBatch(entries []SetEdgePropRecord) []byte {
	buf := putUvarint(nil, uint64(len(entries)))
	for _, e := range entries {
		buf = append(buf, EncodeSetEdgeProp(e.Edge, e.KeyID, e.Value)...)
	}
	return buf
}

func DecodeAddEdgesPropsBatch(payload []byte) ([]SetEdgePropRecord, error) {
	n, rest, err := getUvarint(payload)
	if err != nil {
		return nil, err
	}
	out := make([]SetEdgePropRecord, 0, n)
	for i := uint64(0); i < n; i++ {
		k, r2, err := decodeEdgeKey(rest)
		if err != nil {
			return nil, err
		}
		keyID, r3, err := getUvarint(r2)
		if err != nil {
			return nil, err
		}
		value, r4, err := decodePropValue(r3)
		if err != nil {
			return nil, err
		}
		out = append(out, SetEdgePropRecord{Edge: k, KeyID: graph.PropKeyID(keyID), Value: value})
		rest = r4
	}
	return out, nil
}

func EncodeDelEdgeProp(k graph.EdgeKey, keyID graph.PropKeyID) []byte {
	buf := encodeEdgeKey(nil, k)
	return putUvarint(buf, uint64(keyID))
}

func DecodeDelEdgeProp(payload []byte) (DelEdgePropRecord, error) {
	k, rest, err := decodeEdgeKey(payload)
	if err != nil {
		return DelEdgePropRecord{}, err
	}
	keyID, _, err := getUvarint(rest)
	if err != nil {
		return DelEdgePropRecord{}, err
	}
	return DelEdgePropRecord{Edge: k, KeyID: graph.PropKeyID(keyID)}, nil
}

type DelEdgePropRecord struct {
	Edge  graph.EdgeKey
	KeyID graph.PropKeyID
}

// --- label records ---

func EncodeAddNodeLabel(id graph.NodeID, label graph.LabelID) []byte {
	buf := putUvarint(nil, uint64(id))
	return putUvarint(buf, uint64(label))
}

type NodeLabelRecord struct {
	Node  graph.NodeID
	Label graph.LabelID
}

func DecodeAddNodeLabel(payload []byte) (NodeLabelRecord, error) {
	return decodeNodeLabelRecord(payload)
}

func EncodeRemoveNodeLabel(id graph.NodeID, label graph.LabelID) []byte {
	return EncodeAddNodeLabel(id, label)
}

func DecodeRemoveNodeLabel(payload []byte) (NodeLabelRecord, error) {
	return decodeNodeLabelRecord(payload)
}

func decodeNodeLabelRecord(payload []byte) (NodeLabelRecord, error) {
	id, rest, err := getUvarint(payload)
	if err != nil {
		return NodeLabelRecord{}, err
	}
	label, _, err := getUvarint(rest)
	if err != nil {
		return NodeLabelRecord{}, err
	}
	return NodeLabelRecord{Node: graph.NodeID(id), Label: graph.LabelID(label)}, nil
}

// --- vector records ---

func EncodeSetNodeVector(id graph.NodeID, keyID graph.PropKeyID, vec []float32) []byte {
	buf := putUvarint(nil, uint64(id))
	buf = putUvarint(buf, uint64(keyID))
	buf = encodePropValue(buf, graph.F32Vector(vec))
	return buf
}

type SetNodeVectorRecord struct {
	Node  graph.NodeID
	KeyID graph.PropKeyID
	Vec   []float32
}

func DecodeSetNodeVector(payload []byte) (SetNodeVectorRecord, error) {
	id, rest, err := getUvarint(payload)
	if err != nil {
		return SetNodeVectorRecord{}, err
	}
	keyID, rest, err := getUvarint(rest)
	if err != nil {
		return SetNodeVectorRecord{}, err
	}
	value, _, err := decodePropValue(rest)
	if err != nil {
		return SetNodeVectorRecord{}, err
	}
	return SetNodeVectorRecord{Node: graph.NodeID(id), KeyID: graph.PropKeyID(keyID), Vec: value.Vector}, nil
}

func EncodeDelNodeVector(id graph.NodeID, keyID graph.PropKeyID) []byte {
	buf := putUvarint(nil, uint64(id))
	return putUvarint(buf, uint64(keyID))
}

func DecodeDelNodeVector(payload []byte) (DelNodePropRecord, error) {
	id, rest, err := getUvarint(payload)
	if err != nil {
		return DelNodePropRecord{}, err
	}
	keyID, _, err := getUvarint(rest)
	if err != nil {
		return DelNodePropRecord{}, err
	}
	return DelNodePropRecord{Node: graph.NodeID(id), KeyID: graph.PropKeyID(keyID)}, nil
}

type VectorBatchEntry struct {
	Node  graph.NodeID
	KeyID graph.PropKeyID
	Vec   []float32
}

func EncodeBatchVectors(entries []VectorBatchEntry) []byte {
	buf := putUvarint(nil, uint64(len(entries)))
	for _, e := range entries {
		buf = append(buf, EncodeSetNodeVector(e.Node, e.KeyID, e.Vec)...)
	}
	return buf
}

func DecodeBatchVectors(payload []byte) ([]VectorBatchEntry, error) {
	n, rest, err := getUvarint(payload)
	if err != nil {
		return nil, err
	}
	out := make([]VectorBatchEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		id, r2, err := getUvarint(rest)
		if err != nil {
			return nil, err
		}
		keyID, r3, err := getUvarint(r2)
		if err != nil {
			return nil, err
		}
		value, r4, err := decodePropValue(r3)
		if err != nil {
			return nil, err
		}
		out = append(out, VectorBatchEntry{Node: graph.NodeID(id), KeyID: graph.PropKeyID(keyID), Vec: value.Vector})
		rest = r4
	}
	return out, nil
}

// EncodeSealFragment / EncodeCompactFragments record the vector store's
// fragment lifecycle transitions (§4.8); these are intentionally rejected
// during replication replay (InvalidReplication), per the Open Question
// decision to not extend replication coverage to fragment compaction.

func EncodeSealFragment(keyID graph.PropKeyID, fragmentID uint64) []byte {
	buf := putUvarint(nil, uint64(keyID))
	return putUvarint(buf, fragmentID)
}

type SealFragmentRecord struct {
	KeyID      graph.PropKeyID
	FragmentID uint64
}

func DecodeSealFragment(payload []byte) (SealFragmentRecord, error) {
	keyID, rest, err := getUvarint(payload)
	if err != nil {
		return SealFragmentRecord{}, err
	}
	fragID, _, err := getUvarint(rest)
	if err != nil {
		return SealFragmentRecord{}, err
	}
	return SealFragmentRecord{KeyID: graph.PropKeyID(keyID), FragmentID: fragID}, nil
}

func EncodeCompactFragments(keyID graph.PropKeyID, fragmentIDs []uint64) []byte {
	buf := putUvarint(nil, uint64(keyID))
	buf = putUvarint(buf, uint64(len(fragmentIDs)))
	for _, id := range fragmentIDs {
		buf = putUvarint(buf, id)
	}
	return buf
}

type CompactFragmentsRecord struct {
	KeyID       graph.PropKeyID
	FragmentIDs []uint64
}

func DecodeCompactFragments(payload []byte) (CompactFragmentsRecord, error) {
	keyID, rest, err := getUvarint(payload)
	if err != nil {
		return CompactFragmentsRecord{}, err
	}
	n, rest, err := getUvarint(rest)
	if err != nil {
		return CompactFragmentsRecord{}, err
	}
	ids := make([]uint64, 0, n)
	for i := uint64(0); i < n; i++ {
		var id uint64
		id, rest, err = getUvarint(rest)
		if err != nil {
			return CompactFragmentsRecord{}, err
		}
		ids = append(ids, id)
	}
	return CompactFragmentsRecord{KeyID: graph.PropKeyID(keyID), FragmentIDs: ids}, nil
}

// --- schema records ---

type DefineSchemaTokenRecord struct {
	ID   uint32
	Name string
}

func encodeDefineToken(id uint32, name string) []byte {
	buf := putUvarint(nil, uint64(id))
	return putBytes(buf, []byte(name))
}

func decodeDefineToken(payload []byte) (DefineSchemaTokenRecord, error) {
	id, rest, err := getUvarint(payload)
	if err != nil {
		return DefineSchemaTokenRecord{}, err
	}
	raw, _, err := getBytes(rest)
	if err != nil {
		return DefineSchemaTokenRecord{}, err
	}
	return DefineSchemaTokenRecord{ID: uint32(id), Name: string(raw)}, nil
}

func EncodeDefineLabel(id graph.LabelID, name string) []byte     { return encodeDefineToken(uint32(id), name) }
func EncodeDefineEtype(id graph.ETypeID, name string) []byte     { return encodeDefineToken(uint32(id), name) }
func EncodeDefinePropKey(id graph.PropKeyID, name string) []byte { return encodeDefineToken(uint32(id), name) }

func DecodeDefineLabel(payload []byte) (DefineSchemaTokenRecord, error)   { return decodeDefineToken(payload) }
func DecodeDefineEtype(payload []byte) (DefineSchemaTokenRecord, error)   { return decodeDefineToken(payload) }
func DecodeDefinePropKey(payload []byte) (DefineSchemaTokenRecord, error) { return decodeDefineToken(payload) }
