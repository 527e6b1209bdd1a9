package wal

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/maskdotdev/kitedb/graph"
)

func TestRecordEncodeDecodeRoundTrip(t *testing.T) {
	rec := &Record{
		TxnID:     42,
		Type:      RecordTypeCreateNode,
		Payload:   EncodeCreateNode(graph.NodeID(7), nil),
		PrevLSN:   0,
		Timestamp: 1234,
	}
	rec.LSN = 1

	data, err := rec.Encode()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, rec.LSN, decoded.LSN)
	require.Equal(t, rec.TxnID, decoded.TxnID)
	require.Equal(t, rec.Type, decoded.Type)
	require.Equal(t, rec.Payload, decoded.Payload)
}

func TestRecordDecodeDetectsCRCCorruption(t *testing.T) {
	rec := &Record{LSN: 1, TxnID: 1, Type: RecordTypeCommit, Payload: EncodeCommit(99)}
	data, err := rec.Encode()
	require.NoError(t, err)

	data[len(data)-1] ^= 0xFF // corrupt last payload byte

	_, err = Decode(data)
	require.Error(t, err)
}

func TestDecodeRejectsTruncatedInput(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestCreateNodePayloadRoundTrip(t *testing.T) {
	key := "alice"
	payload := EncodeCreateNode(graph.NodeID(5), &key)
	rec, err := DecodeCreateNode(payload)
	require.NoError(t, err)
	require.Equal(t, graph.NodeID(5), rec.ID)
	require.NotNil(t, rec.Key)
	require.Equal(t, key, *rec.Key)

	payloadNoKey := EncodeCreateNode(graph.NodeID(6), nil)
	rec2, err := DecodeCreateNode(payloadNoKey)
	require.NoError(t, err)
	require.Nil(t, rec2.Key)
}

func TestSetNodePropPayloadRoundTrip(t *testing.T) {
	payload := EncodeSetNodeProp(graph.NodeID(1), graph.PropKeyID(2), graph.String("hello"))
	rec, err := DecodeSetNodeProp(payload)
	require.NoError(t, err)
	require.Equal(t, graph.NodeID(1), rec.Node)
	require.Equal(t, graph.PropKeyID(2), rec.KeyID)
	require.True(t, rec.Value.Equal(graph.String("hello")))
}

func TestSetEdgePropsLastWriteWinsOnDuplicateKey(t *testing.T) {
	edge := graph.EdgeKey{Src: 1, EType: 2, Dst: 3}
	payload := EncodeSetEdgeProps(edge, map[graph.PropKeyID]graph.PropValue{
		4: graph.I64(1),
	})
	rec, err := DecodeSetEdgeProps(payload)
	require.NoError(t, err)
	require.Equal(t, edge, rec.Edge)
	require.True(t, rec.Props[4].Equal(graph.I64(1)))

	// A map cannot hold a key twice, so build a payload that repeats key 4
	// by hand: the later value must be the one decoded.
	dup := encodeEdgeKey(nil, edge)
	dup = putUvarint(dup, 2)
	dup = putUvarint(dup, 4)
	dup = encodePropValue(dup, graph.I64(1))
	dup = putUvarint(dup, 4)
	dup = encodePropValue(dup, graph.I64(2))
	dupRec, err := DecodeSetEdgeProps(dup)
	require.NoError(t, err)
	require.Len(t, dupRec.Props, 1)
	require.True(t, dupRec.Props[4].Equal(graph.I64(2)))
}

func TestBatchVectorsPayloadRoundTrip(t *testing.T) {
	entries := []VectorBatchEntry{
		{Node: 1, KeyID: 1, Vec: []float32{1, 2, 3}},
		{Node: 2, KeyID: 1, Vec: []float32{4, 5}},
	}
	payload := EncodeBatchVectors(entries)
	decoded, err := DecodeBatchVectors(payload)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	require.Equal(t, entries[0].Vec, decoded[0].Vec)
	require.Equal(t, entries[1].Node, decoded[1].Node)
}

func TestDefineSchemaTokenPayloadRoundTrip(t *testing.T) {
	payload := EncodeDefineLabel(graph.LabelID(3), "Person")
	rec, err := DecodeDefineLabel(payload)
	require.NoError(t, err)
	require.Equal(t, uint32(3), rec.ID)
	require.Equal(t, "Person", rec.Name)
}
