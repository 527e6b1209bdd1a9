package wal

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/maskdotdev/kitedb/internal/codec"
)

// RecordType enumerates every mutation KiteDB's WAL can carry (§3 Data
// Model, §4.4 WAL). Each constant's payload layout is documented on the
// matching Encode*/Decode* pair in payload.go.
type RecordType byte

const (
	RecordTypeInvalid RecordType = iota

	RecordTypeBegin
	RecordTypeCommit
	RecordTypeRollback

	RecordTypeCreateNode
	RecordTypeCreateNodesBatch
	RecordTypeDeleteNode

	RecordTypeAddEdge
	RecordTypeAddEdgesBatch
	RecordTypeAddEdgeProps
	RecordTypeAddEdgesPropsBatch
	RecordTypeDeleteEdge

	RecordTypeSetNodeProp
	RecordTypeDelNodeProp
	RecordTypeSetEdgeProp
	RecordTypeSetEdgeProps
	RecordTypeDelEdgeProp

	RecordTypeAddNodeLabel
	RecordTypeRemoveNodeLabel

	RecordTypeSetNodeVector
	RecordTypeDelNodeVector
	RecordTypeBatchVectors
	RecordTypeSealFragment
	RecordTypeCompactFragments

	RecordTypeDefineLabel
	RecordTypeDefineEtype
	RecordTypeDefinePropKey
)

func (t RecordType) String() string {
	switch t {
	case RecordTypeBegin:
		return "Begin"
	case RecordTypeCommit:
		return "Commit"
	case RecordTypeRollback:
		return "Rollback"
	case RecordTypeCreateNode:
		return "CreateNode"
	case RecordTypeCreateNodesBatch:
		return "CreateNodesBatch"
	case RecordTypeDeleteNode:
		return "DeleteNode"
	case RecordTypeAddEdge:
		return "AddEdge"
	case RecordTypeAddEdgesBatch:
		return "AddEdgesBatch"
	case RecordTypeAddEdgeProps:
		return "AddEdgeProps"
	case RecordTypeAddEdgesPropsBatch:
		return "AddEdgesPropsBatch"
	case RecordTypeDeleteEdge:
		return "DeleteEdge"
	case RecordTypeSetNodeProp:
		return "SetNodeProp"
	case RecordTypeDelNodeProp:
		return "DelNodeProp"
	case RecordTypeSetEdgeProp:
		return "SetEdgeProp"
	case RecordTypeSetEdgeProps:
		return "SetEdgeProps"
	case RecordTypeDelEdgeProp:
		return "DelEdgeProp"
	case RecordTypeAddNodeLabel:
		return "AddNodeLabel"
	case RecordTypeRemoveNodeLabel:
		return "RemoveNodeLabel"
	case RecordTypeSetNodeVector:
		return "SetNodeVector"
	case RecordTypeDelNodeVector:
		return "DelNodeVector"
	case RecordTypeBatchVectors:
		return "BatchVectors"
	case RecordTypeSealFragment:
		return "SealFragment"
	case RecordTypeCompactFragments:
		return "CompactFragments"
	case RecordTypeDefineLabel:
		return "DefineLabel"
	case RecordTypeDefineEtype:
		return "DefineEtype"
	case RecordTypeDefinePropKey:
		return "DefinePropKey"
	default:
		return "Invalid"
	}
}

// LSN (Log Sequence Number) uniquely identifies a WAL record within a
// single database's lifetime; it never resets across checkpoints.
type LSN uint64

// Record is a single WAL entry: a typed, CRC32C-protected envelope around an
// opaque payload whose shape is determined by Type. Structured access to
// the payload lives in payload.go's Encode*/Decode* helpers so Record itself
// stays a generic framing type, the way the teacher's Record framed an
// opaque Key/Value pair.
type Record struct {
	LSN       LSN
	TxnID     uint64
	Type      RecordType
	Payload   []byte
	PrevLSN   LSN   // previous record written by the same transaction, 0 if none
	Timestamp int64 // Unix nanoseconds
}

// RecordHeaderSize is the fixed prefix before the payload:
// CRC32C(4) + LSN(8) + TxnID(8) + Type(1) + PrevLSN(8) + Timestamp(8) + PayloadLen(4).
const RecordHeaderSize = 4 + 8 + 8 + 1 + 8 + 8 + 4

// Encode serializes a record to its on-disk byte form.
func (r *Record) Encode() ([]byte, error) {
	total := RecordHeaderSize + len(r.Payload)
	buf := make([]byte, total)

	offset := 4 // CRC32C written last
	codec.PutUint64(buf[offset:offset+8], uint64(r.LSN))
	offset += 8
	codec.PutUint64(buf[offset:offset+8], r.TxnID)
	offset += 8
	buf[offset] = byte(r.Type)
	offset++
	codec.PutUint64(buf[offset:offset+8], uint64(r.PrevLSN))
	offset += 8
	codec.PutUint64(buf[offset:offset+8], uint64(r.Timestamp))
	offset += 8
	codec.PutUint32(buf[offset:offset+4], uint32(len(r.Payload)))
	offset += 4
	copy(buf[offset:], r.Payload)

	codec.PutUint32(buf[0:4], codec.CRC32C(buf[4:]))
	return buf, nil
}

// Decode parses a record previously produced by Encode, verifying its
// CRC32C before trusting any field.
func Decode(data []byte) (*Record, error) {
	if len(data) < RecordHeaderSize {
		return nil, errors.Errorf("wal: record too short (%d bytes, need >= %d)", len(data), RecordHeaderSize)
	}

	expectedCRC := codec.Uint32(data[0:4])
	actualCRC := codec.CRC32C(data[4:])
	if expectedCRC != actualCRC {
		return nil, errors.Wrapf(errWALCorrupt, "record CRC mismatch: expected %08x, got %08x", expectedCRC, actualCRC)
	}

	offset := 4
	lsn := LSN(codec.Uint64(data[offset : offset+8]))
	offset += 8
	txnID := codec.Uint64(data[offset : offset+8])
	offset += 8
	recordType := RecordType(data[offset])
	offset++
	prevLSN := LSN(codec.Uint64(data[offset : offset+8]))
	offset += 8
	timestamp := int64(codec.Uint64(data[offset : offset+8]))
	offset += 8
	payloadLen := int(codec.Uint32(data[offset : offset+4]))
	offset += 4

	if offset+payloadLen != len(data) {
		return nil, errors.Wrap(errWALCorrupt, "record length mismatch")
	}

	payload := make([]byte, payloadLen)
	copy(payload, data[offset:offset+payloadLen])

	return &Record{
		LSN:       lsn,
		TxnID:     txnID,
		Type:      recordType,
		Payload:   payload,
		PrevLSN:   prevLSN,
		Timestamp: timestamp,
	}, nil
}

// Size returns the encoded byte length of the record.
func (r *Record) Size() int {
	return RecordHeaderSize + len(r.Payload)
}

func (r *Record) String() string {
	return fmt.Sprintf("Record{LSN:%d, TxnID:%d, Type:%s, PayloadLen:%d}", r.LSN, r.TxnID, r.Type, len(r.Payload))
}
