package kitedb

import (
	"math"

	"github.com/pkg/errors"

	"github.com/maskdotdev/kitedb/graph"
	"github.com/maskdotdev/kitedb/internal/codec"
)

// encodeValue/decodeValue mirror the WAL's and snapshot's private
// encodePropValue/decodePropValue wire shape exactly (same Kind byte +
// variant layout). This package keeps its own copy, matching the
// established pattern of not reaching into another package's internals
// for a bare-value codec: Version.Data stores these bytes directly, so
// mvcc's version chain never needs to know what a PropValue is.
func encodeValue(v graph.PropValue) []byte {
	buf := []byte{byte(v.Kind)}
	switch v.Kind {
	case graph.PropI64:
		tmp := make([]byte, 8)
		codec.PutUint64(tmp, uint64(v.I64))
		buf = append(buf, tmp...)
	case graph.PropF64:
		tmp := make([]byte, 8)
		codec.PutUint64(tmp, math.Float64bits(v.F64))
		buf = append(buf, tmp...)
	case graph.PropBool:
		if v.Bool {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case graph.PropString:
		buf = codec.PutUvarint(buf, uint64(len(v.Str)))
		buf = append(buf, []byte(v.Str)...)
	case graph.PropBytes:
		buf = codec.PutUvarint(buf, uint64(len(v.Bytes)))
		buf = append(buf, v.Bytes...)
	case graph.PropF32Vector:
		buf = codec.PutUvarint(buf, uint64(len(v.Vector)))
		tmp := make([]byte, 4)
		for _, f := range v.Vector {
			codec.PutUint32(tmp, math.Float32bits(f))
			buf = append(buf, tmp...)
		}
	}
	return buf
}

func decodeValue(buf []byte) (graph.PropValue, error) {
	if len(buf) < 1 {
		return graph.PropValue{}, errors.New("kitedb: truncated value kind")
	}
	kind := graph.PropKind(buf[0])
	buf = buf[1:]
	switch kind {
	case graph.PropI64:
		if len(buf) < 8 {
			return graph.PropValue{}, errors.New("kitedb: truncated value i64")
		}
		return graph.I64(int64(codec.Uint64(buf[:8]))), nil
	case graph.PropF64:
		if len(buf) < 8 {
			return graph.PropValue{}, errors.New("kitedb: truncated value f64")
		}
		return graph.F64(math.Float64frombits(codec.Uint64(buf[:8]))), nil
	case graph.PropBool:
		if len(buf) < 1 {
			return graph.PropValue{}, errors.New("kitedb: truncated value bool")
		}
		return graph.Bool(buf[0] != 0), nil
	case graph.PropString:
		n, k := codec.Uvarint(buf)
		if k <= 0 || uint64(len(buf[k:])) < n {
			return graph.PropValue{}, errors.New("kitedb: truncated value string")
		}
		return graph.String(string(buf[k : uint64(k)+n])), nil
	case graph.PropBytes:
		n, k := codec.Uvarint(buf)
		if k <= 0 || uint64(len(buf[k:])) < n {
			return graph.PropValue{}, errors.New("kitedb: truncated value bytes")
		}
		return graph.Bytes(buf[k : uint64(k)+n]), nil
	case graph.PropF32Vector:
		n, k := codec.Uvarint(buf)
		if k <= 0 {
			return graph.PropValue{}, errors.New("kitedb: truncated value vector length")
		}
		buf = buf[k:]
		vec := make([]float32, n)
		for i := range vec {
			if len(buf) < 4 {
				return graph.PropValue{}, errors.New("kitedb: truncated value vector element")
			}
			vec[i] = math.Float32frombits(codec.Uint32(buf[:4]))
			buf = buf[4:]
		}
		return graph.F32Vector(vec), nil
	default:
		return graph.PropValue{}, errors.Errorf("kitedb: unknown value kind %d", kind)
	}
}

// presentMarker is the sentinel Version.Data payload recorded for a
// point-valued key whose value is "present but carries no data of its
// own" (node/edge existence, a label bit). A true delete is represented
// by a nil Version.Data, matching mvcc.Version's own convention.
var presentMarker = []byte{1}

// encodeNodeID/decodeNodeID give the unique-key version chain (TxKeyKey)
// something to store as its Data: the NodeID the key currently resolves
// to.
func encodeNodeID(id graph.NodeID) []byte {
	buf := make([]byte, 8)
	codec.PutUint64(buf, uint64(id))
	return buf
}

func decodeNodeID(data []byte) graph.NodeID {
	return graph.NodeID(codec.Uint64(data))
}
