// Package graph defines the property-graph data model shared by every
// KiteDB layer: pager-independent identifiers, the typed PropValue variant,
// and the small monotonic schema-token types (§3 Data Model).
package graph

import (
	"fmt"

	"github.com/maskdotdev/kitedb/internal/util"
)

// NodeID uniquely identifies a node for the lifetime of the database (I1):
// deleted IDs are never reused.
type NodeID uint64

// LabelID, ETypeID and PropKeyID are small monotonic integers assigned on
// first use and never recycled (I3): the name<->id maps are bijective.
type (
	LabelID   uint32
	ETypeID   uint32
	PropKeyID uint32
)

// EdgeKey identifies a directed edge. No parallel edges of the same
// (Src, EType, Dst) triple may coexist (I2).
type EdgeKey struct {
	Src  NodeID
	EType ETypeID
	Dst  NodeID
}

func (k EdgeKey) String() string {
	return fmt.Sprintf("%d-%d->%d", k.Src, k.EType, k.Dst)
}

// PropKind tags the active variant of a PropValue.
type PropKind uint8

const (
	PropInvalid PropKind = iota
	PropI64
	PropF64
	PropBool
	PropString
	PropBytes
	PropF32Vector
)

func (k PropKind) String() string {
	switch k {
	case PropI64:
		return "i64"
	case PropF64:
		return "f64"
	case PropBool:
		return "bool"
	case PropString:
		return "string"
	case PropBytes:
		return "bytes"
	case PropF32Vector:
		return "f32vector"
	default:
		return "invalid"
	}
}

// PropValue is the tagged variant over {I64, F64, Bool, String, Bytes,
// F32Vector}. Ordering is defined only within the same variant; comparing
// across variants is a caller error (util.ErrCrossTypeOrder).
type PropValue struct {
	Kind   PropKind
	I64    int64
	F64    float64
	Bool   bool
	Str    string
	Bytes  []byte
	Vector []float32
}

func I64(v int64) PropValue     { return PropValue{Kind: PropI64, I64: v} }
func F64(v float64) PropValue   { return PropValue{Kind: PropF64, F64: v} }
func Bool(v bool) PropValue     { return PropValue{Kind: PropBool, Bool: v} }
func String(v string) PropValue { return PropValue{Kind: PropString, Str: v} }
func Bytes(v []byte) PropValue  { return PropValue{Kind: PropBytes, Bytes: append([]byte(nil), v...)} }
func F32Vector(v []float32) PropValue {
	return PropValue{Kind: PropF32Vector, Vector: append([]float32(nil), v...)}
}

// Equal reports whether two PropValues carry the same variant and value.
func (v PropValue) Equal(other PropValue) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case PropI64:
		return v.I64 == other.I64
	case PropF64:
		return v.F64 == other.F64
	case PropBool:
		return v.Bool == other.Bool
	case PropString:
		return v.Str == other.Str
	case PropBytes:
		return bytesEqual(v.Bytes, other.Bytes)
	case PropF32Vector:
		return f32sEqual(v.Vector, other.Vector)
	default:
		return true
	}
}

// Compare orders two PropValues of the same Kind. Returns an error
// (util.ErrCrossTypeOrder) if the kinds differ, or if the kind has no defined
// ordering (F32Vector).
func (v PropValue) Compare(other PropValue) (int, error) {
	if v.Kind != other.Kind {
		return 0, util.ErrCrossTypeOrder
	}
	switch v.Kind {
	case PropI64:
		return cmpInt64(v.I64, other.I64), nil
	case PropF64:
		return cmpFloat64(v.F64, other.F64), nil
	case PropBool:
		return cmpBool(v.Bool, other.Bool), nil
	case PropString:
		return cmpString(v.Str, other.Str), nil
	case PropBytes:
		return cmpBytes(v.Bytes, other.Bytes), nil
	default:
		return 0, util.ErrCrossTypeOrder
	}
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpFloat64(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpBool(a, b bool) int {
	if a == b {
		return 0
	}
	if !a && b {
		return -1
	}
	return 1
}

func cmpString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpBytes(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

func bytesEqual(a, b []byte) bool {
	return cmpBytes(a, b) == 0 && len(a) == len(b)
}

func f32sEqual(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
