package codec

import "encoding/binary"

// SectionAlignment is the byte boundary every non-empty snapshot section must
// start on (§4.3). A power of two so the alignment check is a bitmask.
const SectionAlignment = 4096

// AlignUp rounds offset up to the next multiple of SectionAlignment.
func AlignUp(offset uint64) uint64 {
	return AlignUpTo(offset, SectionAlignment)
}

// AlignUpTo rounds offset up to the next multiple of alignment, which must be
// a power of two.
func AlignUpTo(offset, alignment uint64) uint64 {
	return (offset + alignment - 1) &^ (alignment - 1)
}

// IsAligned reports whether offset is a multiple of SectionAlignment.
func IsAligned(offset uint64) bool {
	return offset&(SectionAlignment-1) == 0
}

// PutUvarint appends the varint encoding of v to buf and returns the result.
func PutUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

// Uvarint reads a varint from buf, returning the value and the number of
// bytes consumed, or n <= 0 on error (see encoding/binary.Uvarint).
func Uvarint(buf []byte) (uint64, int) {
	return binary.Uvarint(buf)
}

// PutUint32 / PutUint64 / Uint32 / Uint64 are little-endian fixed-width
// helpers used throughout the header, section table, and WAL record formats,
// named to make call sites read like the byte layout comments in spec.md.
func PutUint32(buf []byte, v uint32) { binary.LittleEndian.PutUint32(buf, v) }
func PutUint64(buf []byte, v uint64) { binary.LittleEndian.PutUint64(buf, v) }
func Uint32(buf []byte) uint32       { return binary.LittleEndian.Uint32(buf) }
func Uint64(buf []byte) uint64       { return binary.LittleEndian.Uint64(buf) }
