// Package codec provides the binary primitives shared by the snapshot, WAL
// and replication wire formats: CRC32C checksums, varint and fixed-width
// little-endian integer encoding, and section-alignment arithmetic.
package codec

import "hash/crc32"

// castagnoliTable is the CRC32C (Castagnoli) polynomial table. The spec and
// the original Rust implementation (util::crc::crc32c) both use CRC32C, not
// the plain IEEE CRC32 the teacher repo used for its WAL records.
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// CRC32C returns the CRC32C checksum of data.
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, castagnoliTable)
}

// DefaultCRCChunkBytes is the default chunk size used when computing a CRC32C
// incrementally over a large section (e.g. a memory-mapped snapshot section)
// rather than materializing it as one slice. See SPEC_FULL.md's Open Question
// decision on CRC profile chunk size.
const DefaultCRCChunkBytes = 1 << 20 // 1 MiB

// CRC32CChunked computes a CRC32C over data, processing it chunkBytes at a
// time. Equivalent to CRC32C(data) but bounds peak allocation for very large
// inputs read from an mmap.
func CRC32CChunked(data []byte, chunkBytes int) uint32 {
	if chunkBytes <= 0 {
		chunkBytes = DefaultCRCChunkBytes
	}
	h := crc32.New(castagnoliTable)
	for offset := 0; offset < len(data); offset += chunkBytes {
		end := offset + chunkBytes
		if end > len(data) {
			end = len(data)
		}
		h.Write(data[offset:end])
	}
	return h.Sum32()
}
