// Package snapshot implements KiteDB's on-disk immutable graph image: the
// page-0 header, the section table, and the section readers/writer that
// together back the `lookup_by_key`, `node_props`, `iter_out_edges` etc.
// accessors a checkpoint publishes (§4.2/§4.3).
package snapshot

import (
	"github.com/pkg/errors"

	"github.com/maskdotdev/kitedb/internal/codec"
	"github.com/maskdotdev/kitedb/internal/util"
	"github.com/maskdotdev/kitedb/internal/wal"
)

// HeaderMagic identifies a KiteDB single-file database. HeaderPage is the
// fixed page-0 slot it lives in.
const (
	HeaderMagic     = "KITEDB01"
	HeaderPage      = 0
	FormatVersion   = 1
	HeaderByteSize  = 128 // fits comfortably inside the smallest allowed page size (512)
)

// Header is the page-0 layout: format identity, page geometry, the dual WAL
// region descriptors, the current snapshot's location, the KeyIndex B+Tree
// root, and the replication position last durably reached.
type Header struct {
	Version    uint32
	PageSize   uint32
	NextPageID uint64

	RegionA      wal.RegionDescriptor
	RegionB      wal.RegionDescriptor
	ActiveRegion wal.RegionID
	CurrentLSN   wal.LSN

	SnapshotSectionTableOffset uint64
	KeyIndexRootPage           uint64

	ReplicationEpoch   uint64
	LastCommitEpoch    uint64
	LastCommitLogIndex uint64
}

// Encode serializes h into a pageSize-byte page-0 image, CRC32C-protected
// over everything after the checksum's own 4 bytes.
func (h *Header) Encode(pageSize int) ([]byte, error) {
	if pageSize < HeaderByteSize {
		return nil, errors.Errorf("snapshot: page size %d too small for header", pageSize)
	}
	buf := make([]byte, pageSize)

	offset := 4 // CRC32C written last, at buf[0:4]
	copy(buf[offset:], []byte(HeaderMagic))
	offset += len(HeaderMagic)

	codec.PutUint32(buf[offset:], h.Version)
	offset += 4
	codec.PutUint32(buf[offset:], h.PageSize)
	offset += 4
	codec.PutUint64(buf[offset:], h.NextPageID)
	offset += 8

	offset = putRegion(buf, offset, h.RegionA)
	offset = putRegion(buf, offset, h.RegionB)
	buf[offset] = byte(h.ActiveRegion)
	offset++
	codec.PutUint64(buf[offset:], uint64(h.CurrentLSN))
	offset += 8

	codec.PutUint64(buf[offset:], h.SnapshotSectionTableOffset)
	offset += 8
	codec.PutUint64(buf[offset:], h.KeyIndexRootPage)
	offset += 8

	codec.PutUint64(buf[offset:], h.ReplicationEpoch)
	offset += 8
	codec.PutUint64(buf[offset:], h.LastCommitEpoch)
	offset += 8
	codec.PutUint64(buf[offset:], h.LastCommitLogIndex)
	offset += 8

	if offset > pageSize {
		return nil, errors.Errorf("snapshot: encoded header (%d bytes) exceeds page size %d", offset, pageSize)
	}

	codec.PutUint32(buf[0:4], codec.CRC32C(buf[4:]))
	return buf, nil
}

func putRegion(buf []byte, offset int, d wal.RegionDescriptor) int {
	codec.PutUint64(buf[offset:], d.Offset)
	offset += 8
	codec.PutUint64(buf[offset:], d.Size)
	offset += 8
	codec.PutUint64(buf[offset:], d.Tail)
	offset += 8
	return offset
}

func getRegion(buf []byte, offset int) (wal.RegionDescriptor, int) {
	d := wal.RegionDescriptor{
		Offset: codec.Uint64(buf[offset:]),
		Size:   codec.Uint64(buf[offset+8:]),
		Tail:   codec.Uint64(buf[offset+16:]),
	}
	return d, offset + 24
}

// DecodeHeader parses a page-0 image previously produced by Encode,
// verifying its magic and CRC32C before trusting any field.
func DecodeHeader(data []byte) (*Header, error) {
	if len(data) < HeaderByteSize {
		return nil, errors.Wrap(util.ErrInvalidSnapshot, "header page too short")
	}

	expectedCRC := codec.Uint32(data[0:4])
	actualCRC := codec.CRC32C(data[4:])
	if expectedCRC != actualCRC {
		return nil, errors.Wrap(util.ErrDatabaseCorrupt, "header CRC32C mismatch")
	}

	offset := 4
	if string(data[offset:offset+len(HeaderMagic)]) != HeaderMagic {
		return nil, errors.Wrap(util.ErrInvalidSnapshot, "bad header magic")
	}
	offset += len(HeaderMagic)

	h := &Header{}
	h.Version = codec.Uint32(data[offset:])
	offset += 4
	if h.Version != FormatVersion {
		return nil, errors.Wrapf(util.ErrVersionMismatch, "header format version %d, want %d", h.Version, FormatVersion)
	}
	h.PageSize = codec.Uint32(data[offset:])
	offset += 4
	h.NextPageID = codec.Uint64(data[offset:])
	offset += 8

	h.RegionA, offset = getRegion(data, offset)
	h.RegionB, offset = getRegion(data, offset)
	h.ActiveRegion = wal.RegionID(data[offset])
	offset++
	h.CurrentLSN = wal.LSN(codec.Uint64(data[offset:]))
	offset += 8

	h.SnapshotSectionTableOffset = codec.Uint64(data[offset:])
	offset += 8
	h.KeyIndexRootPage = codec.Uint64(data[offset:])
	offset += 8

	h.ReplicationEpoch = codec.Uint64(data[offset:])
	offset += 8
	h.LastCommitEpoch = codec.Uint64(data[offset:])
	offset += 8
	h.LastCommitLogIndex = codec.Uint64(data[offset:])
	offset += 8

	return h, nil
}
