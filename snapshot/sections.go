package snapshot

import (
	"github.com/pkg/errors"

	"github.com/maskdotdev/kitedb/internal/codec"
	"github.com/maskdotdev/kitedb/internal/util"
)

// SectionID enumerates every independent region a checkpoint serializes
// (§4.3). Node keys travel in the NodeKeys section; a checkpoint builds no
// page-backed KeyIndex B+Tree and leaves the header's KeyIndexRootPage at
// zero.
type SectionID uint8

const (
	SectionInvalid SectionID = iota
	SectionNodes
	SectionNodeKeys
	SectionNodeLabels
	SectionNodeProps
	SectionOutEdges
	SectionInEdges
	SectionEdgeProps
	SectionSchema
	SectionVectorData
	SectionVectorManifest
)

func (s SectionID) String() string {
	switch s {
	case SectionNodes:
		return "Nodes"
	case SectionNodeKeys:
		return "NodeKeys"
	case SectionNodeLabels:
		return "NodeLabels"
	case SectionNodeProps:
		return "NodeProps"
	case SectionOutEdges:
		return "OutEdges"
	case SectionInEdges:
		return "InEdges"
	case SectionEdgeProps:
		return "EdgeProps"
	case SectionSchema:
		return "Schema"
	case SectionVectorData:
		return "VectorData"
	case SectionVectorManifest:
		return "VectorManifest"
	default:
		return "Invalid"
	}
}

// allSectionIDs is the fixed serialization order: the set every checkpoint
// writes, even if a section ends up empty.
var allSectionIDs = []SectionID{
	SectionNodes, SectionNodeKeys, SectionNodeLabels, SectionNodeProps,
	SectionOutEdges, SectionInEdges, SectionEdgeProps, SectionSchema,
	SectionVectorData, SectionVectorManifest,
}

// SectionEntry locates one section's bytes within the backing file and
// protects them with their own CRC32C, independent of the header's.
type SectionEntry struct {
	ID     SectionID
	Offset uint64
	Size   uint64
	CRC32  uint32
}

const sectionEntrySize = 1 + 8 + 8 + 4

// SectionTable is the full set of section locations for one checkpoint,
// written after the sections themselves, at the offset the header records
// as SnapshotSectionTableOffset.
type SectionTable struct {
	Entries []SectionEntry
}

// Encode serializes the table: a varint entry count followed by fixed-width
// entries, in section ID order.
func (t *SectionTable) Encode() []byte {
	buf := codec.PutUvarint(nil, uint64(len(t.Entries)))
	for _, e := range t.Entries {
		tmp := make([]byte, sectionEntrySize)
		tmp[0] = byte(e.ID)
		codec.PutUint64(tmp[1:], e.Offset)
		codec.PutUint64(tmp[9:], e.Size)
		codec.PutUint32(tmp[17:], e.CRC32)
		buf = append(buf, tmp...)
	}
	return buf
}

// DecodeSectionTable parses a table previously produced by Encode.
func DecodeSectionTable(data []byte) (*SectionTable, error) {
	n, k := codec.Uvarint(data)
	if k <= 0 {
		return nil, errors.Wrap(util.ErrInvalidSnapshot, "section table: truncated entry count")
	}
	data = data[k:]

	entries := make([]SectionEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		if len(data) < sectionEntrySize {
			return nil, errors.Wrap(util.ErrInvalidSnapshot, "section table: truncated entry")
		}
		e := SectionEntry{
			ID:     SectionID(data[0]),
			Offset: codec.Uint64(data[1:]),
			Size:   codec.Uint64(data[9:]),
			CRC32:  codec.Uint32(data[17:]),
		}
		entries = append(entries, e)
		data = data[sectionEntrySize:]
	}
	return &SectionTable{Entries: entries}, nil
}

// Find returns the entry for id, or ok=false if the checkpoint never wrote
// that section (an empty section is still written with Size 0, so absence
// only happens when reading a table from an older format revision).
func (t *SectionTable) Find(id SectionID) (SectionEntry, bool) {
	for _, e := range t.Entries {
		if e.ID == id {
			return e, true
		}
	}
	return SectionEntry{}, false
}
