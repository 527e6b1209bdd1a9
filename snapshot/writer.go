package snapshot

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/maskdotdev/kitedb/internal/codec"
	"github.com/maskdotdev/kitedb/vector"
)

// sectionTableReserve bounds how many bytes the section table itself may
// occupy: one varint count plus up to len(allSectionIDs) fixed-width
// entries, comfortably under one alignment unit.
const sectionTableReserve = codec.SectionAlignment

// WriteCheckpoint serializes img and store's vector fragments into f
// starting at the first aligned offset at or after baseOffset, fanning the
// per-section encoding out across goroutines the same way the checkpoint
// engine fans out across independent regions (§4.3's concurrency note).
// It returns the section table's own offset (for the page-0 header's
// SnapshotSectionTableOffset field) and the first free byte past the
// checkpoint, both already alignment-rounded.
func WriteCheckpoint(f *os.File, baseOffset uint64, img *GraphImage, store *vector.Store) (tableOffset uint64, nextOffset uint64, err error) {
	type encoded struct {
		id   SectionID
		data []byte
	}
	results := make([]encoded, len(allSectionIDs))

	g, _ := errgroup.WithContext(context.Background())
	for i, id := range allSectionIDs {
		i, id := i, id
		g.Go(func() error {
			results[i] = encoded{id: id, data: encodeSection(id, img, store)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, 0, errors.Wrap(err, "snapshot: section encoding failed")
	}

	table := &SectionTable{Entries: make([]SectionEntry, len(results))}
	offset := codec.AlignUp(baseOffset)
	for i, e := range results {
		size := uint64(len(e.data))
		entry := SectionEntry{ID: e.id, Offset: offset, Size: size, CRC32: codec.CRC32C(e.data)}
		table.Entries[i] = entry
		if size > 0 {
			if _, err := f.WriteAt(e.data, int64(offset)); err != nil {
				return 0, 0, errors.Wrapf(err, "snapshot: write section %s", e.id)
			}
		}
		offset = codec.AlignUp(offset + size)
	}

	tableOffset = offset
	tableBytes := table.Encode()
	if uint64(len(tableBytes)) > sectionTableReserve {
		return 0, 0, errors.Errorf("snapshot: section table %d bytes exceeds reserve %d", len(tableBytes), sectionTableReserve)
	}
	if _, err := f.WriteAt(tableBytes, int64(tableOffset)); err != nil {
		return 0, 0, errors.Wrap(err, "snapshot: write section table")
	}
	nextOffset = codec.AlignUp(tableOffset + uint64(len(tableBytes)))

	if err := f.Sync(); err != nil {
		return 0, 0, errors.Wrap(err, "snapshot: fsync checkpoint")
	}
	return tableOffset, nextOffset, nil
}

func encodeSection(id SectionID, img *GraphImage, store *vector.Store) []byte {
	switch id {
	case SectionNodes:
		return encodeNodesSection(img)
	case SectionNodeKeys:
		return encodeNodeKeysSection(img)
	case SectionNodeLabels:
		return encodeNodeLabelsSection(img)
	case SectionNodeProps:
		return encodeNodePropsSection(img)
	case SectionOutEdges:
		return encodeAdjacencySection(img, true)
	case SectionInEdges:
		return encodeAdjacencySection(img, false)
	case SectionEdgeProps:
		return encodeEdgePropsSection(img)
	case SectionSchema:
		return encodeSchemaSection(img)
	case SectionVectorData:
		return encodeVectorDataSection(store)
	case SectionVectorManifest:
		return encodeVectorManifestSection(store)
	default:
		return nil
	}
}
