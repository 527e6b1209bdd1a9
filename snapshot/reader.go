package snapshot

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/maskdotdev/kitedb/graph"
	"github.com/maskdotdev/kitedb/internal/codec"
	"github.com/maskdotdev/kitedb/internal/util"
	"github.com/maskdotdev/kitedb/vector"
)

// ReadSectionTable loads the section table written at tableOffset by
// WriteCheckpoint. The table's own length is never recorded separately
// (it is bounded by sectionTableReserve), so this simply reads one
// reserve-sized window and lets DecodeSectionTable stop once it has
// consumed what it needs.
func ReadSectionTable(f *os.File, tableOffset uint64) (*SectionTable, error) {
	buf := make([]byte, sectionTableReserve)
	n, err := f.ReadAt(buf, int64(tableOffset))
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "snapshot: read section table")
	}
	if n == 0 {
		return nil, errors.Wrap(util.ErrInvalidSnapshot, "section table: empty read")
	}
	return DecodeSectionTable(buf[:n])
}

func readSection(f *os.File, table *SectionTable, id SectionID) ([]byte, error) {
	entry, ok := table.Find(id)
	if !ok || entry.Size == 0 {
		return nil, nil
	}
	buf := make([]byte, entry.Size)
	if _, err := f.ReadAt(buf, int64(entry.Offset)); err != nil {
		return nil, errors.Wrapf(err, "snapshot: read section %s", id)
	}
	if sum := codec.CRC32C(buf); sum != entry.CRC32 {
		return nil, errors.Wrapf(util.ErrDatabaseCorrupt, "section %s CRC32C mismatch", id)
	}
	return buf, nil
}

// ReadCheckpoint loads the section table at tableOffset and decodes every
// section back into a GraphImage and a freshly populated vector.Store.
func ReadCheckpoint(f *os.File, tableOffset uint64, log zerolog.Logger) (*GraphImage, *vector.Store, error) {
	table, err := ReadSectionTable(f, tableOffset)
	if err != nil {
		return nil, nil, err
	}

	img := NewGraphImage()

	nodesData, err := readSection(f, table, SectionNodes)
	if err != nil {
		return nil, nil, err
	}
	if nodesData != nil {
		ids, err := decodeNodesSection(nodesData)
		if err != nil {
			return nil, nil, err
		}
		for _, id := range ids {
			img.Nodes[id] = &NodeRecord{
				ID:     id,
				Labels: make(map[graph.LabelID]struct{}),
				Props:  make(map[graph.PropKeyID]graph.PropValue),
			}
		}
	}

	if err := applyNodeKeys(f, table, img); err != nil {
		return nil, nil, err
	}
	if err := applyNodeLabels(f, table, img); err != nil {
		return nil, nil, err
	}
	if err := applyNodeProps(f, table, img); err != nil {
		return nil, nil, err
	}
	if err := applyAdjacency(f, table, img, true); err != nil {
		return nil, nil, err
	}
	if err := applyAdjacency(f, table, img, false); err != nil {
		return nil, nil, err
	}
	if err := applyEdgeProps(f, table, img); err != nil {
		return nil, nil, err
	}
	if err := applySchema(f, table, img); err != nil {
		return nil, nil, err
	}

	store, err := rebuildVectorStore(f, table, log)
	if err != nil {
		return nil, nil, err
	}

	return img, store, nil
}

func applyNodeKeys(f *os.File, table *SectionTable, img *GraphImage) error {
	data, err := readSection(f, table, SectionNodeKeys)
	if err != nil || data == nil {
		return err
	}
	entries, err := decodeNodeKeysSection(data)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if rec, ok := img.Nodes[e.ID]; ok {
			key := e.Key
			rec.Key = &key
		}
	}
	return nil
}

func applyNodeLabels(f *os.File, table *SectionTable, img *GraphImage) error {
	data, err := readSection(f, table, SectionNodeLabels)
	if err != nil || data == nil {
		return err
	}
	entries, err := decodeNodeLabelsSection(data)
	if err != nil {
		return err
	}
	for _, e := range entries {
		rec, ok := img.Nodes[e.Node]
		if !ok {
			continue
		}
		for _, l := range e.Labels {
			rec.Labels[l] = struct{}{}
		}
	}
	return nil
}

func applyNodeProps(f *os.File, table *SectionTable, img *GraphImage) error {
	data, err := readSection(f, table, SectionNodeProps)
	if err != nil || data == nil {
		return err
	}
	entries, err := decodeNodePropsSection(data)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if rec, ok := img.Nodes[e.Node]; ok {
			rec.Props = e.Props
		}
	}
	return nil
}

func applyAdjacency(f *os.File, table *SectionTable, img *GraphImage, out bool) error {
	id := SectionInEdges
	if out {
		id = SectionOutEdges
	}
	data, err := readSection(f, table, id)
	if err != nil || data == nil {
		return err
	}
	entries, err := decodeAdjacencySection(data)
	if err != nil {
		return err
	}
	target := img.InAdj
	if out {
		target = img.OutAdj
	}
	for _, e := range entries {
		set := make(map[graph.EdgeKey]struct{}, len(e.Keys))
		for _, k := range e.Keys {
			set[k] = struct{}{}
		}
		target[e.Node] = set
	}
	return nil
}

func applyEdgeProps(f *os.File, table *SectionTable, img *GraphImage) error {
	data, err := readSection(f, table, SectionEdgeProps)
	if err != nil || data == nil {
		return err
	}
	entries, err := decodeEdgePropsSection(data)
	if err != nil {
		return err
	}
	for _, e := range entries {
		img.Edges[e.Edge] = &EdgeRecord{Key: e.Edge, Props: e.Props}
	}
	return nil
}

func applySchema(f *os.File, table *SectionTable, img *GraphImage) error {
	data, err := readSection(f, table, SectionSchema)
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}
	schema, err := decodeSchemaSection(data)
	if err != nil {
		return err
	}
	img.Schema = schema
	return nil
}

func rebuildVectorStore(f *os.File, table *SectionTable, log zerolog.Logger) (*vector.Store, error) {
	store := vector.NewStore(0, vector.DefaultCompactionParams(), log)
	data, err := readSection(f, table, SectionVectorData)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return store, nil
	}
	entries, err := decodeVectorDataSection(data)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		for _, live := range e.Live {
			if err := store.Set(e.KeyID, live.Node, live.Vec); err != nil {
				return nil, errors.Wrapf(err, "snapshot: rebuild vector store key %d", e.KeyID)
			}
		}
	}
	return store, nil
}
