package snapshot

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/maskdotdev/kitedb/graph"
	"github.com/maskdotdev/kitedb/internal/wal"
	"github.com/maskdotdev/kitedb/vector"
)

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := &Header{
		Version:    FormatVersion,
		PageSize:   4096,
		NextPageID: 12,
		RegionA:    wal.RegionDescriptor{Offset: 4096, Size: 1 << 20, Tail: 512},
		RegionB:    wal.RegionDescriptor{Offset: 1<<20 + 4096, Size: 1 << 20, Tail: 0},
		CurrentLSN: 99,

		SnapshotSectionTableOffset: 2 << 20,
		KeyIndexRootPage:           3,

		ReplicationEpoch:   5,
		LastCommitEpoch:    5,
		LastCommitLogIndex: 1024,
	}

	encoded, err := h.Encode(4096)
	require.NoError(t, err)

	decoded, err := DecodeHeader(encoded)
	require.NoError(t, err)
	require.Equal(t, h, decoded)
}

func TestDecodeHeaderRejectsCorruptedCRC(t *testing.T) {
	h := &Header{Version: FormatVersion, PageSize: 4096}
	encoded, err := h.Encode(4096)
	require.NoError(t, err)
	encoded[20] ^= 0xFF

	_, err = DecodeHeader(encoded)
	require.Error(t, err)
}

func TestSectionTableEncodeDecodeRoundTrip(t *testing.T) {
	table := &SectionTable{Entries: []SectionEntry{
		{ID: SectionNodes, Offset: 4096, Size: 128, CRC32: 0xdeadbeef},
		{ID: SectionSchema, Offset: 8192, Size: 0, CRC32: 0},
	}}

	decoded, err := DecodeSectionTable(table.Encode())
	require.NoError(t, err)
	require.Equal(t, table.Entries, decoded.Entries)

	entry, ok := decoded.Find(SectionNodes)
	require.True(t, ok)
	require.Equal(t, uint64(128), entry.Size)

	_, ok = decoded.Find(SectionVectorManifest)
	require.False(t, ok)
}

func TestWriteReadCheckpointRoundTrip(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "kitedb-checkpoint-*.db")
	require.NoError(t, err)
	defer f.Close()

	img := NewGraphImage()
	key1 := "alice"
	img.Nodes[1] = &NodeRecord{
		ID:     1,
		Key:    &key1,
		Labels: map[graph.LabelID]struct{}{10: {}},
		Props:  map[graph.PropKeyID]graph.PropValue{1: graph.I64(42), 2: graph.String("hi")},
	}
	img.Nodes[2] = &NodeRecord{
		ID:     2,
		Labels: map[graph.LabelID]struct{}{10: {}, 11: {}},
		Props:  map[graph.PropKeyID]graph.PropValue{},
	}
	edgeKey := graph.EdgeKey{Src: 1, EType: 5, Dst: 2}
	img.Edges[edgeKey] = &EdgeRecord{Key: edgeKey, Props: map[graph.PropKeyID]graph.PropValue{3: graph.Bool(true)}}
	img.OutAdj[1] = map[graph.EdgeKey]struct{}{edgeKey: {}}
	img.InAdj[2] = map[graph.EdgeKey]struct{}{edgeKey: {}}
	img.Schema.Labels[10] = "Person"
	img.Schema.Labels[11] = "Admin"
	img.Schema.Etypes[5] = "FOLLOWS"
	img.Schema.PropKeys[1] = "age"
	img.Schema.PropKeys[2] = "greeting"
	img.Schema.PropKeys[3] = "active"

	store := vector.NewStore(4, vector.DefaultCompactionParams(), zerolog.Nop())
	require.NoError(t, store.Set(7, 1, []float32{0.1, 0.2, 0.3}))
	require.NoError(t, store.Set(7, 2, []float32{0.4, 0.5, 0.6}))

	tableOffset, nextOffset, err := WriteCheckpoint(f, 4096, img, store)
	require.NoError(t, err)
	require.Greater(t, nextOffset, tableOffset)

	gotImg, gotStore, err := ReadCheckpoint(f, tableOffset, zerolog.Nop())
	require.NoError(t, err)

	require.Len(t, gotImg.Nodes, 2)
	require.Equal(t, "alice", *gotImg.Nodes[1].Key)
	require.Nil(t, gotImg.Nodes[2].Key)
	require.Contains(t, gotImg.Nodes[1].Labels, graph.LabelID(10))
	require.True(t, gotImg.Nodes[1].Props[1].Equal(graph.I64(42)))
	require.True(t, gotImg.Nodes[1].Props[2].Equal(graph.String("hi")))

	require.Equal(t, []graph.EdgeKey{edgeKey}, gotImg.OutEdges(1))
	require.Equal(t, []graph.EdgeKey{edgeKey}, gotImg.InEdges(2))
	require.True(t, gotImg.Edges[edgeKey].Props[3].Equal(graph.Bool(true)))

	require.Equal(t, "Person", gotImg.Schema.Labels[10])
	require.Equal(t, "FOLLOWS", gotImg.Schema.Etypes[5])
	require.Equal(t, "age", gotImg.Schema.PropKeys[1])

	vec, ok := gotStore.Lookup(7, 1)
	require.True(t, ok)
	require.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
	vec, ok = gotStore.Lookup(7, 2)
	require.True(t, ok)
	require.Equal(t, []float32{0.4, 0.5, 0.6}, vec)
}

