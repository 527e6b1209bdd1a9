package vector

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/maskdotdev/kitedb/graph"
)

func TestStoreSetAndLookup(t *testing.T) {
	s := NewStore(4, DefaultCompactionParams(), zerolog.Nop())
	require.NoError(t, s.Set(1, 100, []float32{1, 2, 3}))

	v, ok := s.Lookup(1, 100)
	require.True(t, ok)
	require.Equal(t, []float32{1, 2, 3}, v)
}

func TestStoreSetOverwritesPriorVector(t *testing.T) {
	s := NewStore(8, DefaultCompactionParams(), zerolog.Nop())
	require.NoError(t, s.Set(1, 100, []float32{1, 0}))
	require.NoError(t, s.Set(1, 100, []float32{0, 1}))

	v, ok := s.Lookup(1, 100)
	require.True(t, ok)
	require.Equal(t, []float32{0, 1}, v)

	frags := s.Fragments(1)
	require.Len(t, frags, 1)
	require.Equal(t, 1, frags[0].LiveCount())
	require.Equal(t, 2, frags[0].Len())
}

func TestStoreDeleteTombstones(t *testing.T) {
	s := NewStore(8, DefaultCompactionParams(), zerolog.Nop())
	require.NoError(t, s.Set(1, 100, []float32{1, 2}))
	require.NoError(t, s.Delete(1, 100))

	_, ok := s.Lookup(1, 100)
	require.False(t, ok)
}

func TestFragmentSealsAtTargetSize(t *testing.T) {
	s := NewStore(2, DefaultCompactionParams(), zerolog.Nop())
	require.NoError(t, s.Set(1, 100, []float32{1}))
	require.NoError(t, s.Set(1, 101, []float32{2}))
	require.NoError(t, s.Set(1, 102, []float32{3}))

	frags := s.Fragments(1)
	require.Len(t, frags, 2)
	require.True(t, frags[0].Sealed())
	require.False(t, frags[1].Sealed())
}

func TestCompactionCandidatesRespectsDeletionRatioAndMinimums(t *testing.T) {
	params := CompactionParams{MinDeletionRatio: 0.5, MaxFragmentsPerCompaction: 2, MinVectorsToCompact: 1}
	s := NewStore(2, params, zerolog.Nop())

	for i := graph.NodeID(0); i < 4; i++ {
		require.NoError(t, s.Set(1, i, []float32{float32(i)}))
	}
	frags := s.Fragments(1)
	require.Len(t, frags, 2)

	require.NoError(t, s.Delete(1, 0))
	// Fragment 0 now has deletion ratio 0.5, eligible.
	candidates := s.CompactionCandidates(1)
	require.Equal(t, []uint64{frags[0].ID}, candidates)
}

func TestCompactFoldsLiveEntriesAndRetiresSource(t *testing.T) {
	s := NewStore(2, DefaultCompactionParams(), zerolog.Nop())
	require.NoError(t, s.Set(1, 0, []float32{0}))
	require.NoError(t, s.Set(1, 1, []float32{1}))
	require.NoError(t, s.Delete(1, 0))

	frags := s.Fragments(1)
	require.Len(t, frags, 1)

	retired, err := s.Compact(1, []uint64{frags[0].ID})
	require.NoError(t, err)
	require.Equal(t, 1, retired)

	v, ok := s.Lookup(1, 1)
	require.True(t, ok)
	require.Equal(t, []float32{1}, v)

	newFrags := s.Fragments(1)
	require.Len(t, newFrags, 1)
	require.NotEqual(t, frags[0].ID, newFrags[0].ID)
}

func TestCompactSkipsPinnedFragment(t *testing.T) {
	s := NewStore(8, DefaultCompactionParams(), zerolog.Nop())
	require.NoError(t, s.Set(1, 0, []float32{0}))
	frags := s.Fragments(1)
	frags[0].Pin()

	retired, err := s.Compact(1, []uint64{frags[0].ID})
	require.NoError(t, err)
	require.Equal(t, 0, retired)
}
