package vector

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/maskdotdev/kitedb/graph"
)

// CompactionParams configures when and how aggressively the store folds
// tombstoned fragments back into fresh ones (§4.8).
type CompactionParams struct {
	MinDeletionRatio        float64 // a fragment is compaction-eligible once its deletion ratio reaches this
	MaxFragmentsPerCompaction int   // at most this many fragments folded into one compaction pass
	MinVectorsToCompact      int    // skip compaction if fewer than this many live vectors would result
}

// DefaultCompactionParams mirrors sensible production defaults: compact
// once a fragment is a quarter dead, batch up to four fragments per pass,
// and never bother compacting a near-empty result.
func DefaultCompactionParams() CompactionParams {
	return CompactionParams{
		MinDeletionRatio:          0.25,
		MaxFragmentsPerCompaction: 4,
		MinVectorsToCompact:       16,
	}
}

// keyStore tracks the fragment sequence for one property key.
type keyStore struct {
	mu         sync.RWMutex
	keyID      graph.PropKeyID
	dim        int
	targetSize int
	fragments  []*Fragment // ordered oldest to newest; last may be unsealed
	nextFragID uint64
	nodeIndex  map[graph.NodeID]int // node -> fragment slice index of its live vector
}

// Store is the vector store for an entire database: one fragment sequence
// per PropKeyId, with a shared compaction policy.
type Store struct {
	mu      sync.RWMutex
	byKey   map[graph.PropKeyID]*keyStore
	params  CompactionParams
	target  int
	log     zerolog.Logger
}

// NewStore creates a vector store. targetSize bounds how many entries a
// fragment accepts before it is sealed and a new one opened.
func NewStore(targetSize int, params CompactionParams, log zerolog.Logger) *Store {
	if targetSize <= 0 {
		targetSize = 1024
	}
	return &Store{
		byKey:  make(map[graph.PropKeyID]*keyStore),
		params: params,
		target: targetSize,
		log:    log,
	}
}

func (s *Store) keyStoreFor(keyID graph.PropKeyID, dim int) *keyStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks, ok := s.byKey[keyID]
	if !ok {
		ks = &keyStore{keyID: keyID, dim: dim, targetSize: s.target, nodeIndex: make(map[graph.NodeID]int)}
		s.byKey[keyID] = ks
	}
	return ks
}

// Set writes (or overwrites) node's vector for keyID, tombstoning any prior
// live entry for that node first so a node never has two live vectors for
// the same property key.
func (s *Store) Set(keyID graph.PropKeyID, node graph.NodeID, vec []float32) error {
	ks := s.keyStoreFor(keyID, len(vec))
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if fragIdx, ok := ks.nodeIndex[node]; ok {
		ks.tombstoneNodeLocked(fragIdx, node)
	}

	active := ks.activeFragmentLocked()
	if _, err := active.Append(node, vec); err != nil {
		return err
	}
	ks.nodeIndex[node] = len(ks.fragments) - 1

	if active.Len() >= ks.targetSize {
		active.Seal()
	}
	return nil
}

func (ks *keyStore) tombstoneNodeLocked(fragIdx int, node graph.NodeID) {
	frag := ks.fragments[fragIdx]
	frag.mu.Lock()
	for i, e := range frag.entries {
		if e.Node == node && !frag.tombstones[i] {
			frag.tombstones[i] = true
			frag.live--
			break
		}
	}
	frag.mu.Unlock()
}

func (ks *keyStore) activeFragmentLocked() *Fragment {
	if n := len(ks.fragments); n > 0 {
		last := ks.fragments[n-1]
		if !last.Sealed() {
			return last
		}
	}
	frag := newFragment(ks.nextFragID, ks.keyID, ks.dim)
	ks.nextFragID++
	ks.fragments = append(ks.fragments, frag)
	return frag
}

// Delete tombstones node's vector for keyID, if any.
func (s *Store) Delete(keyID graph.PropKeyID, node graph.NodeID) error {
	s.mu.RLock()
	ks, ok := s.byKey[keyID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	fragIdx, ok := ks.nodeIndex[node]
	if !ok {
		return nil
	}
	ks.tombstoneNodeLocked(fragIdx, node)
	delete(ks.nodeIndex, node)
	return nil
}

// Lookup returns node's current vector for keyID, if any.
func (s *Store) Lookup(keyID graph.PropKeyID, node graph.NodeID) ([]float32, bool) {
	s.mu.RLock()
	ks, ok := s.byKey[keyID]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	ks.mu.RLock()
	fragIdx, ok := ks.nodeIndex[node]
	frags := ks.fragments
	ks.mu.RUnlock()
	if !ok || fragIdx >= len(frags) {
		return nil, false
	}
	return frags[fragIdx].Lookup(node)
}

// CompactionCandidates reports, for keyID, which sealed fragment IDs are
// eligible for folding under the store's compaction policy, oldest first,
// capped at MaxFragmentsPerCompaction.
func (s *Store) CompactionCandidates(keyID graph.PropKeyID) []uint64 {
	s.mu.RLock()
	ks, ok := s.byKey[keyID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	var candidates []*Fragment
	for _, f := range ks.fragments {
		if f.Sealed() && f.DeletionRatio() >= s.params.MinDeletionRatio && !f.pinned() {
			candidates = append(candidates, f)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	if len(candidates) > s.params.MaxFragmentsPerCompaction {
		candidates = candidates[:s.params.MaxFragmentsPerCompaction]
	}

	liveTotal := 0
	for _, f := range candidates {
		liveTotal += f.LiveCount()
	}
	if liveTotal < s.params.MinVectorsToCompact {
		s.log.Debug().Uint32("key_id", uint32(keyID)).Int("live", liveTotal).Msg("vector: skipping compaction, not enough live vectors")
		return nil
	}

	ids := make([]uint64, 0, len(candidates))
	for _, f := range candidates {
		ids = append(ids, f.ID)
	}
	return ids
}

// Compact folds the named sealed fragments into one new fragment holding
// only their live entries, then retires the old fragments. A fragment
// still pinned by an in-flight reader is skipped — exactly the buffer
// pool's "cannot evict a pinned page" rule, applied to fragments.
func (s *Store) Compact(keyID graph.PropKeyID, fragmentIDs []uint64) (retiredCount int, err error) {
	ks := s.keyStoreFor(keyID, 0)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	wanted := make(map[uint64]struct{}, len(fragmentIDs))
	for _, id := range fragmentIDs {
		wanted[id] = struct{}{}
	}

	var merged []Entry
	var survivors []*Fragment
	for _, f := range ks.fragments {
		if _, ok := wanted[f.ID]; !ok {
			survivors = append(survivors, f)
			continue
		}
		if f.pinned() {
			s.log.Warn().Uint64("fragment_id", f.ID).Msg("vector: compaction skipped pinned fragment")
			survivors = append(survivors, f)
			continue
		}
		merged = append(merged, f.Live()...)
		retiredCount++
	}

	if len(merged) > 0 {
		dim := ks.dim
		if dim == 0 && len(merged) > 0 {
			dim = len(merged[0].Vec)
		}
		compacted := newFragment(ks.nextFragID, keyID, dim)
		ks.nextFragID++
		for _, e := range merged {
			if _, err := compacted.Append(e.Node, e.Vec); err != nil {
				return 0, errors.Wrap(err, "vector: compaction append failed")
			}
		}
		compacted.Seal()
		survivors = insertSorted(survivors, compacted)
	}

	ks.fragments = survivors
	ks.rebuildNodeIndexLocked()
	return retiredCount, nil
}

func insertSorted(frags []*Fragment, f *Fragment) []*Fragment {
	idx := sort.Search(len(frags), func(i int) bool { return frags[i].ID > f.ID })
	frags = append(frags, nil)
	copy(frags[idx+1:], frags[idx:])
	frags[idx] = f
	return frags
}

func (ks *keyStore) rebuildNodeIndexLocked() {
	ks.nodeIndex = make(map[graph.NodeID]int, len(ks.nodeIndex))
	for i, f := range ks.fragments {
		for _, e := range f.Live() {
			ks.nodeIndex[e.Node] = i
		}
	}
}

// Fragments returns the fragments currently tracked for keyID, oldest
// first, for snapshot serialization.
func (s *Store) Fragments(keyID graph.PropKeyID) []*Fragment {
	s.mu.RLock()
	ks, ok := s.byKey[keyID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	out := make([]*Fragment, len(ks.fragments))
	copy(out, ks.fragments)
	return out
}

// Keys returns every PropKeyId that has at least one fragment.
func (s *Store) Keys() []graph.PropKeyID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]graph.PropKeyID, 0, len(s.byKey))
	for k := range s.byKey {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
