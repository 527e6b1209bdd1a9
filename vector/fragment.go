// Package vector implements the append-only vector fragment store described
// in §4.8: one fragment sequence per PropKeyId, tombstoned in place and
// periodically compacted. Fragment retirement during compaction respects
// pin counts the way storage.BufferPool eviction skips pinned pages — a
// fragment pinned by an in-flight reader is left in place by that
// compaction pass, not folded or retired.
package vector

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/maskdotdev/kitedb/graph"
)

// Entry is one vector slot inside a fragment.
type Entry struct {
	Node graph.NodeID
	Vec  []float32
}

// Fragment is an immutable-once-sealed run of vector entries for a single
// property key. Unsealed fragments accept appends; sealed fragments only
// accept tombstones until compaction retires them.
type Fragment struct {
	ID     uint64
	KeyID  graph.PropKeyID
	Dim    int
	sealed atomic.Bool
	pins   atomic.Int32

	mu         sync.RWMutex
	entries    []Entry
	tombstones []bool // parallel to entries; true means deleted
	live       int    // count of entries with tombstones[i] == false
}

func newFragment(id uint64, keyID graph.PropKeyID, dim int) *Fragment {
	return &Fragment{ID: id, KeyID: keyID, Dim: dim}
}

// Pin/Unpin bracket a reader's use of a fragment, mirroring the buffer
// pool's pinned-page protocol so compaction never retires a fragment a
// reader currently holds.
func (f *Fragment) Pin()   { f.pins.Add(1) }
func (f *Fragment) Unpin() { f.pins.Add(-1) }

func (f *Fragment) pinned() bool { return f.pins.Load() > 0 }

func (f *Fragment) Sealed() bool { return f.sealed.Load() }

// Append adds a vector entry. Fails once the fragment is sealed.
func (f *Fragment) Append(node graph.NodeID, vec []float32) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sealed.Load() {
		return 0, errors.Errorf("vector: fragment %d is sealed", f.ID)
	}
	if len(vec) != f.Dim {
		return 0, errors.Errorf("vector: dimension mismatch on fragment %d: want %d got %d", f.ID, f.Dim, len(vec))
	}
	idx := len(f.entries)
	f.entries = append(f.entries, Entry{Node: node, Vec: vec})
	f.tombstones = append(f.tombstones, false)
	f.live++
	return idx, nil
}

// Seal closes the fragment to further appends once it reaches TargetSize
// or the property key's fragment is explicitly rotated.
func (f *Fragment) Seal() { f.sealed.Store(true) }

// Tombstone marks slot idx deleted.
func (f *Fragment) Tombstone(idx int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if idx < 0 || idx >= len(f.tombstones) {
		return errors.Errorf("vector: slot %d out of range in fragment %d", idx, f.ID)
	}
	if !f.tombstones[idx] {
		f.tombstones[idx] = true
		f.live--
	}
	return nil
}

// DeletionRatio returns the fraction of entries tombstoned.
func (f *Fragment) DeletionRatio() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.entries) == 0 {
		return 0
	}
	dead := len(f.entries) - f.live
	return float64(dead) / float64(len(f.entries))
}

// Len returns the total slot count (including tombstoned slots).
func (f *Fragment) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.entries)
}

// LiveCount returns the count of non-tombstoned entries.
func (f *Fragment) LiveCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.live
}

// Live returns a copy of the fragment's non-tombstoned entries.
func (f *Fragment) Live() []Entry {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Entry, 0, f.live)
	for i, e := range f.entries {
		if !f.tombstones[i] {
			out = append(out, e)
		}
	}
	return out
}

// Lookup returns the vector for node if present and not tombstoned.
func (f *Fragment) Lookup(node graph.NodeID) ([]float32, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for i, e := range f.entries {
		if e.Node == node && !f.tombstones[i] {
			return e.Vec, true
		}
	}
	return nil, false
}
