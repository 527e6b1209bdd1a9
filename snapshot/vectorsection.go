package snapshot

import (
	"math"
	"sort"

	"github.com/pkg/errors"

	"github.com/maskdotdev/kitedb/graph"
	"github.com/maskdotdev/kitedb/internal/codec"
	"github.com/maskdotdev/kitedb/vector"
)

// vectorFragmentEntry is one fragment's live entries as captured by a
// checkpoint. Seal state and fragment IDs are not preserved across a
// checkpoint round-trip: a reloaded store simply re-appends every live
// vector through Store.Set, which is free to re-fragment and re-seal on
// its own schedule (§4.8 never requires fragment identity to survive a
// checkpoint, only the live node->vector mapping).
type vectorFragmentEntry struct {
	KeyID graph.PropKeyID
	Dim   int
	Live  []vector.Entry
}

// encodeVectorDataSection flattens every key's live vectors into one
// ordered byte range (by key, then by node within a key).
func encodeVectorDataSection(store *vector.Store) []byte {
	keys := store.Keys()
	buf := codec.PutUvarint(nil, uint64(len(keys)))
	for _, keyID := range keys {
		live := collectLiveSorted(store, keyID)
		dim := 0
		if len(live) > 0 {
			dim = len(live[0].Vec)
		}
		buf = codec.PutUvarint(buf, uint64(keyID))
		buf = codec.PutUvarint(buf, uint64(dim))
		buf = codec.PutUvarint(buf, uint64(len(live)))
		for _, e := range live {
			buf = codec.PutUvarint(buf, uint64(e.Node))
			tmp := make([]byte, 4)
			for _, f := range e.Vec {
				codec.PutUint32(tmp, math.Float32bits(f))
				buf = append(buf, tmp...)
			}
		}
	}
	return buf
}

func collectLiveSorted(store *vector.Store, keyID graph.PropKeyID) []vector.Entry {
	var live []vector.Entry
	for _, f := range store.Fragments(keyID) {
		live = append(live, f.Live()...)
	}
	sort.Slice(live, func(i, j int) bool { return live[i].Node < live[j].Node })
	return live
}

// decodeVectorDataSection parses a VectorData section back into per-key
// live-entry lists.
func decodeVectorDataSection(data []byte) ([]vectorFragmentEntry, error) {
	n, k := codec.Uvarint(data)
	if k <= 0 {
		return nil, errors.New("snapshot: truncated VectorData section count")
	}
	data = data[k:]
	out := make([]vectorFragmentEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		keyID, k := codec.Uvarint(data)
		if k <= 0 {
			return nil, errors.New("snapshot: truncated VectorData key id")
		}
		data = data[k:]
		dim, k := codec.Uvarint(data)
		if k <= 0 {
			return nil, errors.New("snapshot: truncated VectorData dim")
		}
		data = data[k:]
		count, k := codec.Uvarint(data)
		if k <= 0 {
			return nil, errors.New("snapshot: truncated VectorData count")
		}
		data = data[k:]

		entries := make([]vector.Entry, 0, count)
		for j := uint64(0); j < count; j++ {
			node, k := codec.Uvarint(data)
			if k <= 0 {
				return nil, errors.New("snapshot: truncated VectorData node id")
			}
			data = data[k:]
			vec := make([]float32, dim)
			for d := range vec {
				if len(data) < 4 {
					return nil, errors.New("snapshot: truncated VectorData vector element")
				}
				vec[d] = math.Float32frombits(codec.Uint32(data[:4]))
				data = data[4:]
			}
			entries = append(entries, vector.Entry{Node: graph.NodeID(node), Vec: vec})
		}
		out = append(out, vectorFragmentEntry{KeyID: graph.PropKeyID(keyID), Dim: int(dim), Live: entries})
	}
	return out, nil
}

// encodeVectorManifestSection records, per key, the fragment count and
// total live/dead slot counts at checkpoint time — diagnostic bookkeeping
// only (§4.8's compaction policy is re-derived from live state on reload,
// not replayed from this section).
func encodeVectorManifestSection(store *vector.Store) []byte {
	keys := store.Keys()
	buf := codec.PutUvarint(nil, uint64(len(keys)))
	for _, keyID := range keys {
		frags := store.Fragments(keyID)
		var liveTotal, slotTotal int
		for _, f := range frags {
			liveTotal += f.LiveCount()
			slotTotal += f.Len()
		}
		buf = codec.PutUvarint(buf, uint64(keyID))
		buf = codec.PutUvarint(buf, uint64(len(frags)))
		buf = codec.PutUvarint(buf, uint64(liveTotal))
		buf = codec.PutUvarint(buf, uint64(slotTotal))
	}
	return buf
}

type vectorManifestEntry struct {
	KeyID       graph.PropKeyID
	FragmentCount int
	LiveTotal   int
	SlotTotal   int
}

func decodeVectorManifestSection(data []byte) ([]vectorManifestEntry, error) {
	n, k := codec.Uvarint(data)
	if k <= 0 {
		return nil, errors.New("snapshot: truncated VectorManifest section count")
	}
	data = data[k:]
	out := make([]vectorManifestEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		keyID, k := codec.Uvarint(data)
		if k <= 0 {
			return nil, errors.New("snapshot: truncated VectorManifest key id")
		}
		data = data[k:]
		fragCount, k := codec.Uvarint(data)
		if k <= 0 {
			return nil, errors.New("snapshot: truncated VectorManifest fragment count")
		}
		data = data[k:]
		liveTotal, k := codec.Uvarint(data)
		if k <= 0 {
			return nil, errors.New("snapshot: truncated VectorManifest live total")
		}
		data = data[k:]
		slotTotal, k := codec.Uvarint(data)
		if k <= 0 {
			return nil, errors.New("snapshot: truncated VectorManifest slot total")
		}
		data = data[k:]
		out = append(out, vectorManifestEntry{
			KeyID:         graph.PropKeyID(keyID),
			FragmentCount: int(fragCount),
			LiveTotal:     int(liveTotal),
			SlotTotal:     int(slotTotal),
		})
	}
	return out, nil
}
