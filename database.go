// Package kitedb implements an embedded, single-file property-graph
// database: page-based storage, a dual-region write-ahead log, an
// MVCC layer giving snapshot-isolated transactions, a periodic
// checkpoint that folds committed state into an immutable on-disk
// image, and an optional epoch-fenced primary/replica sidecar.
package kitedb

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/maskdotdev/kitedb/delta"
	"github.com/maskdotdev/kitedb/graph"
	"github.com/maskdotdev/kitedb/internal/codec"
	"github.com/maskdotdev/kitedb/internal/util"
	"github.com/maskdotdev/kitedb/internal/wal"
	"github.com/maskdotdev/kitedb/mvcc"
	"github.com/maskdotdev/kitedb/replication"
	"github.com/maskdotdev/kitedb/snapshot"
	"github.com/maskdotdev/kitedb/storage"
	"github.com/maskdotdev/kitedb/vector"
)

// Database is the single-file graph coordinator: the central entry point
// tying together the pager, WAL, MVCC manager, committed delta overlay,
// checkpointed snapshot image, schema registry and (optionally) a
// replication primary or replica.
type Database struct {
	mu sync.RWMutex // guards image, committedDelta, nodeKeyByID, header during a checkpoint swap

	opts Options
	log  zerolog.Logger

	pager      *storage.Pager
	bufferPool *storage.BufferPool
	wal        *wal.WAL
	header     *snapshot.Header

	image          *snapshot.GraphImage // immutable base, replaced wholesale at checkpoint
	vectors        *vector.Store
	committedDelta *delta.Delta
	nodeKeyByID    map[graph.NodeID]string
	keyToNodeID    map[string]graph.NodeID

	mvccMgr *mvcc.TransactionManager
	schema  *schemaRegistry

	nextNodeID atomic.Uint64

	commitMu sync.Mutex // serializes the commit epilogue (§5's commit_lock)

	replPrimary *replication.Primary
	replReplica *replication.Replica

	// groupCommitter batches concurrent writers' fsyncs when
	// Options.GroupCommitEnabled is set; nil means every SyncFull commit
	// calls wal.Sync() directly.
	groupCommitter *wal.GroupCommitter

	// writerThreads tracks, per calling goroutine, whether that goroutine
	// currently holds an active write transaction (§5: "exactly one write
	// transaction per thread may be active; many threads may hold write
	// transactions concurrently — they are serialised only at the commit
	// serialisation point and at WAL append"). Keyed by goid.Get().
	writerThreads sync.Map

	closed atomic.Bool
}

// Open opens (or creates) a KiteDB database at opts.Path.
func Open(opts *Options) (*Database, error) {
	if opts == nil {
		d := DefaultOptions("kitedb.db")
		opts = d
	}
	if opts.CRCChunkBytes <= 0 {
		opts.CRCChunkBytes = codec.DefaultCRCChunkBytes
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	log := opts.Logger

	pager, err := storage.NewPager(opts.Path, opts.PageSize)
	if err != nil {
		return nil, wrapIo(err, "kitedb: open pager")
	}

	isNew := pager.GetNextPageID() == 0
	if isNew && !opts.CreateIfMissing {
		pager.Close()
		return nil, errors.Wrap(util.ErrDatabaseCorrupt, "kitedb: database does not exist and CreateIfMissing is false")
	}

	bufferPool := storage.NewBufferPool(opts.BufferPoolPages, pager)

	var header *snapshot.Header
	if isNew {
		header, err = initializeFreshDatabase(pager, opts)
	} else {
		header, err = loadHeader(pager)
	}
	if err != nil {
		bufferPool.Close()
		return nil, err
	}

	w := wal.Open(pager.File(), header.RegionA, header.RegionB, header.CurrentLSN, log.With().Str("component", "wal").Logger())

	var img *snapshot.GraphImage
	var vecStore *vector.Store
	if header.SnapshotSectionTableOffset == 0 {
		img = snapshot.NewGraphImage()
		vecStore = vector.NewStore(0, vector.DefaultCompactionParams(), log)
	} else {
		img, vecStore, err = snapshot.ReadCheckpoint(pager.File(), header.SnapshotSectionTableOffset, log)
		if err != nil {
			bufferPool.Close()
			return nil, errors.Wrap(err, "kitedb: read checkpoint")
		}
	}

	schema := newSchemaRegistry()
	schema.loadFromImage(img.Schema)

	db := &Database{
		opts:           *opts,
		log:            log,
		pager:          pager,
		bufferPool:     bufferPool,
		wal:            w,
		header:         header,
		image:          img,
		vectors:        vecStore,
		committedDelta: delta.New(),
		nodeKeyByID:    make(map[graph.NodeID]string),
		keyToNodeID:    make(map[string]graph.NodeID),
		mvccMgr:        mvcc.NewTransactionManager(),
		schema:         schema,
	}
	db.seedNodeKeyIndex()
	db.nextNodeID.Store(highestNodeID(img))

	if opts.GroupCommitEnabled && opts.SyncMode == SyncFull {
		db.groupCommitter = wal.NewGroupCommitter(w, opts.GroupCommitWindow)
	}

	if err := db.replayWAL(); err != nil {
		bufferPool.Close()
		return nil, errors.Wrap(err, "kitedb: WAL replay")
	}

	if err := db.openReplication(opts); err != nil {
		bufferPool.Close()
		return nil, err
	}

	return db, nil
}

func (db *Database) seedNodeKeyIndex() {
	for id, rec := range db.image.Nodes {
		if rec.Key != nil {
			db.nodeKeyByID[id] = *rec.Key
			db.keyToNodeID[*rec.Key] = id
		}
	}
}

func highestNodeID(img *snapshot.GraphImage) uint64 {
	var max uint64
	for id := range img.Nodes {
		if uint64(id) > max {
			max = uint64(id)
		}
	}
	return max
}

func (db *Database) openReplication(opts *Options) error {
	switch opts.ReplicationRole {
	case replication.RoleDisabled:
		return nil
	case replication.RolePrimary:
		p, err := replication.OpenPrimary(opts.ReplicationSidecarPath, db.header.ReplicationEpoch, db.log.With().Str("component", "replication-primary").Logger())
		if err != nil {
			return errors.Wrap(err, "kitedb: open replication primary")
		}
		db.replPrimary = p
		db.header.ReplicationEpoch = p.Epoch()
	case replication.RoleReplica:
		r, err := replication.OpenReplica(opts.ReplicationSidecarPath, opts.ReplicationSourceSidecarPath, db.log.With().Str("component", "replication-replica").Logger())
		if err != nil {
			return errors.Wrap(err, "kitedb: open replication replica")
		}
		db.replReplica = r
	default:
		return errors.Errorf("kitedb: unknown replication role %v", opts.ReplicationRole)
	}
	return nil
}

// initializeFreshDatabase lays out page 0 (header), the two WAL regions,
// and an empty checkpoint in a brand-new file, then reserves enough pages
// through the pager's bookkeeping that a later pager.AllocatePage call
// cannot truncate any of these already-written byte ranges away.
func initializeFreshDatabase(pager *storage.Pager, opts *Options) (*snapshot.Header, error) {
	pageSize := uint64(pager.PageSize())

	if _, err := pager.AllocatePage(); err != nil { // page 0: header
		return nil, errors.Wrap(err, "kitedb: allocate header page")
	}

	regionBytes := opts.WALRegionBytes
	if regionBytes == 0 {
		regionBytes = 16 << 20
	}
	regionA := wal.RegionDescriptor{Offset: codec.AlignUp(pageSize), Size: regionBytes}
	regionB := wal.RegionDescriptor{Offset: codec.AlignUp(regionA.Offset + regionA.Size), Size: regionBytes}

	header := &snapshot.Header{
		Version:      snapshot.FormatVersion,
		PageSize:     uint32(pageSize),
		RegionA:      regionA,
		RegionB:      regionB,
		ActiveRegion: wal.RegionA,
	}

	if err := reserveThrough(pager, regionB.Offset+regionB.Size); err != nil {
		return nil, err
	}

	img := snapshot.NewGraphImage()
	store := vector.NewStore(0, vector.DefaultCompactionParams(), zerolog.Nop())
	checkpointBase := regionB.Offset + regionB.Size
	tableOffset, nextOffset, err := snapshot.WriteCheckpoint(pager.File(), checkpointBase, img, store)
	if err != nil {
		return nil, errors.Wrap(err, "kitedb: write initial checkpoint")
	}
	header.SnapshotSectionTableOffset = tableOffset
	if err := reserveThrough(pager, nextOffset); err != nil {
		return nil, err
	}

	if err := writeHeader(pager, header); err != nil {
		return nil, err
	}
	return header, nil
}

// reserveThrough grows the pager's own page-count bookkeeping until its
// backing file is at least offset bytes long, one page at a time. The WAL
// regions and the checkpoint area are addressed by raw byte offset (via
// pager.File()) rather than through the page abstraction, so whatever
// writes them must separately keep the pager's nextPageID in sync —
// otherwise a later AllocatePage's Truncate would shrink the file back
// over bytes this call already wrote.
func reserveThrough(pager *storage.Pager, offset uint64) error {
	pageSize := uint64(pager.PageSize())
	for uint64(pager.GetNextPageID())*pageSize < offset {
		if _, err := pager.AllocatePage(); err != nil {
			return errors.Wrap(err, "kitedb: reserve pages")
		}
	}
	return nil
}

func writeHeader(pager *storage.Pager, header *snapshot.Header) error {
	buf, err := header.Encode(pager.PageSize())
	if err != nil {
		return errors.Wrap(err, "kitedb: encode header")
	}
	if _, err := pager.File().WriteAt(buf, 0); err != nil {
		return errors.Wrap(err, "kitedb: write header page")
	}
	return nil
}

func loadHeader(pager *storage.Pager) (*snapshot.Header, error) {
	buf := make([]byte, pager.PageSize())
	if _, err := pager.File().ReadAt(buf, 0); err != nil {
		return nil, errors.Wrap(err, "kitedb: read header page")
	}
	h, err := snapshot.DecodeHeader(buf)
	if err != nil {
		return nil, errors.Wrap(err, "kitedb: decode header")
	}
	return h, nil
}

// Close flushes the buffer pool, syncs the WAL and closes the underlying
// file. It does not write a final checkpoint; the next Open replays
// whatever the WAL holds since the last one.
func (db *Database) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	if db.replPrimary != nil {
		db.replPrimary.Close()
	}
	if db.groupCommitter != nil {
		db.groupCommitter.Stop()
	}
	if err := db.wal.Sync(); err != nil {
		db.log.Warn().Err(err).Msg("kitedb: WAL sync on close failed")
	}
	if err := writeHeader(db.pager, db.header); err != nil {
		db.log.Warn().Err(err).Msg("kitedb: header write on close failed")
	}
	return db.bufferPool.Close()
}

// Checkpoint folds the committed delta into a new immutable snapshot
// image, writes it past the current end of file (the pager's page count
// times the page size), and swaps the header to
// point at it — §4.3/§4.9's auto-checkpoint and manual-checkpoint paths
// both call this.
func (db *Database) Checkpoint() error {
	db.mu.Lock()
	mergedImg, mergedStore := db.mergeImageLocked()
	db.mu.Unlock()

	compactVectorStore(mergedStore, db.log)

	endOffset := uint64(db.pager.GetNextPageID()) * uint64(db.pager.PageSize())

	tableOffset, nextOffset, err := snapshot.WriteCheckpoint(db.pager.File(), endOffset, mergedImg, mergedStore)
	if err != nil {
		return errors.Wrap(err, "kitedb: write checkpoint")
	}
	if err := reserveThrough(db.pager, nextOffset); err != nil {
		return err
	}

	db.mu.Lock()
	db.header.SnapshotSectionTableOffset = tableOffset
	db.image = mergedImg
	db.vectors = mergedStore
	db.committedDelta = delta.New()
	db.nodeKeyByID = make(map[graph.NodeID]string)
	db.keyToNodeID = make(map[string]graph.NodeID)
	db.seedNodeKeyIndex()
	hdr := *db.header
	db.mu.Unlock()

	if err := writeHeader(db.pager, &hdr); err != nil {
		return err
	}
	return nil
}

// compactVectorStore folds every key's eligible sealed fragments (§4.8)
// right before a checkpoint persists the store, so the on-disk vector
// section never accumulates more retired-entry bloat than one checkpoint
// interval's worth.
func compactVectorStore(store *vector.Store, log zerolog.Logger) {
	for _, keyID := range store.Keys() {
		candidates := store.CompactionCandidates(keyID)
		if len(candidates) == 0 {
			continue
		}
		retired, err := store.Compact(keyID, candidates)
		if err != nil {
			log.Warn().Err(err).Uint32("key_id", uint32(keyID)).Msg("kitedb: vector compaction failed")
			continue
		}
		if retired > 0 {
			log.Debug().Uint32("key_id", uint32(keyID)).Int("retired_fragments", retired).Msg("kitedb: compacted vector fragments")
		}
	}
}

// mergeImageLocked folds db.committedDelta into a copy of db.image,
// producing the GraphImage a checkpoint should persist. Caller must hold
// db.mu.
func (db *Database) mergeImageLocked() (*snapshot.GraphImage, *vector.Store) {
	out := snapshot.NewGraphImage()
	for id, rec := range db.image.Nodes {
		if db.committedDelta.IsNodeDeleted(id) {
			continue
		}
		copyRec := &snapshot.NodeRecord{
			ID:     id,
			Labels: make(map[graph.LabelID]struct{}, len(rec.Labels)),
			Props:  make(map[graph.PropKeyID]graph.PropValue, len(rec.Props)),
		}
		if rec.Key != nil {
			k := *rec.Key
			copyRec.Key = &k
		}
		for l := range rec.Labels {
			copyRec.Labels[l] = struct{}{}
		}
		for k, v := range rec.Props {
			copyRec.Props[k] = v
		}
		out.Nodes[id] = copyRec
	}

	for id := range db.image.Nodes {
		applyNodeEditsInto(out, id, db.committedDelta.NodeEditsFor(id))
	}
	db.addDeltaOnlyNodes(out)

	for id, key := range db.nodeKeyByID {
		if rec, ok := out.Nodes[id]; ok && rec.Key == nil {
			k := key
			rec.Key = &k
		}
	}

	for k, rec := range db.image.Edges {
		if db.committedDelta.IsEdgeDeleted(k) {
			continue
		}
		props := make(map[graph.PropKeyID]graph.PropValue, len(rec.Props))
		for pk, pv := range rec.Props {
			props[pk] = pv
		}
		out.Edges[k] = &snapshot.EdgeRecord{Key: k, Props: props}
	}
	db.addDeltaOnlyEdges(out)
	db.applyEdgePropOverlay(out)

	out.OutAdj = rebuildAdjacency(out.Edges, true)
	out.InAdj = rebuildAdjacency(out.Edges, false)
	out.Schema = db.schema.snapshotNames()

	mergedStore := vector.NewStore(0, vector.DefaultCompactionParams(), db.log)
	for _, keyID := range db.vectors.Keys() {
		for _, f := range db.vectors.Fragments(keyID) {
			for _, e := range f.Live() {
				mergedStore.Set(keyID, e.Node, e.Vec)
			}
		}
	}

	return out, mergedStore
}

func applyNodeEditsInto(out *snapshot.GraphImage, id graph.NodeID, edits *delta.NodeEdits) {
	if edits == nil {
		return
	}
	rec, ok := out.Nodes[id]
	if !ok {
		return
	}
	for l := range edits.LabelsAdded {
		rec.Labels[l] = struct{}{}
	}
	for l := range edits.LabelsRemoved {
		delete(rec.Labels, l)
	}
	for k, v := range edits.PropsSet {
		rec.Props[k] = v
	}
	for k := range edits.PropsDeleted {
		delete(rec.Props, k)
	}
}

func (db *Database) addDeltaOnlyNodes(out *snapshot.GraphImage) {
	for _, id := range db.committedDelta.CreatedNodes() {
		if _, ok := out.Nodes[id]; ok {
			continue
		}
		rec := &snapshot.NodeRecord{
			ID:     id,
			Labels: make(map[graph.LabelID]struct{}),
			Props:  make(map[graph.PropKeyID]graph.PropValue),
		}
		if key, ok := db.nodeKeyByID[id]; ok {
			k := key
			rec.Key = &k
		}
		out.Nodes[id] = rec
		applyNodeEditsInto(out, id, db.committedDelta.NodeEditsFor(id))
	}
}

// allKnownNodeIDs returns every node id that could have outgoing-edge
// additions staged against it: every base-image node plus every node the
// committed delta created.
func (db *Database) allKnownNodeIDs() []graph.NodeID {
	seen := make(map[graph.NodeID]struct{}, len(db.image.Nodes))
	out := make([]graph.NodeID, 0, len(db.image.Nodes))
	for id := range db.image.Nodes {
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, id := range db.committedDelta.CreatedNodes() {
		if _, ok := seen[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func (db *Database) addDeltaOnlyEdges(out *snapshot.GraphImage) {
	for _, id := range db.allKnownNodeIDs() {
		for _, k := range db.committedDelta.OutAdded(id) {
			if _, ok := out.Edges[k]; !ok {
				out.Edges[k] = &snapshot.EdgeRecord{Key: k, Props: make(map[graph.PropKeyID]graph.PropValue)}
			}
		}
	}
}

func (db *Database) applyEdgePropOverlay(out *snapshot.GraphImage) {
	for k, rec := range out.Edges {
		for pk, pv := range db.committedDelta.EdgePropsFor(k) {
			rec.Props[pk] = pv
		}
	}
}

func rebuildAdjacency(edges map[graph.EdgeKey]*snapshot.EdgeRecord, out bool) map[graph.NodeID]map[graph.EdgeKey]struct{} {
	result := make(map[graph.NodeID]map[graph.EdgeKey]struct{})
	for k := range edges {
		node := k.Src
		if !out {
			node = k.Dst
		}
		set, ok := result[node]
		if !ok {
			set = make(map[graph.EdgeKey]struct{})
			result[node] = set
		}
		set[k] = struct{}{}
	}
	return result
}
