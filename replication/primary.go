package replication

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/maskdotdev/kitedb/internal/util"
)

// DefaultSidecarDirName is the default replication sidecar directory name
// placed next to the primary's database file.
const DefaultSidecarDirName = ".kitedb-replication"

// DefaultSidecarPath derives the default sidecar directory for a database
// file path, the same "next to the db file" convention the original uses.
func DefaultSidecarPath(dbPath string) string {
	return dbPath + DefaultSidecarDirName
}

// defaultSegmentSizeBytes bounds how large a single segment grows before
// the primary rolls to a new one.
const defaultSegmentSizeBytes = 64 << 20

// Status reports a primary's current replication state for observability.
type Status struct {
	Role          Role
	Epoch         uint64
	HeadLogIndex  uint64
	RetainedFloor uint64
	ActiveSegment uint64
}

// Primary is the append-only side of replication: it owns the epoch,
// assigns monotonic log indices, appends frames to the active segment,
// and maintains the manifest + per-replica progress table used to compute
// retention. Every append happens under mu, the same single
// append-then-fsync critical section shape the teacher's AppendEntries
// uses around its own log mutation.
type Primary struct {
	mu sync.Mutex

	sidecarPath   string
	manifestStore *ManifestStore
	progress      *ProgressStore
	log           zerolog.Logger

	manifest Manifest

	// stale is latched true once this handle observes a higher epoch on
	// disk than the one it holds in memory — proof that some other handle
	// has been promoted over it (B5/S6). Once latched it never clears;
	// the only way back in is a fresh OpenPrimary into the new epoch.
	stale bool
}

// OpenPrimary opens (or initializes) the replication sidecar at
// sidecarPath. epoch is the fencing epoch to promote into; pass the
// manifest's prior epoch+1 on failover, or 0 to keep the existing epoch
// found on disk (if any).
func OpenPrimary(sidecarPath string, promoteEpoch uint64, log zerolog.Logger) (*Primary, error) {
	if err := os.MkdirAll(sidecarPath, 0o755); err != nil {
		return nil, errors.Wrapf(err, "replication: create sidecar dir %s", sidecarPath)
	}

	manifestStore := NewManifestStore(filepath.Join(sidecarPath, "manifest.json"))
	manifest, err := manifestStore.Read()
	if os.IsNotExist(errors.Cause(err)) {
		manifest = Manifest{Version: manifestEnvelopeVersion, ActiveSegmentID: 1}
	} else if err != nil {
		return nil, err
	}

	if promoteEpoch > manifest.Epoch {
		log.Warn().Uint64("old_epoch", manifest.Epoch).Uint64("new_epoch", promoteEpoch).Msg("replication: promoting primary into new epoch")
		manifest.Epoch = promoteEpoch
		manifest.HeadLogIndex = 0
		manifest.ActiveSegmentID++
		manifest.Segments = append(manifest.Segments, SegmentMeta{ID: manifest.ActiveSegmentID})
		if err := manifestStore.Write(manifest); err != nil {
			return nil, err
		}
	}

	progress, err := OpenProgressStore(sidecarPath)
	if err != nil {
		return nil, err
	}

	return &Primary{
		sidecarPath:   sidecarPath,
		manifestStore: manifestStore,
		progress:      progress,
		log:           log,
		manifest:      manifest,
	}, nil
}

// Close releases the primary's bbolt progress handle.
func (p *Primary) Close() error { return p.progress.Close() }

// Epoch returns the primary's current fencing epoch.
func (p *Primary) Epoch() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.manifest.Epoch
}

// Append assigns the next log_index, writes a frame to the active
// segment, fsyncs it, and only then advances the manifest head — a commit
// frame becomes visible to replicas exactly when this call returns nil,
// never before. It first re-reads the on-disk manifest to check for a
// newer epoch than the one this handle holds: a competing OpenPrimary
// elsewhere (after a failover) writes its promotion directly to that
// file, and this handle has no other way to learn it has been fenced out
// (§4.9/B5/S6).
func (p *Primary) Append(txid uint64, walBytes []byte) (CommitToken, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stale {
		return CommitToken{}, errors.Wrap(util.ErrStalePrimary, "replication: primary already fenced out of its epoch")
	}
	onDisk, err := p.manifestStore.Read()
	if err != nil && !os.IsNotExist(errors.Cause(err)) {
		return CommitToken{}, errors.Wrap(err, "replication: re-read manifest for epoch fencing")
	}
	if err == nil && onDisk.Epoch > p.manifest.Epoch {
		p.stale = true
		p.log.Warn().
			Uint64("cached_epoch", p.manifest.Epoch).
			Uint64("disk_epoch", onDisk.Epoch).
			Msg("replication: primary fenced out by a newer epoch")
		return CommitToken{}, errors.Wrap(util.ErrStalePrimary, "replication: fenced out by a newer epoch")
	}

	payload, err := EncodeCommitFramePayload(txid, walBytes)
	if err != nil {
		return CommitToken{}, err
	}

	logIndex := p.manifest.HeadLogIndex + 1
	frame := Frame{Epoch: p.manifest.Epoch, LogIndex: logIndex, Payload: payload}

	segPath := filepath.Join(p.sidecarPath, segmentFileName(p.manifest.ActiveSegmentID))
	if err := OpenSegmentLog(segPath).Append(frame); err != nil {
		return CommitToken{}, err
	}

	p.manifest.HeadLogIndex = logIndex
	p.touchActiveSegmentLocked(segPath)

	size, err := OpenSegmentLog(segPath).Size()
	if err == nil && size >= defaultSegmentSizeBytes {
		p.rollSegmentLocked(logIndex)
	}

	if err := p.manifestStore.Write(p.manifest); err != nil {
		return CommitToken{}, errors.Wrap(err, "replication: persist manifest after append")
	}

	return CommitToken{Epoch: p.manifest.Epoch, LogIndex: logIndex}, nil
}

func (p *Primary) touchActiveSegmentLocked(segPath string) {
	for i := range p.manifest.Segments {
		if p.manifest.Segments[i].ID != p.manifest.ActiveSegmentID {
			continue
		}
		if p.manifest.Segments[i].StartLogIndex == 0 {
			p.manifest.Segments[i].StartLogIndex = p.manifest.HeadLogIndex
		}
		p.manifest.Segments[i].EndLogIndex = p.manifest.HeadLogIndex
		if info, err := os.Stat(segPath); err == nil {
			p.manifest.Segments[i].SizeBytes = uint64(info.Size())
		}
		return
	}
	p.manifest.Segments = append(p.manifest.Segments, SegmentMeta{
		ID:            p.manifest.ActiveSegmentID,
		StartLogIndex: p.manifest.HeadLogIndex,
		EndLogIndex:   p.manifest.HeadLogIndex,
	})
}

func (p *Primary) rollSegmentLocked(afterLogIndex uint64) {
	p.manifest.ActiveSegmentID++
	p.log.Info().Uint64("segment_id", p.manifest.ActiveSegmentID).Uint64("after_log_index", afterLogIndex).Msg("replication: rolled to new active segment")
}

// RecordReplicaProgress updates a replica's tracked position and recomputes
// the manifest's retained_floor so retention never truncates a segment a
// tracked replica still needs.
func (p *Primary) RecordReplicaProgress(replicaID string, epoch, logIndex uint64) error {
	if err := p.progress.Upsert(replicaID, ReplicaProgress{Epoch: epoch, AppliedLogIndex: logIndex}); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	floor, ok, err := p.progress.RetainedFloor(p.manifest.Epoch)
	if err != nil {
		return err
	}
	if ok {
		p.manifest.RetainedFloor = floor
		return p.manifestStore.Write(p.manifest)
	}
	return nil
}

// Retain removes segments fully below the manifest's retained_floor,
// never touching the active segment.
func (p *Primary) Retain() (removed int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var kept []SegmentMeta
	for _, seg := range p.manifest.Segments {
		if seg.ID == p.manifest.ActiveSegmentID || seg.EndLogIndex > p.manifest.RetainedFloor {
			kept = append(kept, seg)
			continue
		}
		path := filepath.Join(p.sidecarPath, segmentFileName(seg.ID))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return removed, errors.Wrapf(err, "replication: remove retired segment %s", path)
		}
		removed++
	}
	p.manifest.Segments = kept
	if removed > 0 {
		if err := p.manifestStore.Write(p.manifest); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// Status returns the primary's current observable state.
func (p *Primary) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Role:          RolePrimary,
		Epoch:         p.manifest.Epoch,
		HeadLogIndex:  p.manifest.HeadLogIndex,
		RetainedFloor: p.manifest.RetainedFloor,
		ActiveSegment: p.manifest.ActiveSegmentID,
	}
}

// ReadFramesFrom returns every frame with LogIndex >= minLogIndex across all
// segments the manifest tracks, for a replica's initial catch-up scan or
// for tests.
func (p *Primary) ReadFramesFrom(minLogIndex uint64) ([]Frame, error) {
	p.mu.Lock()
	segments := append([]SegmentMeta(nil), p.manifest.Segments...)
	p.mu.Unlock()

	var frames []Frame
	for _, seg := range segments {
		path := filepath.Join(p.sidecarPath, segmentFileName(seg.ID))
		segFrames, err := OpenSegmentLog(path).ReadAll()
		if err != nil {
			return nil, err
		}
		for _, f := range segFrames {
			if f.LogIndex >= minLogIndex {
				frames = append(frames, f)
			}
		}
	}
	return frames, nil
}
