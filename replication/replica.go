package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/maskdotdev/kitedb/internal/util"
)

const replicaCursorFileName = "replica-cursor.json"

// ReplicaStatus reports a replica's current catch-up state.
type ReplicaStatus struct {
	Role            Role
	SourceSidecar   string
	AppliedEpoch    uint64
	AppliedLogIndex uint64
	LastError       string
	NeedsReseed     bool
}

type cursorState struct {
	AppliedEpoch    uint64 `json:"applied_epoch"`
	AppliedLogIndex uint64 `json:"applied_log_index"`
	LastError       string `json:"last_error,omitempty"`
	NeedsReseed     bool   `json:"needs_reseed"`
}

// Replica orchestrates pulling committed frames from a primary's sidecar
// directory, tracking how far it has applied, and detecting when it has
// fallen far enough behind (or the primary's epoch has moved past it) that
// a fresh reseed from a snapshot is required instead of incremental catch-up.
type Replica struct {
	localSidecarPath  string
	sourceSidecarPath string
	cursorPath        string

	mu    sync.Mutex
	state cursorState

	log zerolog.Logger
}

// OpenReplica opens (or initializes) a replica's local cursor state,
// tracking catch-up progress against the primary sidecar at
// sourceSidecarPath.
func OpenReplica(localSidecarPath, sourceSidecarPath string, log zerolog.Logger) (*Replica, error) {
	if err := os.MkdirAll(localSidecarPath, 0o755); err != nil {
		return nil, errors.Wrapf(err, "replication: create local sidecar dir %s", localSidecarPath)
	}
	cursorPath := filepath.Join(localSidecarPath, replicaCursorFileName)
	state, err := loadCursorState(cursorPath)
	if err != nil {
		return nil, err
	}
	return &Replica{
		localSidecarPath:  localSidecarPath,
		sourceSidecarPath: sourceSidecarPath,
		cursorPath:        cursorPath,
		state:             state,
		log:               log,
	}, nil
}

func loadCursorState(path string) (cursorState, error) {
	bytes, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cursorState{}, nil
	}
	if err != nil {
		return cursorState{}, errors.Wrapf(err, "replication: read replica cursor %s", path)
	}
	var state cursorState
	if err := json.Unmarshal(bytes, &state); err != nil {
		return cursorState{}, errors.Wrap(err, "replication: decode replica cursor")
	}
	return state, nil
}

func (r *Replica) persistLocked() error {
	bytes, err := json.Marshal(r.state)
	if err != nil {
		return errors.Wrap(err, "replication: encode replica cursor")
	}
	tmp := r.cursorPath + ".tmp"
	if err := os.WriteFile(tmp, bytes, 0o644); err != nil {
		return errors.Wrapf(err, "replication: write replica cursor temp file %s", tmp)
	}
	return os.Rename(tmp, r.cursorPath)
}

// AppliedPosition returns the replica's last applied (epoch, log_index).
func (r *Replica) AppliedPosition() (epoch, logIndex uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.AppliedEpoch, r.state.AppliedLogIndex
}

// MarkApplied advances the cursor after a frame has been durably applied.
// Moving the cursor backwards is a programming error, not a transient
// fault, so it returns an error rather than silently clamping.
func (r *Replica) MarkApplied(epoch, logIndex uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.AppliedEpoch > epoch || (r.state.AppliedEpoch == epoch && r.state.AppliedLogIndex > logIndex) {
		return errors.Errorf("replication: refusing to move replica cursor backwards: %d:%d -> %d:%d",
			r.state.AppliedEpoch, r.state.AppliedLogIndex, epoch, logIndex)
	}
	r.state.AppliedEpoch = epoch
	r.state.AppliedLogIndex = logIndex
	r.state.LastError = ""
	r.state.NeedsReseed = false
	return r.persistLocked()
}

// MarkError records a catch-up failure; needsReseed flags that incremental
// catch-up can no longer proceed and a full reseed from a primary snapshot
// is required.
func (r *Replica) MarkError(message string, needsReseed bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.LastError = message
	r.state.NeedsReseed = needsReseed
	return r.persistLocked()
}

// ClearError clears a previously recorded error/reseed flag.
func (r *Replica) ClearError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.LastError == "" && !r.state.NeedsReseed {
		return nil
	}
	r.state.LastError = ""
	r.state.NeedsReseed = false
	return r.persistLocked()
}

// Status reports the replica's current state.
func (r *Replica) Status() ReplicaStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ReplicaStatus{
		Role:            RoleReplica,
		SourceSidecar:   r.sourceSidecarPath,
		AppliedEpoch:    r.state.AppliedEpoch,
		AppliedLogIndex: r.state.AppliedLogIndex,
		LastError:       r.state.LastError,
		NeedsReseed:     r.state.NeedsReseed,
	}
}

// FramesAfter returns the next frames to apply, oldest first, capped at
// maxFrames (0 means unbounded). It detects three distinct reseed
// conditions the same way the original does: the applied position has
// fallen below the manifest's retained_floor, there is a gap between the
// applied position and the oldest available frame, and the primary's head
// is ahead of the applied position but no frames at all are available to
// close the gap (everything needed has already been retired).
func (r *Replica) FramesAfter(ctx context.Context, maxFrames int, includeLastApplied bool) ([]Frame, error) {
	manifest, err := NewManifestStore(filepath.Join(r.sourceSidecarPath, "manifest.json")).Read()
	if err != nil {
		return nil, errors.Wrap(err, "replication: read source manifest")
	}

	allFrames, err := r.readAllFramesConcurrently(ctx, manifest)
	if err != nil {
		return nil, err
	}

	appliedEpoch, appliedLogIndex := r.AppliedPosition()

	if manifest.Epoch == appliedEpoch && appliedLogIndex < manifest.RetainedFloor {
		message := fmt.Sprintf("applied log %d is below retained floor %d", appliedLogIndex, manifest.RetainedFloor)
		_ = r.MarkError(message, true)
		return nil, errors.Wrap(util.ErrNeedsReseed, message)
	}

	filtered := make([]Frame, 0, len(allFrames))
	for _, f := range allFrames {
		switch {
		case f.Epoch > appliedEpoch:
			filtered = append(filtered, f)
		case f.Epoch < appliedEpoch:
			// stale epoch, drop
		case includeLastApplied && appliedLogIndex > 0:
			if f.LogIndex >= appliedLogIndex {
				filtered = append(filtered, f)
			}
		default:
			if f.LogIndex > appliedLogIndex {
				filtered = append(filtered, f)
			}
		}
	}
	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].Epoch != filtered[j].Epoch {
			return filtered[i].Epoch < filtered[j].Epoch
		}
		return filtered[i].LogIndex < filtered[j].LogIndex
	})

	expectedNext := appliedLogIndex + 1
	if len(filtered) > 0 {
		first := filtered[0]
		if first.Epoch == appliedEpoch && first.LogIndex > expectedNext {
			message := fmt.Sprintf("missing log range %d..%d", expectedNext, first.LogIndex-1)
			_ = r.MarkError(message, true)
			return nil, errors.Wrap(util.ErrNeedsReseed, message)
		}
	}

	if len(filtered) == 0 && manifest.HeadLogIndex > appliedLogIndex {
		message := fmt.Sprintf("applied log %d but primary head is %d and required frames are unavailable",
			appliedLogIndex, manifest.HeadLogIndex)
		_ = r.MarkError(message, true)
		return nil, errors.Wrap(util.ErrNeedsReseed, message)
	}

	if maxFrames > 0 && len(filtered) > maxFrames {
		filtered = filtered[:maxFrames]
	}
	return filtered, nil
}

// readAllFramesConcurrently reads every segment's frames in parallel via
// errgroup, joining on the first read error — catch-up fans out across
// segments the same way the checkpoint engine fans out across sections.
func (r *Replica) readAllFramesConcurrently(ctx context.Context, manifest Manifest) ([]Frame, error) {
	segments := append([]SegmentMeta(nil), manifest.Segments...)
	sort.Slice(segments, func(i, j int) bool { return segments[i].ID < segments[j].ID })

	results := make([][]Frame, len(segments))
	g, _ := errgroup.WithContext(ctx)
	for i, seg := range segments {
		i, seg := i, seg
		g.Go(func() error {
			path := filepath.Join(r.sourceSidecarPath, segmentFileName(seg.ID))
			if _, err := os.Stat(path); os.IsNotExist(err) {
				return nil
			}
			frames, err := OpenSegmentLog(path).ReadAll()
			if err != nil {
				return err
			}
			results[i] = frames
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "replication: read source segments")
	}

	var all []Frame
	for _, frames := range results {
		all = append(all, frames...)
	}
	return all, nil
}

// ApplyFrame decodes a frame's inner commit payload. Actual WAL replay
// happens through the caller's idempotent recovery path (internal/wal's
// Recovery), so a frame already applied at or before the current cursor
// is simply a no-op here, not an error.
func (r *Replica) ApplyFrame(frame Frame) (CommitFramePayload, bool, error) {
	appliedEpoch, appliedLogIndex := r.AppliedPosition()
	if frame.Epoch < appliedEpoch || (frame.Epoch == appliedEpoch && frame.LogIndex <= appliedLogIndex) {
		return CommitFramePayload{}, false, nil
	}
	payload, err := DecodeCommitFramePayload(frame.Payload)
	if err != nil {
		return CommitFramePayload{}, false, err
	}
	return payload, true, nil
}
