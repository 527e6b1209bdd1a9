package mvcc

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// VisibilityChecker centralizes the IsVisible/GetVisibleVersion calls used
// by the coordinator's read-merge path (§4.7), so callers don't reach
// directly into Snapshot internals.
type VisibilityChecker struct {
	snapshots *SnapshotManager
}

// NewVisibilityChecker builds a checker bound to a SnapshotManager.
func NewVisibilityChecker(sm *SnapshotManager) *VisibilityChecker {
	return &VisibilityChecker{snapshots: sm}
}

// CheckVisibility reports whether v is visible under s.
func (vc *VisibilityChecker) CheckVisibility(s *Snapshot, v *Version) bool {
	return s.IsVisible(v)
}

// VisibleData returns the payload of the newest version of chain visible to
// s, or an error if the key has no visible version (absence is handled by
// the caller, not signaled as an error, at the TxKey level — this error
// means "no version chain reaches this far back", which a well-formed read
// merge never hits once the snapshot section is consulted first).
func (vc *VisibilityChecker) VisibleData(s *Snapshot, chain *Version) ([]byte, error) {
	v := s.GetVisibleVersion(chain)
	if v == nil {
		return nil, errors.New("mvcc: no visible version in chain")
	}
	return v.Data, nil
}

// GarbageCollector periodically reclaims version-chain entries older than
// every open snapshot's watermark. Chains live in the VersionManager's map;
// the collector only decides the watermark, the caller walks its own set of
// tracked TxKeys and calls GarbageCollect per chain.
type GarbageCollector struct {
	snapshots *SnapshotManager
	interval  time.Duration

	mu      sync.Mutex
	running bool
	stop    chan struct{}
}

// NewGarbageCollector creates a collector that wakes up every interval.
func NewGarbageCollector(sm *SnapshotManager, interval time.Duration) *GarbageCollector {
	return &GarbageCollector{snapshots: sm, interval: interval, stop: make(chan struct{})}
}

// Start launches the background collection loop. onTick is invoked with the
// current watermark every interval; the caller (the root kitedb package)
// owns the actual chain sweep since only it knows every live TxKey.
func (gc *GarbageCollector) Start(onTick func(watermark Timestamp)) {
	gc.mu.Lock()
	if gc.running {
		gc.mu.Unlock()
		return
	}
	gc.running = true
	gc.mu.Unlock()

	go gc.run(onTick)
}

// Stop halts the background loop.
func (gc *GarbageCollector) Stop() {
	gc.mu.Lock()
	if !gc.running {
		gc.mu.Unlock()
		return
	}
	gc.running = false
	gc.mu.Unlock()
	close(gc.stop)
}

func (gc *GarbageCollector) run(onTick func(watermark Timestamp)) {
	ticker := time.NewTicker(gc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			onTick(gc.snapshots.OldestActiveSnapshot())
		case <-gc.stop:
			return
		}
	}
}
