package mvcc

import (
	"testing"
	"time"

	"github.com/maskdotdev/kitedb/graph"
	"github.com/stretchr/testify/require"
)

func TestVersionManagerTimestampsMonotonic(t *testing.T) {
	vm := NewVersionManager()
	ts1 := vm.NewTimestamp()
	ts2 := vm.NewTimestamp()
	require.Greater(t, uint64(ts2), uint64(ts1))
	require.GreaterOrEqual(t, uint64(vm.CurrentTimestamp()), uint64(ts2))
}

func TestVersionManagerAdvanceNeverRewindsClock(t *testing.T) {
	vm := NewVersionManager()
	vm.Advance(100)
	require.Equal(t, Timestamp(100), vm.CurrentTimestamp())
	vm.Advance(50)
	require.Equal(t, Timestamp(100), vm.CurrentTimestamp())
}

func TestVersionManagerPrependClosesPreviousHead(t *testing.T) {
	vm := NewVersionManager()
	key := NodeKey(graph.NodeID(1))

	v1 := &Version{Data: []byte("v1"), TxID: 1, BeginTS: 10}
	vm.Prepend(key, v1)
	require.Nil(t, v1.Next)
	require.Equal(t, Timestamp(0), v1.EndTS)

	v2 := &Version{Data: []byte("v2"), TxID: 2, BeginTS: 20}
	vm.Prepend(key, v2)

	require.Equal(t, Timestamp(20), v1.EndTS)
	require.Same(t, v1, v2.Next)
	require.Same(t, v2, vm.Head(key))
}

func TestFindVisibleRespectsHalfOpenInterval(t *testing.T) {
	v2 := &Version{Data: []byte("new"), TxID: 2, BeginTS: 20}
	v1 := &Version{Data: []byte("old"), TxID: 1, BeginTS: 10, EndTS: 20, Next: nil}
	v2.Next = v1

	require.Equal(t, v2, FindVisible(v2, 25))
	require.Equal(t, v1, FindVisible(v2, 15))
	require.Nil(t, FindVisible(v2, 5))
}

func TestGarbageCollectDropsVersionsBelowWatermark(t *testing.T) {
	v3 := &Version{Data: []byte("v3"), TxID: 3, BeginTS: 30}
	v2 := &Version{Data: []byte("v2"), TxID: 2, BeginTS: 20, EndTS: 30}
	v1 := &Version{Data: []byte("v1"), TxID: 1, BeginTS: 10, EndTS: 20}
	v3.Next = v2
	v2.Next = v1

	head := GarbageCollect(v3, 25)
	require.Equal(t, 2, CountVersions(head))
	require.Same(t, v2, head.Next)
	require.Nil(t, head.Next.Next)
}

func TestSnapshotHidesConcurrentlyActiveWriter(t *testing.T) {
	sm := NewSnapshotManager(NewVersionManager())

	writerSnap := sm.BeginSnapshot(1)
	readerSnap := sm.BeginSnapshot(2) // started while txn 1 still active

	v := &Version{Data: []byte("x"), TxID: 1, BeginTS: writerSnap.BeginTS}
	require.False(t, readerSnap.IsVisible(v))

	sm.CommitTransaction(1)
	laterSnap := sm.BeginSnapshot(3)
	require.True(t, laterSnap.IsVisible(v))
}

func TestSnapshotIsVisibleRejectsFutureVersions(t *testing.T) {
	s := &Snapshot{BeginTS: 10, ActiveTxns: map[uint64]struct{}{}}
	future := &Version{BeginTS: 20, TxID: 1}
	require.False(t, s.IsVisible(future))
}

func TestOldestActiveSnapshotTracksOpenSet(t *testing.T) {
	sm := NewSnapshotManager(NewVersionManager())

	s1 := sm.BeginSnapshot(1)
	s2 := sm.BeginSnapshot(2)
	require.Equal(t, s1.BeginTS, sm.OldestActiveSnapshot())

	sm.ReleaseSnapshot(s1)
	require.Equal(t, s2.BeginTS, sm.OldestActiveSnapshot())
}

func TestVisibilityCheckerReturnsNewestVisibleData(t *testing.T) {
	sm := NewSnapshotManager(NewVersionManager())
	vc := NewVisibilityChecker(sm)

	s := sm.BeginSnapshot(1)
	sm.CommitTransaction(1)
	v := &Version{Data: []byte("payload"), TxID: 1, BeginTS: s.BeginTS}

	data, err := vc.VisibleData(sm.BeginSnapshot(2), v)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), data)
}

func TestGarbageCollectorTicksWithWatermark(t *testing.T) {
	sm := NewSnapshotManager(NewVersionManager())
	gc := NewGarbageCollector(sm, 5*time.Millisecond)

	seen := make(chan Timestamp, 1)
	gc.Start(func(watermark Timestamp) {
		select {
		case seen <- watermark:
		default:
		}
	})
	defer gc.Stop()

	select {
	case <-seen:
	case <-time.After(time.Second):
		t.Fatal("garbage collector never ticked")
	}
}
