package wal

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGroupCommitterFlushesConcurrentCommits(t *testing.T) {
	w, _ := newTestWAL(t, 4096)
	gc := NewGroupCommitter(w, 2)
	defer gc.Stop()

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			lsn, err := w.Append(&Record{TxnID: uint64(i), Type: RecordTypeCommit, Payload: EncodeCommit(uint64(i))})
			if err != nil {
				errs[i] = err
				return
			}
			errs[i] = gc.Commit(lsn)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
}

func TestGroupCommitterRejectsCommitsAfterStop(t *testing.T) {
	w, _ := newTestWAL(t, 4096)
	gc := NewGroupCommitter(w, 5)
	gc.Stop()

	err := gc.Commit(1)
	require.ErrorIs(t, err, ErrCommitterStopped)
}

func TestGroupCommitterDefaultsWindowWhenNonPositive(t *testing.T) {
	w, _ := newTestWAL(t, 4096)
	gc := NewGroupCommitter(w, 0)
	defer gc.Stop()

	require.Equal(t, defaultGroupCommitWindow, gc.batchTimeout)
}

func TestSharedFlusherFlushesMultipleWALsThroughOneGoroutine(t *testing.T) {
	w1, _ := newTestWAL(t, 4096)
	w2, _ := newTestWAL(t, 4096)

	_, err := w1.Append(&Record{TxnID: 1, Type: RecordTypeCommit, Payload: EncodeCommit(1)})
	require.NoError(t, err)
	_, err = w2.Append(&Record{TxnID: 2, Type: RecordTypeCommit, Payload: EncodeCommit(2)})
	require.NoError(t, err)

	require.NoError(t, GetSharedFlusher().Flush(w1))
	require.NoError(t, GetSharedFlusher().Flush(w2))
}
