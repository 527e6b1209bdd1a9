package kitedb

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/maskdotdev/kitedb/graph"
)

func tempOptions(t *testing.T) *Options {
	t.Helper()
	opts := DefaultOptions(filepath.Join(t.TempDir(), "kite.db"))
	opts.WALRegionBytes = 1 << 20
	return opts
}

func TestOpenCreatesFreshDatabase(t *testing.T) {
	db, err := Open(tempOptions(t))
	require.NoError(t, err)
	defer db.Close()

	tx, err := db.Begin(true)
	require.NoError(t, err)
	require.Equal(t, 0, tx.CountNodes())
	require.NoError(t, tx.Commit())
}

func TestCreateAndReadNode(t *testing.T) {
	db, err := Open(tempOptions(t))
	require.NoError(t, err)
	defer db.Close()

	tx, err := db.Begin(false)
	require.NoError(t, err)
	key := "alice"
	id, err := tx.CreateNode(&key)
	require.NoError(t, err)
	require.NoError(t, tx.SetNodeProp(id, graph.PropKeyID(1), graph.String("Alice")))
	require.NoError(t, tx.Commit())

	tx2, err := db.Begin(true)
	require.NoError(t, err)
	defer tx2.Rollback()

	got, ok := tx2.NodeByKey("alice")
	require.True(t, ok)
	require.Equal(t, id, got)

	v, found, err := tx2.NodeProp(id, graph.PropKeyID(1))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, graph.String("Alice"), v)

	require.Equal(t, 1, tx2.CountNodes())
}

func TestDuplicateKeyRejected(t *testing.T) {
	db, err := Open(tempOptions(t))
	require.NoError(t, err)
	defer db.Close()

	tx, err := db.Begin(false)
	require.NoError(t, err)
	key := "bob"
	_, err = tx.CreateNode(&key)
	require.NoError(t, err)
	_, err = tx.CreateNode(&key)
	require.Error(t, err)
	require.NoError(t, tx.Rollback())
}

func TestAddEdgeAndTraverse(t *testing.T) {
	db, err := Open(tempOptions(t))
	require.NoError(t, err)
	defer db.Close()

	tx, err := db.Begin(false)
	require.NoError(t, err)
	a, err := tx.CreateNode(nil)
	require.NoError(t, err)
	b, err := tx.CreateNode(nil)
	require.NoError(t, err)
	c, err := tx.CreateNode(nil)
	require.NoError(t, err)

	const follows graph.ETypeID = 1
	require.NoError(t, tx.AddEdge(a, follows, b))
	require.NoError(t, tx.AddEdge(a, follows, c))
	require.NoError(t, tx.Commit())

	tx2, err := db.Begin(true)
	require.NoError(t, err)
	defer tx2.Rollback()

	out, err := tx2.OutEdges(a)
	require.NoError(t, err)
	require.Len(t, out, 2)

	neighbors, err := tx2.OutNeighbors(a, follows)
	require.NoError(t, err)
	require.ElementsMatch(t, []graph.NodeID{b, c}, neighbors)

	in, err := tx2.InNeighbors(b, follows)
	require.NoError(t, err)
	require.Equal(t, []graph.NodeID{a}, in)
}

func TestDeleteNodeFiltersEdgesFromTraversal(t *testing.T) {
	db, err := Open(tempOptions(t))
	require.NoError(t, err)
	defer db.Close()

	tx, err := db.Begin(false)
	require.NoError(t, err)
	a, err := tx.CreateNode(nil)
	require.NoError(t, err)
	b, err := tx.CreateNode(nil)
	require.NoError(t, err)
	const knows graph.ETypeID = 2
	require.NoError(t, tx.AddEdge(a, knows, b))
	require.NoError(t, tx.Commit())

	tx2, err := db.Begin(false)
	require.NoError(t, err)
	require.NoError(t, tx2.DeleteNode(b))
	require.NoError(t, tx2.Commit())

	tx3, err := db.Begin(true)
	require.NoError(t, err)
	defer tx3.Rollback()
	out, err := tx3.OutEdges(a)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestLabelsAndProps(t *testing.T) {
	db, err := Open(tempOptions(t))
	require.NoError(t, err)
	defer db.Close()

	tx, err := db.Begin(false)
	require.NoError(t, err)
	id, err := tx.CreateNode(nil)
	require.NoError(t, err)
	const person graph.LabelID = 1
	const admin graph.LabelID = 2
	require.NoError(t, tx.AddNodeLabel(id, person))
	require.NoError(t, tx.AddNodeLabel(id, admin))
	require.NoError(t, tx.RemoveNodeLabel(id, admin))
	require.NoError(t, tx.Commit())

	tx2, err := db.Begin(true)
	require.NoError(t, err)
	defer tx2.Rollback()

	labels, err := tx2.NodeLabels(id)
	require.NoError(t, err)
	require.Equal(t, []graph.LabelID{person}, labels)

	has, err := tx2.NodeHasLabel(id, admin)
	require.NoError(t, err)
	require.False(t, has)
}

func TestSameGoroutineCannotNestWriteTransactions(t *testing.T) {
	db, err := Open(tempOptions(t))
	require.NoError(t, err)
	defer db.Close()

	tx1, err := db.Begin(false)
	require.NoError(t, err)

	_, err = db.Begin(false)
	require.ErrorIs(t, err, ErrTransactionInProgress)

	require.NoError(t, tx1.Rollback())

	tx2, err := db.Begin(false)
	require.NoError(t, err)
	require.NoError(t, tx2.Commit())
}

func TestSyncModeGatesWhetherSyncIsCalledAtAll(t *testing.T) {
	// §4.4/§6.3: SyncMode decides whether a commit's fsync happens at all,
	// not merely whether a Sync error is treated as fatal.
	for _, tc := range []struct {
		mode      SyncMode
		wantSyncs uint64
	}{
		{SyncFull, 1},
		{SyncNormal, 0},
		{SyncOff, 0},
	} {
		opts := tempOptions(t)
		opts.SyncMode = tc.mode
		db, err := Open(opts)
		require.NoError(t, err)

		tx, err := db.Begin(false)
		require.NoError(t, err)
		_, err = tx.CreateNode(nil)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())

		require.Equal(t, tc.wantSyncs, db.wal.SyncCount(), "mode %s", tc.mode)
		require.NoError(t, db.Close())
	}
}

func TestDifferentGoroutinesHoldConcurrentWriteTransactions(t *testing.T) {
	// §5: "many threads may hold write transactions concurrently — they
	// are serialised only at the commit serialisation point and at WAL
	// append." Each goroutine below begins its own write transaction
	// before either commits, proving the gate is per-goroutine rather than
	// database-wide.
	db, err := Open(tempOptions(t))
	require.NoError(t, err)
	defer db.Close()

	began := make(chan *Txn, 2)
	errs := make(chan error, 2)
	release := make(chan struct{})

	spawn := func() {
		tx, err := db.Begin(false)
		if err != nil {
			errs <- err
			began <- nil
			return
		}
		errs <- nil
		began <- tx
		<-release
	}
	go spawn()
	go spawn()

	var txns []*Txn
	for i := 0; i < 2; i++ {
		require.NoError(t, <-errs)
		txns = append(txns, <-began)
	}
	require.Len(t, txns, 2)
	require.NotSame(t, txns[0], txns[1])

	close(release)
	for _, tx := range txns {
		require.NoError(t, tx.Rollback())
	}
}

func TestConcurrentWritersConflictOnOverlappingKey(t *testing.T) {
	// Two goroutines each hold their own write transaction (per §5's
	// per-thread model) and both touch the same node property; only the
	// first to reach the commit serialisation point may succeed (P8/S2's
	// first-committer-wins rule), and it's now reachable because writers
	// are no longer globally exclusive.
	db, err := Open(tempOptions(t))
	require.NoError(t, err)
	defer db.Close()

	setup, err := db.Begin(false)
	require.NoError(t, err)
	id, err := setup.CreateNode(nil)
	require.NoError(t, err)
	require.NoError(t, setup.SetNodeProp(id, graph.PropKeyID(9), graph.I64(0)))
	require.NoError(t, setup.Commit())

	var ready sync.WaitGroup
	ready.Add(2)
	proceed := make(chan struct{})
	results := make(chan error, 2)

	race := func(v int64) {
		tx, err := db.Begin(false)
		if err != nil {
			ready.Done()
			results <- err
			return
		}
		// Take the MVCC snapshot (Begin already has) and register the
		// read before either side is allowed to commit, so both
		// transactions' snapshots genuinely overlap.
		if _, _, err := tx.NodeProp(id, graph.PropKeyID(9)); err != nil {
			ready.Done()
			results <- err
			return
		}
		ready.Done()
		<-proceed
		if err := tx.SetNodeProp(id, graph.PropKeyID(9), graph.I64(v)); err != nil {
			results <- err
			return
		}
		results <- tx.Commit()
	}
	go race(1)
	go race(2)
	ready.Wait()
	close(proceed)

	var succeeded, conflicted int
	for i := 0; i < 2; i++ {
		err := <-results
		var conflictErr *ConflictError
		switch {
		case err == nil:
			succeeded++
		case errors.As(err, &conflictErr):
			conflicted++
		default:
			require.NoError(t, err)
		}
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, 1, conflicted)
}

func TestGroupCommitBatchesConcurrentWriterFsyncs(t *testing.T) {
	// With GroupCommitEnabled, several goroutines committing distinct
	// nodes concurrently should all observe their writes durably applied;
	// the batching is an internal fsync-cost optimization and must be
	// invisible to callers.
	opts := tempOptions(t)
	opts.GroupCommitEnabled = true
	opts.GroupCommitWindow = 2
	db, err := Open(opts)
	require.NoError(t, err)
	defer db.Close()

	const writers = 8
	var wg sync.WaitGroup
	ids := make([]graph.NodeID, writers)
	errs := make([]error, writers)
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func(i int) {
			defer wg.Done()
			tx, err := db.Begin(false)
			if err != nil {
				errs[i] = err
				return
			}
			id, err := tx.CreateNode(nil)
			if err != nil {
				errs[i] = err
				return
			}
			if err := tx.SetNodeProp(id, graph.PropKeyID(1), graph.I64(int64(i))); err != nil {
				errs[i] = err
				return
			}
			errs[i] = tx.Commit()
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for i := 0; i < writers; i++ {
		require.NoError(t, errs[i])
	}

	check, err := db.Begin(true)
	require.NoError(t, err)
	defer check.Rollback()
	require.Equal(t, writers, check.CountNodes())
	for i := 0; i < writers; i++ {
		v, _, err := check.NodeProp(ids[i], graph.PropKeyID(1))
		require.NoError(t, err)
		require.Equal(t, graph.I64(int64(i)), v)
	}
}

func TestSequentialWritersSeeEachOthersCommits(t *testing.T) {
	// Unlike TestConcurrentWritersConflictOnOverlappingKey, these two write
	// transactions run one after the other rather than overlapping: the
	// second writer only Begins once the first has already committed, so
	// its snapshot is taken strictly after that commit. What's being
	// verified here is that its read observes the first writer's committed
	// value and that it can commit its own overlapping update on top of it
	// without conflict.
	db, err := Open(tempOptions(t))
	require.NoError(t, err)
	defer db.Close()

	setup, err := db.Begin(false)
	require.NoError(t, err)
	id, err := setup.CreateNode(nil)
	require.NoError(t, err)
	require.NoError(t, setup.Commit())

	tx1, err := db.Begin(false)
	require.NoError(t, err)
	require.NoError(t, tx1.SetNodeProp(id, graph.PropKeyID(1), graph.I64(1)))
	require.NoError(t, tx1.Commit())

	tx2, err := db.Begin(false)
	require.NoError(t, err)
	v, _, err := tx2.NodeProp(id, graph.PropKeyID(1))
	require.NoError(t, err)
	require.Equal(t, graph.I64(1), v)
	require.NoError(t, tx2.SetNodeProp(id, graph.PropKeyID(1), graph.I64(2)))
	require.NoError(t, tx2.Commit())

	tx3, err := db.Begin(true)
	require.NoError(t, err)
	defer tx3.Rollback()
	v, _, err = tx3.NodeProp(id, graph.PropKeyID(1))
	require.NoError(t, err)
	require.Equal(t, graph.I64(2), v)
}

func TestSchemaTokensAreStableAcrossCalls(t *testing.T) {
	db, err := Open(tempOptions(t))
	require.NoError(t, err)
	defer db.Close()

	tx, err := db.Begin(false)
	require.NoError(t, err)
	id1, err := tx.DefineLabel("Person")
	require.NoError(t, err)
	id2, err := tx.DefineLabel("Person")
	require.NoError(t, err)
	require.Equal(t, id1, id2)
	require.NoError(t, tx.Commit())
}

func TestCheckpointThenReopenRecoversCommittedState(t *testing.T) {
	opts := tempOptions(t)
	db, err := Open(opts)
	require.NoError(t, err)

	tx, err := db.Begin(false)
	require.NoError(t, err)
	key := "durable"
	id, err := tx.CreateNode(&key)
	require.NoError(t, err)
	require.NoError(t, tx.SetNodeProp(id, graph.PropKeyID(3), graph.I64(42)))
	require.NoError(t, tx.Commit())

	require.NoError(t, db.Checkpoint())
	require.NoError(t, db.Close())

	reopened, err := Open(opts)
	require.NoError(t, err)
	defer reopened.Close()

	tx2, err := reopened.Begin(true)
	require.NoError(t, err)
	defer tx2.Rollback()

	got, ok := tx2.NodeByKey("durable")
	require.True(t, ok)
	require.Equal(t, id, got)

	v, found, err := tx2.NodeProp(got, graph.PropKeyID(3))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, graph.I64(42), v)
}

func TestReopenWithoutCheckpointReplaysWAL(t *testing.T) {
	opts := tempOptions(t)
	db, err := Open(opts)
	require.NoError(t, err)

	tx, err := db.Begin(false)
	require.NoError(t, err)
	id, err := tx.CreateNode(nil)
	require.NoError(t, err)
	const tag graph.LabelID = 7
	require.NoError(t, tx.AddNodeLabel(id, tag))
	require.NoError(t, tx.Commit())

	require.NoError(t, db.Close())

	reopened, err := Open(opts)
	require.NoError(t, err)
	defer reopened.Close()

	tx2, err := reopened.Begin(true)
	require.NoError(t, err)
	defer tx2.Rollback()

	has, err := tx2.NodeHasLabel(id, tag)
	require.NoError(t, err)
	require.True(t, has)
}

func TestRollbackLeavesNoTrace(t *testing.T) {
	db, err := Open(tempOptions(t))
	require.NoError(t, err)
	defer db.Close()

	tx, err := db.Begin(false)
	require.NoError(t, err)
	id, err := tx.CreateNode(nil)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	tx2, err := db.Begin(true)
	require.NoError(t, err)
	defer tx2.Rollback()
	require.False(t, tx2.nodeExistsMerged(id))
}
