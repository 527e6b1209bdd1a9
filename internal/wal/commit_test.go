package wal

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestRecoveryDropsUncommittedTransaction(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "kitedb-wal-*.db")
	require.NoError(t, err)
	defer f.Close()

	w := Open(f, RegionDescriptor{Offset: 0, Size: 8192}, RegionDescriptor{Offset: 8192, Size: 8192}, 0, zerolog.Nop())

	_, err = w.Append(&Record{TxnID: 1, Type: RecordTypeBegin})
	require.NoError(t, err)
	_, err = w.Append(&Record{TxnID: 1, Type: RecordTypeCreateNode, Payload: EncodeCreateNode(1, nil)})
	require.NoError(t, err)
	_, err = w.Append(&Record{TxnID: 1, Type: RecordTypeCommit, Payload: EncodeCommit(1)})
	require.NoError(t, err)

	_, err = w.Append(&Record{TxnID: 2, Type: RecordTypeBegin})
	require.NoError(t, err)
	_, err = w.Append(&Record{TxnID: 2, Type: RecordTypeCreateNode, Payload: EncodeCreateNode(2, nil)})
	require.NoError(t, err)
	// txn 2 never commits.

	rec := NewRecovery(w)
	records, err := rec.Recover()
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, uint64(1), records[0].TxnID)
}

func TestRecoveryKeepsRolledBackTransactionOut(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "kitedb-wal-*.db")
	require.NoError(t, err)
	defer f.Close()

	w := Open(f, RegionDescriptor{Offset: 0, Size: 8192}, RegionDescriptor{Offset: 8192, Size: 8192}, 0, zerolog.Nop())

	_, err = w.Append(&Record{TxnID: 1, Type: RecordTypeBegin})
	require.NoError(t, err)
	_, err = w.Append(&Record{TxnID: 1, Type: RecordTypeCreateNode, Payload: EncodeCreateNode(1, nil)})
	require.NoError(t, err)
	_, err = w.Append(&Record{TxnID: 1, Type: RecordTypeRollback})
	require.NoError(t, err)

	rec := NewRecovery(w)
	records, err := rec.Recover()
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestVerifyIntegrityPassesOnCleanLog(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "kitedb-wal-*.db")
	require.NoError(t, err)
	defer f.Close()

	w := Open(f, RegionDescriptor{Offset: 0, Size: 8192}, RegionDescriptor{Offset: 8192, Size: 8192}, 0, zerolog.Nop())
	_, err = w.Append(&Record{TxnID: 1, Type: RecordTypeBegin})
	require.NoError(t, err)
	_, err = w.Append(&Record{TxnID: 1, Type: RecordTypeCommit, Payload: EncodeCommit(1)})
	require.NoError(t, err)

	require.NoError(t, NewRecovery(w).VerifyIntegrity())
}

func TestLastCommittedLSNReportsHighestCommit(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "kitedb-wal-*.db")
	require.NoError(t, err)
	defer f.Close()

	w := Open(f, RegionDescriptor{Offset: 0, Size: 8192}, RegionDescriptor{Offset: 8192, Size: 8192}, 0, zerolog.Nop())
	_, err = w.Append(&Record{TxnID: 1, Type: RecordTypeBegin})
	require.NoError(t, err)
	commitLSN, err := w.Append(&Record{TxnID: 1, Type: RecordTypeCommit, Payload: EncodeCommit(1)})
	require.NoError(t, err)

	got, err := NewRecovery(w).LastCommittedLSN()
	require.NoError(t, err)
	require.Equal(t, commitLSN, got)
}
