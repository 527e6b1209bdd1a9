package wal

import (
	"github.com/pkg/errors"

	"github.com/maskdotdev/kitedb/internal/util"
)

// Recovery replays a WAL's records after a crash, discarding any
// transaction that never reached a Commit record.
type Recovery struct {
	wal *WAL
}

// NewRecovery creates a recovery instance bound to wal.
func NewRecovery(wal *WAL) *Recovery {
	return &Recovery{wal: wal}
}

// Recover returns every data record belonging to a transaction that
// committed, in the order they were written. Begin/Commit/Rollback markers
// are consumed by this pass and not returned — the coordinator only needs
// the mutation records to replay.
func (r *Recovery) Recover() ([]*Record, error) {
	records, err := r.wal.ReadAllRecords()
	if err != nil {
		return nil, errors.Wrap(err, "wal: recovery read failed")
	}
	return r.filterCommitted(records), nil
}

// filterCommitted partitions records by transaction, keeping only those
// whose transaction reached a Commit record before the log ends.
func (r *Recovery) filterCommitted(records []*Record) []*Record {
	committed := make(map[uint64]bool)
	for _, record := range records {
		switch record.Type {
		case RecordTypeCommit:
			committed[record.TxnID] = true
		case RecordTypeRollback:
			committed[record.TxnID] = false
		}
	}

	var valid []*Record
	for _, record := range records {
		if record.Type == RecordTypeCommit || record.Type == RecordTypeRollback || record.Type == RecordTypeBegin {
			continue
		}
		if committed[record.TxnID] {
			valid = append(valid, record)
		}
	}
	return valid
}

// RecoverToLSN replays only records at or below targetLSN, for bounded
// recovery during testing or partial replica catch-up.
func (r *Recovery) RecoverToLSN(targetLSN LSN) ([]*Record, error) {
	all, err := r.Recover()
	if err != nil {
		return nil, err
	}
	var out []*Record
	for _, record := range all {
		if record.LSN <= targetLSN {
			out = append(out, record)
		}
	}
	return out, nil
}

// VerifyIntegrity checks that every record's LSN is strictly increasing
// across both regions in read order.
func (r *Recovery) VerifyIntegrity() error {
	records, err := r.wal.ReadAllRecords()
	if err != nil {
		return errors.Wrap(util.ErrWALCorrupt, err.Error())
	}

	var prevLSN LSN
	for i, record := range records {
		if record.LSN <= prevLSN {
			return errors.Wrapf(util.ErrWALCorrupt, "LSN not monotonic at record %d (prev=%d, current=%d)", i, prevLSN, record.LSN)
		}
		prevLSN = record.LSN
	}
	return nil
}

// LastCommittedLSN returns the highest LSN among Commit records.
func (r *Recovery) LastCommittedLSN() (LSN, error) {
	records, err := r.wal.ReadAllRecords()
	if err != nil {
		return 0, err
	}
	var last LSN
	for _, record := range records {
		if record.Type == RecordTypeCommit && record.LSN > last {
			last = record.LSN
		}
	}
	return last, nil
}
