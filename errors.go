package kitedb

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/maskdotdev/kitedb/internal/util"
)

// Re-exported sentinels so callers can errors.Is against the package
// surface without reaching into internal/util. Each wraps the matching
// internal sentinel one-to-one; internal packages keep returning their own
// so this package's boundary (database.go, transaction.go) is the only
// place that needs to know about the mapping.
var (
	ErrNoTransaction         = util.ErrNoTransaction
	ErrTransactionInProgress = util.ErrTransactionInProgress
	ErrReadOnly              = util.ErrReadOnly
	ErrInvalidQuery          = util.ErrInvalidQuery
	ErrInvalidSnapshot       = util.ErrInvalidSnapshot
	ErrWalBufferFull         = util.ErrWALBufferFull
	ErrDatabaseClosed        = util.ErrDatabaseClosed
)

// ConflictError is returned by Commit when a transaction's write or read
// set overlaps a version another transaction committed after this
// transaction's snapshot was taken (§4.6's first-committer-wins rule).
type ConflictError struct {
	TxID uint64
	Keys []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("kitedb: conflict on txn %d: %v", e.TxID, e.Keys)
}

// CrcMismatchError marks a checksum failure found in a page, WAL record, or
// snapshot section — always a fatal, operator-required condition (§7: the
// database refuses to open rather than serve corrupted data).
type CrcMismatchError struct {
	Stored   uint32
	Computed uint32
}

func (e *CrcMismatchError) Error() string {
	return fmt.Sprintf("kitedb: crc mismatch: stored %#x, computed %#x", e.Stored, e.Computed)
}

// VersionMismatchError marks an on-disk format version this build can't
// read.
type VersionMismatchError struct {
	Required uint32
	Current  uint32
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("kitedb: version mismatch: need %d, have %d", e.Required, e.Current)
}

// InvalidReplicationError wraps a message describing why a replication
// operation was rejected (stale epoch, log gap, unreplicable WAL record
// such as a fragment-compaction record).
type InvalidReplicationError struct {
	Msg string
}

func (e *InvalidReplicationError) Error() string {
	return "kitedb: invalid replication: " + e.Msg
}

// SerializationError wraps a message describing why a value could not be
// encoded or decoded to/from its wire representation.
type SerializationError struct {
	Msg string
}

func (e *SerializationError) Error() string {
	return "kitedb: serialization: " + e.Msg
}

// IoError wraps an underlying I/O failure (disk read/write, fsync).
type IoError struct {
	Cause error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("kitedb: io: %v", e.Cause)
}

func (e *IoError) Unwrap() error {
	return e.Cause
}

// InternalError marks a condition the database itself considers a bug
// rather than a caller mistake or environmental failure.
type InternalError struct {
	Msg string
}

func (e *InternalError) Error() string {
	return "kitedb: internal: " + e.Msg
}

func wrapIo(err error, context string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(&IoError{Cause: err}, context)
}
