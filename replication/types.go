// Package replication implements KiteDB's primary-to-replica log shipping
// sidecar (§4.9): an epoch-fenced, segmented commit-frame log with a JSON
// manifest, replica cursor tracking, and catch-up/reseed orchestration. It
// is log shipping, not distributed consensus — one primary, any number of
// read-following replicas, no quorum or leader election.
package replication

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Role describes which side of the replication relationship a database
// instance plays.
type Role int

const (
	RoleDisabled Role = iota
	RolePrimary
	RoleReplica
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleReplica:
		return "replica"
	default:
		return "disabled"
	}
}

// ParseRole parses the string form produced by Role.String.
func ParseRole(s string) (Role, error) {
	switch s {
	case "disabled":
		return RoleDisabled, nil
	case "primary":
		return RolePrimary, nil
	case "replica":
		return RoleReplica, nil
	default:
		return RoleDisabled, errors.Errorf("replication: invalid role %q", s)
	}
}

// CommitToken identifies a committed transaction's position in the
// replication log: a monotonic log_index scoped to a fencing epoch.
// Log_index resets whenever a new primary is promoted into a fresh epoch.
type CommitToken struct {
	Epoch    uint64
	LogIndex uint64
}

func (t CommitToken) String() string {
	return fmt.Sprintf("%d:%d", t.Epoch, t.LogIndex)
}

// Compare orders tokens by epoch first, then log index.
func (t CommitToken) Compare(other CommitToken) int {
	if t.Epoch != other.Epoch {
		if t.Epoch < other.Epoch {
			return -1
		}
		return 1
	}
	switch {
	case t.LogIndex < other.LogIndex:
		return -1
	case t.LogIndex > other.LogIndex:
		return 1
	default:
		return 0
	}
}

// ParseCommitToken parses the "epoch:log_index" wire form.
func ParseCommitToken(s string) (CommitToken, error) {
	epoch, logIndex, err := splitTwoUint64(s, ':')
	if err != nil {
		return CommitToken{}, errors.Wrapf(err, "replication: invalid commit token %q", s)
	}
	return CommitToken{Epoch: epoch, LogIndex: logIndex}, nil
}

// Cursor identifies a replica's read position within a primary's segmented
// log: the epoch and log index it has applied up to, plus the physical
// segment/offset coordinates needed to resume a pull without a full rescan.
type Cursor struct {
	Epoch          uint64
	SegmentID      uint64
	SegmentOffset  uint64
	LogIndex       uint64
}

func (c Cursor) String() string {
	return fmt.Sprintf("%d:%d:%d:%d", c.Epoch, c.SegmentID, c.SegmentOffset, c.LogIndex)
}

// Compare orders cursors by epoch, then log index, then segment
// coordinates — mirroring CommitToken ordering with physical tie-breakers.
func (c Cursor) Compare(other Cursor) int {
	if c.Epoch != other.Epoch {
		if c.Epoch < other.Epoch {
			return -1
		}
		return 1
	}
	if c.LogIndex != other.LogIndex {
		if c.LogIndex < other.LogIndex {
			return -1
		}
		return 1
	}
	if c.SegmentID != other.SegmentID {
		if c.SegmentID < other.SegmentID {
			return -1
		}
		return 1
	}
	switch {
	case c.SegmentOffset < other.SegmentOffset:
		return -1
	case c.SegmentOffset > other.SegmentOffset:
		return 1
	default:
		return 0
	}
}

// ParseCursor parses the "epoch:segment_id:segment_offset:log_index" wire
// form.
func ParseCursor(s string) (Cursor, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return Cursor{}, errors.Errorf("replication: invalid cursor %q", s)
	}
	values := make([]uint64, 4)
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return Cursor{}, errors.Wrapf(err, "replication: invalid cursor component %q in %q", p, s)
		}
		values[i] = v
	}
	return Cursor{Epoch: values[0], SegmentID: values[1], SegmentOffset: values[2], LogIndex: values[3]}, nil
}

func splitTwoUint64(s string, sep byte) (uint64, uint64, error) {
	idx := strings.IndexByte(s, sep)
	if idx < 0 {
		return 0, 0, errors.Errorf("missing separator %q", string(sep))
	}
	a, err := strconv.ParseUint(s[:idx], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	b, err := strconv.ParseUint(s[idx+1:], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}
