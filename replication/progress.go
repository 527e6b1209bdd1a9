package replication

import (
	"encoding/json"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var bucketReplicaProgress = []byte("replica_progress")

// ReplicaProgress is one replica's last-known applied position, as tracked
// by the primary for retention-floor and reseed decisions.
type ReplicaProgress struct {
	Epoch           uint64 `json:"epoch"`
	AppliedLogIndex uint64 `json:"applied_log_index"`
}

// ProgressStore is the primary-side bookkeeping table of per-replica
// applied positions, backed by a single-writer bbolt bucket rather than
// the original's flat JSON file plus advisory flock — an embedded KV store
// is the idiom this corpus reaches for whenever it needs exactly this
// "small keyed table with its own durability" shape.
type ProgressStore struct {
	db *bolt.DB
}

// OpenProgressStore opens (creating if needed) the bbolt file at
// "<sidecarPath>/replica-progress.boltdb".
func OpenProgressStore(sidecarPath string) (*ProgressStore, error) {
	path := filepath.Join(sidecarPath, "replica-progress.boltdb")
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "replication: open progress store %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketReplicaProgress)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "replication: create progress bucket")
	}
	return &ProgressStore{db: db}, nil
}

// Close releases the bbolt file.
func (p *ProgressStore) Close() error { return p.db.Close() }

// NewReplicaID mints an opaque identifier for a replica that did not
// supply its own stable id.
func NewReplicaID() string { return uuid.NewString() }

// Upsert records replicaID's current applied position.
func (p *ProgressStore) Upsert(replicaID string, progress ReplicaProgress) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return errors.Wrap(err, "replication: encode replica progress")
	}
	return p.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReplicaProgress)
		return b.Put([]byte(replicaID), data)
	})
}

// Get returns replicaID's last recorded position, if any.
func (p *ProgressStore) Get(replicaID string) (ReplicaProgress, bool, error) {
	var progress ReplicaProgress
	found := false
	err := p.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReplicaProgress)
		data := b.Get([]byte(replicaID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &progress)
	})
	if err != nil {
		return ReplicaProgress{}, false, errors.Wrap(err, "replication: read replica progress")
	}
	return progress, found, nil
}

// All returns every tracked replica's progress, keyed by replica id.
func (p *ProgressStore) All() (map[string]ReplicaProgress, error) {
	out := make(map[string]ReplicaProgress)
	err := p.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReplicaProgress)
		return b.ForEach(func(k, v []byte) error {
			var progress ReplicaProgress
			if err := json.Unmarshal(v, &progress); err != nil {
				return err
			}
			out[string(k)] = progress
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "replication: list replica progress")
	}
	return out, nil
}

// Delete removes replicaID's tracked position (e.g. on decommission).
func (p *ProgressStore) Delete(replicaID string) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReplicaProgress)
		return b.Delete([]byte(replicaID))
	})
}

// RetainedFloor returns the minimum applied_log_index across every
// tracked replica at epoch, or ok=false if no replica is tracked at that
// epoch — the primary uses this to decide how far it may safely truncate
// segments without stranding a lagging replica.
func (p *ProgressStore) RetainedFloor(epoch uint64) (uint64, bool, error) {
	all, err := p.All()
	if err != nil {
		return 0, false, err
	}
	floor := uint64(0)
	found := false
	for _, progress := range all {
		if progress.Epoch != epoch {
			continue
		}
		if !found || progress.AppliedLogIndex < floor {
			floor = progress.AppliedLogIndex
			found = true
		}
	}
	return floor, found, nil
}
