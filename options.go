package kitedb

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/maskdotdev/kitedb/internal/codec"
	"github.com/maskdotdev/kitedb/replication"
)

// SyncMode controls how aggressively a commit's WAL bytes are fsynced
// (§4.4/§6.3).
type SyncMode int

const (
	// SyncFull flushes the WAL and fsyncs the file on every commit.
	SyncFull SyncMode = iota
	// SyncNormal relies on the WAL record having already been written to
	// the OS on append; it issues no explicit fsync on commit, and the
	// page-0 header write may be delayed to the next checkpoint or Close.
	SyncNormal
	// SyncOff never fsyncs explicitly; durability is left entirely to the
	// OS's own write-back policy.
	SyncOff
)

func (m SyncMode) String() string {
	switch m {
	case SyncFull:
		return "full"
	case SyncNormal:
		return "normal"
	case SyncOff:
		return "off"
	default:
		return "unknown"
	}
}

// Options configures an Open call. Zero-value Options is not valid; start
// from DefaultOptions and override what's needed.
type Options struct {
	// Path to the single database file.
	Path string

	PageSize         int
	BufferPoolPages  int
	SyncMode         SyncMode
	ReadOnly         bool
	CreateIfMissing  bool

	WALRegionBytes uint64

	AutoCheckpoint      bool
	CheckpointThreshold float64
	BackgroundCheckpoint bool

	MVCC bool

	GroupCommitEnabled bool
	GroupCommitWindow  int // milliseconds

	ReplicationRole              replication.Role
	ReplicationSidecarPath       string
	ReplicationSourceDBPath      string
	ReplicationSourceSidecarPath string
	ReplicationSegmentMaxBytes   uint64
	ReplicationRetentionMinEntries int
	ReplicationRetentionMinMS     int64

	// ReplicationFailAfterAppendForTesting makes the N-th primary append
	// fail deliberately, for exercising the replica-progress error path in
	// tests. Zero disables the fault.
	ReplicationFailAfterAppendForTesting int

	// CRCChunkBytes is a chunk size for codec.CRC32CChunked. Open replaces a
	// non-positive value with codec.DefaultCRCChunkBytes (1 MiB) and Validate
	// requires it to be positive; no checksum path reads it — snapshot
	// sections and WAL records are checksummed with codec.CRC32C in one pass.
	CRCChunkBytes int

	Logger zerolog.Logger
}

// DefaultOptions returns sane single-process defaults: MVCC and
// auto-checkpoint on, full sync, replication disabled, a Nop logger.
func DefaultOptions(path string) *Options {
	return &Options{
		Path:            path,
		PageSize:        4096,
		BufferPoolPages: 2048,
		SyncMode:        SyncFull,
		ReadOnly:        false,
		CreateIfMissing: true,

		WALRegionBytes: 16 << 20,

		AutoCheckpoint:       true,
		CheckpointThreshold:  0.75,
		BackgroundCheckpoint: true,

		MVCC: true,

		GroupCommitEnabled: false,
		GroupCommitWindow:  5,

		ReplicationRole:            replication.RoleDisabled,
		ReplicationSegmentMaxBytes: 64 << 20,
		ReplicationRetentionMinEntries: 1024,
		ReplicationRetentionMinMS:      0,

		CRCChunkBytes: codec.DefaultCRCChunkBytes,

		Logger: zerolog.Nop(),
	}
}

// optionsSchemaJSON mirrors replication's embedded-manifest-schema pattern:
// Options is serialized to a plain JSON document purely for validation
// purposes (the struct itself, not this JSON, is what callers construct and
// Open consumes).
const optionsSchemaJSON = `{
  "type": "object",
  "required": ["path", "page_size", "buffer_pool_pages", "checkpoint_threshold"],
  "properties": {
    "path": {"type": "string", "minLength": 1},
    "page_size": {"type": "integer", "minimum": 512},
    "buffer_pool_pages": {"type": "integer", "minimum": 1},
    "wal_region_bytes": {"type": "integer", "minimum": 1},
    "checkpoint_threshold": {"type": "number", "minimum": 0, "maximum": 1},
    "group_commit_window_ms": {"type": "integer", "minimum": 0},
    "replication_segment_max_bytes": {"type": "integer", "minimum": 1},
    "replication_retention_min_entries": {"type": "integer", "minimum": 0},
    "replication_retention_min_ms": {"type": "integer", "minimum": 0},
    "crc_chunk_bytes": {"type": "integer", "minimum": 1}
  }
}`

var optionsSchema *gojsonschema.Schema

func init() {
	loader := gojsonschema.NewStringLoader(optionsSchemaJSON)
	schema, err := gojsonschema.NewSchema(loader)
	if err != nil {
		panic(errors.Wrap(err, "kitedb: compile options schema"))
	}
	optionsSchema = schema
}

// optionsDoc is the plain-JSON projection of Options that optionsSchema
// validates against. Only the fields the schema constrains need a home
// here; the rest of Options passes through Open untouched.
type optionsDoc struct {
	Path                string  `json:"path"`
	PageSize            int     `json:"page_size"`
	BufferPoolPages     int     `json:"buffer_pool_pages"`
	WALRegionBytes      uint64  `json:"wal_region_bytes"`
	CheckpointThreshold float64 `json:"checkpoint_threshold"`
	GroupCommitWindowMS int     `json:"group_commit_window_ms"`
	ReplSegmentMaxBytes uint64  `json:"replication_segment_max_bytes"`
	ReplRetentionMinN   int     `json:"replication_retention_min_entries"`
	ReplRetentionMinMS  int64   `json:"replication_retention_min_ms"`
	CRCChunkBytes       int     `json:"crc_chunk_bytes"`
}

// Validate checks field-level ranges (minimum page size, thresholds in
// range, etc.) via the embedded JSON schema, then applies the rules
// gojsonschema can't express: page size a power of two, and a handful of
// cross-field rules.
func (o *Options) Validate() error {
	if o == nil {
		return errors.New("kitedb: nil options")
	}

	doc := optionsDoc{
		Path:                o.Path,
		PageSize:            o.PageSize,
		BufferPoolPages:     o.BufferPoolPages,
		WALRegionBytes:      o.WALRegionBytes,
		CheckpointThreshold: o.CheckpointThreshold,
		GroupCommitWindowMS: o.GroupCommitWindow,
		ReplSegmentMaxBytes: o.ReplicationSegmentMaxBytes,
		ReplRetentionMinN:   o.ReplicationRetentionMinEntries,
		ReplRetentionMinMS:  o.ReplicationRetentionMinMS,
		CRCChunkBytes:       o.CRCChunkBytes,
	}

	result, err := optionsSchema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return errors.Wrap(err, "kitedb: validate options")
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return errors.Errorf("kitedb: invalid options: %v", msgs)
	}

	if o.PageSize&(o.PageSize-1) != 0 {
		return errors.Errorf("kitedb: page size %d is not a power of two", o.PageSize)
	}
	if o.ReadOnly && o.CreateIfMissing {
		return errors.New("kitedb: CreateIfMissing is incompatible with ReadOnly")
	}
	switch o.ReplicationRole {
	case replication.RoleDisabled:
	case replication.RolePrimary:
		if o.ReplicationSidecarPath == "" {
			return errors.New("kitedb: primary role requires ReplicationSidecarPath")
		}
	case replication.RoleReplica:
		if o.ReplicationSidecarPath == "" || o.ReplicationSourceSidecarPath == "" {
			return errors.New("kitedb: replica role requires ReplicationSidecarPath and ReplicationSourceSidecarPath")
		}
	default:
		return errors.Errorf("kitedb: unknown replication role %v", o.ReplicationRole)
	}

	return nil
}
