package replication

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"

	"github.com/maskdotdev/kitedb/internal/codec"
)

const manifestEnvelopeVersion = 1

const manifestSchemaJSON = `{
  "type": "object",
  "required": ["version", "payload_crc32", "manifest"],
  "properties": {
    "version": {"type": "integer"},
    "payload_crc32": {"type": "integer"},
    "manifest": {
      "type": "object",
      "required": ["version", "epoch", "head_log_index", "retained_floor", "active_segment_id", "segments"],
      "properties": {
        "version": {"type": "integer"},
        "epoch": {"type": "integer"},
        "head_log_index": {"type": "integer"},
        "retained_floor": {"type": "integer"},
        "active_segment_id": {"type": "integer"},
        "segments": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["id", "start_log_index", "end_log_index", "size_bytes"],
            "properties": {
              "id": {"type": "integer"},
              "start_log_index": {"type": "integer"},
              "end_log_index": {"type": "integer"},
              "size_bytes": {"type": "integer"}
            }
          }
        }
      }
    }
  }
}`

var manifestSchema *gojsonschema.Schema

func init() {
	loader := gojsonschema.NewStringLoader(manifestSchemaJSON)
	schema, err := gojsonschema.NewSchema(loader)
	if err != nil {
		panic(errors.Wrap(err, "replication: compile manifest schema"))
	}
	manifestSchema = schema
}

// SegmentMeta describes one segment file tracked by the manifest.
type SegmentMeta struct {
	ID             uint64 `json:"id"`
	StartLogIndex  uint64 `json:"start_log_index"`
	EndLogIndex    uint64 `json:"end_log_index"`
	SizeBytes      uint64 `json:"size_bytes"`
}

// Manifest is the sidecar's durable record of epoch, retention, and
// segment layout.
type Manifest struct {
	Version         uint32        `json:"version"`
	Epoch           uint64        `json:"epoch"`
	HeadLogIndex    uint64        `json:"head_log_index"`
	RetainedFloor   uint64        `json:"retained_floor"`
	ActiveSegmentID uint64        `json:"active_segment_id"`
	Segments        []SegmentMeta `json:"segments"`
}

type manifestEnvelope struct {
	Version      uint32   `json:"version"`
	PayloadCRC32 uint32   `json:"payload_crc32"`
	Manifest     Manifest `json:"manifest"`
}

// ManifestStore reads and atomically writes the manifest.json sidecar
// file, CRC-protecting its payload and rejecting anything that doesn't
// match manifestSchema before trusting the parsed value.
type ManifestStore struct {
	path string
}

// NewManifestStore targets path (typically "<sidecar>/manifest.json").
func NewManifestStore(path string) *ManifestStore {
	return &ManifestStore{path: path}
}

func (m *ManifestStore) tempPath() string {
	return m.path + ".tmp"
}

// Read loads and validates the manifest.
func (m *ManifestStore) Read() (Manifest, error) {
	bytes, err := os.ReadFile(m.path)
	if err != nil {
		return Manifest{}, errors.Wrapf(err, "replication: read manifest %s", m.path)
	}
	return decodeManifestBytes(bytes)
}

// Write atomically persists manifest via write-to-temp + fsync + rename,
// matching the original's crash-safe write discipline.
func (m *ManifestStore) Write(manifest Manifest) error {
	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "replication: create sidecar dir %s", dir)
		}
	}

	bytes, err := encodeManifestBytes(manifest)
	if err != nil {
		return err
	}

	tmp := m.tempPath()
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "replication: open manifest temp file %s", tmp)
	}
	if _, err := f.Write(bytes); err != nil {
		f.Close()
		return errors.Wrapf(err, "replication: write manifest temp file %s", tmp)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrapf(err, "replication: fsync manifest temp file %s", tmp)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return errors.Wrapf(err, "replication: rename manifest into place %s", m.path)
	}
	return nil
}

func encodeManifestBytes(manifest Manifest) ([]byte, error) {
	manifest.Version = manifestEnvelopeVersion
	sort.Slice(manifest.Segments, func(i, j int) bool { return manifest.Segments[i].ID < manifest.Segments[j].ID })

	payload, err := json.Marshal(manifest)
	if err != nil {
		return nil, errors.Wrap(err, "replication: encode manifest payload")
	}

	envelope := manifestEnvelope{
		Version:      manifestEnvelopeVersion,
		PayloadCRC32: codec.CRC32C(payload),
		Manifest:     manifest,
	}
	return json.Marshal(envelope)
}

func decodeManifestBytes(bytes []byte) (Manifest, error) {
	var generic interface{}
	if err := json.Unmarshal(bytes, &generic); err != nil {
		return Manifest{}, errors.Wrap(err, "replication: decode manifest envelope")
	}
	result, err := manifestSchema.Validate(gojsonschema.NewGoLoader(generic))
	if err != nil {
		return Manifest{}, errors.Wrap(err, "replication: validate manifest envelope")
	}
	if !result.Valid() {
		return Manifest{}, errors.Errorf("replication: manifest envelope failed schema validation: %v", result.Errors())
	}

	var envelope manifestEnvelope
	if err := json.Unmarshal(bytes, &envelope); err != nil {
		return Manifest{}, errors.Wrap(err, "replication: decode manifest envelope")
	}
	if envelope.Version != manifestEnvelopeVersion {
		return Manifest{}, errors.Errorf("replication: manifest envelope version mismatch: got %d want %d", envelope.Version, manifestEnvelopeVersion)
	}

	payload, err := json.Marshal(envelope.Manifest)
	if err != nil {
		return Manifest{}, errors.Wrap(err, "replication: re-encode manifest payload for CRC check")
	}
	if computed := codec.CRC32C(payload); computed != envelope.PayloadCRC32 {
		return Manifest{}, errors.Errorf("replication: manifest CRC mismatch: stored %x computed %x", envelope.PayloadCRC32, computed)
	}

	return envelope.Manifest, nil
}

func segmentFileName(id uint64) string {
	return fmt.Sprintf("segment-%020d.rlog", id)
}
