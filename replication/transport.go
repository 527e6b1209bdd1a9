package replication

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// commitPayloadMagic tags a replication commit frame's inner payload
// (distinct from the per-frame header in segmentlog.go, which wraps this
// payload with epoch/log_index/CRC framing for on-disk storage).
var commitPayloadMagic = [4]byte{'R', 'P', 'L', '1'}

const commitPayloadHeaderBytes = 16 // magic(4) + txid(8) + wal_len(4)

// CommitFramePayload is the logical content of a replication frame: the
// committed transaction's id and its raw WAL record bytes, verbatim, so a
// replica can apply them with the same idempotent WAL-replay path used for
// local crash recovery.
type CommitFramePayload struct {
	TxID     uint64
	WALBytes []byte
}

// EncodeCommitFramePayload serializes a commit frame payload.
func EncodeCommitFramePayload(txid uint64, walBytes []byte) ([]byte, error) {
	if len(walBytes) > int(^uint32(0)) {
		return nil, errors.Errorf("replication: commit payload too large: %d bytes", len(walBytes))
	}
	buf := make([]byte, commitPayloadHeaderBytes+len(walBytes))
	copy(buf[:4], commitPayloadMagic[:])
	binary.LittleEndian.PutUint64(buf[4:12], txid)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(walBytes)))
	copy(buf[16:], walBytes)
	return buf, nil
}

// DecodeCommitFramePayload parses a payload produced by
// EncodeCommitFramePayload.
func DecodeCommitFramePayload(payload []byte) (CommitFramePayload, error) {
	if len(payload) < commitPayloadHeaderBytes {
		return CommitFramePayload{}, errors.New("replication: commit payload too short")
	}
	if string(payload[:4]) != string(commitPayloadMagic[:]) {
		return CommitFramePayload{}, errors.New("replication: commit payload has invalid magic")
	}
	txid := binary.LittleEndian.Uint64(payload[4:12])
	walLen := binary.LittleEndian.Uint32(payload[12:16])

	rest := payload[16:]
	if uint32(len(rest)) != walLen {
		return CommitFramePayload{}, errors.New("replication: commit payload truncated or has trailing bytes")
	}

	walBytes := make([]byte, walLen)
	copy(walBytes, rest)
	return CommitFramePayload{TxID: txid, WALBytes: walBytes}, nil
}
