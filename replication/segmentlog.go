package replication

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/maskdotdev/kitedb/internal/codec"
)

// frameMagic tags each on-disk replication frame header.
var frameMagic = [4]byte{'R', 'F', 'R', '1'}

// frameHeaderBytes is the fixed 32-byte frame header: magic(4) + epoch(8) +
// log_index(8) + payload_len(4) + crc32c(4) + reserved(4).
const frameHeaderBytes = 32

// Frame is one committed transaction's replication record: its position
// (epoch, log_index) in the primary's commit stream, and its encoded
// CommitFramePayload.
type Frame struct {
	Epoch    uint64
	LogIndex uint64
	Payload  []byte
}

func (f Frame) encode() []byte {
	buf := make([]byte, frameHeaderBytes+len(f.Payload))
	copy(buf[:4], frameMagic[:])
	binary.LittleEndian.PutUint64(buf[4:12], f.Epoch)
	binary.LittleEndian.PutUint64(buf[12:20], f.LogIndex)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(len(f.Payload)))
	binary.LittleEndian.PutUint32(buf[24:28], codec.CRC32C(f.Payload))
	// bytes 28:32 reserved, left zero.
	copy(buf[frameHeaderBytes:], f.Payload)
	return buf
}

func decodeFrameHeader(h []byte) (epoch, logIndex uint64, payloadLen, crc uint32, err error) {
	if len(h) != frameHeaderBytes {
		return 0, 0, 0, 0, errors.New("replication: short frame header")
	}
	if string(h[:4]) != string(frameMagic[:]) {
		return 0, 0, 0, 0, errors.New("replication: frame has invalid magic")
	}
	epoch = binary.LittleEndian.Uint64(h[4:12])
	logIndex = binary.LittleEndian.Uint64(h[12:20])
	payloadLen = binary.LittleEndian.Uint32(h[20:24])
	crc = binary.LittleEndian.Uint32(h[24:28])
	return epoch, logIndex, payloadLen, crc, nil
}

// SegmentLog is one append-only segment file of replication frames,
// addressed by fixed-size frame headers so partial-write recovery can scan
// forward and stop at the first corrupt or truncated header.
type SegmentLog struct {
	path string
}

// OpenSegmentLog opens (without yet reading) the segment file at path.
func OpenSegmentLog(path string) *SegmentLog {
	return &SegmentLog{path: path}
}

// Append opens the segment for appending, writes frame, and fsyncs before
// returning — mirroring the primary's critical section shape: append, then
// make durable, then (only then) advance the manifest head.
func (s *SegmentLog) Append(frame Frame) error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrapf(err, "replication: open segment %s for append", s.path)
	}
	defer f.Close()

	if _, err := f.Write(frame.encode()); err != nil {
		return errors.Wrapf(err, "replication: append frame to segment %s", s.path)
	}
	return f.Sync()
}

// ReadAll reads every well-formed frame in the segment, stopping at the
// first truncated or corrupt header/payload rather than erroring, since a
// segment's tail may be an in-flight append that never completed.
func (s *SegmentLog) ReadAll() ([]Frame, error) {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "replication: open segment %s", s.path)
	}
	defer f.Close()

	var frames []Frame
	header := make([]byte, frameHeaderBytes)
	for {
		if _, err := io.ReadFull(f, header); err != nil {
			break
		}
		epoch, logIndex, payloadLen, crc, err := decodeFrameHeader(header)
		if err != nil {
			break
		}
		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(f, payload); err != nil {
			break
		}
		if codec.CRC32C(payload) != crc {
			break
		}
		frames = append(frames, Frame{Epoch: epoch, LogIndex: logIndex, Payload: payload})
	}
	return frames, nil
}

// Size reports the segment's current size in bytes, or 0 if it does not
// exist yet.
func (s *SegmentLog) Size() (uint64, error) {
	info, err := os.Stat(s.path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(info.Size()), nil
}
