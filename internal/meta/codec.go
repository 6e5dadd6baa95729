// Package meta defines the serialized payloads attached to instants —
// commit metadata, compaction/clustering plans, rollback/restore plans,
// savepoints — and the framed codec that persists them.
//
// Payloads are versioned JSON, snappy-compressed, with a murmur3 checksum
// in the frame header. A checksum or parse failure is how the engine
// detects a corrupted persisted plan.
package meta

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang/snappy"
	"github.com/spaolacci/murmur3"
)

// ErrCorrupt is returned when a payload fails checksum or parse validation.
var ErrCorrupt = errors.New("meta: corrupt payload")

// CodecVersion is the current frame version. Readers accept only versions
// they know; unknown versions are treated as corruption by callers that
// cannot degrade.
const CodecVersion uint32 = 1

// frame layout: magic(4) | version(4) | checksum(8) | snappy(json)
var frameMagic = [4]byte{'T', 'D', 'L', 'K'}

const frameHeaderLen = 16

// Encode serializes v into a framed payload.
func Encode(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("meta: marshal failed: %w", err)
	}
	compressed := snappy.Encode(nil, body)

	buf := make([]byte, frameHeaderLen+len(compressed))
	copy(buf[0:4], frameMagic[:])
	binary.BigEndian.PutUint32(buf[4:8], CodecVersion)
	binary.BigEndian.PutUint64(buf[8:16], murmur3.Sum64(compressed))
	copy(buf[frameHeaderLen:], compressed)
	return buf, nil
}

// Decode parses a framed payload into v. Any structural failure — short
// frame, bad magic, unknown version, checksum mismatch, undecodable body —
// is reported as ErrCorrupt so callers can trigger plan regeneration.
func Decode(data []byte, v any) error {
	if len(data) < frameHeaderLen {
		return fmt.Errorf("%w: frame too short (%d bytes)", ErrCorrupt, len(data))
	}
	if [4]byte(data[0:4]) != frameMagic {
		return fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if version := binary.BigEndian.Uint32(data[4:8]); version != CodecVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrCorrupt, version)
	}

	compressed := data[frameHeaderLen:]
	if sum := murmur3.Sum64(compressed); sum != binary.BigEndian.Uint64(data[8:16]) {
		return fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	body, err := snappy.Decode(nil, compressed)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return nil
}
