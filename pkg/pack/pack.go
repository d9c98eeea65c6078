// Package pack implements the Git pack wire format: zlib-compressed object
// records with optional ofs-delta/ref-delta compression, framed by a fixed
// header and a trailing SHA-1 over the whole stream. Packs are transient
// transfer artifacts; decoding fully expands them into store objects.
package pack

import (
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gutshub/guts/pkg/object"
)

const (
	headerSize       = 12
	supportedVersion = 2
	trailerSize      = sha1.Size
)

var magic = [4]byte{'P', 'A', 'C', 'K'}

var (
	// ErrChecksumMismatch reports a trailing checksum that does not match
	// the stream contents.
	ErrChecksumMismatch = errors.New("pack checksum mismatch")

	// ErrUnresolvedDelta reports a delta whose base could be found neither
	// in the pack nor in the object store.
	ErrUnresolvedDelta = errors.New("unresolved delta")

	// ErrCorrupt reports any other structural defect in the pack stream.
	ErrCorrupt = errors.New("corrupt pack")
)

// EntryType is the object type encoding used in pack entry headers.
// Values match the canonical Git wire format.
type EntryType uint8

const (
	EntryCommit   EntryType = 1
	EntryTree     EntryType = 2
	EntryBlob     EntryType = 3
	EntryTag      EntryType = 4
	EntryOfsDelta EntryType = 6
	EntryRefDelta EntryType = 7
)

// IsDelta reports whether the entry type names a delta record.
func (t EntryType) IsDelta() bool {
	return t == EntryOfsDelta || t == EntryRefDelta
}

// EntryTypeForObject maps a store object type to its pack entry type.
func EntryTypeForObject(t object.Type) (EntryType, error) {
	switch t {
	case object.TypeCommit:
		return EntryCommit, nil
	case object.TypeTree:
		return EntryTree, nil
	case object.TypeBlob:
		return EntryBlob, nil
	case object.TypeTag:
		return EntryTag, nil
	default:
		return 0, fmt.Errorf("unsupported object type %q", t)
	}
}

// ObjectTypeForEntry maps a non-delta pack entry type back to a store type.
func ObjectTypeForEntry(t EntryType) (object.Type, error) {
	switch t {
	case EntryCommit:
		return object.TypeCommit, nil
	case EntryTree:
		return object.TypeTree, nil
	case EntryBlob:
		return object.TypeBlob, nil
	case EntryTag:
		return object.TypeTag, nil
	default:
		return "", fmt.Errorf("pack entry type %d is not a full object", t)
	}
}

// Header is the fixed-size pack header.
//
// Bytes:
//   - 0..3:  "PACK"
//   - 4..7:  version (big-endian)
//   - 8..11: number of objects (big-endian)
type Header struct {
	Version    uint32
	NumObjects uint32
}

// Marshal serializes the header to the canonical 12-byte form.
func (h Header) Marshal() []byte {
	buf := make([]byte, headerSize)
	copy(buf[:4], magic[:])
	binary.BigEndian.PutUint32(buf[4:8], h.Version)
	binary.BigEndian.PutUint32(buf[8:12], h.NumObjects)
	return buf
}

// UnmarshalHeader parses a canonical pack header.
func UnmarshalHeader(data []byte) (*Header, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: header too short (%d bytes)", ErrCorrupt, len(data))
	}
	if string(data[:4]) != string(magic[:]) {
		return nil, fmt.Errorf("%w: invalid magic %q", ErrCorrupt, data[:4])
	}

	version := binary.BigEndian.Uint32(data[4:8])
	if version != supportedVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, version)
	}

	return &Header{
		Version:    version,
		NumObjects: binary.BigEndian.Uint32(data[8:12]),
	}, nil
}

// encodeEntryHeader encodes the variable-length object entry header: the
// low 4 bits of size share the first byte with the 3-bit type.
func encodeEntryHeader(t EntryType, size uint64) []byte {
	b := byte((t & 0x7) << 4)
	b |= byte(size & 0x0f)
	size >>= 4

	out := make([]byte, 0, 10)
	if size > 0 {
		b |= 0x80
	}
	out = append(out, b)

	for size > 0 {
		next := byte(size & 0x7f)
		size >>= 7
		if size > 0 {
			next |= 0x80
		}
		out = append(out, next)
	}

	return out
}

// decodeEntryHeader decodes an object entry header, returning entry type,
// uncompressed payload size, and bytes consumed.
func decodeEntryHeader(data []byte) (EntryType, uint64, int, error) {
	if len(data) == 0 {
		return 0, 0, 0, fmt.Errorf("%w: entry header truncated", ErrCorrupt)
	}

	b := data[0]
	t := EntryType((b >> 4) & 0x7)
	size := uint64(b & 0x0f)
	shift := uint(4)
	consumed := 1

	for b&0x80 != 0 {
		if consumed >= len(data) {
			return 0, 0, 0, fmt.Errorf("%w: entry header truncated", ErrCorrupt)
		}
		b = data[consumed]
		size |= uint64(b&0x7f) << shift
		shift += 7
		consumed++
	}

	return t, size, consumed, nil
}
