package pack

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/gutshub/guts/pkg/object"
)

// Object is one fully expanded object decoded from a pack stream.
type Object struct {
	ID   object.ID
	Type object.Type
	Data []byte
}

// record is one raw entry as it appears in the pack, before delta
// resolution. For delta records, data holds the instruction stream.
type record struct {
	offset     uint64
	entryType  EntryType
	data       []byte
	baseID     object.ID // ref-delta base
	baseOffset uint64    // ofs-delta base position in this pack
}

type resolved struct {
	typ  object.Type
	data []byte
}

// Decode parses a complete pack stream and expands every record into a
// full object. Delta bases may be earlier or later in the pack (chained),
// or absent from the stream entirely (thin packs), in which case they are
// looked up in store. The trailing checksum is verified after all records
// parse; any delta still unresolved after the fixed point is an
// ErrUnresolvedDelta. Decode never writes to store.
func Decode(data []byte, store object.Store) ([]Object, error) {
	if len(data) < headerSize+trailerSize {
		return nil, fmt.Errorf("%w: stream too short (%d bytes)", ErrCorrupt, len(data))
	}

	payload := data[:len(data)-trailerSize]
	trailer := data[len(data)-trailerSize:]

	header, err := UnmarshalHeader(payload[:headerSize])
	if err != nil {
		return nil, err
	}

	records, err := parseRecords(payload, header.NumObjects)
	if err != nil {
		return nil, err
	}

	// The checksum covers the raw stream, so it can only be judged once
	// the stream has been fully walked.
	sum := sha1.Sum(payload)
	if !bytes.Equal(sum[:], trailer) {
		return nil, ErrChecksumMismatch
	}

	return resolveRecords(records, store)
}

// DecodeReader buffers a complete pack stream from r and decodes it.
func DecodeReader(r io.Reader, store object.Store) ([]Object, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read pack stream: %w", err)
	}
	return Decode(data, store)
}

func parseRecords(payload []byte, count uint32) ([]record, error) {
	offset := uint64(headerSize)
	records := make([]record, 0, count)

	for i := uint32(0); i < count; i++ {
		rec := record{offset: offset}

		t, size, n, err := decodeEntryHeader(payload[offset:])
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		rec.entryType = t
		offset += uint64(n)

		switch t {
		case EntryCommit, EntryTree, EntryBlob, EntryTag:
		case EntryOfsDelta:
			distance, n, err := decodeOfsDistance(payload[offset:])
			if err != nil {
				return nil, fmt.Errorf("entry %d: %w", i, err)
			}
			offset += uint64(n)
			if distance == 0 || distance > rec.offset {
				return nil, fmt.Errorf("%w: entry %d: ofs-delta distance %d out of range", ErrCorrupt, i, distance)
			}
			rec.baseOffset = rec.offset - distance
		case EntryRefDelta:
			if uint64(len(payload))-offset < uint64(len(object.ID{})) {
				return nil, fmt.Errorf("%w: entry %d: truncated ref-delta base", ErrCorrupt, i)
			}
			id, err := object.IDFromBytes(payload[offset : offset+uint64(len(object.ID{}))])
			if err != nil {
				return nil, fmt.Errorf("entry %d: %w", i, err)
			}
			rec.baseID = id
			offset += uint64(len(object.ID{}))
		default:
			return nil, fmt.Errorf("%w: entry %d: unknown entry type %d", ErrCorrupt, i, t)
		}

		if offset >= uint64(len(payload)) {
			return nil, fmt.Errorf("%w: entry %d: missing compressed payload", ErrCorrupt, i)
		}

		sub := bytes.NewReader(payload[offset:])
		zr, err := zlib.NewReader(sub)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: zlib reader: %v", ErrCorrupt, i, err)
		}
		raw, err := io.ReadAll(zr)
		if err != nil {
			_ = zr.Close()
			return nil, fmt.Errorf("%w: entry %d: decompress: %v", ErrCorrupt, i, err)
		}
		if err := zr.Close(); err != nil {
			return nil, fmt.Errorf("%w: entry %d: close zlib stream: %v", ErrCorrupt, i, err)
		}
		if uint64(len(raw)) != size {
			return nil, fmt.Errorf("%w: entry %d: size mismatch header=%d decoded=%d", ErrCorrupt, i, size, len(raw))
		}

		consumed := uint64(len(payload)) - offset - uint64(sub.Len())
		offset += consumed
		rec.data = raw

		records = append(records, rec)
	}

	if offset != uint64(len(payload)) {
		return nil, fmt.Errorf("%w: %d trailing undecoded bytes", ErrCorrupt, uint64(len(payload))-offset)
	}

	return records, nil
}

// resolveRecords expands deltas by fixed-point iteration: each pass
// materializes every record whose base is already available (a full
// record, an earlier-resolved delta, or the store for thin packs).
// Chained deltas resolve over successive passes.
func resolveRecords(records []record, store object.Store) ([]Object, error) {
	byOffset := make(map[uint64]resolved, len(records))
	byID := make(map[object.ID]uint64, len(records))

	out := make([]Object, len(records))
	done := make([]bool, len(records))
	remaining := len(records)

	finish := func(i int, typ object.Type, data []byte) {
		id := object.ComputeID(typ, data)
		out[i] = Object{ID: id, Type: typ, Data: data}
		byOffset[records[i].offset] = resolved{typ: typ, data: data}
		byID[id] = records[i].offset
		done[i] = true
		remaining--
	}

	// Pass 1: full objects.
	for i, rec := range records {
		if rec.entryType.IsDelta() {
			continue
		}
		typ, err := ObjectTypeForEntry(rec.entryType)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		finish(i, typ, rec.data)
	}

	// Fixed point over delta records.
	for remaining > 0 {
		progressed := false
		for i, rec := range records {
			if done[i] {
				continue
			}

			base, ok, err := lookupBase(rec, byOffset, byID, store)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}

			target, err := ApplyDelta(base.data, rec.data)
			if err != nil {
				return nil, fmt.Errorf("%w: apply delta at offset %d: %v", ErrCorrupt, rec.offset, err)
			}
			finish(i, base.typ, target)
			progressed = true
		}
		if !progressed {
			break
		}
	}

	if remaining > 0 {
		for i, rec := range records {
			if !done[i] {
				if rec.entryType == EntryRefDelta {
					return nil, fmt.Errorf("%w: base %s not in pack or store", ErrUnresolvedDelta, rec.baseID)
				}
				return nil, fmt.Errorf("%w: no entry at base offset %d", ErrUnresolvedDelta, rec.baseOffset)
			}
		}
	}

	return out, nil
}

func lookupBase(rec record, byOffset map[uint64]resolved, byID map[object.ID]uint64, store object.Store) (resolved, bool, error) {
	switch rec.entryType {
	case EntryOfsDelta:
		base, ok := byOffset[rec.baseOffset]
		return base, ok, nil
	case EntryRefDelta:
		if off, ok := byID[rec.baseID]; ok {
			return byOffset[off], true, nil
		}
		// Thin pack: the base must already live in the store.
		if store != nil && store.Has(rec.baseID) {
			typ, data, err := store.Get(rec.baseID)
			if err != nil {
				return resolved{}, false, fmt.Errorf("thin-pack base %s: %w", rec.baseID, err)
			}
			return resolved{typ: typ, data: data}, true, nil
		}
		return resolved{}, false, nil
	default:
		return resolved{}, false, fmt.Errorf("%w: entry type %d is not a delta", ErrCorrupt, rec.entryType)
	}
}
