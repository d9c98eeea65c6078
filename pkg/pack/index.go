package pack

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"sort"

	"github.com/gutshub/guts/pkg/object"
)

const (
	indexVersion        = 2
	indexHeaderSize     = 8
	indexFanoutSize     = 256 * 4
	indexLargeOffsetBit = uint32(1 << 31)
)

var indexMagic = [4]byte{0xff, 't', 'O', 'c'}

// IndexEntry is one row in a pack index file.
type IndexEntry struct {
	ID     object.ID
	Offset uint64
	CRC32  uint32
}

func normalizeIndexEntries(entries []IndexEntry) []IndexEntry {
	out := make([]IndexEntry, len(entries))
	copy(out, entries)
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out
}

// WriteIndex writes a Git idx v2 index for the provided entries and pack
// checksum. It returns the raw index checksum.
func WriteIndex(w io.Writer, entries []IndexEntry, packChecksum []byte) ([]byte, error) {
	if len(packChecksum) != sha1.Size {
		return nil, fmt.Errorf("pack checksum must be %d bytes, got %d", sha1.Size, len(packChecksum))
	}
	normalized := normalizeIndexEntries(entries)

	var buf bytes.Buffer
	buf.Write(indexMagic[:])
	_ = binary.Write(&buf, binary.BigEndian, uint32(indexVersion))

	fanout := buildIndexFanout(normalized)
	for i := 0; i < 256; i++ {
		_ = binary.Write(&buf, binary.BigEndian, fanout[i])
	}

	for _, entry := range normalized {
		buf.Write(entry.ID[:])
	}
	for _, entry := range normalized {
		_ = binary.Write(&buf, binary.BigEndian, entry.CRC32)
	}

	largeOffsets := make([]uint64, 0)
	for _, entry := range normalized {
		if entry.Offset < uint64(indexLargeOffsetBit) {
			_ = binary.Write(&buf, binary.BigEndian, uint32(entry.Offset))
			continue
		}

		pos := uint32(len(largeOffsets))
		ref := indexLargeOffsetBit | pos
		_ = binary.Write(&buf, binary.BigEndian, ref)
		largeOffsets = append(largeOffsets, entry.Offset)
	}
	for _, offset := range largeOffsets {
		_ = binary.Write(&buf, binary.BigEndian, offset)
	}

	buf.Write(packChecksum)
	indexSum := sha1.Sum(buf.Bytes())
	buf.Write(indexSum[:])

	if _, err := w.Write(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("write pack index: %w", err)
	}
	return indexSum[:], nil
}

func buildIndexFanout(entries []IndexEntry) [256]uint32 {
	var counts [256]uint32
	for _, entry := range entries {
		counts[int(entry.ID[0])]++
	}

	var fanout [256]uint32
	var total uint32
	for i := 0; i < 256; i++ {
		total += counts[i]
		fanout[i] = total
	}
	return fanout
}

// IndexPack derives index entries from a raw pack stream: one row per
// record with its byte offset and the CRC32 of its raw (compressed) span.
// Delta ids are resolved the same way Decode resolves them, so thin packs
// need the same store. The pack checksum is returned alongside.
func IndexPack(data []byte, store object.Store) ([]IndexEntry, []byte, error) {
	if len(data) < headerSize+trailerSize {
		return nil, nil, fmt.Errorf("%w: stream too short (%d bytes)", ErrCorrupt, len(data))
	}
	payload := data[:len(data)-trailerSize]
	trailer := data[len(data)-trailerSize:]

	header, err := UnmarshalHeader(payload[:headerSize])
	if err != nil {
		return nil, nil, err
	}
	records, err := parseRecords(payload, header.NumObjects)
	if err != nil {
		return nil, nil, err
	}

	sum := sha1.Sum(payload)
	if !bytes.Equal(sum[:], trailer) {
		return nil, nil, ErrChecksumMismatch
	}

	objects, err := resolveRecords(records, store)
	if err != nil {
		return nil, nil, err
	}

	entries := make([]IndexEntry, len(records))
	for i, rec := range records {
		end := uint64(len(payload))
		if i+1 < len(records) {
			end = records[i+1].offset
		}
		entries[i] = IndexEntry{
			ID:     objects[i].ID,
			Offset: rec.offset,
			CRC32:  crc32.ChecksumIEEE(payload[rec.offset:end]),
		}
	}

	checksum := make([]byte, trailerSize)
	copy(checksum, trailer)
	return entries, checksum, nil
}

// Index is an in-memory representation of an idx v2 file.
type Index struct {
	fanout        [256]uint32
	entries       []IndexEntry
	PackChecksum  []byte
	IndexChecksum []byte
}

// Entries returns a copy of all index entries in lexicographic id order.
func (idx *Index) Entries() []IndexEntry {
	out := make([]IndexEntry, len(idx.entries))
	copy(out, idx.entries)
	return out
}

// Find performs fanout-bounded binary search for an id in the index.
func (idx *Index) Find(id object.ID) (IndexEntry, bool) {
	bucket := int(id[0])
	start := uint32(0)
	if bucket > 0 {
		start = idx.fanout[bucket-1]
	}
	end := idx.fanout[bucket]
	if end <= start {
		return IndexEntry{}, false
	}

	lo := int(start)
	hi := int(end)
	for lo < hi {
		mid := lo + (hi-lo)/2
		if bytes.Compare(idx.entries[mid].ID[:], id[:]) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < int(end) && idx.entries[lo].ID == id {
		return idx.entries[lo], true
	}
	return IndexEntry{}, false
}

// ReadIndexFromReader parses an idx v2 stream.
func ReadIndexFromReader(r io.Reader) (*Index, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read pack index stream: %w", err)
	}
	return ReadIndex(data)
}

// ReadIndex parses and validates an idx v2 file.
func ReadIndex(data []byte) (*Index, error) {
	minLen := indexHeaderSize + indexFanoutSize + 2*sha1.Size
	if len(data) < minLen {
		return nil, fmt.Errorf("pack index too short: %d", len(data))
	}
	if string(data[:4]) != string(indexMagic[:]) {
		return nil, fmt.Errorf("invalid pack index magic %q", data[:4])
	}
	version := binary.BigEndian.Uint32(data[4:8])
	if version != indexVersion {
		return nil, fmt.Errorf("unsupported pack index version %d", version)
	}

	gotChecksum := data[len(data)-sha1.Size:]
	sum := sha1.Sum(data[:len(data)-sha1.Size])
	if !bytes.Equal(gotChecksum, sum[:]) {
		return nil, fmt.Errorf("pack index checksum mismatch")
	}

	var fanout [256]uint32
	cursor := indexHeaderSize
	for i := 0; i < 256; i++ {
		fanout[i] = binary.BigEndian.Uint32(data[cursor:])
		cursor += 4
	}
	n := int(fanout[255])

	namesLen := n * sha1.Size
	crcLen := n * 4
	offsetLen := n * 4
	if cursor+namesLen+crcLen+offsetLen+2*sha1.Size > len(data) {
		return nil, fmt.Errorf("pack index truncated")
	}

	namesStart := cursor
	cursor += namesLen

	crcStart := cursor
	cursor += crcLen

	offsetStart := cursor
	cursor += offsetLen

	offset32 := make([]uint32, n)
	largeNeeded := uint32(0)
	for i := 0; i < n; i++ {
		v := binary.BigEndian.Uint32(data[offsetStart+(i*4):])
		offset32[i] = v
		if v&indexLargeOffsetBit != 0 {
			ref := v & ^indexLargeOffsetBit
			if ref+1 > largeNeeded {
				largeNeeded = ref + 1
			}
		}
	}

	largeOffsets := make([]uint64, largeNeeded)
	for i := uint32(0); i < largeNeeded; i++ {
		if cursor+8 > len(data)-2*sha1.Size {
			return nil, fmt.Errorf("pack index large-offset table truncated")
		}
		largeOffsets[i] = binary.BigEndian.Uint64(data[cursor:])
		cursor += 8
	}

	if cursor+2*sha1.Size != len(data) {
		return nil, fmt.Errorf("pack index trailing data: %d bytes", len(data)-(cursor+2*sha1.Size))
	}

	packChecksum := make([]byte, sha1.Size)
	copy(packChecksum, data[cursor:cursor+sha1.Size])
	cursor += sha1.Size
	indexChecksum := make([]byte, sha1.Size)
	copy(indexChecksum, data[cursor:cursor+sha1.Size])

	entries := make([]IndexEntry, n)
	for i := 0; i < n; i++ {
		id, err := object.IDFromBytes(data[namesStart+(i*sha1.Size) : namesStart+((i+1)*sha1.Size)])
		if err != nil {
			return nil, fmt.Errorf("pack index entry %d: %w", i, err)
		}
		offset := uint64(offset32[i])
		if offset32[i]&indexLargeOffsetBit != 0 {
			ref := offset32[i] & ^indexLargeOffsetBit
			if int(ref) >= len(largeOffsets) {
				return nil, fmt.Errorf("pack index invalid large offset reference %d", ref)
			}
			offset = largeOffsets[ref]
		}
		entries[i] = IndexEntry{
			ID:     id,
			CRC32:  binary.BigEndian.Uint32(data[crcStart+(i*4):]),
			Offset: offset,
		}
	}

	return &Index{
		fanout:        fanout,
		entries:       entries,
		PackChecksum:  packChecksum,
		IndexChecksum: indexChecksum,
	}, nil
}
