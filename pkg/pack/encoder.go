package pack

import (
	"fmt"
	"io"

	"github.com/gutshub/guts/pkg/object"
)

// deltaWindow is how many previously written objects of the same type are
// tried as delta bases for each new object.
const deltaWindow = 10

// EncodeOptions tunes pack encoding.
type EncodeOptions struct {
	// NoDeltas disables delta compression entirely; every object is
	// written as a full entry.
	NoDeltas bool

	// ThinBases are store-resident objects the receiver already holds.
	// When set, entries may be written as ref-deltas against them without
	// including the base in the pack. Only valid when the receiver
	// advertised thin-pack support.
	ThinBases []object.ID
}

type windowEntry struct {
	id     object.ID
	typ    object.Type
	data   []byte
	offset uint64
	inPack bool
}

// Encode writes a pack containing exactly ids, in order, to out. Objects
// are read from store; each candidate is tried against a sliding window of
// same-type objects already in the pack (plus any thin bases) and written
// as a delta when that is meaningfully smaller than the full payload.
// In-pack bases become ofs-deltas, thin bases ref-deltas. Returns the pack
// checksum.
func Encode(out io.Writer, store object.Store, ids []object.ID, opts EncodeOptions) ([]byte, error) {
	if len(ids) > int(^uint32(0)) {
		return nil, fmt.Errorf("too many objects for one pack: %d", len(ids))
	}

	pw, err := NewWriter(out, uint32(len(ids)))
	if err != nil {
		return nil, err
	}

	window, err := thinWindow(store, opts.ThinBases)
	if err != nil {
		return nil, err
	}

	for _, id := range ids {
		typ, data, err := store.Get(id)
		if err != nil {
			return nil, fmt.Errorf("encode pack: read %s: %w", id, err)
		}

		offset := pw.CurrentOffset()
		if err := writeBest(pw, window, typ, data, opts.NoDeltas); err != nil {
			return nil, fmt.Errorf("encode pack: write %s: %w", id, err)
		}

		window = append(window, windowEntry{id: id, typ: typ, data: data, offset: offset, inPack: true})
		if len(window) > deltaWindow+len(opts.ThinBases) {
			window = window[1:]
		}
	}

	sum, err := pw.Finish()
	if err != nil {
		return nil, fmt.Errorf("encode pack: %w", err)
	}
	return sum, nil
}

// EncodeClosure packs everything reachable from wants but not from haves.
func EncodeClosure(out io.Writer, store object.Store, wants, haves []object.ID, opts EncodeOptions) ([]byte, error) {
	ids, err := object.Closure(store, wants, haves)
	if err != nil {
		return nil, err
	}
	return Encode(out, store, ids, opts)
}

func thinWindow(store object.Store, bases []object.ID) ([]windowEntry, error) {
	if len(bases) == 0 {
		return nil, nil
	}
	window := make([]windowEntry, 0, len(bases))
	for _, id := range bases {
		typ, data, err := store.Get(id)
		if err != nil {
			return nil, fmt.Errorf("encode pack: thin base %s: %w", id, err)
		}
		window = append(window, windowEntry{id: id, typ: typ, data: data})
	}
	return window, nil
}

func writeBest(pw *Writer, window []windowEntry, typ object.Type, data []byte, noDeltas bool) error {
	entryType, err := EntryTypeForObject(typ)
	if err != nil {
		return err
	}
	if noDeltas || len(data) < deltaBlockSize {
		return pw.WriteFull(entryType, data)
	}

	var (
		bestBase  *windowEntry
		bestDelta []byte
	)
	for i := len(window) - 1; i >= 0; i-- {
		cand := &window[i]
		if cand.typ != typ {
			continue
		}
		delta := BuildDelta(cand.data, data)
		if bestDelta == nil || len(delta) < len(bestDelta) {
			bestBase, bestDelta = cand, delta
		}
	}

	// A delta only pays off when clearly shorter than the raw payload;
	// near-parity deltas just add a resolution step for the reader.
	if bestDelta != nil && len(bestDelta) < len(data)/2 {
		if bestBase.inPack {
			return pw.WriteOfsDelta(bestBase.offset, bestDelta)
		}
		return pw.WriteRefDelta(bestBase.id, bestDelta)
	}
	return pw.WriteFull(entryType, data)
}
