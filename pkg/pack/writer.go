package pack

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"hash"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/gutshub/guts/pkg/object"
)

type countedWriter struct {
	w io.Writer
	n uint64
}

func (cw *countedWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += uint64(n)
	return n, err
}

func compressPayload(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		_ = zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Writer writes pack streams with zlib-compressed object entries. The
// trailer checksum is SHA-1 over all bytes preceding the trailer.
type Writer struct {
	out      io.Writer
	hasher   hash.Hash
	hashedW  io.Writer
	counter  *countedWriter
	expected uint32
	written  uint32
	finished bool
}

// NewWriter initializes a pack writer and writes the fixed header.
func NewWriter(out io.Writer, numObjects uint32) (*Writer, error) {
	hasher := sha1.New()
	counter := &countedWriter{w: out}
	pw := &Writer{
		out:      out,
		hasher:   hasher,
		hashedW:  io.MultiWriter(counter, hasher),
		counter:  counter,
		expected: numObjects,
	}

	header := Header{
		Version:    supportedVersion,
		NumObjects: numObjects,
	}
	if _, err := pw.hashedW.Write(header.Marshal()); err != nil {
		return nil, fmt.Errorf("write pack header: %w", err)
	}
	return pw, nil
}

// CurrentOffset returns the current byte offset from the start of the pack,
// excluding the trailing checksum written by Finish.
func (p *Writer) CurrentOffset() uint64 {
	return p.counter.n
}

// WriteFull appends one full (non-delta) object entry.
func (p *Writer) WriteFull(t EntryType, data []byte) error {
	if t.IsDelta() {
		return fmt.Errorf("entry type %d is a delta, use WriteOfsDelta or WriteRefDelta", t)
	}
	return p.writeEntry(t, nil, data)
}

// WriteOfsDelta appends an OFS_DELTA entry whose base was written at
// baseOffset earlier in this pack.
func (p *Writer) WriteOfsDelta(baseOffset uint64, delta []byte) error {
	current := p.CurrentOffset()
	if baseOffset >= current {
		return fmt.Errorf("base offset %d must be before current offset %d", baseOffset, current)
	}
	return p.writeEntry(EntryOfsDelta, encodeOfsDistance(current-baseOffset), delta)
}

// WriteRefDelta appends a REF_DELTA entry naming its base by object id.
// The base may be absent from the pack (thin pack).
func (p *Writer) WriteRefDelta(base object.ID, delta []byte) error {
	return p.writeEntry(EntryRefDelta, base[:], delta)
}

func (p *Writer) writeEntry(t EntryType, baseRef, payload []byte) error {
	if p.finished {
		return fmt.Errorf("pack writer already finished")
	}
	if p.written >= p.expected {
		return fmt.Errorf("pack object count exceeded: expected %d", p.expected)
	}

	if _, err := p.hashedW.Write(encodeEntryHeader(t, uint64(len(payload)))); err != nil {
		return fmt.Errorf("write pack entry header: %w", err)
	}
	if len(baseRef) > 0 {
		if _, err := p.hashedW.Write(baseRef); err != nil {
			return fmt.Errorf("write pack entry base reference: %w", err)
		}
	}

	compressed, err := compressPayload(payload)
	if err != nil {
		return fmt.Errorf("compress pack entry: %w", err)
	}
	if _, err := p.hashedW.Write(compressed); err != nil {
		return fmt.Errorf("write compressed pack entry: %w", err)
	}

	p.written++
	return nil
}

// Finish validates the object count and writes the trailing checksum,
// returning it as a raw digest.
func (p *Writer) Finish() ([]byte, error) {
	if p.finished {
		return nil, fmt.Errorf("pack writer already finished")
	}
	if p.written != p.expected {
		return nil, fmt.Errorf("pack object count mismatch: wrote %d, expected %d", p.written, p.expected)
	}

	sum := p.hasher.Sum(nil)
	if _, err := p.out.Write(sum); err != nil {
		return nil, fmt.Errorf("write pack trailer checksum: %w", err)
	}
	p.finished = true
	return sum, nil
}
