// Package protocol implements the Git smart transport: pkt-line framing,
// reference advertisement, upload-pack fetch negotiation, and receive-pack
// push handling with per-command CAS outcomes.
package protocol

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// PacketKind classifies a received pkt-line frame.
type PacketKind uint8

const (
	// PacketData is a regular frame carrying payload bytes.
	PacketData PacketKind = iota
	// PacketFlush is the 0000 batch boundary.
	PacketFlush
	// PacketDelim is the 0001 delimiter used by protocol v2.
	PacketDelim
	// PacketResponseEnd is the 0002 response terminator.
	PacketResponseEnd
)

// ErrInvalidPktLine reports a frame whose length header is outside the
// accepted grammar.
var ErrInvalidPktLine = errors.New("invalid pkt-line")

const (
	pktLenSize = 4
	// MaxPacketData is the largest payload one frame can carry: the
	// 65520-byte frame ceiling minus the 4-byte length header.
	MaxPacketData = 65516
)

// Packet is one decoded pkt-line frame.
type Packet struct {
	Kind PacketKind
	Data []byte
}

// PktReader decodes pkt-line frames from an io.Reader. It reads exactly
// the bytes of each frame and never buffers ahead, so the caller can hand
// the same underlying reader to the pack decoder once framing ends.
type PktReader struct {
	r io.Reader
}

// NewPktReader wraps r for pkt-line reading.
func NewPktReader(r io.Reader) *PktReader {
	return &PktReader{r: r}
}

// Next reads one frame. io.EOF is returned unwrapped at a clean frame
// boundary; a frame cut short mid-way is io.ErrUnexpectedEOF.
func (pr *PktReader) Next() (Packet, error) {
	var lenBuf [pktLenSize]byte
	if _, err := io.ReadFull(pr.r, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Packet{}, io.EOF
		}
		return Packet{}, fmt.Errorf("read pkt length: %w", err)
	}

	var decoded [2]byte
	if _, err := hex.Decode(decoded[:], lenBuf[:]); err != nil {
		return Packet{}, fmt.Errorf("%w: length %q", ErrInvalidPktLine, lenBuf)
	}
	length := int(decoded[0])<<8 | int(decoded[1])

	switch length {
	case 0:
		return Packet{Kind: PacketFlush}, nil
	case 1:
		return Packet{Kind: PacketDelim}, nil
	case 2:
		return Packet{Kind: PacketResponseEnd}, nil
	case 3:
		return Packet{}, fmt.Errorf("%w: reserved length 3", ErrInvalidPktLine)
	}
	if length < pktLenSize {
		return Packet{}, fmt.Errorf("%w: length %d", ErrInvalidPktLine, length)
	}

	data := make([]byte, length-pktLenSize)
	if _, err := io.ReadFull(pr.r, data); err != nil {
		return Packet{}, fmt.Errorf("read pkt payload: %w", err)
	}
	return Packet{Kind: PacketData, Data: data}, nil
}

// NextLine reads one data frame and strips a single trailing newline.
// Non-data frames are returned with nil data and their kind intact.
func (pr *PktReader) NextLine() (Packet, error) {
	pkt, err := pr.Next()
	if err != nil || pkt.Kind != PacketData {
		return pkt, err
	}
	if n := len(pkt.Data); n > 0 && pkt.Data[n-1] == '\n' {
		pkt.Data = pkt.Data[:n-1]
	}
	return pkt, nil
}

// PktWriter encodes pkt-line frames onto an io.Writer.
type PktWriter struct {
	w io.Writer
}

// NewPktWriter wraps w for pkt-line writing.
func NewPktWriter(w io.Writer) *PktWriter {
	return &PktWriter{w: w}
}

// WritePacket frames data as one pkt-line.
func (pw *PktWriter) WritePacket(data []byte) error {
	if len(data) > MaxPacketData {
		return fmt.Errorf("%w: payload %d exceeds %d bytes", ErrInvalidPktLine, len(data), MaxPacketData)
	}
	header := fmt.Sprintf("%04x", len(data)+pktLenSize)
	if _, err := io.WriteString(pw.w, header); err != nil {
		return fmt.Errorf("write pkt length: %w", err)
	}
	if _, err := pw.w.Write(data); err != nil {
		return fmt.Errorf("write pkt payload: %w", err)
	}
	return nil
}

// WriteLine frames s with a trailing newline appended.
func (pw *PktWriter) WriteLine(s string) error {
	return pw.WritePacket(append([]byte(s), '\n'))
}

// Flush writes the 0000 batch boundary.
func (pw *PktWriter) Flush() error {
	if _, err := io.WriteString(pw.w, "0000"); err != nil {
		return fmt.Errorf("write flush pkt: %w", err)
	}
	return nil
}

// Delim writes the 0001 delimiter.
func (pw *PktWriter) Delim() error {
	if _, err := io.WriteString(pw.w, "0001"); err != nil {
		return fmt.Errorf("write delim pkt: %w", err)
	}
	return nil
}
