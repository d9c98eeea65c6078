package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gutshub/guts/pkg/object"
	"github.com/gutshub/guts/pkg/pack"
	"github.com/gutshub/guts/pkg/refs"
)

// UploadPack serves one fetch negotiation: wants, haves, then a pack of
// everything reachable from the wants but not from the haves.
type UploadPack struct {
	Objects object.Store
	Refs    refs.Store
}

// Run drives the negotiation over r/w until the pack has been streamed or
// an error aborts the exchange. Protocol errors are surfaced to the client
// as an ERR frame before returning.
func (u *UploadPack) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	pr := NewPktReader(r)
	pw := NewPktWriter(w)

	wants, caps, err := u.readWants(pr)
	if err != nil {
		writeErrPkt(pw, err)
		return err
	}
	if len(wants) == 0 {
		// Client had nothing to ask for; a bare flush ends the exchange.
		return nil
	}
	for _, id := range wants {
		if !u.Objects.Has(id) {
			err := fmt.Errorf("want %s: not our ref", id)
			writeErrPkt(pw, err)
			return err
		}
	}

	common, err := u.negotiate(ctx, pr, pw, wants, caps)
	if err != nil {
		return err
	}

	return u.streamPack(ctx, pw, wants, common, caps)
}

// readWants consumes the AwaitingWants phase: want lines up to a flush.
// The first line carries the client's capability list after the id.
func (u *UploadPack) readWants(pr *PktReader) ([]object.ID, Capabilities, error) {
	var wants []object.ID
	caps := make(Capabilities)

	for {
		pkt, err := pr.NextLine()
		if err != nil {
			return nil, nil, fmt.Errorf("read wants: %w", err)
		}
		if pkt.Kind == PacketFlush {
			return wants, caps, nil
		}
		if pkt.Kind != PacketData {
			return nil, nil, fmt.Errorf("%w: unexpected packet kind %d in wants", ErrInvalidPktLine, pkt.Kind)
		}

		line := string(pkt.Data)
		rest, ok := strings.CutPrefix(line, "want ")
		if !ok {
			return nil, nil, fmt.Errorf("expected want line, got %q", line)
		}
		idHex, capList, _ := strings.Cut(rest, " ")
		id, err := object.ParseID(idHex)
		if err != nil {
			return nil, nil, fmt.Errorf("want line %q: %w", line, err)
		}
		if len(wants) == 0 && capList != "" {
			caps = ParseCapabilities(capList)
		}
		wants = append(wants, id)
	}
}

// negotiate consumes the NegotiatingHaves phase: have lines in flush
// separated batches until done, ACKing common objects per multi_ack.
// It returns the haves this store actually holds.
func (u *UploadPack) negotiate(ctx context.Context, pr *PktReader, pw *PktWriter, wants []object.ID, caps Capabilities) ([]object.ID, error) {
	multiAck := caps.Has(CapMultiAck)

	var (
		common     []object.ID
		lastCommon object.ID
		ackedBatch bool
	)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		pkt, err := pr.NextLine()
		if errors.Is(err, io.EOF) {
			// Stateless clients may close after done; mid-negotiation EOF
			// means the fetch was abandoned.
			return nil, fmt.Errorf("negotiation ended without done: %w", io.ErrUnexpectedEOF)
		}
		if err != nil {
			return nil, fmt.Errorf("read haves: %w", err)
		}

		switch pkt.Kind {
		case PacketFlush:
			// Batch boundary: a NAK tells the client to keep sending
			// history when nothing in the batch was common.
			if !ackedBatch {
				if err := pw.WriteLine("NAK"); err != nil {
					return nil, err
				}
			}
			ackedBatch = false
			continue
		case PacketData:
		default:
			return nil, fmt.Errorf("%w: unexpected packet kind %d in haves", ErrInvalidPktLine, pkt.Kind)
		}

		line := string(pkt.Data)
		if line == "done" {
			if lastCommon.IsZero() {
				if err := pw.WriteLine("NAK"); err != nil {
					return nil, err
				}
			} else if err := pw.WriteLine(fmt.Sprintf("ACK %s", lastCommon)); err != nil {
				return nil, err
			}
			return common, nil
		}

		rest, ok := strings.CutPrefix(line, "have ")
		if !ok {
			return nil, fmt.Errorf("expected have line, got %q", line)
		}
		id, err := object.ParseID(rest)
		if err != nil {
			return nil, fmt.Errorf("have line %q: %w", line, err)
		}

		if !u.Objects.Has(id) {
			continue
		}
		common = append(common, id)
		lastCommon = id
		if multiAck {
			if err := pw.WriteLine(fmt.Sprintf("ACK %s continue", id)); err != nil {
				return nil, err
			}
			ackedBatch = true
		}
	}
}

// streamPack encodes and sends the closure, side-band multiplexed when the
// client negotiated it.
func (u *UploadPack) streamPack(ctx context.Context, pw *PktWriter, wants, common []object.ID, caps Capabilities) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ids, err := object.Closure(u.Objects, wants, common)
	if err != nil {
		return fmt.Errorf("collect pack closure: %w", err)
	}

	opts := pack.EncodeOptions{}
	if caps.Has(CapThinPack) {
		opts.ThinBases = common
	}

	if !caps.Has(CapSideBand64k) {
		_, err := pack.Encode(rawWriter{pw}, u.Objects, ids, opts)
		return err
	}

	if err := progressf(pw, "Enumerating objects: %d, done.\n", len(ids)); err != nil {
		return err
	}
	dataW := &sidebandWriter{pw: pw, channel: sidebandData}
	if _, err := pack.Encode(dataW, u.Objects, ids, opts); err != nil {
		// Best effort: tell the client why the stream died.
		errW := &sidebandWriter{pw: pw, channel: sidebandError}
		_, _ = fmt.Fprintf(errW, "pack encoding failed\n")
		return err
	}
	return pw.Flush()
}

// rawWriter sends bytes straight to the underlying stream, bypassing
// pkt-line framing. The pack body is raw binary once negotiation ends.
type rawWriter struct {
	pw *PktWriter
}

func (rw rawWriter) Write(p []byte) (int, error) {
	return rw.pw.w.Write(p)
}

func writeErrPkt(pw *PktWriter, err error) {
	_ = pw.WriteLine("ERR " + err.Error())
}
