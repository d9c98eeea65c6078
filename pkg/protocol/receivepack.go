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

// Command is one requested ref update: move Name from Old to New. The zero
// id means "absent": creation has a zero Old, deletion a zero New.
type Command struct {
	Old  object.ID
	New  object.ID
	Name string
}

// IsDelete reports whether the command removes the ref.
func (c Command) IsDelete() bool {
	return c.New.IsZero()
}

// CommandResult pairs a command with the outcome of its CAS attempt.
type CommandResult struct {
	Command Command
	// Reason is empty on success, otherwise a short client-facing
	// rejection reason.
	Reason string
}

// PackJournal archives the raw bytes of accepted push packs alongside
// their expanded object listing.
type PackJournal interface {
	Archive(raw []byte, objects []pack.Object) error
}

// ReceivePack serves one push: command list, pack stream, CAS application,
// report-status.
type ReceivePack struct {
	Objects object.Store
	Refs    refs.Store
	Policy  PushPolicy

	// Journal, when set, archives each pack that unpacked cleanly.
	Journal PackJournal
}

// Run drives one push over r/w. Object persistence is all-or-nothing per
// pack; ref commands are then applied independently, one CAS conflict never
// blocking its siblings. The outcome is always reported back when the
// client asked for report-status.
func (rp *ReceivePack) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	pr := NewPktReader(r)
	pw := NewPktWriter(w)

	commands, caps, err := rp.readCommands(pr)
	if err != nil {
		return err
	}
	if len(commands) == 0 {
		// A lone flush means the client had nothing to push.
		return nil
	}

	unpackErr := rp.unpack(ctx, r, commands)

	var results []CommandResult
	if unpackErr == nil {
		results = rp.apply(ctx, commands)
	}

	if !caps.Has(CapReportStatus) {
		return unpackErr
	}
	return rp.reportStatus(pw, caps, unpackErr, results)
}

// readCommands consumes the AwaitingCommands phase: "<old> <new> <name>"
// lines up to a flush, capabilities after a NUL on the first line.
func (rp *ReceivePack) readCommands(pr *PktReader) ([]Command, Capabilities, error) {
	var commands []Command
	caps := make(Capabilities)
	seen := make(map[string]struct{})

	for {
		pkt, err := pr.NextLine()
		if errors.Is(err, io.EOF) && len(commands) == 0 {
			// An empty body is treated like a bare flush.
			return nil, caps, nil
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read push commands: %w", err)
		}
		if pkt.Kind == PacketFlush {
			return commands, caps, nil
		}
		if pkt.Kind != PacketData {
			return nil, nil, fmt.Errorf("%w: unexpected packet kind %d in commands", ErrInvalidPktLine, pkt.Kind)
		}

		line := string(pkt.Data)
		if len(commands) == 0 {
			if body, capList, found := strings.Cut(line, "\x00"); found {
				caps = ParseCapabilities(capList)
				line = body
			}
		}

		cmd, err := parseCommand(line)
		if err != nil {
			return nil, nil, err
		}
		if _, dup := seen[cmd.Name]; dup {
			return nil, nil, fmt.Errorf("duplicate command for ref %q", cmd.Name)
		}
		seen[cmd.Name] = struct{}{}
		commands = append(commands, cmd)
	}
}

func parseCommand(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return Command{}, fmt.Errorf("malformed push command %q", line)
	}
	oldID, err := object.ParseID(fields[0])
	if err != nil {
		return Command{}, fmt.Errorf("push command %q: old id: %w", line, err)
	}
	newID, err := object.ParseID(fields[1])
	if err != nil {
		return Command{}, fmt.Errorf("push command %q: new id: %w", line, err)
	}
	if oldID.IsZero() && newID.IsZero() {
		return Command{}, fmt.Errorf("push command %q: both ids are zero", line)
	}
	return Command{Old: oldID, New: newID, Name: fields[2]}, nil
}

// unpack reads and persists the push's pack. A push consisting solely of
// deletions carries no pack and skips decoding entirely. Nothing is
// persisted unless the whole pack decodes.
func (rp *ReceivePack) unpack(ctx context.Context, r io.Reader, commands []Command) error {
	deletesOnly := true
	for _, cmd := range commands {
		if !cmd.IsDelete() {
			deletesOnly = false
			break
		}
	}
	if deletesOnly {
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read pack stream: %w", err)
	}
	objects, err := pack.Decode(raw, rp.Objects)
	if err != nil {
		return err
	}

	// Structural validation covers the whole pack before the first Put, so
	// one malformed record cannot leave a partial push durably visible.
	for _, obj := range objects {
		if err := object.ValidateObject(obj.Type, obj.Data); err != nil {
			return fmt.Errorf("object %s: %w", obj.ID, err)
		}
	}

	if rp.Policy.enabled() {
		if err := rp.checkSignatures(objects); err != nil {
			return err
		}
	}

	for _, obj := range objects {
		if _, err := rp.Objects.Put(obj.Type, obj.Data); err != nil {
			return fmt.Errorf("persist %s: %w", obj.ID, err)
		}
	}

	if rp.Journal != nil {
		if err := rp.Journal.Archive(raw, objects); err != nil {
			return fmt.Errorf("journal pack: %w", err)
		}
	}
	return nil
}

func (rp *ReceivePack) checkSignatures(objects []pack.Object) error {
	for _, obj := range objects {
		if obj.Type != object.TypeCommit {
			continue
		}
		commit, err := object.UnmarshalCommit(obj.Data)
		if err != nil {
			return fmt.Errorf("parse pushed commit %s: %w", obj.ID, err)
		}
		if err := rp.Policy.checkCommit(obj.ID, commit); err != nil {
			return err
		}
	}
	return nil
}

// apply attempts every command's CAS independently and collects outcomes.
func (rp *ReceivePack) apply(ctx context.Context, commands []Command) []CommandResult {
	results := make([]CommandResult, 0, len(commands))
	for _, cmd := range commands {
		if err := ctx.Err(); err != nil {
			results = append(results, CommandResult{Command: cmd, Reason: "canceled"})
			continue
		}
		results = append(results, CommandResult{Command: cmd, Reason: rp.applyOne(cmd)})
	}
	return results
}

func (rp *ReceivePack) applyOne(cmd Command) string {
	if err := refs.ValidateName(cmd.Name); err != nil {
		return "funny refname"
	}
	if !cmd.IsDelete() && !rp.Objects.Has(cmd.New) {
		return "missing necessary objects"
	}

	err := rp.Refs.CompareAndSwap(cmd.Name, cmd.Old, cmd.New)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, refs.ErrConflict):
		return "stale info"
	case errors.Is(err, refs.ErrInvalidName):
		return "funny refname"
	default:
		return "failed to update ref"
	}
}

// reportStatus writes the report-status response, side-band wrapped when
// the client negotiated side-band-64k.
func (rp *ReceivePack) reportStatus(pw *PktWriter, caps Capabilities, unpackErr error, results []CommandResult) error {
	out := pw
	if caps.Has(CapSideBand64k) {
		out = NewPktWriter(&sidebandWriter{pw: pw, channel: sidebandData})
	}

	if unpackErr != nil {
		if err := out.WriteLine("unpack " + unpackReason(unpackErr)); err != nil {
			return err
		}
	} else {
		if err := out.WriteLine("unpack ok"); err != nil {
			return err
		}
		for _, res := range results {
			line := "ok " + res.Command.Name
			if res.Reason != "" {
				line = fmt.Sprintf("ng %s %s", res.Command.Name, res.Reason)
			}
			if err := out.WriteLine(line); err != nil {
				return err
			}
		}
	}

	if err := out.Flush(); err != nil {
		return err
	}
	if caps.Has(CapSideBand64k) {
		return pw.Flush()
	}
	return nil
}

func unpackReason(err error) string {
	switch {
	case errors.Is(err, pack.ErrChecksumMismatch):
		return "error pack checksum mismatch"
	case errors.Is(err, pack.ErrUnresolvedDelta):
		return "error unresolved delta"
	case errors.Is(err, pack.ErrCorrupt):
		return "error corrupt pack"
	default:
		return "error " + err.Error()
	}
}
