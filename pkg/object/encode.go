package object

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Blob
// ---------------------------------------------------------------------------

// MarshalBlob serializes a Blob to raw bytes (identity).
func MarshalBlob(b *Blob) []byte {
	out := make([]byte, len(b.Data))
	copy(out, b.Data)
	return out
}

// UnmarshalBlob deserializes raw bytes into a Blob.
func UnmarshalBlob(data []byte) (*Blob, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return &Blob{Data: out}, nil
}

// ---------------------------------------------------------------------------
// Tree
// ---------------------------------------------------------------------------

// MarshalTree serializes a Tree in Git's binary entry format:
//
//	<mode> <name>\0<20-byte id>
//
// Entries are sorted in canonical order: byte order over names, with
// directory entries compared as if their name ended in "/".
func MarshalTree(tr *Tree) []byte {
	sorted := make([]TreeEntry, len(tr.Entries))
	copy(sorted, tr.Entries)
	sort.Slice(sorted, func(i, j int) bool {
		return treeSortName(sorted[i]) < treeSortName(sorted[j])
	})

	var buf bytes.Buffer
	for _, e := range sorted {
		mode := e.Mode
		if strings.TrimSpace(mode) == "" {
			mode = ModeFile
		}
		buf.WriteString(mode)
		buf.WriteByte(' ')
		buf.WriteString(e.Name)
		buf.WriteByte(0)
		buf.Write(e.ID[:])
	}
	return buf.Bytes()
}

func treeSortName(e TreeEntry) string {
	if e.Mode == ModeDir {
		return e.Name + "/"
	}
	return e.Name
}

// UnmarshalTree parses a Tree from its serialized form.
func UnmarshalTree(data []byte) (*Tree, error) {
	tr := &Tree{}
	rest := data
	for len(rest) > 0 {
		sp := bytes.IndexByte(rest, ' ')
		if sp < 0 {
			return nil, fmt.Errorf("unmarshal tree: entry missing mode separator")
		}
		mode := string(rest[:sp])
		if _, err := KindForMode(mode); err != nil {
			return nil, fmt.Errorf("unmarshal tree: %w", err)
		}
		rest = rest[sp+1:]

		nul := bytes.IndexByte(rest, 0)
		if nul < 0 {
			return nil, fmt.Errorf("unmarshal tree: entry missing name terminator")
		}
		name := string(rest[:nul])
		if name == "" {
			return nil, fmt.Errorf("unmarshal tree: empty entry name")
		}
		rest = rest[nul+1:]

		if len(rest) < len(ID{}) {
			return nil, fmt.Errorf("unmarshal tree: truncated entry id for %q", name)
		}
		id, err := IDFromBytes(rest[:len(ID{})])
		if err != nil {
			return nil, fmt.Errorf("unmarshal tree: %w", err)
		}
		rest = rest[len(ID{}):]

		tr.Entries = append(tr.Entries, TreeEntry{Mode: mode, Name: name, ID: id})
	}
	return tr, nil
}

// ---------------------------------------------------------------------------
// Identity
// ---------------------------------------------------------------------------

// MarshalIdentity formats an identity as "Name <email> timestamp tz".
func MarshalIdentity(ident Identity) string {
	tz := ident.TZ
	if strings.TrimSpace(tz) == "" {
		tz = "+0000"
	}
	return fmt.Sprintf("%s <%s> %d %s", ident.Name, ident.Email, ident.When, tz)
}

// UnmarshalIdentity parses an identity line.
func UnmarshalIdentity(raw string) (Identity, error) {
	open := strings.Index(raw, " <")
	closeIdx := strings.Index(raw, "> ")
	if open < 0 || closeIdx < 0 || closeIdx < open {
		return Identity{}, fmt.Errorf("malformed identity %q", raw)
	}
	name := raw[:open]
	email := raw[open+2 : closeIdx]

	fields := strings.Fields(raw[closeIdx+2:])
	if len(fields) != 2 {
		return Identity{}, fmt.Errorf("malformed identity timestamp in %q", raw)
	}
	when, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Identity{}, fmt.Errorf("malformed identity timestamp %q: %w", fields[0], err)
	}
	return Identity{Name: name, Email: email, When: when, TZ: fields[1]}, nil
}

// ---------------------------------------------------------------------------
// Commit
// ---------------------------------------------------------------------------

// MarshalCommit serializes a Commit:
//
//	tree H
//	parent H        (zero or more)
//	author I
//	committer I
//	gpgsig S        (optional, continuation lines indented by one space)
//
//	message
func MarshalCommit(c *Commit) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", c.Tree)
	for _, p := range c.Parents {
		fmt.Fprintf(&buf, "parent %s\n", p)
	}
	fmt.Fprintf(&buf, "author %s\n", MarshalIdentity(c.Author))
	fmt.Fprintf(&buf, "committer %s\n", MarshalIdentity(c.Committer))
	if c.Signature != "" {
		writeMultilineHeader(&buf, "gpgsig", c.Signature)
	}
	buf.WriteByte('\n')
	buf.WriteString(c.Message)
	return buf.Bytes()
}

// UnmarshalCommit parses a Commit from its serialized form.
func UnmarshalCommit(data []byte) (*Commit, error) {
	headers, message, err := splitHeaders(data)
	if err != nil {
		return nil, fmt.Errorf("unmarshal commit: %w", err)
	}

	c := &Commit{Message: message}
	sawTree := false
	for _, h := range headers {
		switch h.key {
		case "tree":
			id, err := ParseID(h.value)
			if err != nil {
				return nil, fmt.Errorf("unmarshal commit: tree: %w", err)
			}
			c.Tree = id
			sawTree = true
		case "parent":
			id, err := ParseID(h.value)
			if err != nil {
				return nil, fmt.Errorf("unmarshal commit: parent: %w", err)
			}
			c.Parents = append(c.Parents, id)
		case "author":
			ident, err := UnmarshalIdentity(h.value)
			if err != nil {
				return nil, fmt.Errorf("unmarshal commit: author: %w", err)
			}
			c.Author = ident
		case "committer":
			ident, err := UnmarshalIdentity(h.value)
			if err != nil {
				return nil, fmt.Errorf("unmarshal commit: committer: %w", err)
			}
			c.Committer = ident
		case "gpgsig":
			c.Signature = h.value
		default:
			return nil, fmt.Errorf("unmarshal commit: unknown header %q", h.key)
		}
	}
	if !sawTree {
		return nil, fmt.Errorf("unmarshal commit: missing tree header")
	}
	return c, nil
}

// SigningPayload returns the canonical bytes that are signed for a commit.
// The payload intentionally excludes the signature header itself.
func SigningPayload(c *Commit) []byte {
	if c == nil {
		return nil
	}
	unsigned := *c
	unsigned.Signature = ""
	return MarshalCommit(&unsigned)
}

// ---------------------------------------------------------------------------
// Tag
// ---------------------------------------------------------------------------

// MarshalTag serializes a Tag:
//
//	object H
//	type T
//	tag NAME
//	tagger I
//
//	message
//
// Detached tag signatures, when present, live at the tail of the message,
// matching Git's on-disk convention.
func MarshalTag(t *Tag) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "object %s\n", t.Object)
	fmt.Fprintf(&buf, "type %s\n", t.ObjType)
	fmt.Fprintf(&buf, "tag %s\n", t.Name)
	fmt.Fprintf(&buf, "tagger %s\n", MarshalIdentity(t.Tagger))
	buf.WriteByte('\n')
	buf.WriteString(t.Message)
	return buf.Bytes()
}

// UnmarshalTag parses a Tag from its serialized form.
func UnmarshalTag(data []byte) (*Tag, error) {
	headers, message, err := splitHeaders(data)
	if err != nil {
		return nil, fmt.Errorf("unmarshal tag: %w", err)
	}

	t := &Tag{Message: message}
	sawObject := false
	for _, h := range headers {
		switch h.key {
		case "object":
			id, err := ParseID(h.value)
			if err != nil {
				return nil, fmt.Errorf("unmarshal tag: object: %w", err)
			}
			t.Object = id
			sawObject = true
		case "type":
			typ, err := ParseType(h.value)
			if err != nil {
				return nil, fmt.Errorf("unmarshal tag: %w", err)
			}
			t.ObjType = typ
		case "tag":
			t.Name = h.value
		case "tagger":
			ident, err := UnmarshalIdentity(h.value)
			if err != nil {
				return nil, fmt.Errorf("unmarshal tag: tagger: %w", err)
			}
			t.Tagger = ident
		default:
			return nil, fmt.Errorf("unmarshal tag: unknown header %q", h.key)
		}
	}
	if !sawObject {
		return nil, fmt.Errorf("unmarshal tag: missing object header")
	}
	if t.ObjType == "" {
		return nil, fmt.Errorf("unmarshal tag: missing type header")
	}
	return t, nil
}

// ---------------------------------------------------------------------------
// Header helpers
// ---------------------------------------------------------------------------

type header struct {
	key   string
	value string
}

// splitHeaders parses "key value" header lines up to the first blank line.
// A line starting with a space continues the previous header's value.
func splitHeaders(data []byte) ([]header, string, error) {
	idx := bytes.Index(data, []byte("\n\n"))
	if idx < 0 {
		return nil, "", fmt.Errorf("missing header/message separator")
	}
	rawHeaders := string(data[:idx])
	message := string(data[idx+2:])

	var headers []header
	for _, line := range strings.Split(rawHeaders, "\n") {
		if strings.HasPrefix(line, " ") {
			if len(headers) == 0 {
				return nil, "", fmt.Errorf("continuation line without header")
			}
			headers[len(headers)-1].value += "\n" + line[1:]
			continue
		}
		key, value, ok := strings.Cut(line, " ")
		if !ok {
			return nil, "", fmt.Errorf("malformed header line %q", line)
		}
		headers = append(headers, header{key: key, value: value})
	}
	return headers, message, nil
}

func writeMultilineHeader(buf *bytes.Buffer, key, value string) {
	lines := strings.Split(value, "\n")
	fmt.Fprintf(buf, "%s %s\n", key, lines[0])
	for _, line := range lines[1:] {
		fmt.Fprintf(buf, " %s\n", line)
	}
}
