package object

import (
	"encoding/hex"
	"fmt"
)

// ID is a 20-byte SHA-1 object identifier computed over the canonical
// "type len\0content" envelope.
type ID [20]byte

// ZeroID is the sentinel identifier used on the wire for "no object"
// (ref creation and deletion commands).
var ZeroID ID

// IDHexLen is the length of the hex wire form of an ID.
const IDHexLen = 40

// String returns the lowercase hex form.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the zero sentinel.
func (id ID) IsZero() bool {
	return id == ZeroID
}

// ParseID parses a 40-character hex string into an ID.
func ParseID(s string) (ID, error) {
	var id ID
	if len(s) != IDHexLen {
		return id, fmt.Errorf("object id length %d, expected %d", len(s), IDHexLen)
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, fmt.Errorf("object id %q: %w", s, err)
	}
	return id, nil
}

// IDFromBytes copies a raw 20-byte digest into an ID.
func IDFromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != len(id) {
		return id, fmt.Errorf("object id needs %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Type identifies the kind of object stored.
type Type string

const (
	TypeBlob   Type = "blob"
	TypeTree   Type = "tree"
	TypeCommit Type = "commit"
	TypeTag    Type = "tag"
)

// Valid reports whether t is one of the four storable kinds.
func (t Type) Valid() bool {
	switch t {
	case TypeBlob, TypeTree, TypeCommit, TypeTag:
		return true
	}
	return false
}

// ParseType parses a canonical type string.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("unsupported object type %q", s)
	}
	return t, nil
}

const (
	// Tree mode constants, Git's canonical mode strings.
	ModeDir        = "40000"
	ModeFile       = "100644"
	ModeExecutable = "100755"
	ModeSymlink    = "120000"
	ModeSubmodule  = "160000"
)

// EntryKind classifies what a tree entry points at.
type EntryKind uint8

const (
	EntryBlob EntryKind = iota
	EntryTree
	EntrySymlink
	EntrySubmodule
)

// KindForMode maps a tree mode string to its entry kind.
func KindForMode(mode string) (EntryKind, error) {
	switch mode {
	case ModeDir:
		return EntryTree, nil
	case ModeFile, ModeExecutable:
		return EntryBlob, nil
	case ModeSymlink:
		return EntrySymlink, nil
	case ModeSubmodule:
		return EntrySubmodule, nil
	default:
		return 0, fmt.Errorf("unknown tree mode %q", mode)
	}
}

// Blob holds raw file data.
type Blob struct {
	Data []byte
}

// TreeEntry is one entry in a tree object.
type TreeEntry struct {
	Mode string
	Name string
	ID   ID
}

// Kind returns the entry kind derived from the mode.
func (e TreeEntry) Kind() EntryKind {
	k, err := KindForMode(e.Mode)
	if err != nil {
		return EntryBlob
	}
	return k
}

// Tree holds a list of entries, sorted by Name in canonical form.
type Tree struct {
	Entries []TreeEntry
}

// Identity is an author/committer/tagger line: name, email, and a
// timestamp with timezone offset (e.g. "+0200").
type Identity struct {
	Name  string
	Email string
	When  int64
	TZ    string
}

// Commit points at a tree with zero or more parents and metadata.
type Commit struct {
	Tree      ID
	Parents   []ID
	Author    Identity
	Committer Identity
	// Signature is an optional detached signature over the commit payload
	// minus the signature header itself.
	Signature string
	Message   string
}

// Tag is an annotated tag pointing at another object.
type Tag struct {
	Object  ID
	ObjType Type
	Name    string
	Tagger  Identity
	Message string
}
