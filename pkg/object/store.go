package object

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports a lookup for an object the store does not hold.
	ErrNotFound = errors.New("object not found")

	// ErrCorruptObject reports payload bytes that do not parse as the
	// kind they were submitted under.
	ErrCorruptObject = errors.New("corrupt object")

	// ErrStorageUnavailable wraps transient I/O failures of the backing
	// medium. Callers may retry.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// Store is a content-addressed, write-once object store. Put is idempotent:
// re-putting identical content is a no-op success. Writes are atomic with
// respect to readers; Get never observes a partially written object.
type Store interface {
	// Put validates, hashes, and persists an object, returning its ID.
	Put(t Type, data []byte) (ID, error)
	// Get returns the type and payload of an object, or ErrNotFound.
	Get(id ID) (Type, []byte, error)
	// Has reports whether the store holds the object.
	Has(id ID) bool
}

// ValidateObject checks that data parses as the claimed kind. Blobs are
// opaque and always valid; structured kinds are parsed in full.
func ValidateObject(t Type, data []byte) error {
	var err error
	switch t {
	case TypeBlob:
		return nil
	case TypeTree:
		_, err = UnmarshalTree(data)
	case TypeCommit:
		_, err = UnmarshalCommit(data)
	case TypeTag:
		_, err = UnmarshalTag(data)
	default:
		return fmt.Errorf("%w: unsupported object type %q", ErrCorruptObject, t)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptObject, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Typed convenience helpers
// ---------------------------------------------------------------------------

// PutBlob serializes and stores a Blob.
func PutBlob(s Store, b *Blob) (ID, error) {
	return s.Put(TypeBlob, MarshalBlob(b))
}

// PutTree serializes and stores a Tree.
func PutTree(s Store, tr *Tree) (ID, error) {
	return s.Put(TypeTree, MarshalTree(tr))
}

// PutCommit serializes and stores a Commit.
func PutCommit(s Store, c *Commit) (ID, error) {
	return s.Put(TypeCommit, MarshalCommit(c))
}

// PutTag serializes and stores a Tag.
func PutTag(s Store, t *Tag) (ID, error) {
	return s.Put(TypeTag, MarshalTag(t))
}

// GetCommit reads and deserializes a Commit.
func GetCommit(s Store, id ID) (*Commit, error) {
	t, data, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if t != TypeCommit {
		return nil, fmt.Errorf("object %s: type mismatch: got %q, want %q", id, t, TypeCommit)
	}
	return UnmarshalCommit(data)
}

// GetTree reads and deserializes a Tree.
func GetTree(s Store, id ID) (*Tree, error) {
	t, data, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if t != TypeTree {
		return nil, fmt.Errorf("object %s: type mismatch: got %q, want %q", id, t, TypeTree)
	}
	return UnmarshalTree(data)
}

// GetTag reads and deserializes a Tag.
func GetTag(s Store, id ID) (*Tag, error) {
	t, data, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if t != TypeTag {
		return nil, fmt.Errorf("object %s: type mismatch: got %q, want %q", id, t, TypeTag)
	}
	return UnmarshalTag(data)
}

// GetBlob reads and deserializes a Blob.
func GetBlob(s Store, id ID) (*Blob, error) {
	t, data, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if t != TypeBlob {
		return nil, fmt.Errorf("object %s: type mismatch: got %q, want %q", id, t, TypeBlob)
	}
	return UnmarshalBlob(data)
}
