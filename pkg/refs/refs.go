// Package refs maps reference names to object ids with compare-and-swap
// update semantics. Updates are linearizable per reference name; readers
// never observe a partially applied update.
package refs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gutshub/guts/pkg/object"
)

var (
	// ErrNotFound reports a read of a reference that does not exist.
	ErrNotFound = errors.New("ref not found")

	// ErrConflict reports a compare-and-swap whose expected old value did
	// not match the current one. The caller should re-read and retry.
	ErrConflict = errors.New("ref update conflict")

	// ErrInvalidName reports a reference name outside the accepted grammar.
	ErrInvalidName = errors.New("invalid ref name")
)

// Ref is one reference: a name bound to the id it points at.
type Ref struct {
	Name   string
	Target object.ID
}

// Store holds references for a single repository.
//
// CompareAndSwap is the only write operation. The zero id acts as the
// absence sentinel on both sides: old == ZeroID means the ref must not
// exist yet, new == ZeroID deletes it. A mismatch between old and the
// current value fails with ErrConflict and leaves the ref untouched.
type Store interface {
	// Read returns the current target of name, or ErrNotFound.
	Read(name string) (object.ID, error)
	// CompareAndSwap atomically updates name from old to new.
	CompareAndSwap(name string, old, new object.ID) error
	// List returns all refs whose name starts with prefix, sorted by name.
	// An empty prefix lists everything.
	List(prefix string) ([]Ref, error)
}

// ValidateName checks a full reference name ("refs/heads/main"). The
// grammar is the conservative subset shared by hosting tools: slash
// separated non-empty components, no traversal or lock-file collisions,
// no bytes that break the wire protocol.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	if !strings.HasPrefix(name, "refs/") {
		return fmt.Errorf("%w: %q must start with refs/", ErrInvalidName, name)
	}
	if strings.HasSuffix(name, "/") {
		return fmt.Errorf("%w: %q ends with a slash", ErrInvalidName, name)
	}
	if strings.Contains(name, "//") {
		return fmt.Errorf("%w: %q contains an empty component", ErrInvalidName, name)
	}
	if strings.Contains(name, "@{") {
		return fmt.Errorf("%w: %q contains @{", ErrInvalidName, name)
	}

	for _, component := range strings.Split(name, "/") {
		if strings.HasPrefix(component, ".") {
			return fmt.Errorf("%w: component %q starts with a dot", ErrInvalidName, component)
		}
		if strings.HasSuffix(component, ".lock") {
			return fmt.Errorf("%w: component %q ends with .lock", ErrInvalidName, component)
		}
		if strings.Contains(component, "..") {
			return fmt.Errorf("%w: component %q contains ..", ErrInvalidName, component)
		}
	}

	for i := 0; i < len(name); i++ {
		c := name[i]
		if c < 0x20 || c == 0x7f {
			return fmt.Errorf("%w: %q contains a control byte", ErrInvalidName, name)
		}
		switch c {
		case ' ', '~', '^', ':', '?', '*', '[', '\\':
			return fmt.Errorf("%w: %q contains %q", ErrInvalidName, name, c)
		}
	}

	return nil
}
