package refs

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gutshub/guts/pkg/object"
)

// MemoryStore keeps references in process memory. One mutex covers all
// names; reference tables are small and the hot path is the CAS, which
// must be serialized anyway.
type MemoryStore struct {
	mu   sync.RWMutex
	refs map[string]object.ID
}

// NewMemoryStore returns an empty in-memory ref store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{refs: make(map[string]object.ID)}
}

// Read returns the current target of name.
func (s *MemoryStore) Read(name string) (object.ID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.refs[name]
	if !ok {
		return object.ZeroID, fmt.Errorf("ref %q: %w", name, ErrNotFound)
	}
	return id, nil
}

// CompareAndSwap atomically moves name from old to new. The zero id means
// "absent" on either side.
func (s *MemoryStore) CompareAndSwap(name string, old, new object.ID) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.refs[name]
	if !exists {
		current = object.ZeroID
	}
	if current != old {
		return fmt.Errorf("ref %q: %w (expected %s, found %s)", name, ErrConflict, old, current)
	}

	if new.IsZero() {
		delete(s.refs, name)
		return nil
	}
	s.refs[name] = new
	return nil
}

// List returns refs under prefix sorted by name.
func (s *MemoryStore) List(prefix string) ([]Ref, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Ref, 0, len(s.refs))
	for name, id := range s.refs {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		out = append(out, Ref{Name: name, Target: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
