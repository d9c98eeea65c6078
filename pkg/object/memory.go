package object

import (
	"fmt"
	"sync"
)

type memObject struct {
	typ  Type
	data []byte
}

// MemoryStore is an in-memory Store used as the test double and as the
// backing store for ephemeral repositories. Safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[ID]memObject
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[ID]memObject)}
}

// Put validates, hashes, and stores an object. Re-putting identical
// content is a no-op.
func (s *MemoryStore) Put(t Type, data []byte) (ID, error) {
	if err := ValidateObject(t, data); err != nil {
		return ID{}, fmt.Errorf("put: %w", err)
	}
	id := ComputeID(t, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[id]; ok {
		return id, nil
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	s.objects[id] = memObject{typ: t, data: stored}
	return id, nil
}

// Get returns an object's type and payload, or ErrNotFound.
func (s *MemoryStore) Get(id ID) (Type, []byte, error) {
	s.mu.RLock()
	obj, ok := s.objects[id]
	s.mu.RUnlock()
	if !ok {
		return "", nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	out := make([]byte, len(obj.data))
	copy(out, obj.data)
	return obj.typ, out, nil
}

// Has reports whether the store contains an object with the given id.
func (s *MemoryStore) Has(id ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[id]
	return ok
}

// Len returns the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
