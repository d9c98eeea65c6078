package object

import (
	"fmt"
	"sort"
)

// ReachableSet returns all object ids reachable from roots by following
// object references. Roots missing from the store are ignored, which keeps
// the walk usable against partially populated stores.
func ReachableSet(s Store, roots []ID) (map[ID]struct{}, error) {
	out := make(map[ID]struct{}, len(roots))

	stack := uniqueIDs(roots)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id.IsZero() {
			continue
		}
		if _, ok := out[id]; ok {
			continue
		}
		if !s.Has(id) {
			continue
		}
		out[id] = struct{}{}

		t, data, err := s.Get(id)
		if err != nil {
			return nil, fmt.Errorf("reachable set read %s: %w", id, err)
		}
		refs, err := ReferencedIDs(t, data)
		if err != nil {
			return nil, fmt.Errorf("reachable set parse %s (%s): %w", id, t, err)
		}
		stack = append(stack, refs...)
	}

	return out, nil
}

// ReferencedIDs returns the ids an object points at. Blobs reference
// nothing; trees reference their entries; commits their tree and parents;
// tags their target.
func ReferencedIDs(t Type, data []byte) ([]ID, error) {
	switch t {
	case TypeBlob:
		return nil, nil
	case TypeTree:
		tree, err := UnmarshalTree(data)
		if err != nil {
			return nil, err
		}
		refs := make([]ID, 0, len(tree.Entries))
		for _, e := range tree.Entries {
			if e.Kind() == EntrySubmodule {
				// Submodule ids live in another repository's namespace.
				continue
			}
			refs = append(refs, e.ID)
		}
		return refs, nil
	case TypeCommit:
		commit, err := UnmarshalCommit(data)
		if err != nil {
			return nil, err
		}
		refs := make([]ID, 0, 1+len(commit.Parents))
		refs = append(refs, commit.Tree)
		refs = append(refs, commit.Parents...)
		return refs, nil
	case TypeTag:
		tag, err := UnmarshalTag(data)
		if err != nil {
			return nil, err
		}
		return []ID{tag.Object}, nil
	default:
		return nil, fmt.Errorf("unsupported object type %q", t)
	}
}

// Closure returns the ids reachable from wants but not reachable from
// haves, in a deterministic traversal order suitable for pack encoding.
func Closure(s Store, wants, haves []ID) ([]ID, error) {
	exclude, err := ReachableSet(s, haves)
	if err != nil {
		return nil, fmt.Errorf("closure: walk haves: %w", err)
	}

	var out []ID
	seen := make(map[ID]struct{})
	stack := uniqueIDs(wants)
	// Reverse so the first want is walked first.
	for i, j := 0, len(stack)-1; i < j; i, j = i+1, j-1 {
		stack[i], stack[j] = stack[j], stack[i]
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id.IsZero() {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := exclude[id]; ok {
			continue
		}
		t, data, err := s.Get(id)
		if err != nil {
			return nil, fmt.Errorf("closure read %s: %w", id, err)
		}
		out = append(out, id)

		refs, err := ReferencedIDs(t, data)
		if err != nil {
			return nil, fmt.Errorf("closure parse %s (%s): %w", id, t, err)
		}
		for i := len(refs) - 1; i >= 0; i-- {
			stack = append(stack, refs[i])
		}
	}
	return out, nil
}

func uniqueIDs(in []ID) []ID {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[ID]struct{}, len(in))
	out := make([]ID, 0, len(in))
	for _, id := range in {
		if id.IsZero() {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytesLess(out[i], out[j])
	})
	return out
}

func bytesLess(a, b ID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
