package object

import (
	"crypto/sha1"
	"fmt"
)

// ComputeID computes the SHA-1 of the envelope "type len\0content",
// mirroring Git's object hashing.
func ComputeID(t Type, data []byte) ID {
	h := sha1.New()
	fmt.Fprintf(h, "%s %d\x00", t, len(data))
	h.Write(data)
	var id ID
	copy(id[:], h.Sum(nil))
	return id
}

// envelope returns the canonical "type len\0content" bytes for an object.
func envelope(t Type, data []byte) []byte {
	header := fmt.Sprintf("%s %d\x00", t, len(data))
	raw := make([]byte, 0, len(header)+len(data))
	raw = append(raw, header...)
	raw = append(raw, data...)
	return raw
}
