package object

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// FileStore is a content-addressed object store with a 2-character fan-out
// directory layout: objects/ab/cdef0123... Objects are stored as the
// canonical "type len\0content" envelope, zstd-compressed at rest. Writes
// are atomic: data is written to a temp file and then renamed into place.
type FileStore struct {
	root string
}

// NewFileStore creates a FileStore rooted at the given directory. Fan-out
// subdirectories are created lazily on first write.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(root, "objects"), 0o755); err != nil {
		return nil, fmt.Errorf("object store root: %w", wrapIOErr(err))
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) objectPath(id ID) string {
	hex := id.String()
	return filepath.Join(s.root, "objects", hex[:2], hex[2:])
}

// Has reports whether the store contains an object with the given id.
func (s *FileStore) Has(id ID) bool {
	_, err := os.Stat(s.objectPath(id))
	return err == nil
}

// Put validates, hashes, and stores an object. Re-putting identical
// content is a no-op success.
func (s *FileStore) Put(t Type, data []byte) (ID, error) {
	if err := ValidateObject(t, data); err != nil {
		return ID{}, fmt.Errorf("put: %w", err)
	}
	id := ComputeID(t, data)

	// Fast path: already exists.
	if s.Has(id) {
		return id, nil
	}

	compressed, err := compressEnvelope(envelope(t, data))
	if err != nil {
		return ID{}, fmt.Errorf("put %s: compress: %w", id, err)
	}

	hex := id.String()
	dir := filepath.Join(s.root, "objects", hex[:2])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ID{}, fmt.Errorf("put %s: mkdir: %w", id, wrapIOErr(err))
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return ID{}, fmt.Errorf("put %s: tmpfile: %w", id, wrapIOErr(err))
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return ID{}, fmt.Errorf("put %s: write: %w", id, wrapIOErr(err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return ID{}, fmt.Errorf("put %s: close: %w", id, wrapIOErr(err))
	}
	if err := os.Rename(tmpName, s.objectPath(id)); err != nil {
		os.Remove(tmpName)
		return ID{}, fmt.Errorf("put %s: rename: %w", id, wrapIOErr(err))
	}

	return id, nil
}

// Get retrieves an object by id, returning its type and payload.
func (s *FileStore) Get(id ID) (Type, []byte, error) {
	compressed, err := os.ReadFile(s.objectPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
		}
		return "", nil, fmt.Errorf("get %s: %w", id, wrapIOErr(err))
	}

	raw, err := decompressEnvelope(compressed)
	if err != nil {
		return "", nil, fmt.Errorf("get %s: decompress: %w", id, err)
	}

	// Parse envelope: "type len\0content"
	nul := bytes.IndexByte(raw, 0)
	if nul < 0 {
		return "", nil, fmt.Errorf("get %s: %w: no envelope terminator", id, ErrCorruptObject)
	}
	headerStr := string(raw[:nul])
	content := raw[nul+1:]

	parts := strings.SplitN(headerStr, " ", 2)
	if len(parts) != 2 {
		return "", nil, fmt.Errorf("get %s: %w: invalid envelope header %q", id, ErrCorruptObject, headerStr)
	}
	t, err := ParseType(parts[0])
	if err != nil {
		return "", nil, fmt.Errorf("get %s: %w: %v", id, ErrCorruptObject, err)
	}
	length, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", nil, fmt.Errorf("get %s: %w: invalid length %q", id, ErrCorruptObject, parts[1])
	}
	if len(content) != length {
		return "", nil, fmt.Errorf("get %s: %w: length mismatch (header=%d, actual=%d)",
			id, ErrCorruptObject, length, len(content))
	}

	return t, content, nil
}

func wrapIOErr(err error) error {
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}

func compressEnvelope(raw []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil), nil
}

func decompressEnvelope(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}
