package repo

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gutshub/guts/pkg/object"
	"github.com/gutshub/guts/pkg/pack"
)

// PackJournal archives every pack accepted by a push, paired with an idx
// v2 index, under a repository's packs directory. It gives operators an
// audit trail of exactly what each push transferred.
type PackJournal struct {
	dir string
	// store resolves thin-pack delta bases while indexing.
	store object.Store
}

// NewPackJournal returns a journal writing into dir. Indexing resolves
// delta bases against store.
func NewPackJournal(dir string, store object.Store) (*PackJournal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("pack journal dir: %w", err)
	}
	return &PackJournal{dir: dir, store: store}, nil
}

// Archive stores raw as pack-<checksum>.pack with its index next to it.
// Re-archiving an identical pack is a no-op.
func (j *PackJournal) Archive(raw []byte, objects []pack.Object) error {
	if len(raw) < sha1.Size {
		return fmt.Errorf("pack journal: stream too short")
	}
	checksum := raw[len(raw)-sha1.Size:]
	stem := "pack-" + hex.EncodeToString(checksum)
	packPath := filepath.Join(j.dir, stem+".pack")

	if _, err := os.Stat(packPath); err == nil {
		return nil
	}

	entries, _, err := pack.IndexPack(raw, overlayStore{decoded: indexByID(objects), fallback: j.store})
	if err != nil {
		return fmt.Errorf("pack journal: index: %w", err)
	}

	var idxBuf bytes.Buffer
	if _, err := pack.WriteIndex(&idxBuf, entries, checksum); err != nil {
		return fmt.Errorf("pack journal: %w", err)
	}

	if err := writeFileAtomic(j.dir, packPath, raw); err != nil {
		return fmt.Errorf("pack journal: %w", err)
	}
	if err := writeFileAtomic(j.dir, filepath.Join(j.dir, stem+".idx"), idxBuf.Bytes()); err != nil {
		return fmt.Errorf("pack journal: %w", err)
	}
	return nil
}

func indexByID(objects []pack.Object) map[object.ID]pack.Object {
	m := make(map[object.ID]pack.Object, len(objects))
	for _, obj := range objects {
		m[obj.ID] = obj
	}
	return m
}

// overlayStore reads from the freshly decoded objects first and falls back
// to the repository store for thin-pack bases. It rejects writes; the
// journal never mutates object storage.
type overlayStore struct {
	decoded  map[object.ID]pack.Object
	fallback object.Store
}

func (o overlayStore) Put(object.Type, []byte) (object.ID, error) {
	return object.ZeroID, fmt.Errorf("pack journal store is read-only")
}

func (o overlayStore) Get(id object.ID) (object.Type, []byte, error) {
	if obj, ok := o.decoded[id]; ok {
		return obj.Type, obj.Data, nil
	}
	if o.fallback != nil {
		return o.fallback.Get(id)
	}
	return "", nil, fmt.Errorf("object %s: %w", id, object.ErrNotFound)
}

func (o overlayStore) Has(id object.ID) bool {
	if _, ok := o.decoded[id]; ok {
		return true
	}
	return o.fallback != nil && o.fallback.Has(id)
}

func writeFileAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".journal-tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
