package repo

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/gutshub/guts/pkg/object"
	"github.com/gutshub/guts/pkg/pack"
	"github.com/gutshub/guts/pkg/refs"
)

func managers(t *testing.T) map[string]*Manager {
	t.Helper()
	fileManager, err := NewFileManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileManager: %v", err)
	}
	return map[string]*Manager{
		"memory": NewMemoryManager(),
		"file":   fileManager,
	}
}

func TestManagerCreateOpen(t *testing.T) {
	for kind, m := range managers(t) {
		t.Run(kind, func(t *testing.T) {
			created, err := m.Create("alice", "widgets", CreateOptions{})
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			if created.DefaultBranch != DefaultBranch {
				t.Fatalf("default branch = %q, want %q", created.DefaultBranch, DefaultBranch)
			}
			if created.Visibility != VisibilityPrivate {
				t.Fatalf("visibility = %q, want private", created.Visibility)
			}
			if created.ID == "" {
				t.Fatal("repository id not assigned")
			}
			if created.Path() != "alice/widgets" {
				t.Fatalf("Path = %q", created.Path())
			}

			if _, err := m.Create("alice", "widgets", CreateOptions{}); !errors.Is(err, ErrExists) {
				t.Fatalf("duplicate Create = %v, want ErrExists", err)
			}

			opened, err := m.Open("alice", "widgets")
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			if opened.ID != created.ID {
				t.Fatalf("Open id = %q, want %q", opened.ID, created.ID)
			}

			if _, err := m.Open("alice", "gadgets"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Open missing = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestManagerRejectsBadNames(t *testing.T) {
	m := NewMemoryManager()
	bad := [][2]string{
		{"", "repo"},
		{"owner", ""},
		{"../etc", "repo"},
		{"owner", "re/po"},
		{".hidden", "repo"},
		{"owner", "re po"},
	}
	for _, pair := range bad {
		if _, err := m.Create(pair[0], pair[1], CreateOptions{}); err == nil {
			t.Fatalf("Create(%q, %q) accepted an invalid name", pair[0], pair[1])
		}
	}
}

func TestManagerNamespacesAreIsolated(t *testing.T) {
	for kind, m := range managers(t) {
		t.Run(kind, func(t *testing.T) {
			a, err := m.Create("alice", "one", CreateOptions{})
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			b, err := m.Create("alice", "two", CreateOptions{})
			if err != nil {
				t.Fatalf("Create: %v", err)
			}

			id, err := object.PutBlob(a.Objects, &object.Blob{Data: []byte("only in one")})
			if err != nil {
				t.Fatalf("PutBlob: %v", err)
			}
			if b.Objects.Has(id) {
				t.Fatal("object leaked between repository namespaces")
			}

			if err := a.Refs.CompareAndSwap("refs/heads/main", object.ZeroID, id); err != nil {
				t.Fatalf("CompareAndSwap: %v", err)
			}
			if _, err := b.Refs.Read("refs/heads/main"); !errors.Is(err, refs.ErrNotFound) {
				t.Fatal("ref leaked between repository namespaces")
			}
		})
	}
}

func TestFileManagerPersistsAcrossReopen(t *testing.T) {
	root := t.TempDir()
	m, err := NewFileManager(root)
	if err != nil {
		t.Fatalf("NewFileManager: %v", err)
	}

	created, err := m.Create("bob", "persisted", CreateOptions{DefaultBranch: "trunk", Visibility: VisibilityPublic})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	blobID, err := object.PutBlob(created.Objects, &object.Blob{Data: []byte("survives restarts")})
	if err != nil {
		t.Fatalf("PutBlob: %v", err)
	}
	if err := created.Refs.CompareAndSwap("refs/heads/trunk", object.ZeroID, blobID); err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}

	// A fresh manager simulates a process restart.
	reopened, err := NewFileManager(root)
	if err != nil {
		t.Fatalf("NewFileManager: %v", err)
	}
	repo, err := reopened.Open("bob", "persisted")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if repo.ID != created.ID || repo.DefaultBranch != "trunk" || repo.Visibility != VisibilityPublic {
		t.Fatalf("reopened metadata = %+v", repo)
	}
	if !repo.Objects.Has(blobID) {
		t.Fatal("objects lost across reopen")
	}
	head, err := repo.Head()
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head == nil || head.Target != blobID {
		t.Fatalf("Head = %+v, want target %s", head, blobID)
	}
}

func TestHeadOnEmptyRepository(t *testing.T) {
	m := NewMemoryManager()
	repo, err := m.Create("carol", "empty", CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	head, err := repo.Head()
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head != nil {
		t.Fatalf("Head on empty repository = %+v, want nil", head)
	}
}

func TestPackJournalArchive(t *testing.T) {
	store := object.NewMemoryStore()
	blobID, err := object.PutBlob(store, &object.Blob{Data: bytes.Repeat([]byte("journal payload\n"), 20)})
	if err != nil {
		t.Fatalf("PutBlob: %v", err)
	}

	var buf bytes.Buffer
	if _, err := pack.Encode(&buf, store, []object.ID{blobID}, pack.EncodeOptions{}); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	raw := buf.Bytes()

	objects, err := pack.Decode(raw, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	dir := t.TempDir()
	journal, err := NewPackJournal(dir, store)
	if err != nil {
		t.Fatalf("NewPackJournal: %v", err)
	}
	if err := journal.Archive(raw, objects); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	// Idempotent on the same checksum.
	if err := journal.Archive(raw, objects); err != nil {
		t.Fatalf("re-Archive: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "pack-*.pack"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("pack files = %v, err %v", matches, err)
	}

	idxPath := matches[0][:len(matches[0])-len(".pack")] + ".idx"
	idxData, err := os.ReadFile(idxPath)
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	idx, err := pack.ReadIndex(idxData)
	if err != nil {
		t.Fatalf("ReadIndex: %v", err)
	}
	if _, ok := idx.Find(blobID); !ok {
		t.Fatal("journal index missing archived object")
	}

	archived, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read archived pack: %v", err)
	}
	if !bytes.Equal(archived, raw) {
		t.Fatal("archived pack differs from pushed bytes")
	}
}
