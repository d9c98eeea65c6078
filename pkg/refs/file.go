package refs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gutshub/guts/pkg/object"
)

const (
	refLockWaitLimit  = 5 * time.Second
	refLockRetryDelay = 10 * time.Millisecond
)

// FileStore keeps each reference as a file under root, named by its
// slash-separated ref name. Updates use lockfile + rename semantics: the
// new value is written to "<ref>.lock" created with O_EXCL, the old value
// is compared under that lock, and the lockfile is renamed over the ref.
// Concurrent writers to the same name serialize on the lockfile.
type FileStore struct {
	root string
}

// NewFileStore returns a ref store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ref store root: %w", err)
	}
	return &FileStore{root: dir}, nil
}

func (s *FileStore) refPath(name string) string {
	return filepath.Join(s.root, filepath.FromSlash(name))
}

// Read returns the current target of name.
func (s *FileStore) Read(name string) (object.ID, error) {
	id, exists, err := readRefFile(s.refPath(name))
	if err != nil {
		return object.ZeroID, fmt.Errorf("read ref %q: %w", name, err)
	}
	if !exists {
		return object.ZeroID, fmt.Errorf("ref %q: %w", name, ErrNotFound)
	}
	return id, nil
}

// CompareAndSwap atomically moves name from old to new. The zero id means
// "absent" on either side.
func (s *FileStore) CompareAndSwap(name string, old, new object.ID) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	refPath := s.refPath(name)
	if err := os.MkdirAll(filepath.Dir(refPath), 0o755); err != nil {
		return fmt.Errorf("update ref %q: mkdir: %w", name, err)
	}

	lockPath := refPath + ".lock"
	lockFile, err := acquireRefLock(lockPath)
	if err != nil {
		return fmt.Errorf("update ref %q: lock: %w", name, err)
	}
	cleanupLock := true
	defer func() {
		if lockFile != nil {
			_ = lockFile.Close()
		}
		if cleanupLock {
			_ = os.Remove(lockPath)
		}
	}()

	current, exists, err := readRefFile(refPath)
	if err != nil {
		return fmt.Errorf("update ref %q: read old value: %w", name, err)
	}
	if !exists {
		current = object.ZeroID
	}
	if current != old {
		return fmt.Errorf("update ref %q: %w (expected %s, found %s)", name, ErrConflict, old, current)
	}

	if new.IsZero() {
		// Deletion: remove the ref file while still holding the lock.
		if exists {
			if err := os.Remove(refPath); err != nil {
				return fmt.Errorf("update ref %q: remove: %w", name, err)
			}
		}
		return nil
	}

	if _, err := lockFile.WriteString(new.String() + "\n"); err != nil {
		return fmt.Errorf("update ref %q: write: %w", name, err)
	}
	if err := lockFile.Sync(); err != nil {
		return fmt.Errorf("update ref %q: sync: %w", name, err)
	}
	if err := lockFile.Close(); err != nil {
		lockFile = nil
		return fmt.Errorf("update ref %q: close: %w", name, err)
	}
	lockFile = nil

	if err := os.Rename(lockPath, refPath); err != nil {
		return fmt.Errorf("update ref %q: rename: %w", name, err)
	}
	cleanupLock = false
	return nil
}

// List returns refs under prefix sorted by name.
func (s *FileStore) List(prefix string) ([]Ref, error) {
	var out []Ref
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(d.Name(), ".lock") {
			return nil
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if !strings.HasPrefix(name, prefix) {
			return nil
		}

		id, exists, err := readRefFile(path)
		if err != nil {
			return err
		}
		if !exists {
			// Deleted between WalkDir listing it and the read.
			return nil
		}
		out = append(out, Ref{Name: name, Target: id})
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list refs: %w", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func acquireRefLock(lockPath string) (*os.File, error) {
	deadline := time.Now().Add(refLockWaitLimit)
	for {
		f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, nil
		}
		if os.IsExist(err) {
			if time.Now().After(deadline) {
				return nil, fmt.Errorf("timeout waiting for lock %q", lockPath)
			}
			time.Sleep(refLockRetryDelay)
			continue
		}
		return nil, err
	}
}

func readRefFile(path string) (object.ID, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return object.ZeroID, false, nil
		}
		return object.ZeroID, false, err
	}
	id, err := object.ParseID(strings.TrimSpace(string(data)))
	if err != nil {
		return object.ZeroID, false, fmt.Errorf("%s: %w", path, err)
	}
	return id, true, nil
}
