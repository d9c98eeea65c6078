package repo

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/gutshub/guts/pkg/object"
	"github.com/gutshub/guts/pkg/refs"
)

// CreateOptions tunes repository creation. Zero values pick the defaults.
type CreateOptions struct {
	DefaultBranch string
	Visibility    Visibility
}

func (o CreateOptions) withDefaults() CreateOptions {
	if o.DefaultBranch == "" {
		o.DefaultBranch = DefaultBranch
	}
	if o.Visibility == "" {
		o.Visibility = VisibilityPrivate
	}
	return o
}

// Manager creates and opens repositories. With a root directory each
// repository persists under <root>/<owner>/<name>; without one everything
// lives in process memory. Open repositories are cached so concurrent
// requests share one store per repository.
type Manager struct {
	root string

	mu    sync.Mutex
	repos map[string]*Repository
}

// NewMemoryManager returns a manager whose repositories exist only in
// memory. Used by tests and ephemeral servers.
func NewMemoryManager() *Manager {
	return &Manager{repos: make(map[string]*Repository)}
}

// NewFileManager returns a manager persisting repositories under root.
func NewFileManager(root string) (*Manager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("repository root: %w", err)
	}
	return &Manager{root: root, repos: make(map[string]*Repository)}, nil
}

// metadata is the on-disk repo.toml document.
type metadata struct {
	ID            string     `toml:"id"`
	DefaultBranch string     `toml:"default_branch"`
	Visibility    Visibility `toml:"visibility"`
	CreatedAt     time.Time  `toml:"created_at"`
}

// Create allocates a new repository namespace.
func (m *Manager) Create(owner, name string, opts CreateOptions) (*Repository, error) {
	if err := validateComponent("owner", owner); err != nil {
		return nil, err
	}
	if err := validateComponent("repository name", name); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	m.mu.Lock()
	defer m.mu.Unlock()

	key := owner + "/" + name
	if _, ok := m.repos[key]; ok {
		return nil, fmt.Errorf("%s: %w", key, ErrExists)
	}

	repo := &Repository{
		ID:            uuid.NewString(),
		Owner:         owner,
		Name:          name,
		DefaultBranch: opts.DefaultBranch,
		Visibility:    opts.Visibility,
	}

	if m.root == "" {
		repo.Objects = object.NewMemoryStore()
		repo.Refs = refs.NewMemoryStore()
		m.repos[key] = repo
		return repo, nil
	}

	dir := m.repoDir(owner, name)
	if _, err := os.Stat(filepath.Join(dir, "repo.toml")); err == nil {
		return nil, fmt.Errorf("%s: %w", key, ErrExists)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", key, err)
	}

	meta := metadata{
		ID:            repo.ID,
		DefaultBranch: repo.DefaultBranch,
		Visibility:    repo.Visibility,
		CreatedAt:     time.Now().UTC(),
	}
	if err := writeMetadata(dir, meta); err != nil {
		return nil, fmt.Errorf("create %s: %w", key, err)
	}

	if err := m.attachStores(repo, dir); err != nil {
		return nil, fmt.Errorf("create %s: %w", key, err)
	}
	m.repos[key] = repo
	return repo, nil
}

// Open returns an existing repository.
func (m *Manager) Open(owner, name string) (*Repository, error) {
	if err := validateComponent("owner", owner); err != nil {
		return nil, err
	}
	if err := validateComponent("repository name", name); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := owner + "/" + name
	if repo, ok := m.repos[key]; ok {
		return repo, nil
	}
	if m.root == "" {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}

	dir := m.repoDir(owner, name)
	meta, err := readMetadata(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("open %s: %w", key, err)
	}

	repo := &Repository{
		ID:            meta.ID,
		Owner:         owner,
		Name:          name,
		DefaultBranch: meta.DefaultBranch,
		Visibility:    meta.Visibility,
	}
	if err := m.attachStores(repo, dir); err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	m.repos[key] = repo
	return repo, nil
}

// JournalDir returns the pack journal directory for a repository, creating
// it on first use. Memory-backed managers have no journal and return "".
func (m *Manager) JournalDir(r *Repository) (string, error) {
	if m.root == "" {
		return "", nil
	}
	dir := filepath.Join(m.repoDir(r.Owner, r.Name), "packs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("journal dir: %w", err)
	}
	return dir, nil
}

func (m *Manager) repoDir(owner, name string) string {
	return filepath.Join(m.root, owner, name)
}

func (m *Manager) attachStores(repo *Repository, dir string) error {
	objects, err := object.NewFileStore(filepath.Join(dir, "objects"))
	if err != nil {
		return err
	}
	refStore, err := refs.NewFileStore(filepath.Join(dir, "refs"))
	if err != nil {
		return err
	}
	repo.Objects = objects
	repo.Refs = refStore
	return nil
}

func writeMetadata(dir string, meta metadata) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(meta); err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".repo-toml-*")
	if err != nil {
		return fmt.Errorf("metadata tmpfile: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close metadata: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, "repo.toml")); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename metadata: %w", err)
	}
	return nil
}

func readMetadata(dir string) (metadata, error) {
	var meta metadata
	if _, err := toml.DecodeFile(filepath.Join(dir, "repo.toml"), &meta); err != nil {
		return metadata{}, err
	}
	if meta.DefaultBranch == "" {
		meta.DefaultBranch = DefaultBranch
	}
	if meta.Visibility == "" {
		meta.Visibility = VisibilityPrivate
	}
	return meta, nil
}
