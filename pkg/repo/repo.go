// Package repo scopes object and reference storage to named repositories
// and manages their lifecycle.
package repo

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/gutshub/guts/pkg/object"
	"github.com/gutshub/guts/pkg/refs"
)

var (
	// ErrExists reports creation of a repository name already taken.
	ErrExists = errors.New("repository already exists")

	// ErrNotFound reports an open of a repository that does not exist.
	ErrNotFound = errors.New("repository not found")
)

// Visibility controls who may see a repository. Enforcement lives with the
// caller; storage only records the setting.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// DefaultBranch is the branch name new repositories start with.
const DefaultBranch = "main"

// Repository binds one (owner, name) namespace to its object and ref
// stores.
type Repository struct {
	ID            string
	Owner         string
	Name          string
	DefaultBranch string
	Visibility    Visibility

	Objects object.Store
	Refs    refs.Store
}

// Path returns the "owner/name" form used in URLs and logs.
func (r *Repository) Path() string {
	return r.Owner + "/" + r.Name
}

// Head resolves the symbolic HEAD to the default branch ref. A repository
// whose default branch has not been pushed yet has no HEAD and returns
// nil without error.
func (r *Repository) Head() (*refs.Ref, error) {
	name := "refs/heads/" + r.DefaultBranch
	target, err := r.Refs.Read(name)
	if errors.Is(err, refs.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &refs.Ref{Name: name, Target: target}, nil
}

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

func validateComponent(kind, s string) error {
	if !namePattern.MatchString(s) {
		return fmt.Errorf("invalid %s %q", kind, s)
	}
	if len(s) > 100 {
		return fmt.Errorf("invalid %s %q: too long", kind, s)
	}
	return nil
}
