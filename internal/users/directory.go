package users

import (
	"context"

	"github.com/kestrel-iot/kestrel/internal/authz"
	"github.com/kestrel-iot/kestrel/internal/shared"
)

// Directory adapts the user repository to the principal lookup the
// authorization resolver needs. Inactive accounts are not principals.
type Directory struct {
	repo Repository
}

// NewDirectory constructs a Directory.
func NewDirectory(repo Repository) *Directory {
	return &Directory{repo: repo}
}

var _ authz.UserDirectory = (*Directory)(nil)

// FindByName maps a user name to a principal record.
func (d *Directory) FindByName(ctx context.Context, name string) (*authz.Principal, error) {
	user, err := d.repo.FindByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, shared.ErrNotFound
	}
	return &authz.Principal{ID: user.ID, ScopeID: user.ScopeID, Name: user.Name}, nil
}
