package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/kestrel-iot/kestrel/internal/shared"
)

// UserDirectory maps a principal name to its principal record.
type UserDirectory interface {
	FindByName(ctx context.Context, name string) (*Principal, error)
}

// GrantRepository loads the access grants of one user within a scope.
type GrantRepository interface {
	FindAccessGrants(ctx context.Context, scopeID, userID uuid.UUID) ([]AccessGrant, error)
}

// Resolver computes the effective permission set of a principal by merging
// direct grants with role-derived grants. Every call re-reads persisted
// state; there is no cache, so mutations take effect on the next call.
type Resolver struct {
	users  UserDirectory
	grants GrantRepository
	logger *slog.Logger
}

// NewResolver constructs a Resolver.
func NewResolver(users UserDirectory, grants GrantRepository, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{users: users, grants: grants, logger: logger}
}

// Resolve returns the full permission and role-name sets held by the named
// principal. It fails with shared.ErrUnknownPrincipal when the principal
// does not exist or holds no access grants, and with shared.ErrResolution
// when the store fails. No partial result is ever returned.
func (r *Resolver) Resolve(ctx context.Context, principalName string) (*EffectivePermissionSet, error) {
	r.logger.Debug("resolving permissions", slog.String("principal", principalName))

	principal, err := r.users.FindByName(ctx, principalName)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", shared.ErrUnknownPrincipal, principalName)
		}
		return nil, fmt.Errorf("%w: find principal %q: %v", shared.ErrResolution, principalName, err)
	}

	grants, err := r.grants.FindAccessGrants(ctx, principal.ScopeID, principal.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: load grants for %q: %v", shared.ErrResolution, principalName, err)
	}
	// A principal without access-info rows is not a recognized subject.
	if len(grants) == 0 {
		return nil, fmt.Errorf("%w: %s holds no access grants", shared.ErrUnknownPrincipal, principalName)
	}

	set := NewEffectivePermissionSet()
	for _, grant := range grants {
		for _, p := range grant.Permissions {
			set.AddPermission(p)
		}
		for _, role := range grant.Roles {
			set.AddRole(role.Name)
			for _, p := range role.Permissions {
				set.AddPermission(p)
			}
		}
	}
	return set, nil
}
