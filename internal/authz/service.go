package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// StorePort defines the persistence operations the service needs.
type StorePort interface {
	CreateRole(ctx context.Context, role Role) (Role, error)
	GetRole(ctx context.Context, scopeID, id uuid.UUID) (Role, error)
	FindRoleByName(ctx context.Context, scopeID uuid.UUID, name string) (Role, error)
	ListRoles(ctx context.Context, scopeID uuid.UUID) ([]Role, error)
	UpdateRole(ctx context.Context, role Role) (Role, error)
	DeleteRole(ctx context.Context, scopeID, id uuid.UUID) error
	CreateAccessInfo(ctx context.Context, info AccessInfo) (AccessInfo, error)
	DeleteAccessInfo(ctx context.Context, scopeID, id uuid.UUID) error
}

// Service orchestrates role and access-grant management.
type Service struct {
	store  StorePort
	logger *slog.Logger
}

// NewService constructs a Service.
func NewService(store StorePort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// CreateRole inserts a new role with its initial permission set.
func (s *Service) CreateRole(ctx context.Context, scopeID, actor uuid.UUID, name string, perms []Permission) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, errors.New("authz: role name required")
	}
	if err := validatePermissions(perms); err != nil {
		return Role{}, err
	}
	return s.store.CreateRole(ctx, Role{
		ScopeID:     scopeID,
		Name:        name,
		Permissions: perms,
		CreatedBy:   actor,
	})
}

// GetRole fetches a role by id.
func (s *Service) GetRole(ctx context.Context, scopeID, id uuid.UUID) (Role, error) {
	return s.store.GetRole(ctx, scopeID, id)
}

// ListRoles returns all roles of a scope.
func (s *Service) ListRoles(ctx context.Context, scopeID uuid.UUID) ([]Role, error) {
	return s.store.ListRoles(ctx, scopeID)
}

// UpdateRole renames a role and replaces its permission set.
func (s *Service) UpdateRole(ctx context.Context, scopeID, id, actor uuid.UUID, name string, perms []Permission) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, errors.New("authz: role name required")
	}
	if err := validatePermissions(perms); err != nil {
		return Role{}, err
	}
	return s.store.UpdateRole(ctx, Role{
		ID:          id,
		ScopeID:     scopeID,
		Name:        name,
		Permissions: perms,
		ModifiedBy:  actor,
	})
}

// DeleteRole removes a role together with its permission rows.
func (s *Service) DeleteRole(ctx context.Context, scopeID, id uuid.UUID) error {
	return s.store.DeleteRole(ctx, scopeID, id)
}

// GrantAccess creates an access-info row tying a user to roles and direct
// permission grants. Referenced roles must exist in the scope.
func (s *Service) GrantAccess(ctx context.Context, scopeID, actor, userID uuid.UUID, roleIDs []uuid.UUID, perms []Permission) (AccessInfo, error) {
	if userID == uuid.Nil {
		return AccessInfo{}, errors.New("authz: user id required")
	}
	if err := validatePermissions(perms); err != nil {
		return AccessInfo{}, err
	}
	info := AccessInfo{
		ScopeID:   scopeID,
		UserID:    userID,
		CreatedBy: actor,
	}
	for _, roleID := range roleIDs {
		if _, err := s.store.GetRole(ctx, scopeID, roleID); err != nil {
			return AccessInfo{}, fmt.Errorf("authz: grant references role %s: %w", roleID, err)
		}
		info.Roles = append(info.Roles, AccessRole{RoleID: roleID})
	}
	for _, p := range perms {
		info.Permissions = append(info.Permissions, AccessPermission{Permission: p})
	}
	created, err := s.store.CreateAccessInfo(ctx, info)
	if err != nil {
		return AccessInfo{}, err
	}
	s.logger.Info("access granted",
		slog.String("user_id", userID.String()),
		slog.String("scope_id", scopeID.String()),
		slog.Int("roles", len(roleIDs)),
		slog.Int("permissions", len(perms)))
	return created, nil
}

// RevokeAccess removes an access-info row and everything it granted.
func (s *Service) RevokeAccess(ctx context.Context, scopeID, id uuid.UUID) error {
	return s.store.DeleteAccessInfo(ctx, scopeID, id)
}

func validatePermissions(perms []Permission) error {
	for _, p := range perms {
		if strings.TrimSpace(p.Domain) == "" {
			return errors.New("authz: permission domain required")
		}
		if !p.Action.Valid() {
			return fmt.Errorf("authz: invalid action %q", p.Action)
		}
	}
	return nil
}
