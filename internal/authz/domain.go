package authz

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Action enumerates the operations a permission can allow.
type Action string

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionDelete Action = "delete"
	ActionAll    Action = "all"
)

// Valid reports whether a belongs to the closed action set.
func (a Action) Valid() bool {
	switch a {
	case ActionRead, ActionWrite, ActionDelete, ActionAll:
		return true
	}
	return false
}

// Permission is an immutable grant triple. TargetScopeID equal to uuid.Nil
// means the grant applies in every scope. Two permissions are equal iff all
// three fields match; the struct is comparable so it can key dedup maps.
type Permission struct {
	Domain        string
	Action        Action
	TargetScopeID uuid.UUID
}

// String renders the colon-delimited form, with "*" for the all-scopes id.
func (p Permission) String() string {
	scope := "*"
	if p.TargetScopeID != uuid.Nil {
		scope = p.TargetScopeID.String()
	}
	return p.Domain + ":" + string(p.Action) + ":" + scope
}

// Implies reports whether holding p satisfies a requirement for req.
// The domain must match exactly; ActionAll covers any action; the uuid.Nil
// target scope covers any scope.
func (p Permission) Implies(req Permission) bool {
	if p.Domain != req.Domain {
		return false
	}
	if p.Action != ActionAll && p.Action != req.Action {
		return false
	}
	if p.TargetScopeID != uuid.Nil && p.TargetScopeID != req.TargetScopeID {
		return false
	}
	return true
}

// Role is a named, scope-owned permission grouping. Name is unique within
// a scope. Permissions is a snapshot; mutate roles only through the service.
type Role struct {
	ID          uuid.UUID
	ScopeID     uuid.UUID
	Name        string
	Permissions []Permission
	CreatedAt   time.Time
	CreatedBy   uuid.UUID
	ModifiedAt  time.Time
	ModifiedBy  uuid.UUID
}

// RolePermission joins a role to one permission value. It lives and dies
// with its role and is never addressed by clients directly.
type RolePermission struct {
	ID         uuid.UUID
	RoleID     uuid.UUID
	Permission Permission
	CreatedAt  time.Time
	CreatedBy  uuid.UUID
}

// AccessInfo associates a user with roles and direct permission grants
// inside one scope. A user may hold more than one row; the resolver merges
// all of them.
type AccessInfo struct {
	ID          uuid.UUID
	ScopeID     uuid.UUID
	UserID      uuid.UUID
	Roles       []AccessRole
	Permissions []AccessPermission
	CreatedAt   time.Time
	CreatedBy   uuid.UUID
	ModifiedAt  time.Time
	ModifiedBy  uuid.UUID
}

// AccessRole joins an access-info row to a role.
type AccessRole struct {
	ID           uuid.UUID
	AccessInfoID uuid.UUID
	RoleID       uuid.UUID
	CreatedAt    time.Time
}

// AccessPermission joins an access-info row to a direct permission grant.
type AccessPermission struct {
	ID           uuid.UUID
	AccessInfoID uuid.UUID
	Permission   Permission
	CreatedAt    time.Time
}

// AccessGrant is the expanded view of one access-info row the resolver
// consumes: direct permissions plus referenced roles with their permission
// lists loaded.
type AccessGrant struct {
	Permissions []Permission
	Roles       []Role
}

// Principal is the authenticated subject whose permissions are resolved.
type Principal struct {
	ID      uuid.UUID
	ScopeID uuid.UUID
	Name    string
}

// EffectivePermissionSet is the derived, deduplicated result of resolving
// a principal: every permission held (direct or via roles) and every role
// name held. It is computed fresh on each resolution and never persisted.
type EffectivePermissionSet struct {
	permissions map[Permission]struct{}
	roles       map[string]struct{}
}

// NewEffectivePermissionSet returns an empty set.
func NewEffectivePermissionSet() *EffectivePermissionSet {
	return &EffectivePermissionSet{
		permissions: make(map[Permission]struct{}),
		roles:       make(map[string]struct{}),
	}
}

// AddPermission records a permission; duplicates collapse.
func (s *EffectivePermissionSet) AddPermission(p Permission) {
	s.permissions[p] = struct{}{}
}

// AddRole records a role name; duplicates collapse.
func (s *EffectivePermissionSet) AddRole(name string) {
	s.roles[name] = struct{}{}
}

// HasPermission reports exact membership of p.
func (s *EffectivePermissionSet) HasPermission(p Permission) bool {
	_, ok := s.permissions[p]
	return ok
}

// HasRole reports membership of the role name.
func (s *EffectivePermissionSet) HasRole(name string) bool {
	_, ok := s.roles[name]
	return ok
}

// Implies reports whether any held permission satisfies req.
func (s *EffectivePermissionSet) Implies(req Permission) bool {
	for p := range s.permissions {
		if p.Implies(req) {
			return true
		}
	}
	return false
}

// Permissions returns the held permissions, ordered by their string form.
func (s *EffectivePermissionSet) Permissions() []Permission {
	out := make([]Permission, 0, len(s.permissions))
	for p := range s.permissions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Roles returns the held role names in lexical order.
func (s *EffectivePermissionSet) Roles() []string {
	out := make([]string, 0, len(s.roles))
	for name := range s.roles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
