package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kestrel-iot/kestrel/internal/platform/db"
	"github.com/kestrel-iot/kestrel/internal/shared"
)

// Store provides PostgreSQL backed persistence for roles and access grants.
// Every operation runs through the transactional session; reads return
// snapshots, never live references.
type Store struct {
	session *db.Session
}

// NewStore constructs a Store.
func NewStore(session *db.Session) *Store {
	return &Store{session: session}
}

var _ GrantRepository = (*Store)(nil)

// CreateRole inserts a role and its permission rows. The whole callback,
// including id generation, re-runs when the insert collides with a
// concurrent writer on the per-scope name constraint.
func (s *Store) CreateRole(ctx context.Context, role Role) (Role, error) {
	return db.RunInsert(ctx, s.session, func(ctx context.Context, h *db.TxHandle) (Role, error) {
		tx, err := h.Tx(ctx)
		if err != nil {
			return Role{}, err
		}

		role.ID = uuid.New()
		now := time.Now().UTC()
		role.CreatedAt = now
		role.ModifiedAt = now
		role.ModifiedBy = role.CreatedBy

		_, err = tx.Exec(ctx, `
			INSERT INTO authz_roles (id, scope_id, name, created_at, created_by, modified_at, modified_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			role.ID, role.ScopeID, role.Name, role.CreatedAt, role.CreatedBy, role.ModifiedAt, role.ModifiedBy)
		if err != nil {
			return Role{}, err
		}
		if err := insertRolePermissions(ctx, tx, role.ID, role.CreatedBy, role.Permissions); err != nil {
			return Role{}, err
		}
		if err := h.Commit(ctx); err != nil {
			return Role{}, err
		}
		return role, nil
	})
}

// GetRole fetches a role by id within a scope, permissions included.
func (s *Store) GetRole(ctx context.Context, scopeID, id uuid.UUID) (Role, error) {
	return db.RunQuery(ctx, s.session, func(ctx context.Context, h *db.TxHandle) (Role, error) {
		tx, err := h.Tx(ctx)
		if err != nil {
			return Role{}, err
		}
		role, err := scanRole(tx.QueryRow(ctx, `
			SELECT id, scope_id, name, created_at, created_by, modified_at, modified_by
			FROM authz_roles WHERE scope_id = $1 AND id = $2`, scopeID, id))
		if err != nil {
			return Role{}, err
		}
		role.Permissions, err = loadRolePermissions(ctx, tx, role.ID)
		if err != nil {
			return Role{}, err
		}
		if err := h.Commit(ctx); err != nil {
			return Role{}, err
		}
		return role, nil
	})
}

// FindRoleByName fetches a role by its per-scope unique name.
func (s *Store) FindRoleByName(ctx context.Context, scopeID uuid.UUID, name string) (Role, error) {
	return db.RunQuery(ctx, s.session, func(ctx context.Context, h *db.TxHandle) (Role, error) {
		tx, err := h.Tx(ctx)
		if err != nil {
			return Role{}, err
		}
		role, err := scanRole(tx.QueryRow(ctx, `
			SELECT id, scope_id, name, created_at, created_by, modified_at, modified_by
			FROM authz_roles WHERE scope_id = $1 AND name = $2`, scopeID, name))
		if err != nil {
			return Role{}, err
		}
		role.Permissions, err = loadRolePermissions(ctx, tx, role.ID)
		if err != nil {
			return Role{}, err
		}
		if err := h.Commit(ctx); err != nil {
			return Role{}, err
		}
		return role, nil
	})
}

// ListRoles returns all roles of a scope ordered by name, permissions
// included.
func (s *Store) ListRoles(ctx context.Context, scopeID uuid.UUID) ([]Role, error) {
	return db.RunQuery(ctx, s.session, func(ctx context.Context, h *db.TxHandle) ([]Role, error) {
		tx, err := h.Tx(ctx)
		if err != nil {
			return nil, err
		}
		rows, err := tx.Query(ctx, `
			SELECT id, scope_id, name, created_at, created_by, modified_at, modified_by
			FROM authz_roles WHERE scope_id = $1 ORDER BY name`, scopeID)
		if err != nil {
			return nil, err
		}
		roles, err := collectRoles(rows)
		if err != nil {
			return nil, err
		}
		for i := range roles {
			roles[i].Permissions, err = loadRolePermissions(ctx, tx, roles[i].ID)
			if err != nil {
				return nil, err
			}
		}
		if err := h.Commit(ctx); err != nil {
			return nil, err
		}
		return roles, nil
	})
}

// UpdateRole renames a role and replaces its permission set.
func (s *Store) UpdateRole(ctx context.Context, role Role) (Role, error) {
	return db.RunQuery(ctx, s.session, func(ctx context.Context, h *db.TxHandle) (Role, error) {
		tx, err := h.Tx(ctx)
		if err != nil {
			return Role{}, err
		}
		role.ModifiedAt = time.Now().UTC()
		tag, err := tx.Exec(ctx, `
			UPDATE authz_roles SET name = $1, modified_at = $2, modified_by = $3
			WHERE scope_id = $4 AND id = $5`,
			role.Name, role.ModifiedAt, role.ModifiedBy, role.ScopeID, role.ID)
		if err != nil {
			return Role{}, err
		}
		if tag.RowsAffected() == 0 {
			return Role{}, shared.ErrNotFound
		}
		// Replace rather than diff; permission sets are small.
		if _, err := tx.Exec(ctx, `DELETE FROM authz_role_permissions WHERE role_id = $1`, role.ID); err != nil {
			return Role{}, err
		}
		if err := insertRolePermissions(ctx, tx, role.ID, role.ModifiedBy, role.Permissions); err != nil {
			return Role{}, err
		}
		if err := h.Commit(ctx); err != nil {
			return Role{}, err
		}
		return role, nil
	})
}

// DeleteRole removes a role and all of its permission rows.
func (s *Store) DeleteRole(ctx context.Context, scopeID, id uuid.UUID) error {
	return db.RunAction(ctx, s.session, func(ctx context.Context, h *db.TxHandle) error {
		tx, err := h.Tx(ctx)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM authz_role_permissions WHERE role_id = $1`, id); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM authz_roles WHERE scope_id = $1 AND id = $2`, scopeID, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return shared.ErrNotFound
		}
		return h.Commit(ctx)
	})
}

// CreateAccessInfo inserts an access-info row with its role and permission
// joins.
func (s *Store) CreateAccessInfo(ctx context.Context, info AccessInfo) (AccessInfo, error) {
	return db.RunInsert(ctx, s.session, func(ctx context.Context, h *db.TxHandle) (AccessInfo, error) {
		tx, err := h.Tx(ctx)
		if err != nil {
			return AccessInfo{}, err
		}

		info.ID = uuid.New()
		now := time.Now().UTC()
		info.CreatedAt = now
		info.ModifiedAt = now
		info.ModifiedBy = info.CreatedBy

		_, err = tx.Exec(ctx, `
			INSERT INTO authz_access_info (id, scope_id, user_id, created_at, created_by, modified_at, modified_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			info.ID, info.ScopeID, info.UserID, info.CreatedAt, info.CreatedBy, info.ModifiedAt, info.ModifiedBy)
		if err != nil {
			return AccessInfo{}, err
		}
		for i := range info.Roles {
			info.Roles[i].ID = uuid.New()
			info.Roles[i].AccessInfoID = info.ID
			info.Roles[i].CreatedAt = now
			_, err = tx.Exec(ctx, `
				INSERT INTO authz_access_roles (id, access_info_id, role_id, created_at)
				VALUES ($1, $2, $3, $4)`,
				info.Roles[i].ID, info.ID, info.Roles[i].RoleID, now)
			if err != nil {
				return AccessInfo{}, err
			}
		}
		for i := range info.Permissions {
			info.Permissions[i].ID = uuid.New()
			info.Permissions[i].AccessInfoID = info.ID
			info.Permissions[i].CreatedAt = now
			p := info.Permissions[i].Permission
			_, err = tx.Exec(ctx, `
				INSERT INTO authz_access_permissions (id, access_info_id, domain, action, target_scope_id, created_at)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				info.Permissions[i].ID, info.ID, p.Domain, string(p.Action), nullableScope(p.TargetScopeID), now)
			if err != nil {
				return AccessInfo{}, err
			}
		}
		if err := h.Commit(ctx); err != nil {
			return AccessInfo{}, err
		}
		return info, nil
	})
}

// DeleteAccessInfo removes an access-info row and its joins.
func (s *Store) DeleteAccessInfo(ctx context.Context, scopeID, id uuid.UUID) error {
	return db.RunAction(ctx, s.session, func(ctx context.Context, h *db.TxHandle) error {
		tx, err := h.Tx(ctx)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM authz_access_roles WHERE access_info_id = $1`, id); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM authz_access_permissions WHERE access_info_id = $1`, id); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM authz_access_info WHERE scope_id = $1 AND id = $2`, scopeID, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return shared.ErrNotFound
		}
		return h.Commit(ctx)
	})
}

// FindAccessGrants loads every access-info row of a user expanded into the
// shape the resolver consumes: direct permissions plus roles with their
// permission lists.
func (s *Store) FindAccessGrants(ctx context.Context, scopeID, userID uuid.UUID) ([]AccessGrant, error) {
	return db.RunQuery(ctx, s.session, func(ctx context.Context, h *db.TxHandle) ([]AccessGrant, error) {
		tx, err := h.Tx(ctx)
		if err != nil {
			return nil, err
		}
		rows, err := tx.Query(ctx, `
			SELECT id FROM authz_access_info WHERE scope_id = $1 AND user_id = $2`, scopeID, userID)
		if err != nil {
			return nil, err
		}
		infoIDs, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
		if err != nil {
			return nil, err
		}

		grants := make([]AccessGrant, 0, len(infoIDs))
		for _, infoID := range infoIDs {
			grant := AccessGrant{}

			permRows, err := tx.Query(ctx, `
				SELECT domain, action, target_scope_id
				FROM authz_access_permissions WHERE access_info_id = $1`, infoID)
			if err != nil {
				return nil, err
			}
			grant.Permissions, err = collectPermissions(permRows)
			if err != nil {
				return nil, err
			}

			roleRows, err := tx.Query(ctx, `
				SELECT r.id, r.scope_id, r.name, r.created_at, r.created_by, r.modified_at, r.modified_by
				FROM authz_access_roles ar
				JOIN authz_roles r ON r.id = ar.role_id
				WHERE ar.access_info_id = $1`, infoID)
			if err != nil {
				return nil, err
			}
			grant.Roles, err = collectRoles(roleRows)
			if err != nil {
				return nil, err
			}
			for i := range grant.Roles {
				grant.Roles[i].Permissions, err = loadRolePermissions(ctx, tx, grant.Roles[i].ID)
				if err != nil {
					return nil, err
				}
			}
			grants = append(grants, grant)
		}
		if err := h.Commit(ctx); err != nil {
			return nil, err
		}
		return grants, nil
	})
}

func insertRolePermissions(ctx context.Context, tx pgx.Tx, roleID, actor uuid.UUID, perms []Permission) error {
	now := time.Now().UTC()
	for _, p := range perms {
		_, err := tx.Exec(ctx, `
			INSERT INTO authz_role_permissions (id, role_id, domain, action, target_scope_id, created_at, created_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			uuid.New(), roleID, p.Domain, string(p.Action), nullableScope(p.TargetScopeID), now, actor)
		if err != nil {
			return err
		}
	}
	return nil
}

func loadRolePermissions(ctx context.Context, tx pgx.Tx, roleID uuid.UUID) ([]Permission, error) {
	rows, err := tx.Query(ctx, `
		SELECT domain, action, target_scope_id
		FROM authz_role_permissions WHERE role_id = $1`, roleID)
	if err != nil {
		return nil, err
	}
	return collectPermissions(rows)
}

func collectPermissions(rows pgx.Rows) ([]Permission, error) {
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var (
			p      Permission
			action string
			target *uuid.UUID
		)
		if err := rows.Scan(&p.Domain, &action, &target); err != nil {
			return nil, err
		}
		p.Action = Action(action)
		if target != nil {
			p.TargetScopeID = *target
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func collectRoles(rows pgx.Rows) ([]Role, error) {
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.ScopeID, &role.Name,
			&role.CreatedAt, &role.CreatedBy, &role.ModifiedAt, &role.ModifiedBy); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func scanRole(row pgx.Row) (Role, error) {
	var role Role
	err := row.Scan(&role.ID, &role.ScopeID, &role.Name,
		&role.CreatedAt, &role.CreatedBy, &role.ModifiedAt, &role.ModifiedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, shared.ErrNotFound
		}
		return Role{}, fmt.Errorf("authz: scan role: %w", err)
	}
	return role, nil
}

// nullableScope maps the all-scopes sentinel to SQL NULL.
func nullableScope(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}
