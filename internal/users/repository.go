package users

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kestrel-iot/kestrel/internal/platform/db"
	"github.com/kestrel-iot/kestrel/internal/shared"
)

// Repository defines lookup operations over user accounts.
type Repository interface {
	FindByName(ctx context.Context, name string) (*User, error)
	FindByID(ctx context.Context, id uuid.UUID) (*User, error)
}

// PGRepository implements Repository using PostgreSQL through the
// transactional session.
type PGRepository struct {
	session *db.Session
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(session *db.Session) *PGRepository {
	return &PGRepository{session: session}
}

var _ Repository = (*PGRepository)(nil)

// FindByName fetches a user by its unique name.
func (r *PGRepository) FindByName(ctx context.Context, name string) (*User, error) {
	return r.findOne(ctx, `
		SELECT id, scope_id, name, email, password_hash, is_active, created_at, updated_at
		FROM users WHERE name = $1`, name)
}

// FindByID fetches a user by id.
func (r *PGRepository) FindByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return r.findOne(ctx, `
		SELECT id, scope_id, name, email, password_hash, is_active, created_at, updated_at
		FROM users WHERE id = $1`, id)
}

func (r *PGRepository) findOne(ctx context.Context, query string, arg any) (*User, error) {
	return db.RunQuery(ctx, r.session, func(ctx context.Context, h *db.TxHandle) (*User, error) {
		tx, err := h.Tx(ctx)
		if err != nil {
			return nil, err
		}
		var u User
		err = tx.QueryRow(ctx, query, arg).Scan(
			&u.ID, &u.ScopeID, &u.Name, &u.Email, &u.PasswordHash,
			&u.IsActive, &u.CreatedAt, &u.UpdatedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, shared.ErrNotFound
			}
			return nil, err
		}
		if err := h.Commit(ctx); err != nil {
			return nil, err
		}
		return &u, nil
	})
}
