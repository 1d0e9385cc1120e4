package users

import (
	"time"

	"github.com/google/uuid"
)

// User represents a user account inside one tenant scope.
type User struct {
	ID           uuid.UUID
	ScopeID      uuid.UUID
	Name         string
	Email        string
	PasswordHash string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
