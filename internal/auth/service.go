package auth

import (
	"context"

	"golang.org/x/crypto/bcrypt"

	"github.com/kestrel-iot/kestrel/internal/shared"
	"github.com/kestrel-iot/kestrel/internal/users"
)

// Service wraps authentication business rules.
type Service struct {
	repo users.Repository
}

// NewService constructs a new Service.
func NewService(repo users.Repository) *Service {
	return &Service{repo: repo}
}

// Authenticate validates name/password credentials.
func (s *Service) Authenticate(ctx context.Context, name, password string) (*users.User, error) {
	user, err := s.repo.FindByName(ctx, name)
	if err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	return user, nil
}
