package users

import (
	"context"
	"fmt"

	"github.com/atrium-campus/atrium/internal/security"
)

// Service exposes identity resolution to the security engine.
type Service struct {
	repo RepositoryPort
}

// NewService constructs the identity service.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

var _ security.IdentityPort = (*Service)(nil)

// Exists reports whether the identity referenced by a role assignment is a
// real, active user in the store the user type selects.
func (s *Service) Exists(ctx context.Context, userType security.UserType, userID int64) (bool, error) {
	switch userType {
	case security.UserTypeInternal:
		return s.repo.InternalUserExists(ctx, userID)
	case security.UserTypeInstitutional:
		return s.repo.InstitutionalUserExists(ctx, userID)
	default:
		return false, fmt.Errorf("users: unknown user type %q", userType)
	}
}
