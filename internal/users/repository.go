package users

import "context"

// RepositoryPort describes the identity lookups the service consumes.
type RepositoryPort interface {
	InternalUserExists(ctx context.Context, id int64) (bool, error)
	InstitutionalUserExists(ctx context.Context, id int64) (bool, error)
	GetInternalUser(ctx context.Context, id int64) (InternalUser, error)
	GetInstitutionalUser(ctx context.Context, id int64) (InstitutionalUser, error)
}
