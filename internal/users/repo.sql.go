package users

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atrium-campus/atrium/internal/shared"
)

// Repository provides PostgreSQL backed identity lookups.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InternalUserExists reports whether an active internal user exists.
func (r *Repository) InternalUserExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM internal_users WHERE id = $1 AND is_active)`, id).Scan(&exists)
	return exists, err
}

// InstitutionalUserExists reports whether an active institutional user exists.
func (r *Repository) InstitutionalUserExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM institutional_users WHERE id = $1 AND is_active)`, id).Scan(&exists)
	return exists, err
}

// GetInternalUser fetches one internal user.
func (r *Repository) GetInternalUser(ctx context.Context, id int64) (InternalUser, error) {
	var user InternalUser
	err := r.pool.QueryRow(ctx, `SELECT id, email, name, is_active, created_at FROM internal_users WHERE id = $1`, id).
		Scan(&user.ID, &user.Email, &user.Name, &user.IsActive, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return InternalUser{}, shared.ErrNotFound
	}
	if err != nil {
		return InternalUser{}, err
	}
	return user, nil
}

// GetInstitutionalUser fetches one institutional user.
func (r *Repository) GetInstitutionalUser(ctx context.Context, id int64) (InstitutionalUser, error) {
	var user InstitutionalUser
	err := r.pool.QueryRow(ctx, `SELECT id, email, name, institution, is_active, created_at FROM institutional_users WHERE id = $1`, id).
		Scan(&user.ID, &user.Email, &user.Name, &user.Institution, &user.IsActive, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return InstitutionalUser{}, shared.ErrNotFound
	}
	if err != nil {
		return InstitutionalUser{}, err
	}
	return user, nil
}
