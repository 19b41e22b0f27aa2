package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate indicates a uniqueness constraint was violated at the storage level.
	ErrDuplicate = errors.New("duplicate entry")
	// ErrForbidden indicates the operation is not allowed for the entity.
	ErrForbidden = errors.New("forbidden")
)
