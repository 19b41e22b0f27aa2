// Package users resolves the two user identity stores the engine assigns
// roles to. Account lifecycle is owned elsewhere; this package only reads.
package users

import "time"

// InternalUser is a staff identity.
type InternalUser struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// InstitutionalUser is an external member identity.
type InstitutionalUser struct {
	ID          int64     `json:"id"`
	Email       string    `json:"email"`
	Name        string    `json:"name"`
	Institution string    `json:"institution"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
}
