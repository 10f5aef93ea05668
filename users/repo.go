package users

import "context"

// Repo defines the interface for user storage operations.
type Repo interface {
	// Get retrieves a user by external identity id
	Get(ctx context.Context, id string) (*User, error)

	// Upsert creates or replaces a user record
	Upsert(ctx context.Context, user *User) error
}
