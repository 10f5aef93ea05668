package users

import "time"

// RoleType represents a flat role string attached to a user record
type RoleType string

const (
	// RoleReader is the baseline role granted on first sign-in
	RoleReader RoleType = "reader"
	// RoleAuthor can create and edit posts
	RoleAuthor RoleType = "author"
	// RoleAdmin can manage the site
	RoleAdmin RoleType = "admin"
)

// User is a local account backed by an external GitHub identity. Profile
// fields mirror the provider and are refreshed on every sign-in; Roles and
// Permissions are local-only and never overwritten by the provider.
type User struct {
	ID          string     `json:"id"`                     // External identity id (GitHub numeric id as string)
	Username    string     `json:"username,omitempty"`     // Provider login
	Name        string     `json:"name,omitempty"`         // Display name
	AvatarURL   string     `json:"avatar_url,omitempty"`   // Profile image
	GitHubURL   string     `json:"github_url,omitempty"`   // Provider profile page
	Roles       []RoleType `json:"roles,omitempty"`        // Local roles
	Permissions []string   `json:"permissions,omitempty"`  // Local fine-grained permissions
	CreatedAt   time.Time  `json:"created_at,omitempty"`   // First sign-in
	LastLoginAt time.Time  `json:"last_login_at,omitempty"`
}

// RoleStrings returns the user's roles as plain strings for token claims.
func (u *User) RoleStrings() []string {
	roles := make([]string, 0, len(u.Roles))
	for _, role := range u.Roles {
		roles = append(roles, string(role))
	}
	return roles
}

// HasRole reports whether the user carries the given role.
func (u *User) HasRole(role RoleType) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}
