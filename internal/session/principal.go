package session

import "github.com/adamscao/pkiserver/internal/models"

// Principal is the identity a session is scoped to. It is either fully
// resolved to a user row, or a bare username staged before login
// completes. Modeling both shapes in one type keeps the MFA state
// machine from doing ad-hoc presence checks.
type Principal struct {
	user     *models.User
	username string
}

// ResolvedPrincipal builds a principal backed by a user row.
func ResolvedPrincipal(user *models.User) Principal {
	return Principal{user: user, username: user.Username}
}

// PendingPrincipal builds a principal known only by username.
func PendingPrincipal(username string) Principal {
	return Principal{username: username}
}

// Username returns the principal's username in either state.
func (p Principal) Username() string {
	return p.username
}

// User returns the resolved user, if any.
func (p Principal) User() (*models.User, bool) {
	return p.user, p.user != nil
}

// Resolved reports whether the principal is backed by a user row.
func (p Principal) Resolved() bool {
	return p.user != nil
}
