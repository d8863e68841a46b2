package models

import "time"

// User represents a principal that can hold certificates and log in.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email,omitempty"`
	PasswordHash string    `json:"-"` // Never expose password hash in JSON
	TOTPSecret   string    `json:"-"` // Never expose TOTP secret in JSON
	IsActive     bool      `json:"is_active"`
	IsAdmin      bool      `json:"is_admin"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// MFAConfigured reports whether the user has a TOTP secret registered.
func (u *User) MFAConfigured() bool {
	return u.TOTPSecret != ""
}
