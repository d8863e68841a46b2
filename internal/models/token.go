package models

import "time"

// APIToken is a bearer credential issued after MFA verification.
// The token value itself is never stored, only its hash.
type APIToken struct {
	ID            int64      `json:"id"`
	UserID        int64      `json:"user_id"`
	TokenHash     string     `json:"-"`
	AuthMethod    string     `json:"auth_method"`
	MFAVerifiedAt time.Time  `json:"mfa_verified_at"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
}
