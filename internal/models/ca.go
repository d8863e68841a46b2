package models

import "time"

// CertificateAuthority represents the internal root CA.
// Exactly one CA is active at a time. The serial counter holds the next
// serial to hand out and only ever moves forward, even across
// re-creation of the CA, so serials are never reused within a CRL.
type CertificateAuthority struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	CertificatePEM string    `json:"-"`
	PrivateKeyPEM  string    `json:"-"` // AES-GCM encrypted at rest
	SerialNumber   int64     `json:"serial_number"`
	IsActive       bool      `json:"is_active"`
	ValidFrom      time.Time `json:"valid_from"`
	ValidUntil     time.Time `json:"valid_until"`
	CreatedAt      time.Time `json:"created_at"`
}
