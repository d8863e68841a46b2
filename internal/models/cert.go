package models

import "time"

// Certificate types
const (
	CertTypeUser    = "user"
	CertTypeService = "service"
)

// Certificate represents an issued leaf certificate.
// Rows are never deleted; revocation and supersession are the only
// mutations after issuance.
type Certificate struct {
	ID               int64      `json:"id"`
	CAID             int64      `json:"ca_id"`
	UserID           *int64     `json:"user_id,omitempty"`
	CertType         string     `json:"cert_type"`
	SerialNumber     string     `json:"serial_number"` // decimal string, unique per CA
	CertificatePEM   string     `json:"-"`
	PrivateKeyPEM    string     `json:"-"` // empty for service certs, encrypted at rest otherwise
	CertificateHash  string     `json:"certificate_hash"`
	SubjectDN        string     `json:"subject_dn"`
	IssuerDN         string     `json:"issuer_dn"`
	NotBefore        time.Time  `json:"not_before"`
	NotAfter         time.Time  `json:"not_after"`
	Revoked          bool       `json:"revoked"`
	RevocationDate   *time.Time `json:"revocation_date,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// IsValid reports whether the certificate is non-revoked and inside its
// validity window at the given time.
func (c *Certificate) IsValid(now time.Time) bool {
	return !c.Revoked && !now.Before(c.NotBefore) && !now.After(c.NotAfter)
}

// Superseded reports whether a renewal replaced this certificate
// without revoking it.
func (c *Certificate) Superseded() bool {
	return !c.Revoked && c.RevocationReason == ReasonSuperseded
}
