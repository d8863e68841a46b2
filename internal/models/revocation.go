package models

import (
	"fmt"
	"time"
)

// Revocation reason codes (RFC 5280 subset used here)
const (
	ReasonUnspecified          = "unspecified"
	ReasonKeyCompromise        = "key-compromise"
	ReasonCACompromise         = "ca-compromise"
	ReasonAffiliationChanged   = "affiliation-changed"
	ReasonSuperseded           = "superseded"
	ReasonCessationOfOperation = "cessation-of-operation"
)

// ValidateRevocationReason checks a reason code against the known set.
func ValidateRevocationReason(reason string) error {
	switch reason {
	case ReasonUnspecified, ReasonKeyCompromise, ReasonCACompromise,
		ReasonAffiliationChanged, ReasonSuperseded, ReasonCessationOfOperation:
		return nil
	}
	return fmt.Errorf("unknown revocation reason: %q", reason)
}

// RevocationRecord is the immutable audit record created when a
// certificate is revoked.
type RevocationRecord struct {
	ID            int64     `json:"id"`
	CertificateID int64     `json:"certificate_id"`
	Reason        string    `json:"reason"`
	RevokedBy     string    `json:"revoked_by"`
	CreatedAt     time.Time `json:"created_at"`
}
