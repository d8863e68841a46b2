package x509util

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"fmt"
	"math/big"
	"time"
)

// RevokedEntry is one serial+time pair to list in a CRL.
type RevokedEntry struct {
	Serial         *big.Int
	RevocationTime time.Time
}

// BuildCRL creates a signed certificate revocation list covering the
// given entries. The CRL is valid from now until now+validityDays;
// consumers must refresh before next-update. crlNumber must increase
// monotonically across regenerations of the same CA's CRL.
func BuildCRL(
	caKey crypto.Signer,
	caCert *x509.Certificate,
	revoked []RevokedEntry,
	validityDays int,
	crlNumber int64,
) ([]byte, error) {
	now := time.Now().UTC()

	entries := make([]x509.RevocationListEntry, 0, len(revoked))
	for _, r := range revoked {
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   r.Serial,
			RevocationTime: r.RevocationTime.UTC(),
		})
	}

	template := &x509.RevocationList{
		RevokedCertificateEntries: entries,
		Number:                    big.NewInt(crlNumber),
		ThisUpdate:                now,
		NextUpdate:                now.AddDate(0, 0, validityDays),
	}

	der, err := x509.CreateRevocationList(rand.Reader, template, caCert, caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create CRL: %w", err)
	}
	return der, nil
}
