package x509util

import (
	"fmt"
	"time"
)

// VerifyChain checks that the certificate was signed by the CA and is
// inside its validity window. Revocation is deliberately not checked
// here; that requires store access and belongs to the CA manager.
func VerifyChain(certPEM, caCertPEM string) error {
	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return err
	}
	caCert, err := ParseCertificatePEM(caCertPEM)
	if err != nil {
		return err
	}

	if err := cert.CheckSignatureFrom(caCert); err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}

	now := time.Now()
	if now.Before(cert.NotBefore) {
		return fmt.Errorf("%w: certificate not yet valid", ErrVerification)
	}
	if now.After(cert.NotAfter) {
		return fmt.Errorf("%w: certificate expired", ErrVerification)
	}

	return nil
}
