package x509util

import (
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"strings"
)

// PEM block types
const (
	pemTypeCertificate = "CERTIFICATE"
	pemTypePrivateKey  = "PRIVATE KEY"
	pemTypeCRL         = "X509 CRL"
)

// EncodeCertificatePEM encodes DER certificate bytes as PEM.
func EncodeCertificatePEM(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: pemTypeCertificate, Bytes: der}))
}

// EncodePrivateKeyPEM encodes a private key as PKCS#8 PEM.
func EncodePrivateKeyPEM(key crypto.Signer) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("failed to marshal private key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: pemTypePrivateKey, Bytes: der})), nil
}

// EncodeCRLPEM encodes DER CRL bytes as PEM.
func EncodeCRLPEM(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: pemTypeCRL, Bytes: der}))
}

// ParseCertificatePEM parses a PEM-encoded X.509 certificate.
func ParseCertificatePEM(certPEM string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil || block.Type != pemTypeCertificate {
		return nil, fmt.Errorf("%w: no CERTIFICATE block found", ErrDecode)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return cert, nil
}

// ParsePrivateKeyPEM parses a PEM-encoded PKCS#8 private key.
func ParsePrivateKeyPEM(keyPEM string) (crypto.Signer, error) {
	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrDecode)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: key does not implement crypto.Signer", ErrDecode)
	}
	return signer, nil
}

// ParseCRLPEM parses a PEM-encoded certificate revocation list.
func ParseCRLPEM(crlPEM string) (*x509.RevocationList, error) {
	block, _ := pem.Decode([]byte(crlPEM))
	if block == nil || block.Type != pemTypeCRL {
		return nil, fmt.Errorf("%w: no X509 CRL block found", ErrDecode)
	}
	crl, err := x509.ParseRevocationList(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return crl, nil
}

// CertificateHash computes the canonical content hash of a PEM
// certificate: SHA-256 over the base64 body with armor lines and all
// whitespace stripped. The same canonicalization must be applied to the
// proxy-supplied certificate and to the stored one, or the
// anti-reissuance comparison produces false mismatches.
func CertificateHash(certPEM string) string {
	var b strings.Builder
	for _, line := range strings.Split(certPEM, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "-----") {
			continue
		}
		b.WriteString(line)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
