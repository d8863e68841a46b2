package x509util

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"
)

// Subject constants shared by all certificates issued here
const (
	subjectCountry      = "US"
	subjectOrganization = "Chain of Custody"
	caOrganization      = "Chain of Custody CA"
)

// CASubject builds the distinguished name for a CA certificate.
func CASubject(name string) pkix.Name {
	return pkix.Name{
		Country:      []string{subjectCountry},
		Province:     []string{"State"},
		Locality:     []string{"City"},
		Organization: []string{caOrganization},
		CommonName:   name,
	}
}

// LeafSubject builds the distinguished name for a leaf certificate.
// email may be empty for service certificates.
func LeafSubject(commonName, email string) pkix.Name {
	subject := pkix.Name{
		Country:      []string{subjectCountry},
		Organization: []string{subjectOrganization},
		CommonName:   commonName,
	}
	if email != "" {
		subject.ExtraNames = append(subject.ExtraNames, pkix.AttributeTypeAndValue{
			Type:  oidEmailAddress,
			Value: email,
		})
	}
	return subject
}

// oidEmailAddress is the PKCS#9 emailAddress attribute.
var oidEmailAddress = []int{1, 2, 840, 113549, 1, 9, 1}

// BuildCACertificate creates a self-signed CA certificate.
// The certificate carries CA=true with pathlen 0 and the key usages
// required for signing leaf certificates and CRLs, all critical.
func BuildCACertificate(kp *KeyPair, name string, validityDays int) ([]byte, error) {
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               CASubject(name),
		NotBefore:             now,
		NotAfter:              now.AddDate(0, 0, validityDays),
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		SignatureAlgorithm:    signatureAlgorithmFor(kp.PrivateKey),
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, kp.Public(), kp.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}
	return der, nil
}

// BuildLeafCertificate creates a client certificate signed by the CA.
// Leaf certificates are constrained to client authentication and can
// never sign further certificates.
func BuildLeafCertificate(
	caKey crypto.Signer,
	caCert *x509.Certificate,
	subjectPub crypto.PublicKey,
	subject pkix.Name,
	serial *big.Int,
	validityDays int,
) ([]byte, error) {
	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             now,
		NotAfter:              now.AddDate(0, 0, validityDays),
		IsCA:                  false,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		SignatureAlgorithm:    signatureAlgorithmFor(caKey),
	}

	der, err := x509.CreateCertificate(rand.Reader, template, caCert, subjectPub, caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create leaf certificate: %w", err)
	}
	return der, nil
}

// randomSerial generates a random serial number for self-signed
// certificates. Leaf serials come from the CA's counter instead.
func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serial, nil
}

// signatureAlgorithmFor selects SHA-256 signing for the key type.
func signatureAlgorithmFor(key crypto.Signer) x509.SignatureAlgorithm {
	switch key.Public().(type) {
	case *rsa.PublicKey:
		return x509.SHA256WithRSA
	case *ecdsa.PublicKey:
		return x509.ECDSAWithSHA256
	default:
		return x509.UnknownSignatureAlgorithm
	}
}
