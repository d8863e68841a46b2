package x509util

import (
	"crypto"
	"crypto/x509"
	"fmt"

	"software.sslmate.com/src/go-pkcs12"
)

// BundlePKCS12 packs a leaf certificate, its private key and the CA
// chain into a PKCS#12 container. An empty password produces an
// unprotected container for clients that cannot prompt for one.
func BundlePKCS12(certPEM, keyPEM, caCertPEM, password string) ([]byte, error) {
	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, err
	}
	key, err := ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, err
	}
	caCert, err := ParseCertificatePEM(caCertPEM)
	if err != nil {
		return nil, err
	}

	encoder := pkcs12.Modern
	if password == "" {
		encoder = pkcs12.Passwordless
	}

	data, err := encoder.Encode(key, cert, []*x509.Certificate{caCert}, password)
	if err != nil {
		return nil, fmt.Errorf("failed to encode PKCS#12 bundle: %w", err)
	}
	return data, nil
}

// UnbundlePKCS12 unpacks a PKCS#12 container. Used by tests and the
// admin CLI to verify exported bundles.
func UnbundlePKCS12(data []byte, password string) (crypto.PrivateKey, *x509.Certificate, []*x509.Certificate, error) {
	key, cert, caCerts, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return key, cert, caCerts, nil
}
