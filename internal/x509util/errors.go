package x509util

import "errors"

// Sentinel errors for the certificate codec. Callers match with errors.Is.
var (
	// ErrDecode indicates malformed PEM or DER input.
	ErrDecode = errors.New("malformed certificate material")

	// ErrVerification indicates a signature or validity check failed.
	ErrVerification = errors.New("certificate verification failed")

	// ErrUnsupportedParameter indicates an unknown algorithm or key size.
	ErrUnsupportedParameter = errors.New("unsupported key parameter")
)
