package ca

import "errors"

var (
	// ErrNoActiveCA indicates no active certificate authority exists.
	// This is an operator configuration problem, not a user error.
	ErrNoActiveCA = errors.New("no active certificate authority")

	// ErrAlreadyRevoked rejects a second revocation of the same
	// certificate; revocation records are immutable.
	ErrAlreadyRevoked = errors.New("certificate already revoked")

	// ErrNotRenewable rejects renewal of a revoked certificate.
	ErrNotRenewable = errors.New("certificate is not renewable")
)
