package x509util

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
)

// Supported key algorithms
const (
	AlgorithmRSA   = "rsa"
	AlgorithmECDSA = "ecdsa-p256"
)

// KeyPair holds a generated asymmetric key pair
type KeyPair struct {
	PrivateKey crypto.Signer
	Algorithm  string
	Bits       int
}

// GenerateKeyPair generates a new key pair.
// RSA accepts 2048, 3072 or 4096 bit moduli; ECDSA is fixed to P-256
// and ignores bits.
func GenerateKeyPair(algorithm string, bits int) (*KeyPair, error) {
	switch algorithm {
	case AlgorithmRSA:
		switch bits {
		case 2048, 3072, 4096:
		default:
			return nil, fmt.Errorf("%w: rsa key size %d", ErrUnsupportedParameter, bits)
		}
		priv, err := rsa.GenerateKey(rand.Reader, bits)
		if err != nil {
			return nil, fmt.Errorf("failed to generate RSA key: %w", err)
		}
		return &KeyPair{PrivateKey: priv, Algorithm: AlgorithmRSA, Bits: bits}, nil

	case AlgorithmECDSA:
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate ECDSA key: %w", err)
		}
		return &KeyPair{PrivateKey: priv, Algorithm: AlgorithmECDSA, Bits: 256}, nil

	default:
		return nil, fmt.Errorf("%w: algorithm %q", ErrUnsupportedParameter, algorithm)
	}
}

// Public returns the public half of the key pair.
func (kp *KeyPair) Public() crypto.PublicKey {
	return kp.PrivateKey.Public()
}
