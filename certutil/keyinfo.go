package certutil

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"fmt"

	"github.com/cockroachdb/errors"
)

// KeyInfo describes a certificate public key
type KeyInfo struct {
	Algorithm x509.PublicKeyAlgorithm
	// Size in bits: modulus for RSA, curve for ECDSA
	Size int
}

// String returns algorithm and size, as "RSA 2048"
func (k KeyInfo) String() string {
	return fmt.Sprintf("%s %d", k.Algorithm, k.Size)
}

// PublicKeyInfo returns KeyInfo of the public key
func PublicKeyInfo(pub crypto.PublicKey) (KeyInfo, error) {
	switch key := pub.(type) {
	case *rsa.PublicKey:
		return KeyInfo{Algorithm: x509.RSA, Size: key.N.BitLen()}, nil
	case *ecdsa.PublicKey:
		return KeyInfo{Algorithm: x509.ECDSA, Size: key.Curve.Params().BitSize}, nil
	case ed25519.PublicKey:
		return KeyInfo{Algorithm: x509.Ed25519, Size: ed25519.PublicKeySize * 8}, nil
	default:
		return KeyInfo{}, errors.Errorf("public key not supported: %T", pub)
	}
}
