package keystore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultKeyBits is the modulus size used when generating signing keys.
const DefaultKeyBits = 2048

// KeyPair holds an RSA signing key and its identity. Exactly one pair is
// current at any time; retired pairs keep their private half only so tokens
// signed before rotation remain verifiable. Retired private keys are never
// used for signing again.
type KeyPair struct {
	KeyID      string
	PrivateKey *rsa.PrivateKey
	CreatedAt  time.Time
}

// PublicKey returns the verification half of the pair.
func (p *KeyPair) PublicKey() *rsa.PublicKey {
	return &p.PrivateKey.PublicKey
}

// GenerateKeyPair creates a fresh RSA pair with a random key id.
func GenerateKeyPair(bits int, now time.Time) (*KeyPair, error) {
	if bits < DefaultKeyBits {
		bits = DefaultKeyBits
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	return &KeyPair{
		KeyID:      uuid.New().String(),
		PrivateKey: priv,
		CreatedAt:  now.UTC(),
	}, nil
}

// EncodePrivateKeyPEM serializes a private key as a PKCS#8 PEM block.
func EncodePrivateKeyPEM(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// EncodePublicKeyPEM serializes a public key as a PKIX PEM block.
func EncodePublicKeyPEM(key *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParsePrivateKeyPEM reads a PKCS#8 or PKCS#1 PEM-encoded RSA private key.
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("PEM block is not an RSA private key")
		}
		return rsaKey, nil
	}

	// Older key files may be PKCS#1.
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}
