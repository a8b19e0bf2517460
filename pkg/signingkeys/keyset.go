// Package signingkeys owns the signing-key lifecycle: the currently active
// RSA key, the bounded history of retired keys kept for verification, the
// rotation state machine, and the published verification key set.
package signingkeys

import (
	"crypto/rsa"
	"encoding/base64"
	"math/big"
)

// KeySet is an immutable snapshot of the verification keys known at a point
// in time. It is replaced wholesale on every rotation and never mutated in
// place, so concurrent readers need no locking.
type KeySet struct {
	// Version mirrors the persisted metadata version the snapshot was built
	// from.
	Version int64

	// ActiveKeyID is the id of the only key currently used for signing.
	ActiveKeyID string

	active  *rsa.PublicKey
	retired map[string]*rsa.PublicKey
}

// NewKeySet builds a snapshot from the active key and the retired history.
func NewKeySet(version int64, activeKeyID string, active *rsa.PublicKey, retired map[string]*rsa.PublicKey) *KeySet {
	ks := &KeySet{
		Version:     version,
		ActiveKeyID: activeKeyID,
		active:      active,
		retired:     make(map[string]*rsa.PublicKey, len(retired)),
	}
	for kid, pub := range retired {
		ks.retired[kid] = pub
	}
	return ks
}

// Lookup returns the public key for a key id, checking the active key first
// and then the retired history. Unknown ids return false: keys outside the
// snapshot are never trusted.
func (ks *KeySet) Lookup(keyID string) (*rsa.PublicKey, bool) {
	if keyID == "" {
		return nil, false
	}
	if keyID == ks.ActiveKeyID {
		return ks.active, true
	}
	pub, ok := ks.retired[keyID]
	return pub, ok
}

// Len returns the total number of keys in the snapshot.
func (ks *KeySet) Len() int {
	return 1 + len(ks.retired)
}

// JWK is a single RSA public key in JSON Web Key form.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKS is the public key-set document served at the well-known path.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWKS renders the snapshot as a key-set document. The active key comes
// first, followed by retired keys still inside the retention window.
func (ks *KeySet) JWKS() JWKS {
	doc := JWKS{Keys: make([]JWK, 0, ks.Len())}
	doc.Keys = append(doc.Keys, publicKeyToJWK(ks.ActiveKeyID, ks.active))
	for kid, pub := range ks.retired {
		doc.Keys = append(doc.Keys, publicKeyToJWK(kid, pub))
	}
	return doc
}

func publicKeyToJWK(kid string, pub *rsa.PublicKey) JWK {
	return JWK{
		Kty: "RSA",
		Use: "sig",
		Alg: "RS256",
		Kid: kid,
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}
