// Package refresh implements the refresh-token rotation ledger: hashed
// token chains, one-time rotation on redemption and replay detection when a
// superseded token is presented.
//
// Raw token values are never stored; the ledger only ever sees and persists
// their SHA-256 hashes.
package refresh

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// TokenRecord is the persisted state of one logical refresh session. The
// hash chain advances in place on every rotation: the presented hash moves
// to PreviousHash and the freshly minted hash becomes CurrentHash.
type TokenRecord struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	TenantID     string
	CurrentHash  string
	PreviousHash string // empty until the first rotation
	ExpiresAt    time.Time
	Revoked      bool

	// Version guards the read-match-then-write sequence: an update only
	// applies when the stored version still matches, so two concurrent
	// redemptions can never both advance the same chain.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsExpired reports whether the record is past its expiry.
func (r *TokenRecord) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Usable reports whether the record can still be redeemed.
func (r *TokenRecord) Usable(now time.Time) bool {
	return !r.Revoked && !r.IsExpired(now)
}

// HashToken derives the one-way hash stored in place of a raw token value.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
