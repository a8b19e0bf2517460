package refresh

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrRecordNotFound indicates no record matches the lookup.
	ErrRecordNotFound = errors.New("refresh token record not found")

	// ErrVersionConflict indicates a concurrent update won the race; the
	// caller's read is stale.
	ErrVersionConflict = errors.New("refresh token record version conflict")
)

// Repository is the persistence contract for refresh-token records.
// CurrentHash values are unique across all records.
type Repository interface {
	// Create persists a new record.
	Create(ctx context.Context, record *TokenRecord) error

	// FindByCurrentHash returns the record whose chain head matches hash.
	FindByCurrentHash(ctx context.Context, hash string) (*TokenRecord, error)

	// FindByPreviousHash returns the record whose superseded hash matches.
	FindByPreviousHash(ctx context.Context, hash string) (*TokenRecord, error)

	// Update applies the record if the stored version still equals
	// record.Version, then increments it. Returns ErrVersionConflict when a
	// concurrent writer got there first.
	Update(ctx context.Context, record *TokenRecord) error

	// RevokeAllForUser marks every record belonging to the user revoked.
	RevokeAllForUser(ctx context.Context, userID uuid.UUID) error

	// DeleteExpired removes records that are revoked or past expiry. Purely
	// storage reclamation; such records are already unusable.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
