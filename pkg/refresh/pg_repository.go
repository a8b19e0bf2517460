package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the table backing PgRepository.
const Schema = `
CREATE TABLE IF NOT EXISTS refresh_tokens (
    id            UUID PRIMARY KEY,
    user_id       UUID NOT NULL,
    tenant_id     TEXT NOT NULL,
    current_hash  TEXT NOT NULL UNIQUE,
    previous_hash TEXT,
    expires_at    TIMESTAMPTZ NOT NULL,
    revoked       BOOLEAN NOT NULL DEFAULT FALSE,
    version       BIGINT NOT NULL DEFAULT 1,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS refresh_tokens_user_id_idx ON refresh_tokens (user_id);
CREATE INDEX IF NOT EXISTS refresh_tokens_previous_hash_idx ON refresh_tokens (previous_hash);
`

// DBTX matches pgx pools, connections and transactions.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// PgRepository implements Repository on PostgreSQL. The version column
// provides the optimistic-concurrency guard: updates carry a
// WHERE version = $n clause and report a conflict when no row matches.
type PgRepository struct {
	db DBTX
}

// NewPgRepository creates a PostgreSQL-backed repository.
func NewPgRepository(db DBTX) *PgRepository {
	return &PgRepository{db: db}
}

const recordColumns = `id, user_id, tenant_id, current_hash, previous_hash, expires_at, revoked, version, created_at, updated_at`

// Create persists a new record.
func (r *PgRepository) Create(ctx context.Context, record *TokenRecord) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO refresh_tokens (id, user_id, tenant_id, current_hash, previous_hash, expires_at, revoked, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10)`,
		record.ID, record.UserID, record.TenantID, record.CurrentHash, record.PreviousHash,
		record.ExpiresAt, record.Revoked, record.Version, record.CreatedAt, record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

// FindByCurrentHash returns the record whose chain head matches hash.
func (r *PgRepository) FindByCurrentHash(ctx context.Context, hash string) (*TokenRecord, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM refresh_tokens WHERE current_hash = $1`, hash)
	return scanRecord(row)
}

// FindByPreviousHash returns the record whose superseded hash matches.
func (r *PgRepository) FindByPreviousHash(ctx context.Context, hash string) (*TokenRecord, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM refresh_tokens WHERE previous_hash = $1`, hash)
	return scanRecord(row)
}

// Update applies the record under a version check.
func (r *PgRepository) Update(ctx context.Context, record *TokenRecord) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE refresh_tokens
		SET current_hash = $1, previous_hash = NULLIF($2, ''), expires_at = $3,
		    revoked = $4, version = version + 1, updated_at = NOW()
		WHERE id = $5 AND version = $6`,
		record.CurrentHash, record.PreviousHash, record.ExpiresAt,
		record.Revoked, record.ID, record.Version,
	)
	if err != nil {
		return fmt.Errorf("update refresh token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the row vanished or a concurrent writer bumped the version.
		if _, findErr := r.findByID(ctx, record.ID); errors.Is(findErr, ErrRecordNotFound) {
			return ErrRecordNotFound
		}
		return ErrVersionConflict
	}
	record.Version++
	return nil
}

// RevokeAllForUser marks every record belonging to the user revoked.
func (r *PgRepository) RevokeAllForUser(ctx context.Context, userID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `
		UPDATE refresh_tokens
		SET revoked = TRUE, version = version + 1, updated_at = NOW()
		WHERE user_id = $1 AND NOT revoked`, userID)
	if err != nil {
		return fmt.Errorf("revoke refresh tokens for user: %w", err)
	}
	return nil
}

// DeleteExpired removes records that are revoked or past expiry.
func (r *PgRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM refresh_tokens WHERE revoked OR expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired refresh tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PgRepository) findByID(ctx context.Context, id uuid.UUID) (*TokenRecord, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM refresh_tokens WHERE id = $1`, id)
	return scanRecord(row)
}

func scanRecord(row pgx.Row) (*TokenRecord, error) {
	var record TokenRecord
	var previousHash *string
	err := row.Scan(
		&record.ID, &record.UserID, &record.TenantID, &record.CurrentHash, &previousHash,
		&record.ExpiresAt, &record.Revoked, &record.Version, &record.CreatedAt, &record.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan refresh token: %w", err)
	}
	if previousHash != nil {
		record.PreviousHash = *previousHash
	}
	return &record, nil
}
