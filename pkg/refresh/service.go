package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/clinicore/authtoken/pkg/audit"
	"github.com/clinicore/authtoken/pkg/tokengenerator"
)

var (
	// ErrInvalidRefreshToken covers every ordinary redemption failure:
	// unknown value, revoked session, expired record.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")

	// ErrReplayAttackDetected indicates a superseded token was presented.
	// The whole session is hard-invalidated; the user must authenticate
	// again. At the API boundary this must look identical to
	// ErrInvalidRefreshToken.
	ErrReplayAttackDetected = errors.New("refresh token replay detected")
)

// IdentityResolver supplies the claim material for a user when a refresh
// token is redeemed. Backed by the user store, which is outside this
// subsystem.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, userID uuid.UUID, tenantID string) (tokengenerator.Identity, error)
}

// Service is the refresh-rotation ledger. Redeem performs the one-time
// rotation and replay detection; per-record atomicity comes from the
// repository's version check, so two concurrent redemptions of the same
// value can never both succeed.
type Service struct {
	repository Repository
	issuer     *tokengenerator.Issuer
	resolver   IdentityResolver
	recorder   *audit.Recorder

	// rotateTokens disables the chain advance when false: the same raw
	// token then stays valid until natural expiry. This trades replay
	// detection for client simplicity and is a deliberate deployment
	// choice, not a default.
	rotateTokens bool

	timeFunc func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithRotation enables or disables refresh-token rotation.
func WithRotation(enabled bool) ServiceOption {
	return func(s *Service) {
		s.rotateTokens = enabled
	}
}

// WithAuditRecorder sets the recorder for replay audit events.
func WithAuditRecorder(recorder *audit.Recorder) ServiceOption {
	return func(s *Service) {
		s.recorder = recorder
	}
}

// WithTimeFunc overrides the service clock, for tests.
func WithTimeFunc(timeFunc func() time.Time) ServiceOption {
	return func(s *Service) {
		s.timeFunc = timeFunc
	}
}

// NewService creates the ledger. Rotation is enabled unless disabled via
// WithRotation(false).
func NewService(repository Repository, issuer *tokengenerator.Issuer, resolver IdentityResolver, opts ...ServiceOption) *Service {
	s := &Service{
		repository:   repository,
		issuer:       issuer,
		resolver:     resolver,
		recorder:     audit.NewRecorder(),
		rotateTokens: true,
		timeFunc:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enroll starts a new refresh session at login: mints a raw token, persists
// only its hash and returns the raw value for the client.
func (s *Service) Enroll(ctx context.Context, userID uuid.UUID, tenantID string) (string, error) {
	raw, err := s.issuer.IssueRefreshToken()
	if err != nil {
		return "", err
	}

	now := s.timeFunc().UTC()
	record := &TokenRecord{
		ID:          uuid.New(),
		UserID:      userID,
		TenantID:    tenantID,
		CurrentHash: HashToken(raw),
		ExpiresAt:   now.Add(s.issuer.RefreshTokenExpiry()),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repository.Create(ctx, record); err != nil {
		return "", fmt.Errorf("persist refresh session: %w", err)
	}
	return raw, nil
}

// Redeem exchanges a raw refresh token for a new access token and, when
// rotation is enabled, a new raw refresh token. A superseded value triggers
// replay handling: the session is revoked outright and
// ErrReplayAttackDetected is returned.
func (s *Service) Redeem(ctx context.Context, rawToken string) (accessToken string, newRawToken string, err error) {
	hash := HashToken(rawToken)
	now := s.timeFunc().UTC()

	record, err := s.repository.FindByCurrentHash(ctx, hash)
	if errors.Is(err, ErrRecordNotFound) {
		return "", "", s.handleChainMiss(ctx, hash)
	}
	if err != nil {
		return "", "", err
	}
	if !record.Usable(now) {
		return "", "", ErrInvalidRefreshToken
	}

	// Mint the access token before advancing the chain. If resolution or
	// signing failed after a rotation, the client's only value would already
	// be a previous hash and their legitimate retry would trip the replay
	// path.
	identity, err := s.resolver.ResolveIdentity(ctx, record.UserID, record.TenantID)
	if err != nil {
		return "", "", fmt.Errorf("resolve identity: %w", err)
	}
	accessToken, _, err = s.issuer.IssueAccessToken(identity)
	if err != nil {
		return "", "", err
	}

	if s.rotateTokens {
		newRawToken, err = s.rotate(ctx, record, now)
		if err != nil {
			return "", "", err
		}
	}
	return accessToken, newRawToken, nil
}

// rotate advances the hash chain under the repository's version check. The
// conflict loser of a concurrent double-redeem fails cleanly without
// revoking the session; a genuinely stale value arriving later takes the
// replay path instead.
func (s *Service) rotate(ctx context.Context, record *TokenRecord, now time.Time) (string, error) {
	raw, err := s.issuer.IssueRefreshToken()
	if err != nil {
		return "", err
	}

	record.PreviousHash = record.CurrentHash
	record.CurrentHash = HashToken(raw)
	record.ExpiresAt = now.Add(s.issuer.RefreshTokenExpiry())

	if err := s.repository.Update(ctx, record); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			slog.Info("Lost refresh rotation race", "recordId", record.ID)
			return "", ErrInvalidRefreshToken
		}
		return "", fmt.Errorf("advance refresh chain: %w", err)
	}
	return raw, nil
}

// handleChainMiss runs when the presented hash matches no chain head. A hit
// on a previous hash means the value was superseded by rotation: replay.
func (s *Service) handleChainMiss(ctx context.Context, hash string) error {
	record, err := s.repository.FindByPreviousHash(ctx, hash)
	if errors.Is(err, ErrRecordNotFound) {
		return ErrInvalidRefreshToken
	}
	if err != nil {
		return err
	}

	// Hard invalidation: both the superseded and the current value die.
	record.Revoked = true
	if err := s.repository.Update(ctx, record); err != nil && !errors.Is(err, ErrVersionConflict) {
		slog.Error("Failed to revoke session after replay", "recordId", record.ID, "err", err)
	}

	s.recorder.Record(ctx, audit.Event{
		Type:     audit.EventReplayDetected,
		UserID:   record.UserID.String(),
		TenantID: record.TenantID,
		Message:  "superseded refresh token presented; session revoked",
		Metadata: map[string]interface{}{"record_id": record.ID.String()},
	})
	return ErrReplayAttackDetected
}

// Revoke marks a single session revoked, used at logout.
func (s *Service) Revoke(ctx context.Context, rawToken string) error {
	record, err := s.repository.FindByCurrentHash(ctx, HashToken(rawToken))
	if errors.Is(err, ErrRecordNotFound) {
		return ErrInvalidRefreshToken
	}
	if err != nil {
		return err
	}

	record.Revoked = true
	if err := s.repository.Update(ctx, record); err != nil && !errors.Is(err, ErrVersionConflict) {
		return err
	}
	return nil
}

// RevokeAll revokes every session for a user ("log out everywhere").
func (s *Service) RevokeAll(ctx context.Context, userID uuid.UUID) error {
	return s.repository.RevokeAllForUser(ctx, userID)
}

// SweepExpired deletes revoked and expired records. A storage-reclamation
// pass with no security semantics; such records are already unusable.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	removed, err := s.repository.DeleteExpired(ctx, s.timeFunc().UTC())
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		slog.Info("Swept expired refresh sessions", "removed", removed)
	}
	return removed, nil
}
