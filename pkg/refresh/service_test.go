package refresh

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicore/authtoken/pkg/keystore"
	"github.com/clinicore/authtoken/pkg/signingkeys"
	"github.com/clinicore/authtoken/pkg/tokengenerator"
)

type staticResolver struct {
	mu  sync.Mutex
	err error
}

// fail makes subsequent lookups return err; fail(nil) restores them.
func (r *staticResolver) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *staticResolver) ResolveIdentity(ctx context.Context, userID uuid.UUID, tenantID string) (tokengenerator.Identity, error) {
	r.mu.Lock()
	err := r.err
	r.mu.Unlock()
	if err != nil {
		return tokengenerator.Identity{}, err
	}
	return tokengenerator.Identity{
		Subject:  userID.String(),
		Username: "drsmith",
		Email:    "drsmith@clinic.example",
		TenantID: tenantID,
		Roles:    []string{"clinician"},
	}, nil
}

type ledgerFixture struct {
	service    *Service
	repository *InMemoryRepository
	resolver   *staticResolver
	verifier   *tokengenerator.Verifier
	now        time.Time
	nowMu      sync.Mutex
}

func (f *ledgerFixture) timeNow() time.Time {
	f.nowMu.Lock()
	defer f.nowMu.Unlock()
	return f.now
}

func (f *ledgerFixture) advance(d time.Duration) {
	f.nowMu.Lock()
	defer f.nowMu.Unlock()
	f.now = f.now.Add(d)
}

func setupLedger(t *testing.T, opts ...ServiceOption) *ledgerFixture {
	tempDir := filepath.Join(os.TempDir(), "refresh-test-"+uuid.New().String())
	store, err := keystore.NewFileStore(tempDir)
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	fx := &ledgerFixture{
		repository: NewInMemoryRepository(),
		resolver:   &staticResolver{},
		now:        time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	publisher := signingkeys.NewPublisher()
	manager := signingkeys.NewManager(store, publisher, signingkeys.DefaultConfig())
	require.NoError(t, manager.Initialize(context.Background()))

	issuer := tokengenerator.NewIssuer(manager, "clinicore", "clinicore-api",
		tokengenerator.WithAccessTokenExpiry(time.Hour),
		tokengenerator.WithRefreshTokenExpiry(24*time.Hour),
		tokengenerator.WithIssuerTimeFunc(fx.timeNow),
	)
	fx.verifier = tokengenerator.NewVerifier(publisher, "clinicore",
		tokengenerator.WithVerifierTimeFunc(fx.timeNow))

	opts = append([]ServiceOption{WithTimeFunc(fx.timeNow)}, opts...)
	fx.service = NewService(fx.repository, issuer, fx.resolver, opts...)
	return fx
}

func TestRedeemRotatesChain(t *testing.T) {
	fx := setupLedger(t)
	ctx := context.Background()
	userID := uuid.New()

	raw, err := fx.service.Enroll(ctx, userID, "tenant-1")
	require.NoError(t, err)

	accessToken, newRaw, err := fx.service.Redeem(ctx, raw)
	require.NoError(t, err)
	require.NotEmpty(t, newRaw)
	assert.NotEqual(t, raw, newRaw)

	claims, err := fx.verifier.Verify(accessToken)
	require.NoError(t, err)
	assert.Equal(t, userID.String(), claims.Subject)
	assert.Equal(t, "tenant-1", claims.TenantID)

	// The chain advanced: previous hash is the presented one.
	record, err := fx.repository.FindByCurrentHash(ctx, HashToken(newRaw))
	require.NoError(t, err)
	assert.Equal(t, HashToken(raw), record.PreviousHash)
}

func TestRedeemReplayHardInvalidatesSession(t *testing.T) {
	fx := setupLedger(t)
	ctx := context.Background()

	raw, err := fx.service.Enroll(ctx, uuid.New(), "tenant-1")
	require.NoError(t, err)

	_, newRaw, err := fx.service.Redeem(ctx, raw)
	require.NoError(t, err)

	// Presenting the superseded value is a replay.
	_, _, err = fx.service.Redeem(ctx, raw)
	assert.ErrorIs(t, err, ErrReplayAttackDetected)

	// The whole session is dead: the rotated-to value fails too.
	_, _, err = fx.service.Redeem(ctx, newRaw)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestRedeemResolverFailureKeepsChainIntact(t *testing.T) {
	fx := setupLedger(t)
	ctx := context.Background()

	raw, err := fx.service.Enroll(ctx, uuid.New(), "tenant-1")
	require.NoError(t, err)

	boom := errors.New("directory unavailable")
	fx.resolver.fail(boom)
	_, _, err = fx.service.Redeem(ctx, raw)
	require.ErrorIs(t, err, boom)

	// The chain did not advance, so retrying with the same value succeeds
	// instead of tripping replay detection.
	fx.resolver.fail(nil)
	accessToken, newRaw, err := fx.service.Redeem(ctx, raw)
	require.NoError(t, err)
	assert.NotEmpty(t, accessToken)
	assert.NotEmpty(t, newRaw)
}

func TestRedeemUnknownToken(t *testing.T) {
	fx := setupLedger(t)

	_, _, err := fx.service.Redeem(context.Background(), "never-issued")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestRedeemExpiredToken(t *testing.T) {
	fx := setupLedger(t)
	ctx := context.Background()

	raw, err := fx.service.Enroll(ctx, uuid.New(), "tenant-1")
	require.NoError(t, err)

	fx.advance(25 * time.Hour)
	_, _, err = fx.service.Redeem(ctx, raw)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestRedeemExtendsExpiry(t *testing.T) {
	fx := setupLedger(t)
	ctx := context.Background()

	raw, err := fx.service.Enroll(ctx, uuid.New(), "tenant-1")
	require.NoError(t, err)

	fx.advance(12 * time.Hour)
	_, newRaw, err := fx.service.Redeem(ctx, raw)
	require.NoError(t, err)

	record, err := fx.repository.FindByCurrentHash(ctx, HashToken(newRaw))
	require.NoError(t, err)
	assert.Equal(t, fx.timeNow().Add(24*time.Hour), record.ExpiresAt)
}

func TestRotationDisabledReusesToken(t *testing.T) {
	fx := setupLedger(t, WithRotation(false))
	ctx := context.Background()

	raw, err := fx.service.Enroll(ctx, uuid.New(), "tenant-1")
	require.NoError(t, err)

	// With rotation off the same raw value stays valid; no replacement is
	// issued and no replay detection applies. A documented tradeoff.
	for i := 0; i < 3; i++ {
		accessToken, newRaw, err := fx.service.Redeem(ctx, raw)
		require.NoError(t, err)
		assert.Empty(t, newRaw)
		assert.NotEmpty(t, accessToken)
	}

	// Natural expiry still applies.
	fx.advance(25 * time.Hour)
	_, _, err = fx.service.Redeem(ctx, raw)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestConcurrentRedeemSingleWinner(t *testing.T) {
	fx := setupLedger(t)
	ctx := context.Background()

	raw, err := fx.service.Enroll(ctx, uuid.New(), "tenant-1")
	require.NoError(t, err)

	const callers = 4
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = fx.service.Redeem(ctx, raw)
		}(i)
	}
	wg.Wait()

	var succeeded int
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.True(t,
				errors.Is(err, ErrInvalidRefreshToken) || errors.Is(err, ErrReplayAttackDetected),
				"loser must fail cleanly, got %v", err)
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one concurrent redemption may succeed")
}

func TestRevokeAll(t *testing.T) {
	fx := setupLedger(t)
	ctx := context.Background()
	userID := uuid.New()

	raw1, err := fx.service.Enroll(ctx, userID, "tenant-1")
	require.NoError(t, err)
	raw2, err := fx.service.Enroll(ctx, userID, "tenant-1")
	require.NoError(t, err)

	require.NoError(t, fx.service.RevokeAll(ctx, userID))

	_, _, err = fx.service.Redeem(ctx, raw1)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
	_, _, err = fx.service.Redeem(ctx, raw2)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestRevokeSingleSession(t *testing.T) {
	fx := setupLedger(t)
	ctx := context.Background()
	userID := uuid.New()

	raw1, err := fx.service.Enroll(ctx, userID, "tenant-1")
	require.NoError(t, err)
	raw2, err := fx.service.Enroll(ctx, userID, "tenant-1")
	require.NoError(t, err)

	require.NoError(t, fx.service.Revoke(ctx, raw1))

	_, _, err = fx.service.Redeem(ctx, raw1)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	// The other session is untouched.
	_, _, err = fx.service.Redeem(ctx, raw2)
	assert.NoError(t, err)
}

func TestSweepExpired(t *testing.T) {
	fx := setupLedger(t)
	ctx := context.Background()

	_, err := fx.service.Enroll(ctx, uuid.New(), "tenant-1")
	require.NoError(t, err)
	rawRevoked, err := fx.service.Enroll(ctx, uuid.New(), "tenant-1")
	require.NoError(t, err)
	require.NoError(t, fx.service.Revoke(ctx, rawRevoked))

	// Nothing expired yet: only the revoked record goes.
	removed, err := fx.service.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	assert.Equal(t, 1, fx.repository.Count())

	fx.advance(25 * time.Hour)
	removed, err = fx.service.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	assert.Equal(t, 0, fx.repository.Count())
}
