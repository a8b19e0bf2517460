package signingkeys

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clinicore/authtoken/pkg/audit"
	"github.com/clinicore/authtoken/pkg/keystore"
)

// ErrKeyGeneration indicates a fresh key pair could not be generated.
var ErrKeyGeneration = errors.New("signingkeys: failed to generate key pair")

// Clock abstracts time so rotation schedules can be tested without sleeping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }

// Config holds lifecycle settings for the Manager.
type Config struct {
	// KeyLifetime is how long a key signs before a scheduled rotation
	// replaces it.
	KeyLifetime time.Duration

	// Retention is how long a retired key stays available for verification
	// before eviction. Must exceed the longest access-token TTL.
	Retention time.Duration

	// KeyBits is the RSA modulus size for generated keys.
	KeyBits int

	// GenerateIfMissing controls whether Initialize creates a key on first
	// boot. When false, missing state is a startup error.
	GenerateIfMissing bool

	// OperationTimeout bounds key generation and persistence. A timed-out
	// rotation is a failed rotation, never a partial one.
	OperationTimeout time.Duration
}

// DefaultConfig returns lifecycle settings suitable for most deployments.
func DefaultConfig() Config {
	return Config{
		KeyLifetime:       30 * 24 * time.Hour,
		Retention:         7 * 24 * time.Hour,
		KeyBits:           keystore.DefaultKeyBits,
		GenerateIfMissing: true,
		OperationTimeout:  30 * time.Second,
	}
}

type retiredKey struct {
	pair      *keystore.KeyPair
	retiredAt time.Time
}

// Manager owns the active signing key and the retired-key history, and runs
// the rotation state machine. All mutations happen under a single mutex;
// reads go through the lock-free Publisher snapshot and the atomically
// swapped active pair, so token issuance never waits on an in-flight
// rotation.
type Manager struct {
	store     keystore.Store
	publisher *Publisher
	clock     Clock
	config    Config
	recorder  *audit.Recorder

	activePair atomic.Pointer[keystore.KeyPair]

	mutex       sync.Mutex
	active      *keystore.KeyPair
	retired     []retiredKey
	metaVersion int64
	rotationGen uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the manager's clock, for tests.
func WithClock(clock Clock) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

// WithAuditRecorder sets the recorder for key lifecycle audit events.
func WithAuditRecorder(recorder *audit.Recorder) Option {
	return func(m *Manager) {
		m.recorder = recorder
	}
}

// NewManager creates a Manager. Initialize must be called before any other
// method.
func NewManager(store keystore.Store, publisher *Publisher, config Config, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		publisher: publisher,
		clock:     systemClock{},
		config:    config,
		recorder:  audit.NewRecorder(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize loads persisted key state, generating and persisting a first
// key when none exists. A load failure is fatal to the caller: the process
// must not serve without a valid signing key.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	pair, meta, err := m.store.Load(ctx)
	if err != nil {
		return err
	}

	if pair == nil {
		if !m.config.GenerateIfMissing {
			return fmt.Errorf("%w: no signing key found and generation is disabled", keystore.ErrKeyLoad)
		}
		pair, meta, err = m.generateFirstKey(ctx)
		if err != nil {
			return err
		}
		slog.Info("Generated initial signing key", "keyId", pair.KeyID)
	}

	historical, err := m.store.ListHistorical(ctx)
	if err != nil {
		return err
	}

	m.active = pair
	m.metaVersion = meta.Version
	m.retired = m.retired[:0]
	for _, entry := range meta.Historical {
		for _, h := range historical {
			if h.KeyID == entry.KeyID {
				m.retired = append(m.retired, retiredKey{pair: h, retiredAt: entry.RetiredAt})
			}
		}
	}

	m.publishLocked()
	slog.Info("Signing key manager initialized",
		"activeKeyId", m.active.KeyID,
		"historicalKeys", len(m.retired))
	return nil
}

// ActiveKey returns the current signing key pair. The read is a lock-free
// load of the last published pair, so it stays fast while a rotation is
// generating or persisting its replacement.
func (m *Manager) ActiveKey() *keystore.KeyPair {
	return m.activePair.Load()
}

// Rotate generates a new key pair, retires the current one and publishes a
// fresh snapshot. Rotation is single-flight: a caller that blocked behind an
// in-flight rotation observes that rotation's result instead of rotating
// again. On any failure the previous key remains authoritative.
func (m *Manager) Rotate(ctx context.Context) error {
	gen := m.currentRotationGen()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.rotationGen != gen {
		// Another rotation completed while we waited for the lock.
		return nil
	}
	return m.rotateLocked(ctx)
}

func (m *Manager) rotateLocked(ctx context.Context) error {
	opCtx, cancel := m.operationContext(ctx)
	defer cancel()

	now := m.clock.Now().UTC()

	newPair, err := keystore.GenerateKeyPair(m.config.KeyBits, now)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}

	keep := m.survivingRetired(now)
	meta := &keystore.Metadata{
		CurrentKeyID: newPair.KeyID,
		CreatedAt:    newPair.CreatedAt,
		Version:      m.metaVersion + 1,
	}
	for _, rk := range keep {
		meta.Historical = append(meta.Historical, keystore.HistoricalEntry{
			KeyID:     rk.pair.KeyID,
			CreatedAt: rk.pair.CreatedAt,
			RetiredAt: rk.retiredAt,
		})
	}
	meta.Historical = append(meta.Historical, keystore.HistoricalEntry{
		KeyID:     m.active.KeyID,
		CreatedAt: m.active.CreatedAt,
		RetiredAt: now,
	})

	// Persist before swapping anything in memory. If this fails the old key
	// stays authoritative and the next scheduled tick retries.
	if err := m.store.Save(opCtx, newPair, meta); err != nil {
		return err
	}

	evicted := m.evictedRetired(now)
	previous := m.active
	m.retired = append(keep, retiredKey{pair: previous, retiredAt: now})
	m.active = newPair
	m.metaVersion = meta.Version
	m.rotationGen++
	m.publishLocked()
	m.removeEvicted(evicted)

	m.recorder.Record(context.WithoutCancel(ctx), audit.Event{
		Type:    audit.EventKeyRotated,
		Message: "signing key rotated",
		Metadata: map[string]interface{}{
			"new_key_id":      newPair.KeyID,
			"retired_key_id":  previous.KeyID,
			"historical_keys": len(m.retired),
		},
	})
	slog.Info("Signing key rotated", "newKeyId", newPair.KeyID, "retiredKeyId", previous.KeyID)
	return nil
}

// CheckForExternalRotation detects a rotation performed out-of-band by an
// operator: when the persisted current key id no longer matches the
// in-memory one, the persisted key is adopted as active and the in-memory
// key moves to the retired history. Adopting instead of regenerating keeps
// tokens signed by the operator's key verifiable.
func (m *Manager) CheckForExternalRotation(ctx context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	meta, err := m.store.LoadMetadata(ctx)
	if err != nil {
		return err
	}
	if meta == nil || meta.CurrentKeyID == m.active.KeyID {
		return nil
	}

	newPair, err := m.store.LoadKey(ctx, meta.CurrentKeyID)
	if err != nil {
		return err
	}
	newPair.CreatedAt = meta.CreatedAt

	now := m.clock.Now().UTC()
	previous := m.active

	// Carry over retired keys named by the new metadata, then make sure the
	// key this process was signing with stays verifiable too.
	keep := make([]retiredKey, 0, len(m.retired)+1)
	for _, rk := range m.retired {
		if rk.pair.KeyID != meta.CurrentKeyID {
			keep = append(keep, rk)
		}
	}
	adopted := false
	for _, rk := range keep {
		if rk.pair.KeyID == previous.KeyID {
			adopted = true
		}
	}
	if !adopted {
		keep = append(keep, retiredKey{pair: previous, retiredAt: now})
	}

	m.active = newPair
	m.retired = keep
	m.metaVersion = meta.Version
	m.rotationGen++
	m.publishLocked()

	m.recorder.Record(context.WithoutCancel(ctx), audit.Event{
		Type:    audit.EventKeyAdopted,
		Message: "externally rotated signing key adopted",
		Metadata: map[string]interface{}{
			"new_key_id":     newPair.KeyID,
			"retired_key_id": previous.KeyID,
		},
	})
	slog.Info("Adopted externally rotated signing key",
		"newKeyId", newPair.KeyID, "retiredKeyId", previous.KeyID)
	return nil
}

// Tick runs one scheduled maintenance pass: adopt external rotations, force
// a rotation when the active key has outlived its lifetime, and evict
// retired keys past the retention window. Errors are returned for logging;
// the next tick retries.
func (m *Manager) Tick(ctx context.Context) error {
	if err := m.CheckForExternalRotation(ctx); err != nil {
		return fmt.Errorf("external rotation check: %w", err)
	}

	now := m.clock.Now().UTC()
	needsRotation := now.Sub(m.ActiveKey().CreatedAt) >= m.config.KeyLifetime

	if needsRotation {
		if err := m.Rotate(ctx); err != nil {
			return fmt.Errorf("scheduled rotation: %w", err)
		}
		return nil
	}
	return m.EvictStale(ctx)
}

// EvictStale drops retired keys older than the retention window from the
// history, the published snapshot and durable storage.
func (m *Manager) EvictStale(ctx context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := m.clock.Now().UTC()
	evicted := m.evictedRetired(now)
	if len(evicted) == 0 {
		return nil
	}

	keep := m.survivingRetired(now)
	meta := &keystore.Metadata{
		CurrentKeyID: m.active.KeyID,
		CreatedAt:    m.active.CreatedAt,
		Version:      m.metaVersion + 1,
	}
	for _, rk := range keep {
		meta.Historical = append(meta.Historical, keystore.HistoricalEntry{
			KeyID:     rk.pair.KeyID,
			CreatedAt: rk.pair.CreatedAt,
			RetiredAt: rk.retiredAt,
		})
	}

	if err := m.store.Save(ctx, m.active, meta); err != nil {
		return err
	}

	m.retired = keep
	m.metaVersion = meta.Version
	m.publishLocked()
	m.removeEvicted(evicted)

	for _, rk := range evicted {
		m.recorder.Record(context.WithoutCancel(ctx), audit.Event{
			Type:     audit.EventKeyEvicted,
			Message:  "retired signing key evicted",
			Metadata: map[string]interface{}{"key_id": rk.pair.KeyID},
		})
		slog.Info("Evicted retired signing key", "keyId", rk.pair.KeyID)
	}
	return nil
}

func (m *Manager) currentRotationGen() uint64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.rotationGen
}

func (m *Manager) generateFirstKey(ctx context.Context) (*keystore.KeyPair, *keystore.Metadata, error) {
	opCtx, cancel := m.operationContext(ctx)
	defer cancel()

	pair, err := keystore.GenerateKeyPair(m.config.KeyBits, m.clock.Now())
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	meta := &keystore.Metadata{
		CurrentKeyID: pair.KeyID,
		CreatedAt:    pair.CreatedAt,
		Version:      1,
	}
	if err := m.store.Save(opCtx, pair, meta); err != nil {
		return nil, nil, err
	}
	return pair, meta, nil
}

func (m *Manager) survivingRetired(now time.Time) []retiredKey {
	keep := make([]retiredKey, 0, len(m.retired))
	for _, rk := range m.retired {
		if now.Sub(rk.retiredAt) < m.config.Retention {
			keep = append(keep, rk)
		}
	}
	return keep
}

func (m *Manager) evictedRetired(now time.Time) []retiredKey {
	var evicted []retiredKey
	for _, rk := range m.retired {
		if now.Sub(rk.retiredAt) >= m.config.Retention {
			evicted = append(evicted, rk)
		}
	}
	return evicted
}

// removeEvicted deletes key files best-effort; the metadata no longer names
// them, so a leftover file only wastes disk.
func (m *Manager) removeEvicted(evicted []retiredKey) {
	for _, rk := range evicted {
		if err := m.store.Remove(context.Background(), rk.pair.KeyID); err != nil {
			slog.Warn("Failed to remove evicted key files", "keyId", rk.pair.KeyID, "err", err)
		}
	}
}

// publishLocked swaps the active-pair reference and rebuilds the key-set
// snapshot. Caller holds the mutex.
func (m *Manager) publishLocked() {
	m.activePair.Store(m.active)

	retired := make(map[string]*rsa.PublicKey, len(m.retired))
	for _, rk := range m.retired {
		retired[rk.pair.KeyID] = rk.pair.PublicKey()
	}
	m.publisher.publish(NewKeySet(m.metaVersion, m.active.KeyID, m.active.PublicKey(), retired))
}

func (m *Manager) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.config.OperationTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.config.OperationTimeout)
}
