package signingkeys

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicore/authtoken/pkg/keystore"
)

// fakeClock is an adjustable clock for simulating interval elapse without
// sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupManager(t *testing.T, config Config) (*Manager, *Publisher, *fakeClock, keystore.Store) {
	tempDir := filepath.Join(os.TempDir(), "signingkeys-test-"+uuid.New().String())
	store, err := keystore.NewFileStore(tempDir)
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	clock := newFakeClock()
	publisher := NewPublisher()
	manager := NewManager(store, publisher, config, WithClock(clock))
	require.NoError(t, manager.Initialize(context.Background()))

	return manager, publisher, clock, store
}

func TestManager_InitializeGeneratesFirstKey(t *testing.T) {
	manager, publisher, _, _ := setupManager(t, DefaultConfig())

	active := manager.ActiveKey()
	require.NotNil(t, active)
	assert.NotEmpty(t, active.KeyID)

	snapshot := publisher.Snapshot()
	require.NotNil(t, snapshot)
	assert.Equal(t, active.KeyID, snapshot.ActiveKeyID)
	assert.Equal(t, 1, snapshot.Len())

	pub, ok := snapshot.Lookup(active.KeyID)
	assert.True(t, ok)
	assert.Equal(t, active.PublicKey().N, pub.N)
}

func TestManager_InitializeRefusesWhenGenerationDisabled(t *testing.T) {
	tempDir := filepath.Join(os.TempDir(), "signingkeys-test-"+uuid.New().String())
	store, err := keystore.NewFileStore(tempDir)
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	config := DefaultConfig()
	config.GenerateIfMissing = false
	manager := NewManager(store, NewPublisher(), config)

	err = manager.Initialize(context.Background())
	assert.ErrorIs(t, err, keystore.ErrKeyLoad)
}

func TestManager_InitializeLoadsPersistedState(t *testing.T) {
	manager, _, _, store := setupManager(t, DefaultConfig())
	require.NoError(t, manager.Rotate(context.Background()))
	activeID := manager.ActiveKey().KeyID

	reloaded := NewManager(store, NewPublisher(), DefaultConfig())
	require.NoError(t, reloaded.Initialize(context.Background()))
	assert.Equal(t, activeID, reloaded.ActiveKey().KeyID)
}

func TestManager_RotateRetiresPreviousKey(t *testing.T) {
	manager, publisher, _, _ := setupManager(t, DefaultConfig())
	firstID := manager.ActiveKey().KeyID

	require.NoError(t, manager.Rotate(context.Background()))

	active := manager.ActiveKey()
	assert.NotEqual(t, firstID, active.KeyID)

	snapshot := publisher.Snapshot()
	assert.Equal(t, active.KeyID, snapshot.ActiveKeyID)
	assert.Equal(t, 2, snapshot.Len())

	// Key from before the rotation is still available for verification.
	_, ok := snapshot.Lookup(firstID)
	assert.True(t, ok)
}

// gatedStore blocks one Save call on a channel, holding a rotation
// mid-persist so reads can be exercised against it.
type gatedStore struct {
	keystore.Store
	mu      sync.Mutex
	entered chan struct{}
	gate    chan struct{}
}

func (s *gatedStore) blockNextSave() (entered, gate chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entered = make(chan struct{})
	s.gate = make(chan struct{})
	return s.entered, s.gate
}

func (s *gatedStore) Save(ctx context.Context, pair *keystore.KeyPair, meta *keystore.Metadata) error {
	s.mu.Lock()
	entered, gate := s.entered, s.gate
	s.entered, s.gate = nil, nil
	s.mu.Unlock()

	if entered != nil {
		close(entered)
		<-gate
	}
	return s.Store.Save(ctx, pair, meta)
}

func TestManager_ActiveKeyReadableDuringRotation(t *testing.T) {
	tempDir := filepath.Join(os.TempDir(), "signingkeys-test-"+uuid.New().String())
	fileStore, err := keystore.NewFileStore(tempDir)
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	store := &gatedStore{Store: fileStore}
	manager := NewManager(store, NewPublisher(), DefaultConfig())
	require.NoError(t, manager.Initialize(context.Background()))
	firstID := manager.ActiveKey().KeyID

	entered, gate := store.blockNextSave()
	rotateDone := make(chan error, 1)
	go func() { rotateDone <- manager.Rotate(context.Background()) }()

	select {
	case <-entered:
	case <-time.After(10 * time.Second):
		t.Fatal("rotation never reached persistence")
	}

	// The issuance path reads the active key while the rotation is stalled
	// on persistence; it must return the still-authoritative key without
	// waiting.
	read := make(chan string, 1)
	go func() { read <- manager.ActiveKey().KeyID }()
	select {
	case id := <-read:
		assert.Equal(t, firstID, id)
	case <-time.After(time.Second):
		t.Fatal("ActiveKey blocked behind an in-flight rotation")
	}

	close(gate)
	require.NoError(t, <-rotateDone)
	assert.NotEqual(t, firstID, manager.ActiveKey().KeyID)
}

func TestManager_ConcurrentRotateIsSingleFlight(t *testing.T) {
	manager, publisher, _, _ := setupManager(t, DefaultConfig())
	before := publisher.Snapshot()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, manager.Rotate(context.Background()))
		}()
	}
	wg.Wait()

	after := publisher.Snapshot()
	assert.Equal(t, before.Version+1, after.Version, "eight concurrent callers must produce exactly one rotation")
	assert.Equal(t, 2, after.Len())
}

func TestManager_ExternalRotationAdoption(t *testing.T) {
	manager, publisher, clock, store := setupManager(t, DefaultConfig())
	inMemoryID := manager.ActiveKey().KeyID
	ctx := context.Background()

	// An operator rotates out-of-band: new key files plus updated metadata.
	operatorPair, err := keystore.GenerateKeyPair(keystore.DefaultKeyBits, clock.Now())
	require.NoError(t, err)
	meta, err := store.LoadMetadata(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, operatorPair, &keystore.Metadata{
		CurrentKeyID: operatorPair.KeyID,
		CreatedAt:    operatorPair.CreatedAt,
		Version:      meta.Version + 1,
	}))

	require.NoError(t, manager.CheckForExternalRotation(ctx))

	assert.Equal(t, operatorPair.KeyID, manager.ActiveKey().KeyID)

	// The key this process used to sign with was moved to history, not
	// orphaned.
	snapshot := publisher.Snapshot()
	assert.Equal(t, operatorPair.KeyID, snapshot.ActiveKeyID)
	_, ok := snapshot.Lookup(inMemoryID)
	assert.True(t, ok)
}

func TestManager_ExternalCheckNoOpWhenUnchanged(t *testing.T) {
	manager, publisher, _, _ := setupManager(t, DefaultConfig())
	before := publisher.Snapshot()

	require.NoError(t, manager.CheckForExternalRotation(context.Background()))
	assert.Same(t, before, publisher.Snapshot())
}

func TestManager_TickForcesRotationAfterLifetime(t *testing.T) {
	config := DefaultConfig()
	config.KeyLifetime = 24 * time.Hour
	manager, _, clock, _ := setupManager(t, config)
	firstID := manager.ActiveKey().KeyID

	// Not yet due.
	require.NoError(t, manager.Tick(context.Background()))
	assert.Equal(t, firstID, manager.ActiveKey().KeyID)

	clock.Advance(25 * time.Hour)
	require.NoError(t, manager.Tick(context.Background()))
	assert.NotEqual(t, firstID, manager.ActiveKey().KeyID)
}

func TestManager_RetentionEvictsOldKeys(t *testing.T) {
	config := DefaultConfig()
	config.KeyLifetime = 24 * time.Hour
	config.Retention = 36 * time.Hour // covers two rotations, not three
	manager, publisher, clock, _ := setupManager(t, config)
	ctx := context.Background()

	firstID := manager.ActiveKey().KeyID

	clock.Advance(24 * time.Hour)
	require.NoError(t, manager.Rotate(ctx))

	clock.Advance(24 * time.Hour)
	require.NoError(t, manager.Rotate(ctx))

	// One rotation after retirement the first key is still verifiable.
	_, ok := publisher.Snapshot().Lookup(firstID)
	assert.True(t, ok, "first key must survive inside the retention window")

	clock.Advance(24 * time.Hour)
	require.NoError(t, manager.Rotate(ctx))

	_, ok = publisher.Snapshot().Lookup(firstID)
	assert.False(t, ok, "first key must be evicted after retention elapses")
}

func TestManager_EvictStalePersistsTrimmedHistory(t *testing.T) {
	config := DefaultConfig()
	config.Retention = time.Hour
	manager, publisher, clock, store := setupManager(t, config)
	ctx := context.Background()

	firstID := manager.ActiveKey().KeyID
	require.NoError(t, manager.Rotate(ctx))

	clock.Advance(2 * time.Hour)
	require.NoError(t, manager.EvictStale(ctx))

	_, ok := publisher.Snapshot().Lookup(firstID)
	assert.False(t, ok)

	meta, err := store.LoadMetadata(ctx)
	require.NoError(t, err)
	assert.Empty(t, meta.Historical)

	_, err = store.LoadKey(ctx, firstID)
	assert.Error(t, err, "evicted key files should be gone")
}

func TestScheduler_StopIsDeterministic(t *testing.T) {
	manager, _, _, _ := setupManager(t, DefaultConfig())

	scheduler := NewScheduler(manager, 50*time.Millisecond)
	scheduler.Start(context.Background())

	done := make(chan struct{})
	go func() {
		scheduler.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
