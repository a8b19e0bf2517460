package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryRepository implements Repository with a mutex-guarded map. Used
// in tests and single-process deployments.
type InMemoryRepository struct {
	mutex   sync.RWMutex
	records map[uuid.UUID]*TokenRecord
}

// NewInMemoryRepository creates an empty in-memory repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		records: make(map[uuid.UUID]*TokenRecord),
	}
}

// Create persists a new record.
func (r *InMemoryRepository) Create(ctx context.Context, record *TokenRecord) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	clone := *record
	r.records[record.ID] = &clone
	return nil
}

// FindByCurrentHash returns the record whose chain head matches hash.
func (r *InMemoryRepository) FindByCurrentHash(ctx context.Context, hash string) (*TokenRecord, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for _, record := range r.records {
		if record.CurrentHash == hash {
			clone := *record
			return &clone, nil
		}
	}
	return nil, ErrRecordNotFound
}

// FindByPreviousHash returns the record whose superseded hash matches.
func (r *InMemoryRepository) FindByPreviousHash(ctx context.Context, hash string) (*TokenRecord, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for _, record := range r.records {
		if record.PreviousHash != "" && record.PreviousHash == hash {
			clone := *record
			return &clone, nil
		}
	}
	return nil, ErrRecordNotFound
}

// Update applies the record under a version check.
func (r *InMemoryRepository) Update(ctx context.Context, record *TokenRecord) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	stored, exists := r.records[record.ID]
	if !exists {
		return ErrRecordNotFound
	}
	if stored.Version != record.Version {
		return ErrVersionConflict
	}

	clone := *record
	clone.Version = record.Version + 1
	clone.UpdatedAt = time.Now().UTC()
	r.records[record.ID] = &clone

	record.Version = clone.Version
	record.UpdatedAt = clone.UpdatedAt
	return nil
}

// RevokeAllForUser marks every record belonging to the user revoked.
func (r *InMemoryRepository) RevokeAllForUser(ctx context.Context, userID uuid.UUID) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for _, record := range r.records {
		if record.UserID == userID {
			record.Revoked = true
			record.Version++
			record.UpdatedAt = time.Now().UTC()
		}
	}
	return nil
}

// DeleteExpired removes records that are revoked or past expiry.
func (r *InMemoryRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	var removed int64
	for id, record := range r.records {
		if record.Revoked || record.IsExpired(now) {
			delete(r.records, id)
			removed++
		}
	}
	return removed, nil
}

// Count returns the number of stored records, for tests.
func (r *InMemoryRepository) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.records)
}
