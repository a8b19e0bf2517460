package authapi

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ErrUserNotFound indicates no account matches the username within the
// tenant.
var ErrUserNotFound = errors.New("user not found")

// User is an account record from the credential store.
type User struct {
	ID           uuid.UUID
	Username     string
	Email        string
	TenantID     string
	PasswordHash string
	Roles        []string
	Active       bool
}

// UserStore supplies account records for authentication. The user directory
// itself lives outside this subsystem.
type UserStore interface {
	FindByUsername(ctx context.Context, tenantID, username string) (User, error)
	FindByID(ctx context.Context, userID uuid.UUID) (User, error)
}

// InMemoryUserStore is a map-backed UserStore for tests and local runs.
type InMemoryUserStore struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewInMemoryUserStore creates an empty store.
func NewInMemoryUserStore() *InMemoryUserStore {
	return &InMemoryUserStore{users: make(map[string]User)}
}

func userKey(tenantID, username string) string {
	return strings.ToLower(username) + "@" + tenantID
}

// Add inserts or replaces a user record.
func (s *InMemoryUserStore) Add(user User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userKey(user.TenantID, user.Username)] = user
}

// FindByUsername implements UserStore.
func (s *InMemoryUserStore) FindByUsername(ctx context.Context, tenantID, username string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userKey(tenantID, username)]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

// FindByID implements UserStore.
func (s *InMemoryUserStore) FindByID(ctx context.Context, userID uuid.UUID) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, user := range s.users {
		if user.ID == userID {
			return user, nil
		}
	}
	return User{}, ErrUserNotFound
}
