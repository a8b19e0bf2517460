package authapi

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/clinicore/authtoken/pkg/tokengenerator"
)

// StoreResolver adapts a UserStore to the refresh service's identity lookup,
// so redeemed tokens always carry the account's current claim material.
type StoreResolver struct {
	users UserStore
}

// NewStoreResolver creates a resolver backed by the user store.
func NewStoreResolver(users UserStore) *StoreResolver {
	return &StoreResolver{users: users}
}

// ResolveIdentity loads the user and rebuilds its token identity. A deleted
// or deactivated account fails resolution, which ends the refresh session.
func (r *StoreResolver) ResolveIdentity(ctx context.Context, userID uuid.UUID, tenantID string) (tokengenerator.Identity, error) {
	user, err := r.users.FindByID(ctx, userID)
	if err != nil {
		return tokengenerator.Identity{}, fmt.Errorf("resolve user %s: %w", userID, err)
	}
	if !user.Active || user.TenantID != tenantID {
		return tokengenerator.Identity{}, fmt.Errorf("user %s is not active in tenant", userID)
	}

	return tokengenerator.Identity{
		Subject:  user.ID.String(),
		Username: user.Username,
		Email:    user.Email,
		TenantID: user.TenantID,
		Roles:    user.Roles,
	}, nil
}
