package roles

import (
	"context"
	"fmt"

	"github.com/civicore/civicore/internal/authz"
)

// Persistence is the durable side of role administration. It is optional:
// without it the in-memory RoleStore is authoritative, which is how tests
// and single-node deployments run.
type Persistence interface {
	ListRoles(ctx context.Context) ([]authz.Role, error)
	ReplacePermissions(ctx context.Context, roleID string, permissions []string, expectedVersion int64) (int64, error)
	Deactivate(ctx context.Context, roleID string, expectedVersion int64) (int64, error)
}

// Service coordinates role administration between the durable repository
// and the RoleStore snapshot the evaluator reads.
type Service struct {
	store     *authz.RoleStore
	repo      Persistence
	catalogue *authz.Catalogue
}

// NewService constructs a Service.
func NewService(store *authz.RoleStore, repo Persistence, catalogue *authz.Catalogue) *Service {
	return &Service{store: store, repo: repo, catalogue: catalogue}
}

// Hydrate loads the durable role set into the store.
func (s *Service) Hydrate(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	roles, err := s.repo.ListRoles(ctx)
	if err != nil {
		return err
	}
	for _, role := range roles {
		s.store.Upsert(role)
	}
	return nil
}

// List returns all roles ordered by name.
func (s *Service) List(ctx context.Context) ([]authz.Role, error) {
	return s.store.List(), nil
}

// Get fetches a role by ID.
func (s *Service) Get(ctx context.Context, roleID string) (authz.Role, error) {
	role, ok := s.store.Get(roleID)
	if !ok {
		return authz.Role{}, fmt.Errorf("%w: role %q", authz.ErrNotFound, roleID)
	}
	return role, nil
}

// SetPermissions replaces a role's permission set under the optimistic
// version check. Every code must exist in the catalogue; version conflicts
// surface to the caller, who must re-read and retry.
func (s *Service) SetPermissions(ctx context.Context, roleID string, permissions []string, expectedVersion int64) (int64, error) {
	for _, code := range permissions {
		if _, ok := s.catalogue.Lookup(code); !ok {
			return 0, fmt.Errorf("%w: permission %q", authz.ErrNotFound, code)
		}
	}
	if s.repo != nil {
		if _, err := s.repo.ReplacePermissions(ctx, roleID, permissions, expectedVersion); err != nil {
			return 0, err
		}
	}
	return s.store.ReplacePermissions(roleID, permissions, expectedVersion)
}

// Deactivate soft-deactivates a role.
func (s *Service) Deactivate(ctx context.Context, roleID string, expectedVersion int64) (int64, error) {
	if s.repo != nil {
		if _, err := s.repo.Deactivate(ctx, roleID, expectedVersion); err != nil {
			return 0, err
		}
	}
	return s.store.Deactivate(roleID, expectedVersion)
}
