package roles

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/civicore/civicore/internal/authz"
)

type stubPersistence struct {
	roles       []authz.Role
	replaced    map[string][]string
	deactivated map[string]bool
	failWith    error
}

func newStubPersistence(roles []authz.Role) *stubPersistence {
	return &stubPersistence{roles: roles, replaced: make(map[string][]string), deactivated: make(map[string]bool)}
}

func (s *stubPersistence) ListRoles(ctx context.Context) ([]authz.Role, error) {
	return s.roles, nil
}

func (s *stubPersistence) ReplacePermissions(ctx context.Context, roleID string, permissions []string, expectedVersion int64) (int64, error) {
	if s.failWith != nil {
		return 0, s.failWith
	}
	s.replaced[roleID] = permissions
	return expectedVersion + 1, nil
}

func (s *stubPersistence) Deactivate(ctx context.Context, roleID string, expectedVersion int64) (int64, error) {
	if s.failWith != nil {
		return 0, s.failWith
	}
	s.deactivated[roleID] = true
	return expectedVersion + 1, nil
}

func newTestService(t *testing.T, repo Persistence) *Service {
	t.Helper()
	cat, err := authz.NewCatalogue(authz.Builtin())
	if err != nil {
		t.Fatalf("builtin catalogue: %v", err)
	}
	store := authz.NewRoleStore(nil)
	svc := NewService(store, repo, cat)
	if err := svc.Hydrate(context.Background()); err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	return svc
}

func seed() []authz.Role {
	return []authz.Role{
		{ID: "clerk", Name: "Licensing Clerk", Scope: authz.ScopeCouncil, Permissions: []string{"licensing:read"}, Version: 1},
		{ID: "inspector", Name: "Building Inspector", Scope: authz.ScopeWard, Permissions: []string{"inspection:read"}, Version: 4},
	}
}

func TestHydrateLoadsPersistedRoles(t *testing.T) {
	svc := newTestService(t, newStubPersistence(seed()))
	role, err := svc.Get(context.Background(), "inspector")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if role.Version != 4 {
		t.Fatalf("hydration must keep persisted versions, got %d", role.Version)
	}
	roles, err := svc.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(roles) != 2 {
		t.Fatalf("expected 2 roles, got %d", len(roles))
	}
}

func TestSetPermissionsRoundTrip(t *testing.T) {
	repo := newStubPersistence(seed())
	svc := newTestService(t, repo)
	version, err := svc.SetPermissions(context.Background(), "clerk", []string{"licensing:read", "licensing:write"}, 1)
	if err != nil {
		t.Fatalf("set permissions: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected version 2, got %d", version)
	}
	if len(repo.replaced["clerk"]) != 2 {
		t.Fatalf("durable write missing: %v", repo.replaced)
	}
	role, err := svc.Get(context.Background(), "clerk")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(role.Permissions) != 2 {
		t.Fatalf("store not updated: %v", role.Permissions)
	}
}

func TestSetPermissionsRejectsUnknownCode(t *testing.T) {
	repo := newStubPersistence(seed())
	svc := newTestService(t, repo)
	_, err := svc.SetPermissions(context.Background(), "clerk", []string{"licensing:read", "teleport:anywhere"}, 1)
	if !errors.Is(err, authz.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for uncatalogued code, got %v", err)
	}
	if len(repo.replaced) != 0 {
		t.Fatalf("invalid set must not reach persistence")
	}
}

func TestSetPermissionsSurfacesRepoConflict(t *testing.T) {
	repo := newStubPersistence(seed())
	repo.failWith = fmt.Errorf("%w: role clerk", authz.ErrVersionConflict)
	svc := newTestService(t, repo)
	_, err := svc.SetPermissions(context.Background(), "clerk", []string{"licensing:read"}, 1)
	if !errors.Is(err, authz.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	role, err := svc.Get(context.Background(), "clerk")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if role.Version != 1 {
		t.Fatalf("conflicting write must not touch the store, version %d", role.Version)
	}
}

func TestSetPermissionsStaleStoreVersion(t *testing.T) {
	svc := newTestService(t, newStubPersistence(seed()))
	if _, err := svc.SetPermissions(context.Background(), "clerk", []string{"licensing:read"}, 1); err != nil {
		t.Fatalf("first set: %v", err)
	}
	_, err := svc.SetPermissions(context.Background(), "clerk", []string{"licensing:write"}, 1)
	if !errors.Is(err, authz.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict on stale version, got %v", err)
	}
}

func TestDeactivateRole(t *testing.T) {
	repo := newStubPersistence(seed())
	svc := newTestService(t, repo)
	version, err := svc.Deactivate(context.Background(), "clerk", 1)
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected version 2, got %d", version)
	}
	if !repo.deactivated["clerk"] {
		t.Fatalf("durable deactivation missing")
	}
	role, err := svc.Get(context.Background(), "clerk")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !role.Deactivated {
		t.Fatalf("store role must be deactivated")
	}
}

func TestGetUnknownRole(t *testing.T) {
	svc := newTestService(t, newStubPersistence(seed()))
	_, err := svc.Get(context.Background(), "mayor")
	if !errors.Is(err, authz.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
