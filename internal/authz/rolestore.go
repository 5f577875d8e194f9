package authz

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// RoleStore maps role identifiers to permission sets. Reads run against an
// immutable snapshot published by atomic pointer swap, so in-flight
// evaluations never observe a half-updated role. Writers serialise among
// themselves and publish copy-on-write replacements; stale expectedVersion
// values surface ErrVersionConflict rather than being retried here.
type RoleStore struct {
	mu   sync.Mutex
	snap atomic.Pointer[roleSnapshot]
}

type roleSnapshot struct {
	// version is store-wide and increments on every publish; it stamps
	// cached effective-permission sets.
	version int64
	roles   map[string]Role
}

// NewRoleStore loads the initial role set.
func NewRoleStore(roles []Role) *RoleStore {
	byID := make(map[string]Role, len(roles))
	for _, role := range roles {
		if role.Version == 0 {
			role.Version = 1
		}
		byID[role.ID] = cloneRole(role)
	}
	s := &RoleStore{}
	s.snap.Store(&roleSnapshot{version: 1, roles: byID})
	return s
}

// Get returns the role by ID.
func (s *RoleStore) Get(roleID string) (Role, bool) {
	role, ok := s.snap.Load().roles[roleID]
	if !ok {
		return Role{}, false
	}
	return cloneRole(role), true
}

// List returns all roles ordered by name.
func (s *RoleStore) List() []Role {
	snap := s.snap.Load()
	out := make([]Role, 0, len(snap.roles))
	for _, role := range snap.roles {
		out = append(out, cloneRole(role))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// EffectivePermissions returns the deduplicated union of the given roles'
// permission sets. Deactivated and unknown roles contribute nothing.
func (s *RoleStore) EffectivePermissions(roleIDs []string) map[string]struct{} {
	snap := s.snap.Load()
	effective := make(map[string]struct{})
	for _, id := range roleIDs {
		role, ok := snap.roles[id]
		if !ok || role.Deactivated {
			continue
		}
		for _, code := range role.Permissions {
			effective[code] = struct{}{}
		}
	}
	return effective
}

// ReplacePermissions atomically replaces a role's permission set. The write
// succeeds only when expectedVersion matches the role's current version;
// otherwise ErrVersionConflict is returned and the caller must re-read.
func (s *RoleStore) ReplacePermissions(roleID string, permissions []string, expectedVersion int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snap.Load()
	role, ok := snap.roles[roleID]
	if !ok {
		return 0, fmt.Errorf("%w: role %q", ErrNotFound, roleID)
	}
	if role.Version != expectedVersion {
		return 0, fmt.Errorf("%w: role %q at version %d, expected %d", ErrVersionConflict, roleID, role.Version, expectedVersion)
	}
	role.Permissions = dedupe(permissions)
	role.Version++
	s.publish(snap, role)
	return role.Version, nil
}

// Deactivate soft-deactivates a role so it stops contributing permissions
// while its history stays intact.
func (s *RoleStore) Deactivate(roleID string, expectedVersion int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snap.Load()
	role, ok := snap.roles[roleID]
	if !ok {
		return 0, fmt.Errorf("%w: role %q", ErrNotFound, roleID)
	}
	if role.Version != expectedVersion {
		return 0, fmt.Errorf("%w: role %q at version %d, expected %d", ErrVersionConflict, roleID, role.Version, expectedVersion)
	}
	role.Deactivated = true
	role.Version++
	s.publish(snap, role)
	return role.Version, nil
}

// Upsert inserts or replaces a whole role definition, used when hydrating
// the store from persistence.
func (s *RoleStore) Upsert(role Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if role.Version == 0 {
		role.Version = 1
	}
	s.publish(s.snap.Load(), cloneRole(role))
}

// Version returns the store-wide snapshot version.
func (s *RoleStore) Version() int64 {
	return s.snap.Load().version
}

// publish swaps in a new snapshot containing the updated role. Callers must
// hold s.mu.
func (s *RoleStore) publish(snap *roleSnapshot, role Role) {
	next := make(map[string]Role, len(snap.roles)+1)
	for id, r := range snap.roles {
		next[id] = r
	}
	next[role.ID] = role
	s.snap.Store(&roleSnapshot{version: snap.version + 1, roles: next})
}

func cloneRole(role Role) Role {
	perms := make([]string, len(role.Permissions))
	copy(perms, role.Permissions)
	role.Permissions = perms
	return role
}

func dedupe(codes []string) []string {
	seen := make(map[string]struct{}, len(codes))
	out := make([]string, 0, len(codes))
	for _, code := range codes {
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}
