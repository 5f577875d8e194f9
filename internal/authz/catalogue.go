package authz

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

// Catalogue is the versioned registry of permission definitions. It is
// immutable at runtime; Reload publishes a complete replacement snapshot so
// readers never observe a partial catalogue.
type Catalogue struct {
	snap atomic.Pointer[catalogueSnapshot]
}

type catalogueSnapshot struct {
	version  int64
	byCode   map[string]Permission
	byModule map[string][]Permission
}

// NewCatalogue validates and loads the initial permission set at version 1.
func NewCatalogue(perms []Permission) (*Catalogue, error) {
	snap, err := buildSnapshot(perms, 1)
	if err != nil {
		return nil, err
	}
	c := &Catalogue{}
	c.snap.Store(snap)
	return c, nil
}

// Reload atomically swaps in a replacement catalogue and returns the new
// version. The previous snapshot keeps serving readers until the swap.
func (c *Catalogue) Reload(perms []Permission) (int64, error) {
	current := c.snap.Load()
	snap, err := buildSnapshot(perms, current.version+1)
	if err != nil {
		return 0, err
	}
	c.snap.Store(snap)
	return snap.version, nil
}

// Lookup resolves a permission by code.
func (c *Catalogue) Lookup(code string) (Permission, bool) {
	perm, ok := c.snap.Load().byCode[code]
	return perm, ok
}

// ListByModule returns the module's permissions ordered by code.
func (c *Catalogue) ListByModule(module string) []Permission {
	perms := c.snap.Load().byModule[module]
	out := make([]Permission, len(perms))
	copy(out, perms)
	return out
}

// List returns every permission ordered by code.
func (c *Catalogue) List() []Permission {
	snap := c.snap.Load()
	out := make([]Permission, 0, len(snap.byCode))
	for _, perm := range snap.byCode {
		out = append(out, perm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Version returns the current catalogue version.
func (c *Catalogue) Version() int64 {
	return c.snap.Load().version
}

// buildSnapshot enforces the load-time invariants: codes are non-empty,
// unique, and namespaced by their structural Module field; risk levels are
// known; critical permissions are normalised to require MFA and auditing.
func buildSnapshot(perms []Permission, version int64) (*catalogueSnapshot, error) {
	byCode := make(map[string]Permission, len(perms))
	byModule := make(map[string][]Permission)
	for _, perm := range perms {
		if strings.TrimSpace(perm.Code) == "" {
			return nil, fmt.Errorf("%w: empty permission code", ErrCatalogueIntegrity)
		}
		if strings.TrimSpace(perm.Module) == "" {
			return nil, fmt.Errorf("%w: permission %q has no module", ErrCatalogueIntegrity, perm.Code)
		}
		if !strings.HasPrefix(perm.Code, perm.Module+":") {
			return nil, fmt.Errorf("%w: permission %q not namespaced by module %q", ErrCatalogueIntegrity, perm.Code, perm.Module)
		}
		if !perm.Risk.Valid() {
			return nil, fmt.Errorf("%w: permission %q has unknown risk level %q", ErrCatalogueIntegrity, perm.Code, perm.Risk)
		}
		if _, dup := byCode[perm.Code]; dup {
			return nil, fmt.Errorf("%w: duplicate permission code %q", ErrCatalogueIntegrity, perm.Code)
		}
		if perm.Risk == RiskCritical {
			perm.RequiresMFA = true
			perm.RequiresAudit = true
		}
		byCode[perm.Code] = perm
		byModule[perm.Module] = append(byModule[perm.Module], perm)
	}
	for module := range byModule {
		perms := byModule[module]
		sort.Slice(perms, func(i, j int) bool { return perms[i].Code < perms[j].Code })
	}
	return &catalogueSnapshot{version: version, byCode: byCode, byModule: byModule}, nil
}
