package breakglass

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/civicore/civicore/internal/authz"
)

// Repository persists break-glass requests. Update performs a compare-and-
// swap on Version: it stores the request with Version incremented only when
// the stored version still equals expectedVersion, and returns
// authz.ErrVersionConflict otherwise.
type Repository interface {
	Create(ctx context.Context, req Request) error
	Get(ctx context.Context, id uuid.UUID) (Request, error)
	Update(ctx context.Context, req Request, expectedVersion int64) (Request, error)
	ListByStatus(ctx context.Context, status Status) ([]Request, error)
	ListByRequester(ctx context.Context, requesterID string) ([]Request, error)
}

// MemoryRepository is an in-process Repository with the same CAS semantics
// as the PostgreSQL implementation. It backs tests and single-node
// deployments.
type MemoryRepository struct {
	mu       sync.Mutex
	requests map[uuid.UUID]Request
}

// NewMemoryRepository constructs an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{requests: make(map[uuid.UUID]Request)}
}

// Create stores a new request.
func (m *MemoryRepository) Create(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.requests[req.ID]; exists {
		return fmt.Errorf("breakglass: request %s already exists", req.ID)
	}
	m.requests[req.ID] = cloneRequest(req)
	return nil
}

// Get returns the request by ID.
func (m *MemoryRepository) Get(ctx context.Context, id uuid.UUID) (Request, error) {
	if err := ctx.Err(); err != nil {
		return Request{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return cloneRequest(req), nil
}

// Update swaps in the new state when the stored version matches.
func (m *MemoryRepository) Update(ctx context.Context, req Request, expectedVersion int64) (Request, error) {
	if err := ctx.Err(); err != nil {
		return Request{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.requests[req.ID]
	if !ok {
		return Request{}, ErrNotFound
	}
	if stored.Version != expectedVersion {
		return Request{}, fmt.Errorf("%w: request %s at version %d, expected %d", authz.ErrVersionConflict, req.ID, stored.Version, expectedVersion)
	}
	req.Version = expectedVersion + 1
	m.requests[req.ID] = cloneRequest(req)
	return cloneRequest(req), nil
}

// ListByStatus returns all requests in the given state.
func (m *MemoryRepository) ListByStatus(ctx context.Context, status Status) ([]Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Request
	for _, req := range m.requests {
		if req.Status == status {
			out = append(out, cloneRequest(req))
		}
	}
	return out, nil
}

// ListByRequester returns all requests created by the subject.
func (m *MemoryRepository) ListByRequester(ctx context.Context, requesterID string) ([]Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Request
	for _, req := range m.requests {
		if req.RequesterID == requesterID {
			out = append(out, cloneRequest(req))
		}
	}
	return out, nil
}

func cloneRequest(req Request) Request {
	perms := make([]string, len(req.Permissions))
	copy(perms, req.Permissions)
	approvals := make([]Approval, len(req.Approvals))
	copy(approvals, req.Approvals)
	req.Permissions = perms
	req.Approvals = approvals
	return req
}
