package breakglass

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/civicore/civicore/internal/audit"
	"github.com/civicore/civicore/internal/authz"
)

func newTestService(t *testing.T, repo Repository, emitter *audit.MemoryEmitter, cfg Config) *Service {
	t.Helper()
	cat, err := authz.NewCatalogue(authz.Builtin())
	if err != nil {
		t.Fatalf("builtin catalogue: %v", err)
	}
	store := authz.NewRoleStore([]authz.Role{
		{ID: "engineer", Name: "On-Call Engineer", Scope: authz.ScopeGlobal, Permissions: []string{authz.PermBreakGlassUse}},
		{ID: "duty-manager", Name: "Duty Manager", Scope: authz.ScopeGlobal, Permissions: []string{authz.PermBreakGlassApprove}},
	})
	eval, err := authz.NewEvaluator(authz.EvaluatorParams{
		Catalogue: cat,
		Roles:     store,
		Emitter:   emitter,
	})
	if err != nil {
		t.Fatalf("new evaluator: %v", err)
	}
	svc := NewService(repo, eval, emitter, nil, nil, cfg)
	eval.SetGrantSource(svc)
	return svc
}

func elevated(id string, roles ...string) authz.Subject {
	return authz.Subject{ID: id, RoleIDs: roles, MFAElevatedUntil: time.Now().Add(10 * time.Minute)}
}

func requester() authz.Subject {
	return authz.Subject{ID: "eng-1", RoleIDs: []string{"engineer"}}
}

func TestRequestSubmitsForApproval(t *testing.T) {
	emitter := audit.NewMemoryEmitter()
	svc := newTestService(t, NewMemoryRepository(), emitter, Config{})
	req, err := svc.Request(context.Background(), requester(), "database failover requires registry write", []string{"registry:write"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if req.Status != StatusPendingApproval {
		t.Fatalf("expected pending_approval, got %s", req.Status)
	}
	if req.RequiredApprovals != 2 {
		t.Fatalf("default quorum must be 2, got %d", req.RequiredApprovals)
	}

	var actions []string
	for _, e := range emitter.Entries() {
		if e.Module == "breakglass" {
			actions = append(actions, e.Action)
		}
	}
	// The evaluator audits the breakglass:use check itself, then the state
	// machine records both transitions.
	want := []string{"breakglass:use", "breakglass:requested", "breakglass:pending_approval"}
	if len(actions) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, actions)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Fatalf("expected transitions %v, got %v", want, actions)
		}
	}
}

func TestRequestRequiresUsePermission(t *testing.T) {
	svc := newTestService(t, NewMemoryRepository(), audit.NewMemoryEmitter(), Config{})
	_, err := svc.Request(context.Background(), authz.Subject{ID: "intruder"}, "let me in please", []string{"registry:write"})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestApproveRequiresElevation(t *testing.T) {
	svc := newTestService(t, NewMemoryRepository(), audit.NewMemoryEmitter(), Config{})
	req, err := svc.Request(context.Background(), requester(), "database failover requires registry write", []string{"registry:write"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	// breakglass:approve is critical, so an approver without step-up is
	// bounced before touching the request.
	_, err = svc.Approve(context.Background(), authz.Subject{ID: "mgr-1", RoleIDs: []string{"duty-manager"}}, req.ID, 0)
	if !errors.Is(err, ErrStepUpRequired) {
		t.Fatalf("expected ErrStepUpRequired, got %v", err)
	}
}

func TestApprovalQuorumThenActivation(t *testing.T) {
	svc := newTestService(t, NewMemoryRepository(), audit.NewMemoryEmitter(), Config{TTL: 15 * time.Minute})
	req, err := svc.Request(context.Background(), requester(), "database failover requires registry write", []string{"registry:write"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	req, err = svc.Approve(context.Background(), elevated("mgr-1", "duty-manager"), req.ID, 0)
	if err != nil {
		t.Fatalf("first approval: %v", err)
	}
	if req.Status != StatusPendingApproval || len(req.Approvals) != 1 {
		t.Fatalf("one approval must not meet quorum, got %s with %d approvals", req.Status, len(req.Approvals))
	}

	req, err = svc.Approve(context.Background(), elevated("mgr-2", "duty-manager"), req.ID, 0)
	if err != nil {
		t.Fatalf("second approval: %v", err)
	}
	if req.Status != StatusApproved {
		t.Fatalf("quorum met, expected approved, got %s", req.Status)
	}

	req, err = svc.Activate(context.Background(), requester(), req.ID)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if req.Status != StatusActive {
		t.Fatalf("expected active, got %s", req.Status)
	}
	if req.ExpiresAt.IsZero() {
		t.Fatalf("activation must start the TTL clock")
	}

	active, lapsed, err := svc.Grants(context.Background(), "eng-1", time.Now().UTC())
	if err != nil {
		t.Fatalf("grants: %v", err)
	}
	if _, ok := active["registry:write"]; !ok {
		t.Fatalf("live grant missing from active set")
	}
	if len(lapsed) != 0 {
		t.Fatalf("no grants should be lapsed yet: %v", lapsed)
	}
}

func TestApproveIdempotentPerApprover(t *testing.T) {
	svc := newTestService(t, NewMemoryRepository(), audit.NewMemoryEmitter(), Config{})
	req, err := svc.Request(context.Background(), requester(), "database failover requires registry write", []string{"registry:write"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	first, err := svc.Approve(context.Background(), elevated("mgr-1", "duty-manager"), req.ID, 0)
	if err != nil {
		t.Fatalf("approval: %v", err)
	}
	second, err := svc.Approve(context.Background(), elevated("mgr-1", "duty-manager"), req.ID, 0)
	if err != nil {
		t.Fatalf("re-approval must be a no-op: %v", err)
	}
	if len(second.Approvals) != 1 {
		t.Fatalf("re-approval counted twice: %d approvals", len(second.Approvals))
	}
	if second.Version != first.Version {
		t.Fatalf("no-op must not bump version: %d -> %d", first.Version, second.Version)
	}
}

func TestSelfApprovalRejected(t *testing.T) {
	svc := newTestService(t, NewMemoryRepository(), audit.NewMemoryEmitter(), Config{})
	subject := authz.Subject{ID: "eng-1", RoleIDs: []string{"engineer", "duty-manager"}, MFAElevatedUntil: time.Now().Add(10 * time.Minute)}
	req, err := svc.Request(context.Background(), subject, "database failover requires registry write", []string{"registry:write"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	_, err = svc.Approve(context.Background(), subject, req.ID, 0)
	if !errors.Is(err, ErrSelfApproval) {
		t.Fatalf("expected ErrSelfApproval, got %v", err)
	}
}

func TestSelfApprovalAllowedByPolicy(t *testing.T) {
	svc := newTestService(t, NewMemoryRepository(), audit.NewMemoryEmitter(), Config{AllowSelfApproval: true, RequiredApprovals: 1})
	subject := authz.Subject{ID: "eng-1", RoleIDs: []string{"engineer", "duty-manager"}, MFAElevatedUntil: time.Now().Add(10 * time.Minute)}
	req, err := svc.Request(context.Background(), subject, "database failover requires registry write", []string{"registry:write"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req, err = svc.Approve(context.Background(), subject, req.ID, 0)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if req.Status != StatusApproved {
		t.Fatalf("expected approved under self-approval policy, got %s", req.Status)
	}
}

func TestApproveStaleVersionSurfacesConflict(t *testing.T) {
	svc := newTestService(t, NewMemoryRepository(), audit.NewMemoryEmitter(), Config{})
	req, err := svc.Request(context.Background(), requester(), "database failover requires registry write", []string{"registry:write"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	// The request moved from requested to pending_approval, so version 1 is
	// stale by construction.
	_, err = svc.Approve(context.Background(), elevated("mgr-1", "duty-manager"), req.ID, 1)
	if !errors.Is(err, authz.ErrVersionConflict) {
		t.Fatalf("expected authz.ErrVersionConflict, got %v", err)
	}
}

// conflictOnceRepo forces one CAS failure to simulate two approvers racing on
// the same observed version.
type conflictOnceRepo struct {
	Repository
	conflicts int
}

func (r *conflictOnceRepo) Update(ctx context.Context, req Request, expectedVersion int64) (Request, error) {
	if r.conflicts > 0 {
		r.conflicts--
		return Request{}, authz.ErrVersionConflict
	}
	return r.Repository.Update(ctx, req, expectedVersion)
}

func TestConcurrentApprovalsBothCount(t *testing.T) {
	repo := &conflictOnceRepo{Repository: NewMemoryRepository()}
	svc := newTestService(t, repo, audit.NewMemoryEmitter(), Config{})
	req, err := svc.Request(context.Background(), requester(), "database failover requires registry write", []string{"registry:write"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	if _, err := svc.Approve(context.Background(), elevated("mgr-1", "duty-manager"), req.ID, 0); err != nil {
		t.Fatalf("first approval: %v", err)
	}
	// The second approver loses the first CAS attempt and retries against
	// refreshed state.
	repo.conflicts = 1
	updated, err := svc.Approve(context.Background(), elevated("mgr-2", "duty-manager"), req.ID, 0)
	if err != nil {
		t.Fatalf("second approval: %v", err)
	}
	if len(updated.Approvals) != 2 {
		t.Fatalf("both approvals must count, got %d", len(updated.Approvals))
	}
	if updated.Status != StatusApproved {
		t.Fatalf("expected approved, got %s", updated.Status)
	}
}

func TestDenyIsTerminal(t *testing.T) {
	svc := newTestService(t, NewMemoryRepository(), audit.NewMemoryEmitter(), Config{})
	req, err := svc.Request(context.Background(), requester(), "database failover requires registry write", []string{"registry:write"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req, err = svc.Deny(context.Background(), elevated("mgr-1", "duty-manager"), req.ID)
	if err != nil {
		t.Fatalf("deny: %v", err)
	}
	if req.Status != StatusDenied {
		t.Fatalf("expected denied, got %s", req.Status)
	}
	_, err = svc.Approve(context.Background(), elevated("mgr-2", "duty-manager"), req.ID, 0)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("terminal state must reject transitions, got %v", err)
	}
}

func TestRevokedGrantDeniesWithReason(t *testing.T) {
	svc := newTestService(t, NewMemoryRepository(), audit.NewMemoryEmitter(), Config{TTL: 15 * time.Minute})
	req := activateGrant(t, svc)

	if _, err := svc.Revoke(context.Background(), elevated("mgr-1", "duty-manager"), req.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	active, lapsed, err := svc.Grants(context.Background(), "eng-1", time.Now().UTC())
	if err != nil {
		t.Fatalf("grants: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("revoked grant must not stay active: %v", active)
	}
	if lapsed["registry:write"] != authz.ReasonBreakGlassRevoked {
		t.Fatalf("expected breakglass_revoked, got %v", lapsed)
	}
}

func TestExpiryIsPassiveOnGrants(t *testing.T) {
	svc := newTestService(t, NewMemoryRepository(), audit.NewMemoryEmitter(), Config{TTL: 15 * time.Minute})
	activateGrant(t, svc)

	// No sweep has run; the deadline alone must stop the grant.
	later := time.Now().UTC().Add(20 * time.Minute)
	active, lapsed, err := svc.Grants(context.Background(), "eng-1", later)
	if err != nil {
		t.Fatalf("grants: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("overdue grant must not stay active: %v", active)
	}
	if lapsed["registry:write"] != authz.ReasonBreakGlassExpired {
		t.Fatalf("expected breakglass_expired, got %v", lapsed)
	}
}

func TestSweepFlipsOverdueGrants(t *testing.T) {
	svc := newTestService(t, NewMemoryRepository(), audit.NewMemoryEmitter(), Config{TTL: 15 * time.Minute})
	req := activateGrant(t, svc)

	svc.now = func() time.Time { return time.Now().Add(20 * time.Minute) }
	swept, err := svc.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		t.Fatalf("expected 1 swept grant, got %d", swept)
	}
	current, err := svc.Get(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if current.Status != StatusExpired {
		t.Fatalf("expected expired, got %s", current.Status)
	}
}

func TestAuditFailureAbortsTransition(t *testing.T) {
	emitter := audit.NewMemoryEmitter()
	svc := newTestService(t, NewMemoryRepository(), emitter, Config{})
	req, err := svc.Request(context.Background(), requester(), "database failover requires registry write", []string{"registry:write"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	emitter.SetFailure(audit.ErrEmitterUnavailable)
	_, err = svc.Deny(context.Background(), elevated("mgr-1", "duty-manager"), req.ID)
	if !errors.Is(err, ErrAuditUnavailable) {
		t.Fatalf("expected ErrAuditUnavailable, got %v", err)
	}

	emitter.SetFailure(nil)
	current, err := svc.Get(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if current.Status != StatusPendingApproval {
		t.Fatalf("unrecorded transition must not commit, got %s", current.Status)
	}
}

func activateGrant(t *testing.T, svc *Service) Request {
	t.Helper()
	req, err := svc.Request(context.Background(), requester(), "database failover requires registry write", []string{"registry:write"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := svc.Approve(context.Background(), elevated("mgr-1", "duty-manager"), req.ID, 0); err != nil {
		t.Fatalf("first approval: %v", err)
	}
	if _, err := svc.Approve(context.Background(), elevated("mgr-2", "duty-manager"), req.ID, 0); err != nil {
		t.Fatalf("second approval: %v", err)
	}
	req, err = svc.Activate(context.Background(), requester(), req.ID)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	return req
}

func TestGetUnknownRequest(t *testing.T) {
	svc := newTestService(t, NewMemoryRepository(), audit.NewMemoryEmitter(), Config{})
	_, err := svc.Get(context.Background(), uuid.New())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
