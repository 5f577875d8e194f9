package breakglass

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/civicore/civicore/internal/audit"
	"github.com/civicore/civicore/internal/authz"
)

// casAttempts bounds the internal retry loop for concurrent approvals.
const casAttempts = 5

// TransitionMetrics receives state-machine transition counts.
type TransitionMetrics interface {
	ObserveBreakGlassTransition(from, to Status)
}

// Config carries deployment policy for the workflow.
type Config struct {
	// TTL bounds how long an activated grant lives.
	TTL time.Duration
	// RequiredApprovals is the approval quorum for new requests.
	RequiredApprovals int
	// AllowSelfApproval permits the requester to count toward their own
	// quorum. Defaults to off.
	AllowSelfApproval bool
}

// Service drives the break-glass state machine. Every transition is pushed
// to the audit emitter before the state change is committed; an audit
// failure aborts the transition so the workflow stays fail-closed.
type Service struct {
	repo      Repository
	evaluator *authz.Evaluator
	emitter   audit.Emitter
	metrics   TransitionMetrics
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
}

// NewService constructs the workflow service.
func NewService(repo Repository, evaluator *authz.Evaluator, emitter audit.Emitter, metrics TransitionMetrics, logger *slog.Logger, cfg Config) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	if cfg.RequiredApprovals <= 0 {
		cfg.RequiredApprovals = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		evaluator: evaluator,
		emitter:   emitter,
		metrics:   metrics,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Request creates and submits an emergency access request. The requester
// must hold breakglass:use.
func (s *Service) Request(ctx context.Context, subject authz.Subject, justification string, permissions []string) (Request, error) {
	if err := s.authorize(ctx, subject, authz.PermBreakGlassUse); err != nil {
		return Request{}, err
	}
	justification = strings.TrimSpace(justification)
	if justification == "" {
		return Request{}, fmt.Errorf("breakglass: justification required")
	}
	if len(permissions) == 0 {
		return Request{}, fmt.Errorf("breakglass: at least one permission required")
	}
	now := s.now().UTC()
	req := Request{
		ID:                uuid.New(),
		RequesterID:       subject.ID,
		Justification:     justification,
		Permissions:       dedupe(permissions),
		Status:            StatusRequested,
		RequiredApprovals: s.cfg.RequiredApprovals,
		CreatedAt:         now,
		Version:           1,
	}
	if err := s.emitTransition(ctx, subject.ID, req, StatusRequested, "emergency access requested"); err != nil {
		return Request{}, err
	}
	if err := s.repo.Create(ctx, req); err != nil {
		return Request{}, err
	}
	// Submission is implicit in the request call; the state machine still
	// records it as its own transition.
	return s.transition(ctx, subject.ID, req.ID, req.Version, func(r *Request) error {
		if r.Status != StatusRequested {
			return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, r.ID, r.Status)
		}
		r.Status = StatusPendingApproval
		return nil
	}, "request submitted for approval")
}

// Approve counts one approver toward the quorum. The approver must hold
// breakglass:approve and may not be the requester unless deployment policy
// allows it. Re-approval by the same approver is a no-op. When
// expectedVersion is zero the service retries lost races against refreshed
// state; a non-zero stale expectedVersion surfaces authz.ErrVersionConflict.
func (s *Service) Approve(ctx context.Context, subject authz.Subject, requestID uuid.UUID, expectedVersion int64) (Request, error) {
	if err := s.authorize(ctx, subject, authz.PermBreakGlassApprove); err != nil {
		return Request{}, err
	}
	apply := func(r *Request) error {
		if r.Status != StatusPendingApproval {
			if r.ApprovedBy(subject.ID) {
				// Quorum already moved the request on; repeating
				// the approval stays a no-op.
				return errNoop
			}
			return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, r.ID, r.Status)
		}
		if !s.cfg.AllowSelfApproval && r.RequesterID == subject.ID {
			return ErrSelfApproval
		}
		if r.ApprovedBy(subject.ID) {
			return errNoop
		}
		r.Approvals = append(r.Approvals, Approval{ApproverID: subject.ID, At: s.now().UTC()})
		if len(r.Approvals) >= r.RequiredApprovals {
			r.Status = StatusApproved
		}
		return nil
	}
	if expectedVersion > 0 {
		return s.transition(ctx, subject.ID, requestID, expectedVersion, apply, "approval recorded")
	}
	var lastErr error
	for attempt := 0; attempt < casAttempts; attempt++ {
		current, err := s.repo.Get(ctx, requestID)
		if err != nil {
			return Request{}, err
		}
		updated, err := s.transition(ctx, subject.ID, requestID, current.Version, apply, "approval recorded")
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, authz.ErrVersionConflict) {
			return Request{}, err
		}
		lastErr = err
	}
	return Request{}, lastErr
}

// Deny refuses a pending request. Terminal.
func (s *Service) Deny(ctx context.Context, subject authz.Subject, requestID uuid.UUID) (Request, error) {
	if err := s.authorize(ctx, subject, authz.PermBreakGlassApprove); err != nil {
		return Request{}, err
	}
	return s.transitionCurrent(ctx, subject.ID, requestID, func(r *Request) error {
		if r.Status != StatusPendingApproval {
			return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, r.ID, r.Status)
		}
		r.Status = StatusDenied
		return nil
	}, "request denied")
}

// Activate turns an approved request into a live, time-bounded grant. Only
// the requester activates, and the TTL clock starts here.
func (s *Service) Activate(ctx context.Context, subject authz.Subject, requestID uuid.UUID) (Request, error) {
	if err := s.authorize(ctx, subject, authz.PermBreakGlassUse); err != nil {
		return Request{}, err
	}
	return s.transitionCurrent(ctx, subject.ID, requestID, func(r *Request) error {
		if r.RequesterID != subject.ID {
			return fmt.Errorf("%w: only the requester may activate", ErrPermissionDenied)
		}
		if r.Status != StatusApproved {
			return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, r.ID, r.Status)
		}
		r.Status = StatusActive
		r.ExpiresAt = s.now().UTC().Add(s.cfg.TTL)
		return nil
	}, "grant activated")
}

// Revoke withdraws a request at any point before expiry, immediately
// deactivating a live grant. Requires breakglass:approve.
func (s *Service) Revoke(ctx context.Context, subject authz.Subject, requestID uuid.UUID) (Request, error) {
	if err := s.authorize(ctx, subject, authz.PermBreakGlassApprove); err != nil {
		return Request{}, err
	}
	return s.transitionCurrent(ctx, subject.ID, requestID, func(r *Request) error {
		switch r.Status {
		case StatusPendingApproval, StatusApproved, StatusActive:
			r.Status = StatusRevoked
			return nil
		}
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, r.ID, r.Status)
	}, "grant revoked")
}

// Get returns the request by ID.
func (s *Service) Get(ctx context.Context, requestID uuid.UUID) (Request, error) {
	return s.repo.Get(ctx, requestID)
}

// Grants implements authz.GrantSource. Live grants contribute their
// permissions; lapsed grants surface the precise deny reason for attempted
// use. Expiry is evaluated passively here, so a grant the sweeper has not
// flipped yet still stops granting the moment its deadline passes.
func (s *Service) Grants(ctx context.Context, subjectID string, at time.Time) (map[string]struct{}, map[string]string, error) {
	requests, err := s.repo.ListByRequester(ctx, subjectID)
	if err != nil {
		return nil, nil, err
	}
	active := make(map[string]struct{})
	lapsed := make(map[string]string)
	for _, req := range requests {
		switch req.Status {
		case StatusActive:
			if at.Before(req.ExpiresAt) {
				for _, code := range req.Permissions {
					active[code] = struct{}{}
				}
			} else {
				markLapsed(lapsed, req.Permissions, authz.ReasonBreakGlassExpired)
			}
		case StatusExpired:
			markLapsed(lapsed, req.Permissions, authz.ReasonBreakGlassExpired)
		case StatusRevoked:
			markLapsed(lapsed, req.Permissions, authz.ReasonBreakGlassRevoked)
		}
	}
	// A live grant for a permission outranks a lapsed one for the same code.
	for code := range active {
		delete(lapsed, code)
	}
	return active, lapsed, nil
}

// Sweep flips overdue Active grants to Expired so dashboards reflect state
// without a query. Requests that lose the CAS race were transitioned by
// someone else and are skipped.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	activeRequests, err := s.repo.ListByStatus(ctx, StatusActive)
	if err != nil {
		return 0, err
	}
	now := s.now().UTC()
	swept := 0
	for _, req := range activeRequests {
		if now.Before(req.ExpiresAt) {
			continue
		}
		_, err := s.transition(ctx, "system", req.ID, req.Version, func(r *Request) error {
			if r.Status != StatusActive {
				return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, r.ID, r.Status)
			}
			r.Status = StatusExpired
			return nil
		}, "grant expired")
		if err != nil {
			if errors.Is(err, authz.ErrVersionConflict) || errors.Is(err, ErrInvalidTransition) {
				continue
			}
			return swept, err
		}
		swept++
	}
	return swept, nil
}

// errNoop short-circuits a transition without treating it as a failure.
var errNoop = errors.New("breakglass: no-op")

// transition loads the request, applies the mutation, emits the transition
// audit entry, and commits via CAS at expectedVersion.
func (s *Service) transition(ctx context.Context, actor string, requestID uuid.UUID, expectedVersion int64, apply func(*Request) error, description string) (Request, error) {
	req, err := s.repo.Get(ctx, requestID)
	if err != nil {
		return Request{}, err
	}
	from := req.Status
	if err := apply(&req); err != nil {
		if errors.Is(err, errNoop) {
			return req, nil
		}
		return Request{}, err
	}
	if err := s.emitTransition(ctx, actor, req, from, description); err != nil {
		return Request{}, err
	}
	updated, err := s.repo.Update(ctx, req, expectedVersion)
	if err != nil {
		return Request{}, err
	}
	if s.metrics != nil && from != updated.Status {
		s.metrics.ObserveBreakGlassTransition(from, updated.Status)
	}
	return updated, nil
}

// transitionCurrent applies the mutation against the freshest version.
func (s *Service) transitionCurrent(ctx context.Context, actor string, requestID uuid.UUID, apply func(*Request) error, description string) (Request, error) {
	req, err := s.repo.Get(ctx, requestID)
	if err != nil {
		return Request{}, err
	}
	return s.transition(ctx, actor, requestID, req.Version, apply, description)
}

// emitTransition records the workflow event. Break-glass actions are always
// audited regardless of catalogue flags; emission failure aborts the
// transition.
func (s *Service) emitTransition(ctx context.Context, actor string, req Request, from Status, description string) error {
	entry := audit.Entry{
		At:          s.now().UTC(),
		Actor:       actor,
		Action:      "breakglass:" + string(req.Status),
		Module:      "breakglass",
		Severity:    audit.SeverityCritical,
		Description: description,
		TargetRef:   req.ID.String(),
	}
	if err := s.emitter.Emit(ctx, entry); err != nil {
		s.logger.Error("break-glass audit emit failed", slog.String("request", req.ID.String()), slog.Any("error", err))
		return fmt.Errorf("%w: %s -> %s not recorded", ErrAuditUnavailable, from, req.Status)
	}
	return nil
}

// authorize gates a workflow operation on the actor's effective permission.
func (s *Service) authorize(ctx context.Context, subject authz.Subject, permissionCode string) error {
	decision, err := s.evaluator.Decide(ctx, subject, permissionCode, nil)
	if err != nil {
		return err
	}
	switch decision.Effect {
	case authz.EffectAllow:
		return nil
	case authz.EffectStepUp:
		return ErrStepUpRequired
	default:
		if decision.Reason == authz.ReasonAuditUnavailable {
			return fmt.Errorf("%w: %s", ErrAuditUnavailable, permissionCode)
		}
		return fmt.Errorf("%w: %s (%s)", ErrPermissionDenied, permissionCode, decision.Reason)
	}
}

func markLapsed(lapsed map[string]string, permissions []string, reason string) {
	for _, code := range permissions {
		if _, exists := lapsed[code]; !exists {
			lapsed[code] = reason
		}
	}
}

func dedupe(codes []string) []string {
	seen := make(map[string]struct{}, len(codes))
	out := make([]string, 0, len(codes))
	for _, code := range codes {
		code = strings.TrimSpace(code)
		if code == "" {
			continue
		}
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	return out
}
