package breakglass

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is a break-glass request's lifecycle state. Terminal states are
// absorbing: once reached, the request never transitions again.
type Status string

const (
	// StatusRequested is the initial state before submission.
	StatusRequested Status = "requested"
	// StatusPendingApproval awaits the approval quorum.
	StatusPendingApproval Status = "pending_approval"
	// StatusApproved has met quorum and can be activated.
	StatusApproved Status = "approved"
	// StatusActive grants the requested permissions until expiry.
	StatusActive Status = "active"
	// StatusExpired is terminal: the TTL elapsed.
	StatusExpired Status = "expired"
	// StatusRevoked is terminal: an approver withdrew the grant.
	StatusRevoked Status = "revoked"
	// StatusDenied is terminal: an approver refused the request.
	StatusDenied Status = "denied"
)

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool {
	switch s {
	case StatusExpired, StatusRevoked, StatusDenied:
		return true
	}
	return false
}

// Approval records one approver's sign-off.
type Approval struct {
	ApproverID string    `json:"approver_id"`
	At         time.Time `json:"at"`
}

// Request is an emergency elevated-access request. Version guards
// optimistic-concurrency writes; ExpiresAt is set at activation.
type Request struct {
	ID                uuid.UUID
	RequesterID       string
	Justification     string
	Permissions       []string
	Status            Status
	Approvals         []Approval
	RequiredApprovals int
	CreatedAt         time.Time
	ExpiresAt         time.Time
	Version           int64
}

// ApprovedBy reports whether the approver already signed off.
func (r Request) ApprovedBy(approverID string) bool {
	for _, a := range r.Approvals {
		if a.ApproverID == approverID {
			return true
		}
	}
	return false
}

// Sentinel errors for the break-glass workflow.
var (
	// ErrNotFound indicates the request does not exist.
	ErrNotFound = errors.New("breakglass: request not found")
	// ErrPermissionDenied indicates the actor lacks the required
	// break-glass permission.
	ErrPermissionDenied = errors.New("breakglass: permission denied")
	// ErrStepUpRequired indicates the actor must complete MFA first.
	ErrStepUpRequired = errors.New("breakglass: mfa step-up required")
	// ErrSelfApproval indicates a requester tried to approve their own
	// request.
	ErrSelfApproval = errors.New("breakglass: requester cannot approve own request")
	// ErrInvalidTransition indicates the request is not in a state the
	// operation applies to.
	ErrInvalidTransition = errors.New("breakglass: invalid transition")
	// ErrAuditUnavailable indicates the transition could not be recorded
	// and therefore did not happen.
	ErrAuditUnavailable = errors.New("breakglass: audit unavailable")
)
