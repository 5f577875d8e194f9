package authz

import (
	"errors"
	"time"
)

// RiskLevel classifies a permission's potential for harm. Levels are totally
// ordered: low < medium < high < critical.
type RiskLevel string

const (
	// RiskLow marks routine read-style capabilities.
	RiskLow RiskLevel = "low"
	// RiskMedium marks ordinary write capabilities.
	RiskMedium RiskLevel = "medium"
	// RiskHigh marks capabilities that can alter legal or financial records.
	RiskHigh RiskLevel = "high"
	// RiskCritical marks capabilities that always require MFA and auditing.
	RiskCritical RiskLevel = "critical"
)

var riskRank = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// Valid reports whether the level is a known tier.
func (r RiskLevel) Valid() bool {
	_, ok := riskRank[r]
	return ok
}

// AtLeast reports whether r sits at or above other in the risk ordering.
func (r RiskLevel) AtLeast(other RiskLevel) bool {
	return riskRank[r] >= riskRank[other]
}

// Permission is an atomic capability. Codes are globally unique and
// namespaced by module (for example "payment:refund"). The Module field is
// structural; code parsing never happens at evaluation time.
type Permission struct {
	Code          string
	Module        string
	Description   string
	Risk          RiskLevel
	RequiresMFA   bool
	RequiresAudit bool
}

// Scope bounds where a role applies.
type Scope string

const (
	// ScopeGlobal applies everywhere.
	ScopeGlobal Scope = "global"
	// ScopeCouncil applies within one council.
	ScopeCouncil Scope = "council"
	// ScopeWard applies within one ward.
	ScopeWard Scope = "ward"
)

// Role groups permissions under an identifier. The permission set is
// replaced atomically; Version increments on every replace and guards
// optimistic-concurrency writes. Roles are never deleted, only deactivated.
type Role struct {
	ID          string
	Name        string
	Scope       Scope
	Permissions []string
	Version     int64
	Deactivated bool
}

// Subject is the caller context presented for an authorization check.
type Subject struct {
	ID               string
	RoleIDs          []string
	MFAElevatedUntil time.Time
}

// FieldContext scopes a decision to one field of one entity type.
type FieldContext struct {
	EntityType string
	FieldName  string
}

// Effect is the outcome class of a decision.
type Effect string

const (
	// EffectAllow permits the action.
	EffectAllow Effect = "allow"
	// EffectDeny refuses the action; Decision.Reason carries the cause.
	EffectDeny Effect = "deny"
	// EffectStepUp demands MFA elevation before the action can proceed.
	EffectStepUp Effect = "step_up"
)

// Machine-readable reason codes attached to every Deny so callers can
// distinguish "ask for elevation" from "access permanently refused".
const (
	ReasonNotGranted        = "not_granted"
	ReasonFieldRestricted   = "field_restricted"
	ReasonAuditUnavailable  = "audit_unavailable"
	ReasonBreakGlassExpired = "breakglass_expired"
	ReasonBreakGlassRevoked = "breakglass_revoked"
	ReasonMFARequired       = "mfa_required"
)

// Decision is the verdict for one authorization check.
type Decision struct {
	Effect     Effect
	Reason     string
	Permission string
	At         time.Time
}

// Allowed reports whether the decision permits the action.
func (d Decision) Allowed() bool {
	return d.Effect == EffectAllow
}

// Sentinel errors surfaced by the access-control core.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("authz: not found")
	// ErrVersionConflict indicates an optimistic-concurrency collision;
	// the caller must re-read and retry.
	ErrVersionConflict = errors.New("authz: version conflict")
	// ErrCatalogueIntegrity indicates the permission catalogue failed its
	// load-time invariants and must not be served.
	ErrCatalogueIntegrity = errors.New("authz: catalogue integrity violation")
	// ErrPolicyConflict indicates two field policies govern the same
	// entity/field pair.
	ErrPolicyConflict = errors.New("authz: conflicting field policies")
)
