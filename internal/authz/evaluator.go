package authz

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/civicore/civicore/internal/audit"
)

// GrantSource resolves a subject's break-glass grants. Active permissions
// join the effective set; lapsed maps permission codes that were granted but
// have expired or been revoked to the deny reason callers should see.
type GrantSource interface {
	Grants(ctx context.Context, subjectID string, at time.Time) (active map[string]struct{}, lapsed map[string]string, err error)
}

// ElevationSource reports until when a subject's MFA step-up is valid. A
// zero time means no elevation is recorded.
type ElevationSource interface {
	ElevatedUntil(ctx context.Context, subjectID string) (time.Time, error)
}

// DecisionMetrics receives evaluator outcome counts.
type DecisionMetrics interface {
	ObserveDecision(effect Effect, reason string)
	ObserveAuditFailure()
}

// Evaluator is the authorization decision engine. Decide never blocks
// waiting for MFA or approvals; those are returned as explicit outcomes for
// the caller to act on.
type Evaluator struct {
	catalogue  *Catalogue
	roles      *RoleStore
	fields     *FieldPolicyMatrix
	grants     GrantSource
	elevations ElevationSource
	emitter    audit.Emitter
	cache      *PermissionCache
	metrics    DecisionMetrics
	logger     *slog.Logger
	now        func() time.Time
}

// EvaluatorParams groups evaluator dependencies. Grants, Elevations, Cache,
// and Metrics are optional.
type EvaluatorParams struct {
	Catalogue  *Catalogue
	Roles      *RoleStore
	Fields     *FieldPolicyMatrix
	Grants     GrantSource
	Elevations ElevationSource
	Emitter    audit.Emitter
	Cache      *PermissionCache
	Metrics    DecisionMetrics
	Logger     *slog.Logger
}

// NewEvaluator constructs the decision engine.
func NewEvaluator(params EvaluatorParams) (*Evaluator, error) {
	if params.Catalogue == nil {
		return nil, fmt.Errorf("authz: evaluator requires a catalogue")
	}
	if params.Roles == nil {
		return nil, fmt.Errorf("authz: evaluator requires a role store")
	}
	if params.Emitter == nil {
		return nil, fmt.Errorf("authz: evaluator requires an audit emitter")
	}
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		catalogue:  params.Catalogue,
		roles:      params.Roles,
		fields:     params.Fields,
		grants:     params.Grants,
		elevations: params.Elevations,
		emitter:    params.Emitter,
		cache:      params.Cache,
		metrics:    params.Metrics,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// SetGrantSource attaches the break-glass grant resolver. The grant workflow
// itself authorizes through the evaluator, so the source is attached after
// both sides are constructed and before the evaluator serves requests.
func (e *Evaluator) SetGrantSource(source GrantSource) {
	e.grants = source
}

// Decide evaluates the subject's request for permissionCode, optionally
// scoped to a field. Audit-required permissions are recorded synchronously
// before Allow is returned; an audit failure downgrades the outcome to
// Deny(audit_unavailable).
func (e *Evaluator) Decide(ctx context.Context, subject Subject, permissionCode string, fc *FieldContext) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	now := e.now().UTC()

	effective := e.effectivePermissions(ctx, subject)

	var lapsed map[string]string
	if e.grants != nil {
		active, lapsedGrants, err := e.grants.Grants(ctx, subject.ID, now)
		if err != nil {
			// Fail closed: an unreachable grant source never widens
			// the effective set.
			e.logger.Warn("resolve break-glass grants", slog.String("subject", subject.ID), slog.Any("error", err))
		} else {
			for code := range active {
				effective[code] = struct{}{}
			}
			lapsed = lapsedGrants
		}
	}

	if _, ok := effective[permissionCode]; !ok {
		if reason, wasGranted := lapsed[permissionCode]; wasGranted {
			return e.finish(Decision{Effect: EffectDeny, Reason: reason, Permission: permissionCode, At: now}), nil
		}
		return e.finish(Decision{Effect: EffectDeny, Reason: ReasonNotGranted, Permission: permissionCode, At: now}), nil
	}

	perm, ok := e.catalogue.Lookup(permissionCode)
	if !ok {
		// Granted but absent from the catalogue: fail closed.
		return e.finish(Decision{Effect: EffectDeny, Reason: ReasonNotGranted, Permission: permissionCode, At: now}), nil
	}

	if perm.RequiresMFA && !e.elevated(ctx, subject, now) {
		return e.finish(Decision{Effect: EffectStepUp, Reason: ReasonMFARequired, Permission: permissionCode, At: now}), nil
	}

	if fc != nil && e.fields != nil {
		if policy, governed := e.fields.PolicyFor(fc.EntityType, fc.FieldName); governed {
			if _, meets := effective[policy.MinimumPermission]; !meets {
				return e.finish(Decision{Effect: EffectDeny, Reason: ReasonFieldRestricted, Permission: permissionCode, At: now}), nil
			}
		}
	}

	if perm.RequiresAudit {
		entry := audit.Entry{
			At:          now,
			Actor:       subject.ID,
			Action:      perm.Code,
			Module:      perm.Module,
			Severity:    severityFor(perm.Risk),
			Description: "authorization granted",
		}
		if fc != nil {
			entry.TargetRef = fc.EntityType + "." + fc.FieldName
		}
		if err := e.emitter.Emit(ctx, entry); err != nil {
			e.logger.Error("audit emit failed, denying", slog.String("permission", perm.Code), slog.Any("error", err))
			if e.metrics != nil {
				e.metrics.ObserveAuditFailure()
			}
			return e.finish(Decision{Effect: EffectDeny, Reason: ReasonAuditUnavailable, Permission: permissionCode, At: now}), nil
		}
	}

	return e.finish(Decision{Effect: EffectAllow, Permission: permissionCode, At: now}), nil
}

// Holds reports whether the subject's effective set (roles plus active
// break-glass grants) contains the permission. It performs no MFA, field, or
// audit gating and must not replace Decide on protected paths.
func (e *Evaluator) Holds(ctx context.Context, subject Subject, permissionCode string) bool {
	effective := e.effectivePermissions(ctx, subject)
	if _, ok := effective[permissionCode]; ok {
		return true
	}
	if e.grants == nil {
		return false
	}
	active, _, err := e.grants.Grants(ctx, subject.ID, e.now().UTC())
	if err != nil {
		return false
	}
	_, ok := active[permissionCode]
	return ok
}

// effectivePermissions resolves the role union, consulting the
// version-stamped cache when configured. Stale stamps miss by construction,
// so a cached set can never outlive a catalogue reload or role edit.
func (e *Evaluator) effectivePermissions(ctx context.Context, subject Subject) map[string]struct{} {
	if e.cache != nil {
		stamp := CacheStamp{CatalogueVersion: e.catalogue.Version(), RoleStoreVersion: e.roles.Version()}
		if cached, ok := e.cache.Get(ctx, subject.ID, stamp); ok {
			return cached
		}
		effective := e.roles.EffectivePermissions(subject.RoleIDs)
		e.cache.Set(ctx, subject.ID, stamp, effective)
		return effective
	}
	return e.roles.EffectivePermissions(subject.RoleIDs)
}

func (e *Evaluator) elevated(ctx context.Context, subject Subject, now time.Time) bool {
	if !subject.MFAElevatedUntil.IsZero() && subject.MFAElevatedUntil.After(now) {
		return true
	}
	if e.elevations == nil {
		return false
	}
	until, err := e.elevations.ElevatedUntil(ctx, subject.ID)
	if err != nil {
		e.logger.Warn("resolve mfa elevation", slog.String("subject", subject.ID), slog.Any("error", err))
		return false
	}
	return !until.IsZero() && until.After(now)
}

func (e *Evaluator) finish(d Decision) Decision {
	if e.metrics != nil {
		e.metrics.ObserveDecision(d.Effect, d.Reason)
	}
	return d
}

func severityFor(risk RiskLevel) audit.Severity {
	switch risk {
	case RiskCritical:
		return audit.SeverityCritical
	case RiskHigh:
		return audit.SeverityWarning
	case RiskMedium:
		return audit.SeverityNotice
	default:
		return audit.SeverityInfo
	}
}
