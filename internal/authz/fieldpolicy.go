package authz

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Redaction names the strategy applied when a field requirement is not met.
type Redaction string

const (
	// RedactMask obscures all but the last four characters.
	RedactMask Redaction = "mask"
	// RedactOmit removes the field from the response entirely.
	RedactOmit Redaction = "omit"
	// RedactPlaceholder substitutes a fixed sentinel value.
	RedactPlaceholder Redaction = "placeholder"
)

// RedactedPlaceholder is the sentinel emitted by RedactPlaceholder.
const RedactedPlaceholder = "[REDACTED]"

// FieldPolicy restricts visibility of one field on one entity type. A field
// is visible only to subjects whose effective permission set includes
// MinimumPermission; the policy is a stricter additional gate on top of the
// record-level check, never a relaxation.
type FieldPolicy struct {
	EntityType        string
	FieldName         string
	MinimumPermission string
	Redaction         Redaction
}

type fieldKey struct {
	entityType string
	fieldName  string
}

// FieldPolicyMatrix resolves field policies. It is read-only to the
// evaluator; administrative edits publish a complete replacement snapshot.
type FieldPolicyMatrix struct {
	snap atomic.Pointer[map[fieldKey]FieldPolicy]
}

// NewFieldPolicyMatrix validates and loads the policy set. Exactly one rule
// may govern each entity/field pair; a second rule for the same pair fails
// with ErrPolicyConflict.
func NewFieldPolicyMatrix(policies []FieldPolicy) (*FieldPolicyMatrix, error) {
	byKey, err := buildPolicyIndex(policies)
	if err != nil {
		return nil, err
	}
	m := &FieldPolicyMatrix{}
	m.snap.Store(&byKey)
	return m, nil
}

// Reload swaps in a replacement policy set.
func (m *FieldPolicyMatrix) Reload(policies []FieldPolicy) error {
	byKey, err := buildPolicyIndex(policies)
	if err != nil {
		return err
	}
	m.snap.Store(&byKey)
	return nil
}

// PolicyFor resolves the policy governing the field. A false return means
// the field is unrestricted.
func (m *FieldPolicyMatrix) PolicyFor(entityType, fieldName string) (FieldPolicy, bool) {
	policy, ok := (*m.snap.Load())[fieldKey{entityType: entityType, fieldName: fieldName}]
	return policy, ok
}

// Apply redacts value per the policy when the requirement was not met. The
// second return reports whether the field should be present in the response
// at all (false only for RedactOmit).
func Apply(policy FieldPolicy, value string, granted bool) (string, bool) {
	if granted {
		return value, true
	}
	switch policy.Redaction {
	case RedactOmit:
		return "", false
	case RedactPlaceholder:
		return RedactedPlaceholder, true
	default:
		return maskValue(value), true
	}
}

// maskValue keeps the last four characters visible.
func maskValue(value string) string {
	runes := []rune(value)
	if len(runes) <= 4 {
		return strings.Repeat("*", len(runes))
	}
	return strings.Repeat("*", len(runes)-4) + string(runes[len(runes)-4:])
}

func buildPolicyIndex(policies []FieldPolicy) (map[fieldKey]FieldPolicy, error) {
	byKey := make(map[fieldKey]FieldPolicy, len(policies))
	for _, policy := range policies {
		if strings.TrimSpace(policy.EntityType) == "" || strings.TrimSpace(policy.FieldName) == "" {
			return nil, fmt.Errorf("authz: field policy requires entity type and field name")
		}
		if strings.TrimSpace(policy.MinimumPermission) == "" {
			return nil, fmt.Errorf("authz: field policy %s.%s requires a minimum permission", policy.EntityType, policy.FieldName)
		}
		switch policy.Redaction {
		case RedactMask, RedactOmit, RedactPlaceholder:
		default:
			return nil, fmt.Errorf("authz: field policy %s.%s has unknown redaction %q", policy.EntityType, policy.FieldName, policy.Redaction)
		}
		key := fieldKey{entityType: policy.EntityType, fieldName: policy.FieldName}
		if _, dup := byKey[key]; dup {
			return nil, fmt.Errorf("%w: %s.%s", ErrPolicyConflict, policy.EntityType, policy.FieldName)
		}
		byKey[key] = policy
	}
	return byKey, nil
}
