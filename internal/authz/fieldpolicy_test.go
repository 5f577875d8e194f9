package authz

import (
	"errors"
	"testing"
)

func TestFieldPolicyConflictDetection(t *testing.T) {
	_, err := NewFieldPolicyMatrix([]FieldPolicy{
		{EntityType: "resident", FieldName: "national_id", MinimumPermission: "registry:write", Redaction: RedactMask},
		{EntityType: "resident", FieldName: "national_id", MinimumPermission: "registry:read", Redaction: RedactOmit},
	})
	if !errors.Is(err, ErrPolicyConflict) {
		t.Fatalf("expected ErrPolicyConflict, got %v", err)
	}
}

func TestFieldPolicyRejectsUnknownRedaction(t *testing.T) {
	_, err := NewFieldPolicyMatrix([]FieldPolicy{
		{EntityType: "resident", FieldName: "national_id", MinimumPermission: "registry:write", Redaction: Redaction("blur")},
	})
	if err == nil {
		t.Fatalf("expected error for unknown redaction")
	}
}

func TestPolicyForUnrestrictedField(t *testing.T) {
	matrix, err := NewFieldPolicyMatrix(BuiltinFieldPolicies())
	if err != nil {
		t.Fatalf("builtin policies must load: %v", err)
	}
	if _, governed := matrix.PolicyFor("resident", "postcode"); governed {
		t.Fatalf("ungoverned field reported as restricted")
	}
	policy, governed := matrix.PolicyFor("resident", "national_id")
	if !governed {
		t.Fatalf("expected resident.national_id to be governed")
	}
	if policy.MinimumPermission != "registry:write" {
		t.Fatalf("unexpected minimum permission %s", policy.MinimumPermission)
	}
}

func TestApplyRedactions(t *testing.T) {
	mask := FieldPolicy{Redaction: RedactMask}
	value, present := Apply(mask, "AB123456C", false)
	if !present {
		t.Fatalf("mask must keep the field present")
	}
	if value != "*****456C" {
		t.Fatalf("unexpected masked value %q", value)
	}

	if value, _ := Apply(mask, "abc", false); value != "***" {
		t.Fatalf("short values must be fully masked, got %q", value)
	}

	if _, present := Apply(FieldPolicy{Redaction: RedactOmit}, "secret", false); present {
		t.Fatalf("omit must drop the field")
	}

	value, present = Apply(FieldPolicy{Redaction: RedactPlaceholder}, "secret", false)
	if !present || value != RedactedPlaceholder {
		t.Fatalf("placeholder redaction returned %q present=%v", value, present)
	}

	// A granted subject sees the raw value regardless of strategy.
	if value, _ := Apply(FieldPolicy{Redaction: RedactOmit}, "secret", true); value != "secret" {
		t.Fatalf("granted access must not redact, got %q", value)
	}
}

func TestReloadReplacesWholeMatrix(t *testing.T) {
	matrix, err := NewFieldPolicyMatrix([]FieldPolicy{
		{EntityType: "payment", FieldName: "card_number", MinimumPermission: "payment:refund", Redaction: RedactMask},
	})
	if err != nil {
		t.Fatalf("new matrix: %v", err)
	}
	if err := matrix.Reload([]FieldPolicy{
		{EntityType: "payment", FieldName: "bank_account", MinimumPermission: "payment:refund", Redaction: RedactOmit},
	}); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, governed := matrix.PolicyFor("payment", "card_number"); governed {
		t.Fatalf("replaced policy still served")
	}
	if _, governed := matrix.PolicyFor("payment", "bank_account"); !governed {
		t.Fatalf("new policy missing after reload")
	}
}
