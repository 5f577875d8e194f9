package authz

import (
	"errors"
	"testing"
)

func TestCatalogueNormalisesCriticalPermissions(t *testing.T) {
	cat, err := NewCatalogue([]Permission{
		{Code: "payment:refund", Module: "payment", Risk: RiskCritical},
	})
	if err != nil {
		t.Fatalf("new catalogue: %v", err)
	}
	perm, ok := cat.Lookup("payment:refund")
	if !ok {
		t.Fatalf("expected payment:refund in catalogue")
	}
	if !perm.RequiresMFA || !perm.RequiresAudit {
		t.Fatalf("critical permission must require MFA and audit, got mfa=%v audit=%v", perm.RequiresMFA, perm.RequiresAudit)
	}
}

func TestCatalogueRejectsDuplicateCodes(t *testing.T) {
	_, err := NewCatalogue([]Permission{
		{Code: "gis:read", Module: "gis", Risk: RiskLow},
		{Code: "gis:read", Module: "gis", Risk: RiskMedium},
	})
	if !errors.Is(err, ErrCatalogueIntegrity) {
		t.Fatalf("expected ErrCatalogueIntegrity, got %v", err)
	}
}

func TestCatalogueRejectsUnnamespacedCode(t *testing.T) {
	_, err := NewCatalogue([]Permission{
		{Code: "read", Module: "gis", Risk: RiskLow},
	})
	if !errors.Is(err, ErrCatalogueIntegrity) {
		t.Fatalf("expected ErrCatalogueIntegrity, got %v", err)
	}
}

func TestCatalogueRejectsUnknownRisk(t *testing.T) {
	_, err := NewCatalogue([]Permission{
		{Code: "gis:read", Module: "gis", Risk: RiskLevel("severe")},
	})
	if !errors.Is(err, ErrCatalogueIntegrity) {
		t.Fatalf("expected ErrCatalogueIntegrity, got %v", err)
	}
}

func TestCatalogueReloadBumpsVersionAndKeepsOldOnFailure(t *testing.T) {
	cat, err := NewCatalogue([]Permission{
		{Code: "gis:read", Module: "gis", Risk: RiskLow},
	})
	if err != nil {
		t.Fatalf("new catalogue: %v", err)
	}
	if got := cat.Version(); got != 1 {
		t.Fatalf("expected version 1, got %d", got)
	}

	version, err := cat.Reload([]Permission{
		{Code: "gis:read", Module: "gis", Risk: RiskLow},
		{Code: "gis:write", Module: "gis", Risk: RiskMedium},
	})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected version 2, got %d", version)
	}

	if _, err := cat.Reload([]Permission{{Code: "bad", Module: "gis", Risk: RiskLow}}); err == nil {
		t.Fatalf("expected reload failure")
	}
	if got := cat.Version(); got != 2 {
		t.Fatalf("failed reload must not change the served catalogue, version %d", got)
	}
	if _, ok := cat.Lookup("gis:write"); !ok {
		t.Fatalf("previous snapshot lost after failed reload")
	}
}

func TestCatalogueListByModuleOrdered(t *testing.T) {
	cat, err := NewCatalogue(Builtin())
	if err != nil {
		t.Fatalf("builtin catalogue must load: %v", err)
	}
	perms := cat.ListByModule("payment")
	if len(perms) != 3 {
		t.Fatalf("expected 3 payment permissions, got %d", len(perms))
	}
	for i := 1; i < len(perms); i++ {
		if perms[i-1].Code >= perms[i].Code {
			t.Fatalf("module listing not ordered by code: %s before %s", perms[i-1].Code, perms[i].Code)
		}
	}
}

func TestRiskOrdering(t *testing.T) {
	if !RiskCritical.AtLeast(RiskHigh) {
		t.Fatalf("critical must sit above high")
	}
	if RiskLow.AtLeast(RiskMedium) {
		t.Fatalf("low must not sit above medium")
	}
	if !RiskMedium.AtLeast(RiskMedium) {
		t.Fatalf("ordering must be reflexive")
	}
}
