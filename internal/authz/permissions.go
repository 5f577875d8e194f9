package authz

// Core platform permission codes.
const (
	PermRolesRead   = "roles:read"
	PermRolesManage = "roles:manage"

	PermAuditRead   = "audit:read"
	PermAuditExport = "audit:export"

	PermBreakGlassUse     = "breakglass:use"
	PermBreakGlassApprove = "breakglass:approve"
)

// Builtin returns the portal's permission catalogue. Codes are grouped by
// module; risk tiers drive the MFA and audit requirements enforced by the
// evaluator.
func Builtin() []Permission {
	return []Permission{
		// licensing
		{Code: "licensing:read", Module: "licensing", Description: "View licence applications", Risk: RiskLow},
		{Code: "licensing:write", Module: "licensing", Description: "Create and edit licence applications", Risk: RiskMedium},
		{Code: "licensing:approve", Module: "licensing", Description: "Approve or refuse licence applications", Risk: RiskHigh, RequiresAudit: true},
		{Code: "licensing:revoke", Module: "licensing", Description: "Revoke an issued licence", Risk: RiskCritical},

		// inspection
		{Code: "inspection:read", Module: "inspection", Description: "View inspection records", Risk: RiskLow},
		{Code: "inspection:write", Module: "inspection", Description: "Record inspection findings", Risk: RiskMedium},
		{Code: "inspection:complete", Module: "inspection", Description: "Sign off an inspection", Risk: RiskHigh, RequiresAudit: true},

		// registry
		{Code: "registry:read", Module: "registry", Description: "View property registry entries", Risk: RiskLow},
		{Code: "registry:write", Module: "registry", Description: "Amend property registry entries", Risk: RiskHigh, RequiresAudit: true},

		// payment
		{Code: "payment:read", Module: "payment", Description: "View payment records", Risk: RiskLow},
		{Code: "payment:collect", Module: "payment", Description: "Record payments received", Risk: RiskMedium},
		{Code: "payment:refund", Module: "payment", Description: "Issue refunds", Risk: RiskCritical},

		// gis
		{Code: "gis:read", Module: "gis", Description: "View GIS layers", Risk: RiskLow},
		{Code: "gis:write", Module: "gis", Description: "Edit GIS layers", Risk: RiskMedium},

		// waste
		{Code: "waste:read", Module: "waste", Description: "View waste collection schedules", Risk: RiskLow},
		{Code: "waste:write", Module: "waste", Description: "Manage waste collection schedules", Risk: RiskMedium},

		// fleet
		{Code: "fleet:read", Module: "fleet", Description: "View fleet assets", Risk: RiskLow},
		{Code: "fleet:write", Module: "fleet", Description: "Manage fleet assets", Risk: RiskMedium},

		// documents
		{Code: "documents:read", Module: "documents", Description: "View stored documents", Risk: RiskLow},
		{Code: "documents:write", Module: "documents", Description: "Upload and file documents", Risk: RiskMedium},

		// roles administration
		{Code: PermRolesRead, Module: "roles", Description: "View roles and their permissions", Risk: RiskLow},
		{Code: PermRolesManage, Module: "roles", Description: "Assign permissions to roles", Risk: RiskHigh, RequiresAudit: true},

		// audit
		{Code: PermAuditRead, Module: "audit", Description: "Query the audit log", Risk: RiskMedium},
		{Code: PermAuditExport, Module: "audit", Description: "Export the audit log", Risk: RiskHigh, RequiresMFA: true, RequiresAudit: true},

		// break-glass
		{Code: PermBreakGlassUse, Module: "breakglass", Description: "Request emergency elevated access", Risk: RiskHigh, RequiresAudit: true},
		{Code: PermBreakGlassApprove, Module: "breakglass", Description: "Approve or revoke emergency access", Risk: RiskCritical},
	}
}

// BuiltinFieldPolicies returns the portal's field visibility rules. Each is a
// stricter gate layered on the owning module's record-level permission.
func BuiltinFieldPolicies() []FieldPolicy {
	return []FieldPolicy{
		{EntityType: "resident", FieldName: "national_id", MinimumPermission: "registry:write", Redaction: RedactMask},
		{EntityType: "resident", FieldName: "date_of_birth", MinimumPermission: "registry:write", Redaction: RedactPlaceholder},
		{EntityType: "licence_application", FieldName: "applicant_phone", MinimumPermission: "licensing:write", Redaction: RedactMask},
		{EntityType: "licence_application", FieldName: "criminal_record_check", MinimumPermission: "licensing:approve", Redaction: RedactOmit},
		{EntityType: "payment", FieldName: "card_number", MinimumPermission: "payment:refund", Redaction: RedactMask},
		{EntityType: "payment", FieldName: "bank_account", MinimumPermission: "payment:refund", Redaction: RedactOmit},
		{EntityType: "inspection", FieldName: "complainant_name", MinimumPermission: "inspection:complete", Redaction: RedactPlaceholder},
	}
}
