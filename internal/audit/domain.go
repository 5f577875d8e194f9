package audit

import "time"

// Severity grades an audit entry by the risk of the action it records.
type Severity string

const (
	// SeverityInfo marks routine, low-risk activity.
	SeverityInfo Severity = "info"
	// SeverityNotice marks medium-risk activity worth reviewing.
	SeverityNotice Severity = "notice"
	// SeverityWarning marks high-risk activity.
	SeverityWarning Severity = "warning"
	// SeverityCritical marks critical-risk activity and break-glass events.
	SeverityCritical Severity = "critical"
)

// Entry is a single append-only audit record. Entries are never mutated or
// deleted through this package; IDs are assigned by the emitter and increase
// monotonically per actor.
type Entry struct {
	ID          int64
	At          time.Time
	Actor       string
	Action      string
	Module      string
	Severity    Severity
	Description string
	TargetRef   string
}

// Filter narrows an audit query.
type Filter struct {
	From     time.Time
	To       time.Time
	Actor    string
	Module   string
	Action   string
	Page     int
	PageSize int
}

// PagingInfo holds pagination metadata for audit listings.
type PagingInfo struct {
	Page     int
	HasNext  bool
	PageSize int
	PrevPage int
	NextPage int
}

// Result wraps one page of audit rows.
type Result struct {
	Rows   []Entry
	Paging PagingInfo
}
