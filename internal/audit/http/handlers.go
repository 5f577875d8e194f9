package audithttp

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/civicore/civicore/internal/audit"
	"github.com/civicore/civicore/internal/authz"
	"github.com/civicore/civicore/internal/platform/httpx"
)

const (
	defaultPageSize   = 20
	maxPageSize       = 50
	defaultDateRange  = 7 * 24 * time.Hour
	maxDateRangeHours = 24 * 90
)

// Handler exposes the audit query surface. Reads require audit:read; export
// requires audit:export, which is itself MFA-gated and audited by the
// evaluator before the request reaches this handler.
type Handler struct {
	logger  *slog.Logger
	service *audit.Service
	authz   authz.Middleware
	now     func() time.Time
}

// NewHandler constructs an audit handler.
func NewHandler(logger *slog.Logger, service *audit.Service, mw authz.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, authz: mw, now: time.Now}
}

// MountRoutes registers audit routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/audit", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.authz.Require(authz.PermAuditRead))
			r.Get("/", h.handleQuery)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.authz.Require(authz.PermAuditExport))
			r.Get("/export", h.handleExport)
		})
	})
}

type entryView struct {
	ID          int64  `json:"id"`
	At          string `json:"at"`
	Actor       string `json:"actor"`
	Action      string `json:"action"`
	Module      string `json:"module"`
	Severity    string `json:"severity"`
	Description string `json:"description,omitempty"`
	TargetRef   string `json:"target_ref,omitempty"`
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	filter, err := h.parseFilter(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	result, err := h.service.Query(r.Context(), filter)
	if err != nil {
		h.logger.Error("query audit log", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	views := make([]entryView, 0, len(result.Rows))
	for _, row := range result.Rows {
		views = append(views, toView(row))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"entries": views,
		"paging": map[string]any{
			"page":      result.Paging.Page,
			"page_size": result.Paging.PageSize,
			"has_next":  result.Paging.HasNext,
		},
	})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	filter, err := h.parseFilter(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	rows, err := h.service.Export(r.Context(), filter)
	if err != nil {
		h.logger.Error("export audit log", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	csvBytes, err := audit.WriteCSV(rows)
	if err != nil {
		h.logger.Error("encode audit csv", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="audit-log.csv"`)
	if _, err := w.Write(csvBytes); err != nil {
		h.logger.Warn("write csv", slog.Any("error", err))
	}
}

type filterError struct {
	field string
}

func (e filterError) Error() string {
	return "invalid filter field: " + e.field
}

func (h *Handler) parseFilter(r *http.Request) (audit.Filter, error) {
	now := h.now().UTC()
	toStr := strings.TrimSpace(r.URL.Query().Get("to"))
	if toStr == "" {
		toStr = now.Format("2006-01-02")
	}
	toTime, err := time.Parse("2006-01-02", toStr)
	if err != nil {
		return audit.Filter{}, filterError{field: "to"}
	}
	fromStr := strings.TrimSpace(r.URL.Query().Get("from"))
	if fromStr == "" {
		fromStr = toTime.Add(-defaultDateRange).Format("2006-01-02")
	}
	fromTime, err := time.Parse("2006-01-02", fromStr)
	if err != nil {
		return audit.Filter{}, filterError{field: "from"}
	}
	if fromTime.After(toTime) {
		return audit.Filter{}, filterError{field: "range"}
	}
	if toTime.Sub(fromTime) > maxDateRangeHours*time.Hour {
		return audit.Filter{}, filterError{field: "range"}
	}

	page := 1
	if v := strings.TrimSpace(r.URL.Query().Get("page")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return audit.Filter{}, filterError{field: "page"}
		}
		page = parsed
	}
	pageSize := defaultPageSize
	if v := strings.TrimSpace(r.URL.Query().Get("page_size")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return audit.Filter{}, filterError{field: "page_size"}
		}
		if parsed > maxPageSize {
			parsed = maxPageSize
		}
		pageSize = parsed
	}

	return audit.Filter{
		From:     fromTime,
		To:       toTime.Add(24*time.Hour - time.Nanosecond),
		Actor:    strings.TrimSpace(r.URL.Query().Get("actor")),
		Module:   strings.TrimSpace(r.URL.Query().Get("module")),
		Action:   strings.TrimSpace(r.URL.Query().Get("action")),
		Page:     page,
		PageSize: pageSize,
	}, nil
}

func toView(e audit.Entry) entryView {
	return entryView{
		ID:          e.ID,
		At:          e.At.UTC().Format(time.RFC3339),
		Actor:       e.Actor,
		Action:      e.Action,
		Module:      e.Module,
		Severity:    string(e.Severity),
		Description: e.Description,
		TargetRef:   e.TargetRef,
	}
}
