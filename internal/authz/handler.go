package authz

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/civicore/civicore/internal/platform/httpx"
)

// Handler exposes the core decision surface: decide, permission listing,
// and MFA elevation recording. Transport mechanics stay thin; callers are
// the portal's web layer and trusted services.
type Handler struct {
	logger     *slog.Logger
	evaluator  *Evaluator
	catalogue  *Catalogue
	elevations *ElevationStore
	validator  *validator.Validate
	mfaTTL     time.Duration
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, evaluator *Evaluator, catalogue *Catalogue, elevations *ElevationStore, mfaTTL time.Duration) *Handler {
	if mfaTTL <= 0 {
		mfaTTL = 5 * time.Minute
	}
	return &Handler{
		logger:     logger,
		evaluator:  evaluator,
		catalogue:  catalogue,
		elevations: elevations,
		validator:  validator.New(),
		mfaTTL:     mfaTTL,
	}
}

// MountRoutes registers authz routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/decide", h.handleDecide)
	r.Get("/permissions", h.handleListPermissions)
	r.Post("/elevate", h.handleElevate)
}

type subjectPayload struct {
	ID               string   `json:"id" validate:"required"`
	RoleIDs          []string `json:"role_ids"`
	MFAElevatedUntil string   `json:"mfa_elevated_until,omitempty"`
}

type fieldContextPayload struct {
	EntityType string `json:"entity_type" validate:"required"`
	FieldName  string `json:"field_name" validate:"required"`
}

type decideRequest struct {
	Subject      subjectPayload       `json:"subject" validate:"required"`
	Permission   string               `json:"permission" validate:"required"`
	FieldContext *fieldContextPayload `json:"field_context,omitempty"`
}

type decideResponse struct {
	Effect     string `json:"effect"`
	Reason     string `json:"reason,omitempty"`
	Permission string `json:"permission"`
	At         string `json:"at"`
}

func (h *Handler) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req decideRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	subject := Subject{ID: req.Subject.ID, RoleIDs: req.Subject.RoleIDs}
	if raw := strings.TrimSpace(req.Subject.MFAElevatedUntil); raw != "" {
		until, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "mfa_elevated_until must be RFC3339")
			return
		}
		subject.MFAElevatedUntil = until
	}
	var fc *FieldContext
	if req.FieldContext != nil {
		fc = &FieldContext{EntityType: req.FieldContext.EntityType, FieldName: req.FieldContext.FieldName}
	}
	decision, err := h.evaluator.Decide(r.Context(), subject, req.Permission, fc)
	if err != nil {
		h.logger.Error("decide", slog.String("permission", req.Permission), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, decideResponse{
		Effect:     string(decision.Effect),
		Reason:     decision.Reason,
		Permission: decision.Permission,
		At:         decision.At.Format(time.RFC3339Nano),
	})
}

type permissionView struct {
	Code          string `json:"code"`
	Module        string `json:"module"`
	Description   string `json:"description"`
	Risk          string `json:"risk"`
	RequiresMFA   bool   `json:"requires_mfa"`
	RequiresAudit bool   `json:"requires_audit"`
}

func (h *Handler) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	var perms []Permission
	if module := strings.TrimSpace(r.URL.Query().Get("module")); module != "" {
		perms = h.catalogue.ListByModule(module)
	} else {
		perms = h.catalogue.List()
	}
	views := make([]permissionView, 0, len(perms))
	for _, perm := range perms {
		views = append(views, permissionView{
			Code:          perm.Code,
			Module:        perm.Module,
			Description:   perm.Description,
			Risk:          string(perm.Risk),
			RequiresMFA:   perm.RequiresMFA,
			RequiresAudit: perm.RequiresAudit,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"version":     h.catalogue.Version(),
		"permissions": views,
	})
}

type elevateRequest struct {
	SubjectID string `json:"subject_id" validate:"required"`
}

// handleElevate records an MFA elevation performed by the external step-up
// verifier. The portal gateway calls this after second-factor proof.
func (h *Handler) handleElevate(w http.ResponseWriter, r *http.Request) {
	if h.elevations == nil {
		httpx.Problem(w, http.StatusNotImplemented, "Not Implemented", "elevation store not configured")
		return
	}
	var req elevateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	until := time.Now().UTC().Add(h.mfaTTL)
	if err := h.elevations.Elevate(r.Context(), req.SubjectID, until); err != nil {
		h.logger.Error("record elevation", slog.String("subject", req.SubjectID), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"elevated_until": until.Format(time.RFC3339)})
}
