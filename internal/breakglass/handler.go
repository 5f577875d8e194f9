package breakglass

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/civicore/civicore/internal/authz"
	"github.com/civicore/civicore/internal/platform/httpx"
)

// Handler wires HTTP endpoints for the break-glass workflow.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers break-glass routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.handleRequest)
	r.Get("/{requestID}", h.handleStatus)
	r.Post("/{requestID}/approve", h.handleApprove)
	r.Post("/{requestID}/deny", h.handleDeny)
	r.Post("/{requestID}/activate", h.handleActivate)
	r.Post("/{requestID}/revoke", h.handleRevoke)
}

type requestPayload struct {
	Justification string   `json:"justification" validate:"required,min=10"`
	Permissions   []string `json:"permissions" validate:"required,min=1,dive,required"`
}

type approvePayload struct {
	ExpectedVersion int64 `json:"expected_version"`
}

type requestView struct {
	ID                string     `json:"id"`
	RequesterID       string     `json:"requester_id"`
	Justification     string     `json:"justification"`
	Permissions       []string   `json:"permissions"`
	Status            string     `json:"status"`
	Approvals         []Approval `json:"approvals"`
	RequiredApprovals int        `json:"required_approvals"`
	CreatedAt         string     `json:"created_at"`
	ExpiresAt         string     `json:"expires_at,omitempty"`
	Version           int64      `json:"version"`
}

func (h *Handler) handleRequest(w http.ResponseWriter, r *http.Request) {
	subject, ok := authz.SubjectFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "no subject presented")
		return
	}
	var payload requestPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validator.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	req, err := h.service.Request(r.Context(), subject, payload.Justification, payload.Permissions)
	if err != nil {
		h.respondError(w, "create break-glass request", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toView(req))
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "requestID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "request id must be a UUID")
		return
	}
	req, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, "load break-glass request", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toView(req))
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	subject, id, ok := h.subjectAndID(w, r)
	if !ok {
		return
	}
	var payload approvePayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	req, err := h.service.Approve(r.Context(), subject, id, payload.ExpectedVersion)
	if err != nil {
		h.respondError(w, "approve break-glass request", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toView(req))
}

func (h *Handler) handleDeny(w http.ResponseWriter, r *http.Request) {
	subject, id, ok := h.subjectAndID(w, r)
	if !ok {
		return
	}
	req, err := h.service.Deny(r.Context(), subject, id)
	if err != nil {
		h.respondError(w, "deny break-glass request", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toView(req))
}

func (h *Handler) handleActivate(w http.ResponseWriter, r *http.Request) {
	subject, id, ok := h.subjectAndID(w, r)
	if !ok {
		return
	}
	req, err := h.service.Activate(r.Context(), subject, id)
	if err != nil {
		h.respondError(w, "activate break-glass grant", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toView(req))
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	subject, id, ok := h.subjectAndID(w, r)
	if !ok {
		return
	}
	req, err := h.service.Revoke(r.Context(), subject, id)
	if err != nil {
		h.respondError(w, "revoke break-glass grant", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toView(req))
}

func (h *Handler) subjectAndID(w http.ResponseWriter, r *http.Request) (authz.Subject, uuid.UUID, bool) {
	subject, ok := authz.SubjectFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "no subject presented")
		return authz.Subject{}, uuid.Nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "requestID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "request id must be a UUID")
		return authz.Subject{}, uuid.Nil, false
	}
	return subject, id, true
}

func (h *Handler) respondError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrStepUpRequired):
		httpx.Problem(w, http.StatusUnauthorized, "Step-Up Required", authz.ReasonMFARequired)
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrSelfApproval):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, ErrInvalidTransition):
		httpx.Problem(w, http.StatusConflict, "Invalid Transition", err.Error())
	case errors.Is(err, authz.ErrVersionConflict):
		httpx.Problem(w, http.StatusConflict, "Version Conflict", err.Error())
	case errors.Is(err, ErrAuditUnavailable):
		httpx.Problem(w, http.StatusServiceUnavailable, "Audit Unavailable", err.Error())
	default:
		h.logger.Error(message, slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func toView(req Request) requestView {
	view := requestView{
		ID:                req.ID.String(),
		RequesterID:       req.RequesterID,
		Justification:     req.Justification,
		Permissions:       req.Permissions,
		Status:            string(req.Status),
		Approvals:         req.Approvals,
		RequiredApprovals: req.RequiredApprovals,
		CreatedAt:         req.CreatedAt.Format(time.RFC3339),
		Version:           req.Version,
	}
	if !req.ExpiresAt.IsZero() {
		view.ExpiresAt = req.ExpiresAt.Format(time.RFC3339)
	}
	return view
}
