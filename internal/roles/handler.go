package roles

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/civicore/civicore/internal/authz"
	"github.com/civicore/civicore/internal/platform/httpx"
)

// Handler wires HTTP endpoints for role administration.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	authz     authz.Middleware
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, mw authz.Middleware) *Handler {
	return &Handler{logger: logger, service: service, authz: mw, validator: validator.New()}
}

// MountRoutes registers role routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.authz.Require(authz.PermRolesRead))
		r.Get("/", h.handleList)
		r.Get("/{roleID}/permissions", h.handleGetPermissions)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.authz.Require(authz.PermRolesManage))
		r.Put("/{roleID}/permissions", h.handleSetPermissions)
		r.Post("/{roleID}/deactivate", h.handleDeactivate)
	})
}

type roleView struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Scope       string   `json:"scope"`
	Permissions []string `json:"permissions"`
	Version     int64    `json:"version"`
	Deactivated bool     `json:"deactivated,omitempty"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.List(r.Context())
	if err != nil {
		h.respondError(w, "list roles", err)
		return
	}
	views := make([]roleView, 0, len(roles))
	for _, role := range roles {
		views = append(views, toView(role))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": views})
}

func (h *Handler) handleGetPermissions(w http.ResponseWriter, r *http.Request) {
	role, err := h.service.Get(r.Context(), chi.URLParam(r, "roleID"))
	if err != nil {
		h.respondError(w, "get role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toView(role))
}

type setPermissionsPayload struct {
	Permissions     []string `json:"permissions" validate:"required,dive,required"`
	ExpectedVersion int64    `json:"expected_version" validate:"required,gt=0"`
}

func (h *Handler) handleSetPermissions(w http.ResponseWriter, r *http.Request) {
	var payload setPermissionsPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validator.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	version, err := h.service.SetPermissions(r.Context(), chi.URLParam(r, "roleID"), payload.Permissions, payload.ExpectedVersion)
	if err != nil {
		h.respondError(w, "set role permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int64{"version": version})
}

type deactivatePayload struct {
	ExpectedVersion int64 `json:"expected_version" validate:"required,gt=0"`
}

func (h *Handler) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	var payload deactivatePayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validator.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	version, err := h.service.Deactivate(r.Context(), chi.URLParam(r, "roleID"), payload.ExpectedVersion)
	if err != nil {
		h.respondError(w, "deactivate role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int64{"version": version})
}

func (h *Handler) respondError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, authz.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, authz.ErrVersionConflict):
		httpx.Problem(w, http.StatusConflict, "Version Conflict", err.Error())
	default:
		h.logger.Error(message, slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func toView(role authz.Role) roleView {
	return roleView{
		ID:          role.ID,
		Name:        role.Name,
		Scope:       string(role.Scope),
		Permissions: role.Permissions,
		Version:     role.Version,
		Deactivated: role.Deactivated,
	}
}
