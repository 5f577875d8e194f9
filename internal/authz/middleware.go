package authz

import (
	"log/slog"
	"net/http"

	"github.com/civicore/civicore/internal/platform/httpx"
)

// Middleware wires authorization checks into HTTP handlers.
type Middleware struct {
	Evaluator *Evaluator
	Logger    *slog.Logger
}

// Require runs a full decision for the permission before the handler.
// Step-up outcomes surface as 401 with the mfa_required reason so calling
// UIs can trigger elevation and re-issue the request.
func (m Middleware) Require(permissionCode string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, ok := SubjectFromContext(r.Context())
			if !ok {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "no subject presented")
				return
			}
			decision, err := m.Evaluator.Decide(r.Context(), subject, permissionCode, nil)
			if err != nil {
				if m.Logger != nil {
					m.Logger.Error("authorize request", slog.String("permission", permissionCode), slog.Any("error", err))
				}
				httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
				return
			}
			switch decision.Effect {
			case EffectAllow:
				next.ServeHTTP(w, r)
			case EffectStepUp:
				httpx.Problem(w, http.StatusUnauthorized, "Step-Up Required", ReasonMFARequired)
			default:
				httpx.Problem(w, http.StatusForbidden, "Forbidden", decision.Reason)
			}
		})
	}
}
