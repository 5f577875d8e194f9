package app

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"

	"github.com/civicore/civicore/internal/authz"
	"github.com/civicore/civicore/internal/observability"
)

// Subject assertion headers set by the authenticating gateway in front of
// this service. The gateway has already verified the caller's identity;
// these headers carry the verified claims downstream.
const (
	headerSubjectID  = "X-Subject-Id"
	headerRoleIDs    = "X-Subject-Roles"
	headerMFADeadine = "X-Subject-Mfa-Until"
)

// MiddlewareConfig aggregates dependencies shared by the middleware stack.
type MiddlewareConfig struct {
	Logger  *slog.Logger
	Config  *Config
	Metrics *observability.Metrics
}

// SubjectMiddleware resolves the calling subject from gateway headers and
// stores it on the request context. Requests without a subject pass through;
// permission-gated routes reject them later.
func SubjectMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(headerSubjectID))
		if id == "" {
			next.ServeHTTP(w, r)
			return
		}
		subject := authz.Subject{ID: id}
		if raw := strings.TrimSpace(r.Header.Get(headerRoleIDs)); raw != "" {
			for _, roleID := range strings.Split(raw, ",") {
				roleID = strings.TrimSpace(roleID)
				if roleID != "" {
					subject.RoleIDs = append(subject.RoleIDs, roleID)
				}
			}
		}
		if raw := strings.TrimSpace(r.Header.Get(headerMFADeadine)); raw != "" {
			if until, err := time.Parse(time.RFC3339, raw); err == nil {
				subject.MFAElevatedUntil = until
			}
		}
		ctx := authz.ContextWithSubject(r.Context(), subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// MiddlewareStack installs the CiviCore middleware chain.
func MiddlewareStack(cfg MiddlewareConfig) []func(http.Handler) http.Handler {
	secureMiddleware := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		FeaturePolicy:         "none",
		ContentSecurityPolicy: "default-src 'self'",
		SSLRedirect:           cfg.Config != nil && cfg.Config.IsProduction(),
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
	})

	timeout := 30 * time.Second
	if cfg.Config != nil && cfg.Config.AppRequestTimeout > 0 {
		timeout = cfg.Config.AppRequestTimeout
	}

	middlewares := []func(http.Handler) http.Handler{
		middleware.RealIP,
		middleware.RequestID,
		SubjectMiddleware,
		middleware.Recoverer,
		middleware.Timeout(timeout),
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if err := secureMiddleware.Process(w, r); err != nil {
					cfg.Logger.Warn("secure headers blocked request", slog.Any("error", err))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					return
				}
				next.ServeHTTP(w, r)
			})
		},
		middleware.Compress(5),
		httprate.Limit(120, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)),
	}
	if cfg.Metrics != nil {
		middlewares = append(middlewares, func(next http.Handler) http.Handler {
			return cfg.Metrics.Middleware(next)
		})
	}
	return middlewares
}
