package authz

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicore/civicore/internal/audit"
)

func newTestHandler(t *testing.T) (*Handler, *ElevationStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	elevations := NewElevationStore(client)

	eval := newTestEvaluator(t, audit.NewMemoryEmitter())
	cat, err := NewCatalogue(Builtin())
	require.NoError(t, err)
	return NewHandler(slog.Default(), eval, cat, elevations, time.Minute), elevations
}

func serve(h *Handler, req *http.Request) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Route("/authz", h.MountRoutes)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func TestHandleDecide(t *testing.T) {
	h, _ := newTestHandler(t)
	body := `{"subject":{"id":"u1","role_ids":["clerk"]},"permission":"licensing:read"}`
	req := httptest.NewRequest(http.MethodPost, "/authz/decide", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := serve(h, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Effect     string `json:"effect"`
		Permission string `json:"permission"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "allow", resp.Effect)
	assert.Equal(t, "licensing:read", resp.Permission)
}

func TestHandleDecideStepUpWithElevationHeader(t *testing.T) {
	h, _ := newTestHandler(t)
	body := `{"subject":{"id":"u2","role_ids":["treasurer"]},"permission":"payment:refund"}`
	req := httptest.NewRequest(http.MethodPost, "/authz/decide", strings.NewReader(body))
	rr := serve(h, req)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Effect string `json:"effect"`
		Reason string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "step_up", resp.Effect)
	assert.Equal(t, ReasonMFARequired, resp.Reason)

	until := time.Now().Add(5 * time.Minute).UTC().Format(time.RFC3339)
	body = `{"subject":{"id":"u2","role_ids":["treasurer"],"mfa_elevated_until":"` + until + `"},"permission":"payment:refund"}`
	rr = serve(h, httptest.NewRequest(http.MethodPost, "/authz/decide", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "allow", resp.Effect)
}

func TestHandleDecideValidation(t *testing.T) {
	h, _ := newTestHandler(t)
	rr := serve(h, httptest.NewRequest(http.MethodPost, "/authz/decide", strings.NewReader(`{"permission":"licensing:read"}`)))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(h, httptest.NewRequest(http.MethodPost, "/authz/decide", strings.NewReader(`not json`)))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleListPermissionsByModule(t *testing.T) {
	h, _ := newTestHandler(t)
	rr := serve(h, httptest.NewRequest(http.MethodGet, "/authz/permissions?module=payment", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Version     int64 `json:"version"`
		Permissions []struct {
			Code string `json:"code"`
			Risk string `json:"risk"`
		} `json:"permissions"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.Version)
	require.Len(t, resp.Permissions, 3)
	for _, p := range resp.Permissions {
		assert.True(t, strings.HasPrefix(p.Code, "payment:"))
	}
}

func TestHandleElevateRecordsDeadline(t *testing.T) {
	h, elevations := newTestHandler(t)
	rr := serve(h, httptest.NewRequest(http.MethodPost, "/authz/elevate", strings.NewReader(`{"subject_id":"u2"}`)))
	require.Equal(t, http.StatusOK, rr.Code)

	until, err := elevations.ElevatedUntil(context.Background(), "u2")
	require.NoError(t, err)
	assert.False(t, until.IsZero())
	assert.True(t, until.After(time.Now()))
}

func TestMiddlewareRequire(t *testing.T) {
	eval := newTestEvaluator(t, audit.NewMemoryEmitter())
	mw := Middleware{Evaluator: eval, Logger: slog.Default()}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	r := chi.NewRouter()
	r.With(mw.Require("licensing:read")).Get("/ok", next)
	r.With(mw.Require("payment:refund")).Get("/critical", next)

	// No subject on the context.
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	// Granted subject passes.
	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req = req.WithContext(ContextWithSubject(req.Context(), Subject{ID: "u1", RoleIDs: []string{"clerk"}}))
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	// Ungranted subject is forbidden.
	req = httptest.NewRequest(http.MethodGet, "/critical", nil)
	req = req.WithContext(ContextWithSubject(req.Context(), Subject{ID: "u1", RoleIDs: []string{"clerk"}}))
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	// Granted but unelevated subject must step up.
	req = httptest.NewRequest(http.MethodGet, "/critical", nil)
	req = req.WithContext(ContextWithSubject(req.Context(), Subject{ID: "u2", RoleIDs: []string{"treasurer"}}))
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Body.String(), ReasonMFARequired)
}
