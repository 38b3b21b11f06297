package authz

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestMiddleware(t *testing.T, eval BatchEvaluator) Middleware {
	t.Helper()
	cache, err := NewDecisionCache(eval, CacheConfig{TTL: time.Minute}, testLogger())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(cache.Close)
	return Middleware{Cache: cache, Logger: testLogger()}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestRequireAllAdmitsGrantedUser(t *testing.T) {
	mw := newTestMiddleware(t, &countingEvaluator{version: 1, sources: roleSources("hr-admin")})
	handler := mw.RequireAll("permissions.admin")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(UserHeader, "u-1003")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected pass-through, got %d", rec.Code)
	}
}

func TestRequireAllDeniesWithoutGrant(t *testing.T) {
	mw := newTestMiddleware(t, &versionlessEvaluator{})
	handler := mw.RequireAll("permissions.admin")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(UserHeader, "u-2000")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestRequireAllRejectsMissingIdentity(t *testing.T) {
	mw := newTestMiddleware(t, &countingEvaluator{version: 1})
	handler := mw.RequireAll("permissions.admin")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRequireAllRejectsServiceIdentityOnRequests(t *testing.T) {
	eval := &countingEvaluator{version: 1}
	mw := newTestMiddleware(t, eval)
	handler := mw.RequireAll("permissions.admin")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(UserHeader, ServiceSubjectID)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("service identity must never ride an interactive request, got %d", rec.Code)
	}
	if eval.callCount() != 0 {
		t.Fatal("rejected identity must not reach the evaluator")
	}
}

func TestRequireAnyAdmitsOnFirstGrant(t *testing.T) {
	mw := newTestMiddleware(t, &countingEvaluator{version: 1, sources: roleSources("manager")})
	handler := mw.RequireAny("payroll.view", "payroll.approve")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(UserHeader, "u-1001")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected pass-through, got %d", rec.Code)
	}
}
