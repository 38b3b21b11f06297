package authz

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/meridian-hr/meridian/internal/platform/httpx"
)

// UserHeader names the header the fronting identity layer sets after
// authentication. Sessions themselves are outside this service.
const UserHeader = "X-Meridian-User"

// Middleware wires permission checks into HTTP handlers, answering from
// the decision cache.
type Middleware struct {
	Cache  *DecisionCache
	Logger *slog.Logger
}

// RequireAny admits the request when the caller holds at least one of
// the permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(normalized) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			userID, ok := m.currentUserID(r)
			if !ok {
				httpx.RespondError(w, httpx.ErrUnauthorized)
				return
			}
			decisions := m.Cache.CheckMany(r.Context(), userID, normalized)
			for _, decision := range decisions {
				if decision.Granted {
					next.ServeHTTP(w, r)
					return
				}
			}
			httpx.RespondError(w, httpx.ErrForbidden)
		})
	}
}

// RequireAll admits the request only when the caller holds every listed
// permission.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(normalized) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			userID, ok := m.currentUserID(r)
			if !ok {
				httpx.RespondError(w, httpx.ErrUnauthorized)
				return
			}
			decisions := m.Cache.CheckMany(r.Context(), userID, normalized)
			for _, decision := range decisions {
				if !decision.Granted {
					httpx.RespondError(w, httpx.ErrForbidden)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m Middleware) currentUserID(r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get(UserHeader))
	if userID == "" {
		return "", false
	}
	// The service-bypass identity is for backend processes only and must
	// never arrive on an interactive request.
	if IsServiceSubject(userID) {
		if m.Logger != nil {
			m.Logger.Warn("service identity on interactive request rejected")
		}
		return "", false
	}
	return userID, true
}

func normalizePermissions(perms []string) []string {
	unique := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		unique[p] = struct{}{}
	}
	normalized := make([]string, 0, len(unique))
	for p := range unique {
		normalized = append(normalized, p)
	}
	return normalized
}
