package auth

import (
	"net/http"
)

// roleLevel maps roles to a numeric privilege level for hierarchical checks.
// Device is intentionally excluded: no endpoint gated by RequireMinRole is
// ever reachable with a device token (RequireUser runs first on every such
// route).
var roleLevel = map[string]int{
	RoleDev:   30,
	RoleAdmin: 20,
	RoleView:  10,
}

// RequireAuth rejects requests that have no authenticated identity of any kind.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if FromContext(r.Context()) == nil {
			respondErr(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole returns middleware that rejects requests whose identity does
// not hold one of the listed roles, by exact match.
func RequireRole(allowed ...string) func(http.Handler) http.Handler {
	set := make(map[string]struct{}, len(allowed))
	for _, r := range allowed {
		set[r] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := FromContext(r.Context())
			if id == nil {
				respondErr(w, http.StatusUnauthorized, "unauthorized", "authentication required")
				return
			}
			if _, ok := set[id.Role]; !ok {
				respondErr(w, http.StatusForbidden, "forbidden", "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireMinRole returns middleware that rejects requests whose identity has
// a lower privilege level than minRole. RequireMinRole(RoleAdmin) permits DEV
// and ADMIN; it never permits DEVICE, which carries no roleLevel entry.
func RequireMinRole(minRole string) func(http.Handler) http.Handler {
	minLevel := roleLevel[minRole]

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := FromContext(r.Context())
			if id == nil {
				respondErr(w, http.StatusUnauthorized, "unauthorized", "authentication required")
				return
			}
			if roleLevel[id.Role] < minLevel {
				respondErr(w, http.StatusForbidden, "forbidden", "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
