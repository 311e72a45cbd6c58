package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// Middleware authenticates every request via Authorization: Bearer <jwt>,
// accepting either a user access token or a device access token, and stores
// the resulting Identity in the request context. Requests with no bearer
// token, or with a token that fails signature/expiry validation, proceed
// unauthenticated — RequireAuth/RequireRole reject them downstream so routes
// that are genuinely public (health checks, metrics) never pass through this
// middleware in the first place.
func Middleware(ts *TokenService, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") && !strings.HasPrefix(authHeader, "bearer ") {
				next.ServeHTTP(w, r)
				return
			}

			raw := strings.TrimSpace(authHeader[len("Bearer "):])
			id, err := ts.ValidateAccessToken(raw)
			if err != nil {
				logger.Debug("access token validation failed", "error", err, "remote_ip", clientIP(r))
				next.ServeHTTP(w, r)
				return
			}

			ctx := WithIdentity(r.Context(), id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireUser rejects requests whose identity is a device token. Use on every
// operator-facing endpoint so a device credential can never reach it.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := FromContext(r.Context())
		if id == nil {
			respondErr(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		if id.IsDevice() {
			respondErr(w, http.StatusForbidden, "forbidden", "device credentials cannot access this endpoint")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireDevice rejects requests that don't carry a valid device access
// token, used on every agent-facing endpoint except /agent/auth itself.
func RequireDevice(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := FromContext(r.Context())
		if id == nil || !id.IsDevice() {
			respondErr(w, http.StatusUnauthorized, "unauthorized", "device authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func respondErr(w http.ResponseWriter, status int, errStr, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   errStr,
		"message": message,
	})
}
