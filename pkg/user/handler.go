package user

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/certhub/certhub/internal/auth"
	"github.com/certhub/certhub/internal/httpserver"
)

// Handler serves the operator-facing users API and the /auth/* endpoints.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates a user Handler.
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// AdminRoutes returns the DEV-only /admin/users routes, except PATCH which
// self-enforces the DEV-only role/is_active fields in Service.Update.
func (h *Handler) AdminRoutes() chi.Router {
	r := chi.NewRouter()
	r.With(auth.RequireRole(auth.RoleDev)).Post("/", h.handleCreate)
	r.With(auth.RequireRole(auth.RoleDev)).Get("/", h.handleList)
	r.Route("/{id}", func(r chi.Router) {
		r.With(auth.RequireRole(auth.RoleDev)).Get("/", h.handleGet)
		r.With(auth.RequireMinRole(auth.RoleAdmin)).Patch("/", h.handleUpdate)
	})
	return r
}

// AuthRoutes returns the /auth/* routes (login/refresh/logout/me/password).
func (h *Handler) AuthRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/login", h.handleLogin)
	r.Post("/refresh", h.handleRefresh)
	r.With(auth.RequireAuth, auth.RequireUser).Post("/logout", h.handleLogout)
	r.With(auth.RequireAuth, auth.RequireUser).Get("/me", h.handleMe)
	r.Post("/password/reset/init", h.handleResetInit)
	r.Post("/password/reset/confirm", h.handleResetConfirm)
	r.Post("/password/set/confirm", h.handleSetConfirm)
	return r
}

func (h *Handler) orgID(r *http.Request) uuid.UUID {
	if id := auth.FromContext(r.Context()); id != nil {
		return id.OrgID
	}
	return uuid.Nil
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	resp, err := h.svc.Create(r.Context(), r, h.orgID(r), req)
	if err != nil {
		h.writeError(w, "creating user", err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, resp)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.List(r.Context(), h.orgID(r))
	if err != nil {
		h.writeError(w, "listing users", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"users": items, "count": len(items)})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid user id")
		return
	}
	resp, err := h.svc.Get(r.Context(), h.orgID(r), id)
	if err != nil {
		h.writeError(w, "getting user", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, resp)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid user id")
		return
	}
	var req UpdateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	actor := auth.FromContext(r.Context())
	resp, err := h.svc.Update(r.Context(), r, h.orgID(r), id, actor.Role, req)
	if err != nil {
		h.writeError(w, "updating user", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, resp)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	orgID, err := resolveOrgID(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	ip := clientIP(r)
	resp, refreshRaw, err := h.svc.Login(r.Context(), r, orgID, req, ip, r.UserAgent())
	if err != nil {
		switch {
		case errors.Is(err, ErrLocked):
			httpserver.RespondError(w, http.StatusTooManyRequests, "locked", "account is temporarily locked")
		case errors.Is(err, ErrInactive):
			httpserver.RespondError(w, http.StatusForbidden, "inactive", "account is inactive")
		case errors.Is(err, ErrBadCredential):
			httpserver.RespondError(w, http.StatusUnauthorized, "invalid_credentials", "invalid username or password")
		default:
			h.writeError(w, "logging in", err)
		}
		return
	}

	h.svc.tokens.IssueRefreshCookie(w, refreshRaw)
	httpserver.Respond(w, http.StatusOK, resp)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	raw, err := refreshTokenFromRequest(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "missing refresh token")
		return
	}
	access, err := h.svc.Refresh(r.Context(), raw)
	if err != nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "refresh token invalid or expired")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"access_token": access})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	raw, err := refreshTokenFromRequest(r)
	if err == nil {
		_ = h.svc.Logout(r.Context(), r, raw)
	}
	h.svc.tokens.ClearRefreshCookie(w)
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	resp, err := h.svc.Get(r.Context(), id.OrgID, *id.UserID)
	if err != nil {
		h.writeError(w, "getting current user", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, resp)
}

type resetInitRequest struct {
	ADUsername string `json:"ad_username" validate:"required"`
}

// handleResetInit always returns 200 regardless of whether the account
// exists, per the enumeration-defense requirement.
func (h *Handler) handleResetInit(w http.ResponseWriter, r *http.Request) {
	var req resetInitRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	orgID, err := resolveOrgID(r)
	if err == nil {
		if initErr := h.svc.InitResetPassword(r.Context(), orgID, req.ADUsername); initErr != nil {
			h.logger.Debug("reset password init: no matching account", "ad_username", req.ADUsername)
		}
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"message": "if the account exists, a reset link has been sent"})
}

type confirmRequest struct {
	Token    string `json:"token" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (h *Handler) handleResetConfirm(w http.ResponseWriter, r *http.Request) {
	h.confirm(w, r, "reset_password")
}

func (h *Handler) handleSetConfirm(w http.ResponseWriter, r *http.Request) {
	h.confirm(w, r, "set_password")
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request, purpose string) {
	var req confirmRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := h.svc.ConfirmPasswordToken(r.Context(), r, req.Token, req.Password, purpose); err != nil {
		if errors.Is(err, ErrBadCredential) || errors.Is(err, auth.ErrPasswordTooLong) {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "token invalid, expired, or password does not meet requirements")
			return
		}
		h.writeError(w, "confirming password token", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"message": "password updated"})
}

func (h *Handler) writeError(w http.ResponseWriter, action string, err error) {
	if errors.Is(err, pgx.ErrNoRows) {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "user not found")
		return
	}
	if errors.Is(err, ErrForbidden) {
		httpserver.RespondError(w, http.StatusForbidden, "forbidden", err.Error())
		return
	}
	h.logger.Error(action, "error", err)
	httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "an internal error occurred")
}

func refreshTokenFromRequest(r *http.Request) (string, error) {
	if c, err := r.Cookie("certhub_refresh"); err == nil && c.Value != "" {
		return c.Value, nil
	}
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := httpserver.Decode(r, &body); err == nil && body.RefreshToken != "" {
		return body.RefreshToken, nil
	}
	return "", errors.New("no refresh token presented")
}

// resolveOrgID extracts the org from an authenticated identity where the
// request carries one, or else from the X-Org-ID header; login and
// password-reset init are its callers. Per spec.md §9's open question,
// DEFAULT_ORG_ID is development-only and never consulted here.
func resolveOrgID(r *http.Request) (uuid.UUID, error) {
	if id := auth.FromContext(r.Context()); id != nil {
		return id.OrgID, nil
	}
	h := r.Header.Get("X-Org-ID")
	if h == "" {
		return uuid.Nil, errors.New("missing X-Org-ID header")
	}
	return uuid.Parse(h)
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	return r.RemoteAddr
}
