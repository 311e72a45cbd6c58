package device

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

// Handler serves the operator-facing devices API.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// AdminRoutes returns the /admin/devices routes: create, update and token
// rotation are ADMIN-or-DEV; the list is open to any authenticated user.
func (h *Handler) AdminRoutes() chi.Router {
	r := chi.NewRouter()
	r.With(auth.RequireMinRole(auth.RoleAdmin)).Post("/", h.handleCreate)
	r.Get("/", h.handleList)
	r.Route("/{id}", func(r chi.Router) {
		r.With(auth.RequireMinRole(auth.RoleAdmin)).Patch("/", h.handleUpdate)
		r.With(auth.RequireMinRole(auth.RoleAdmin)).Post("/rotate-token", h.handleRotateToken)
	})
	return r
}

// MineRoutes returns the GET /devices/mine route.
func (h *Handler) MineRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleMine)
	return r
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	id := auth.FromContext(r.Context())
	resp, err := h.svc.Create(r.Context(), r, id.OrgID, id.Role, req)
	if err != nil {
		h.writeError(w, "creating device", err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, resp)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	items, err := h.svc.List(r.Context(), id.OrgID)
	if err != nil {
		h.writeError(w, "listing devices", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"devices": items, "count": len(items)})
}

func (h *Handler) handleMine(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	items, err := h.svc.ListMine(r.Context(), id.OrgID, *id.UserID)
	if err != nil {
		h.writeError(w, "listing own devices", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"devices": items, "count": len(items)})
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	devID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid device id")
		return
	}
	var req UpdateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	id := auth.FromContext(r.Context())
	resp, err := h.svc.Update(r.Context(), r, id.OrgID, devID, id.Role, req)
	if err != nil {
		h.writeError(w, "updating device", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, resp)
}

func (h *Handler) handleRotateToken(w http.ResponseWriter, r *http.Request) {
	devID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid device id")
		return
	}
	id := auth.FromContext(r.Context())
	raw, err := h.svc.RotateToken(r.Context(), r, id.OrgID, devID)
	if err != nil {
		h.writeError(w, "rotating device token", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, RotateTokenResponse{DeviceToken: raw})
}

func (h *Handler) writeError(w http.ResponseWriter, action string, err error) {
	if errors.Is(err, pgx.ErrNoRows) {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "device not found")
		return
	}
	if errors.Is(err, ErrForbidden) {
		httpserver.RespondError(w, http.StatusForbidden, "forbidden", err.Error())
		return
	}
	h.logger.Error(action, "error", err)
	httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "an internal error occurred")
}
