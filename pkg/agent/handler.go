package agent

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/certhub/certhub/internal/auth"
	"github.com/certhub/certhub/internal/httpserver"
)

// Handler serves /agent/auth and /agent/heartbeat.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// AuthRoutes mounts the unauthenticated POST /agent/auth handshake.
func (h *Handler) AuthRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleAuth)
	return r
}

// Routes mounts the device-authenticated POST /agent/heartbeat.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleHeartbeat)
	return r
}

func (h *Handler) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req AuthRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	resp, err := h.svc.Auth(r.Context(), r, req)
	if err != nil {
		switch {
		case errors.Is(err, ErrRateLimited):
			httpserver.RespondError(w, http.StatusTooManyRequests, "rate_limited", "too many authentication attempts")
		case errors.Is(err, ErrBlocked):
			httpserver.RespondError(w, http.StatusForbidden, "forbidden", "device is blocked or unprovisioned")
		case errors.Is(err, ErrBadCredential):
			httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "invalid device credentials")
		default:
			h.logger.Error("authenticating device", "error", err)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "an internal error occurred")
		}
		return
	}
	httpserver.Respond(w, http.StatusOK, resp)
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil || id.DeviceID == nil {
		httpserver.RespondError(w, http.StatusForbidden, "forbidden", "requires a device identity")
		return
	}
	var req HeartbeatRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := h.svc.Heartbeat(r.Context(), *id.DeviceID, req.AgentVersion); err != nil {
		h.logger.Error("recording heartbeat", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "an internal error occurred")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"status": "ok"})
}
