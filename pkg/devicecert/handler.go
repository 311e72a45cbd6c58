package devicecert

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/certhub/certhub/internal/auth"
	"github.com/certhub/certhub/internal/httpserver"
)

// Handler serves the installed-cert view endpoint and the agent-facing
// report/cleanup endpoints.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// ViewRoutes mounts GET /devices/{id}/installed-certs.
func (h *Handler) ViewRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	return r
}

// AgentRoutes mounts the agent-facing report and cleanup endpoints.
func (h *Handler) AgentRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/installed-certs/report", h.handleReport)
	r.Post("/cleanup", h.handleCleanup)
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	deviceID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid device id")
		return
	}

	scope := Scope(r.URL.Query().Get("scope"))
	if scope != "" && scope != ScopeAll && scope != ScopeAgent {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "scope must be 'all' or 'agent'")
		return
	}
	includeRemoved := r.URL.Query().Get("include_removed") == "true"

	id := auth.FromContext(r.Context())
	items, err := h.svc.List(r.Context(), id.OrgID, deviceID, id, ListParams{Scope: scope, IncludeRemoved: includeRemoved})
	if err != nil {
		h.writeError(w, "listing installed certs", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"installed_certs": items, "count": len(items)})
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	var req ReportRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	id := auth.FromContext(r.Context())
	if id.DeviceID == nil || *id.DeviceID != req.DeviceID {
		httpserver.RespondError(w, http.StatusForbidden, "forbidden", "device_id must match the authenticated device")
		return
	}
	result, err := h.svc.Report(r.Context(), r, id.OrgID, req)
	if err != nil {
		h.writeError(w, "reporting installed certs", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, result)
}

func (h *Handler) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req CleanupReportRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	id := auth.FromContext(r.Context())
	if id.DeviceID == nil || *id.DeviceID != req.DeviceID {
		httpserver.RespondError(w, http.StatusForbidden, "forbidden", "device_id must match the authenticated device")
		return
	}
	if err := h.svc.ReportCleanup(r.Context(), r, id.OrgID, req); err != nil {
		h.writeError(w, "reporting cleanup", err)
		return
	}
	httpserver.Respond(w, http.StatusAccepted, map[string]any{"status": "recorded"})
}

func (h *Handler) writeError(w http.ResponseWriter, action string, err error) {
	if errors.Is(err, ErrForbidden) {
		httpserver.RespondError(w, http.StatusForbidden, "forbidden", err.Error())
		return
	}
	h.logger.Error(action, "error", err)
	httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "an internal error occurred")
}
