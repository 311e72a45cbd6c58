package installjob

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/xuri/excelize/v2"

	"github.com/certhub/certhub/internal/auth"
	"github.com/certhub/certhub/internal/httpserver"
	"github.com/certhub/certhub/pkg/retention"
)

// Handler serves the install-job API: operator-facing requests/approvals
// and the agent-facing claim/payload/result surface.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// InstallRoutes mounts POST /certificados/{certID}/install, open to any
// authenticated user (role gating happens inside Create via CanTarget).
func (h *Handler) InstallRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{certID}/install", h.handleCreate)
	return r
}

// Routes mounts the operator-facing /install-jobs surface.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Get("/mine", h.handleListMine)
	r.Get("/my-device", h.handleListMyDevice)
	r.Get("/export", h.handleExport)
	r.With(auth.RequireRole(auth.RoleDev, auth.RoleAdmin)).Post("/{id}/approve", h.handleApprove)
	r.With(auth.RequireRole(auth.RoleDev, auth.RoleAdmin)).Post("/{id}/deny", h.handleDeny)
	return r
}

// AdminRoutes mounts the DEV-only reap trigger.
func (h *Handler) AdminRoutes() chi.Router {
	r := chi.NewRouter()
	r.With(auth.RequireRole(auth.RoleDev)).Post("/jobs/reap", h.handleReap)
	return r
}

// AgentRoutes mounts claim/payload/result, gated by device identity.
func (h *Handler) AgentRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleAgentList)
	r.Post("/{id}/claim", h.handleClaim)
	r.Get("/{id}/payload", h.handlePayload)
	r.Post("/{id}/result", h.handleResult)
	return r
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	certID, err := uuid.Parse(chi.URLParam(r, "certID"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid certificate id")
		return
	}
	var req CreateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	id := auth.FromContext(r.Context())
	resp, err := h.svc.Create(r.Context(), r, id.OrgID, id, certID, req)
	if err != nil {
		h.writeError(w, "creating install job", err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, resp)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	items, err := h.svc.List(r.Context(), id.OrgID)
	if err != nil {
		h.writeError(w, "listing install jobs", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"install_jobs": items, "count": len(items)})
}

// handleExport writes the org's full install-job history to an .xlsx
// workbook, one row per job, for offline audit review.
func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	items, err := h.svc.List(r.Context(), id.OrgID)
	if err != nil {
		h.writeError(w, "exporting install jobs", err)
		return
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	const sheet = "Install Jobs"
	f.SetSheetName(f.GetSheetName(0), sheet)

	headers := []string{"ID", "Certificate ID", "Device ID", "Requested By", "Status",
		"Approved At", "Claimed At", "Finished At", "Error Code", "Error Message",
		"Thumbprint", "Cleanup Mode", "Keep Until", "Created At"}
	for col, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		f.SetCellValue(sheet, cell, header)
	}

	for i, job := range items {
		row := i + 2
		values := []any{
			job.ID.String(), job.CertID.String(), job.DeviceID.String(), job.RequestedByUserID.String(), job.Status,
			formatOptionalTime(job.ApprovedAt), formatOptionalTime(job.ClaimedAt), formatOptionalTime(job.FinishedAt),
			job.ErrorCode, job.ErrorMessage, job.Thumbprint, job.CleanupMode, formatOptionalTime(job.KeepUntil),
			job.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			f.SetCellValue(sheet, cell, v)
		}
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="install-jobs-%s.xlsx"`, id.OrgID))
	if err := f.Write(w); err != nil {
		h.logger.Error("writing install job export", "error", err)
	}
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02T15:04:05Z07:00")
}

func (h *Handler) handleListMine(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id.UserID == nil {
		httpserver.RespondError(w, http.StatusForbidden, "forbidden", "requires a user identity")
		return
	}
	items, err := h.svc.ListMine(r.Context(), id.OrgID, *id.UserID)
	if err != nil {
		h.writeError(w, "listing own install jobs", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"install_jobs": items, "count": len(items)})
}

// handleListMyDevice lists jobs targeting devices the caller owns or is
// allow-listed for, as distinct from handleListMine's own-requested jobs.
func (h *Handler) handleListMyDevice(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id.UserID == nil {
		httpserver.RespondError(w, http.StatusForbidden, "forbidden", "requires a user identity")
		return
	}
	items, err := h.svc.ListForMyDevice(r.Context(), id.OrgID, *id.UserID)
	if err != nil {
		h.writeError(w, "listing install jobs for owned devices", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"install_jobs": items, "count": len(items)})
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid job id")
		return
	}
	id := auth.FromContext(r.Context())
	resp, err := h.svc.Approve(r.Context(), r, id.OrgID, jobID, *id.UserID)
	if err != nil {
		h.writeError(w, "approving install job", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, resp)
}

func (h *Handler) handleDeny(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid job id")
		return
	}
	id := auth.FromContext(r.Context())
	resp, err := h.svc.Deny(r.Context(), r, id.OrgID, jobID)
	if err != nil {
		h.writeError(w, "denying install job", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, resp)
}

func (h *Handler) handleReap(w http.ResponseWriter, r *http.Request) {
	threshold := h.svc.defaultTimeout()
	if raw := r.URL.Query().Get("threshold_minutes"); raw != "" {
		minutes, err := strconv.Atoi(raw)
		if err != nil || minutes < 1 || minutes > 10080 {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "threshold_minutes must be an integer between 1 and 10080")
			return
		}
		threshold = time.Duration(minutes) * time.Minute
	}

	resp, err := h.svc.Reap(r.Context(), threshold)
	if err != nil {
		h.writeError(w, "reaping install jobs", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, resp)
}

func (h *Handler) handleAgentList(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id.DeviceID == nil {
		httpserver.RespondError(w, http.StatusForbidden, "forbidden", "requires a device identity")
		return
	}
	items, err := h.svc.ListForDevice(r.Context(), id.OrgID, *id.DeviceID)
	if err != nil {
		h.writeError(w, "listing device jobs", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"install_jobs": items, "count": len(items)})
}

func (h *Handler) handleClaim(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid job id")
		return
	}
	id := auth.FromContext(r.Context())
	if id.DeviceID == nil {
		httpserver.RespondError(w, http.StatusForbidden, "forbidden", "requires a device identity")
		return
	}
	resp, err := h.svc.Claim(r.Context(), id.OrgID, jobID, *id.DeviceID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpserver.RespondError(w, http.StatusConflict, "conflict", "job is not pending for this device")
			return
		}
		h.writeError(w, "claiming install job", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, resp)
}

func (h *Handler) handlePayload(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid job id")
		return
	}
	id := auth.FromContext(r.Context())
	if id.DeviceID == nil {
		httpserver.RespondError(w, http.StatusForbidden, "forbidden", "requires a device identity")
		return
	}
	token := r.URL.Query().Get("token")
	resp, err := h.svc.Payload(r.Context(), r, id.OrgID, jobID, *id.DeviceID, token)
	if err != nil {
		if errors.Is(err, ErrPayloadDenied) {
			status := http.StatusForbidden
			if token == "" {
				status = http.StatusPreconditionRequired
			}
			httpserver.RespondError(w, status, "payload_denied", "payload fetch denied")
			return
		}
		h.writeError(w, "fetching install job payload", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, resp)
}

func (h *Handler) handleResult(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid job id")
		return
	}
	var req ResultRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	id := auth.FromContext(r.Context())
	if id.DeviceID == nil {
		httpserver.RespondError(w, http.StatusForbidden, "forbidden", "requires a device identity")
		return
	}
	resp, err := h.svc.Result(r.Context(), id.OrgID, jobID, *id.DeviceID, req)
	if err != nil {
		if errors.Is(err, ErrForbidden) {
			httpserver.RespondError(w, http.StatusForbidden, "forbidden", "job not claimed by this device")
			return
		}
		h.writeError(w, "recording install job result", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, resp)
}

func (h *Handler) writeError(w http.ResponseWriter, action string, err error) {
	if errors.Is(err, pgx.ErrNoRows) {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "install job not found")
		return
	}
	if errors.Is(err, ErrForbidden) || errors.Is(err, retention.ErrForbidden) {
		httpserver.RespondError(w, http.StatusForbidden, "forbidden", err.Error())
		return
	}
	if errors.Is(err, retention.ErrInvalid) {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	h.logger.Error(action, "error", err)
	httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "an internal error occurred")
}
