package certificate

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

// Handler serves the certificate catalog API: /certificados and
// /admin/certificates/ingest-from-fs.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Routes returns the /certificados routes, open to any authenticated user.
// Install itself lives in the installjob package (it creates a job, not a
// certificate), mounted by the caller at the same path prefix.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Post("/", h.handleCreate)
	r.Get("/{id}", h.handleGet)
	return r
}

// AdminRoutes returns the DEV-only ingest-from-fs route.
func (h *Handler) AdminRoutes() chi.Router {
	r := chi.NewRouter()
	r.With(auth.RequireRole(auth.RoleDev)).Post("/ingest-from-fs", h.handleIngestFromFS)
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	items, err := h.svc.List(r.Context(), id.OrgID)
	if err != nil {
		h.writeError(w, "listing certificates", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"certificates": items, "count": len(items)})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	certID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid certificate id")
		return
	}
	id := auth.FromContext(r.Context())
	resp, err := h.svc.Get(r.Context(), id.OrgID, certID)
	if err != nil {
		h.writeError(w, "getting certificate", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, resp)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	id := auth.FromContext(r.Context())
	resp, err := h.svc.CreateFromFilename(r.Context(), r, id.OrgID, req.Filename)
	if err != nil {
		h.writeError(w, "creating certificate", err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, resp)
}

func (h *Handler) handleIngestFromFS(w http.ResponseWriter, r *http.Request) {
	var req IngestFromFSRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	id := auth.FromContext(r.Context())
	result, err := h.svc.IngestFromFS(r.Context(), r, id.OrgID, req)
	if err != nil {
		h.writeError(w, "ingesting from filesystem", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, result)
}

func (h *Handler) writeError(w http.ResponseWriter, action string, err error) {
	if errors.Is(err, pgx.ErrNoRows) {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "certificate not found")
		return
	}
	h.logger.Error(action, "error", err)
	httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "an internal error occurred")
}
