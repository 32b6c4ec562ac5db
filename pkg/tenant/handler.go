package tenant

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/signalbeam/edge/internal/apierr"
	"github.com/signalbeam/edge/internal/auth"
	"github.com/signalbeam/edge/internal/httpserver"
)

// Handler exposes Tenant onboarding/admin CRUD over HTTP. Unlike every other
// domain handler, these routes are not tenant-scoped by the caller's own
// identity — they manage the tenants table itself, so every route requires
// platform-admin role.
type Handler struct {
	store  *Store
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(store *Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// Routes returns a chi.Router mounted at /tenants.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(auth.RequireMinRole(auth.RoleAdmin))
	r.Post("/", h.handleCreate)
	r.Get("/", h.handleList)
	r.Get("/{id}", h.handleGet)
	r.Patch("/{id}", h.handleUpdate)
	return r
}

type createRequest struct {
	Name              string `json:"name" validate:"required"`
	Slug              string `json:"slug" validate:"required"`
	MaxDevices        int    `json:"maxDevices"`
	DataRetentionDays int    `json:"dataRetentionDays"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	t, err := h.store.Create(r.Context(), CreateInput{
		Name: req.Name, Slug: req.Slug, MaxDevices: req.MaxDevices, DataRetentionDays: req.DataRetentionDays,
	})
	if err != nil {
		h.writeErr(w, "creating tenant", err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, t)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.store.List(r.Context())
	if err != nil {
		h.writeErr(w, "listing tenants", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"tenants": tenants, "count": len(tenants)})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.parseID(w, r)
	if !ok {
		return
	}
	t, err := h.store.Get(r.Context(), tenantID)
	if err != nil {
		h.writeErr(w, "getting tenant", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, t)
}

type updateRequest struct {
	Name              *string `json:"name"`
	MaxDevices        *int    `json:"maxDevices"`
	DataRetentionDays *int    `json:"dataRetentionDays"`
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.parseID(w, r)
	if !ok {
		return
	}
	var req updateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	t, err := h.store.Update(r.Context(), tenantID, UpdateInput{
		Name: req.Name, MaxDevices: req.MaxDevices, DataRetentionDays: req.DataRetentionDays,
	})
	if err != nil {
		h.writeErr(w, "updating tenant", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, t)
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, apierr.CodeValidationFailed, "invalid tenant id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeErr(w http.ResponseWriter, action string, err error) {
	if apiErr, ok := err.(*apierr.Error); ok {
		apiErr.Write(w)
		return
	}
	h.logger.Error(action, "error", err)
	httpserver.RespondError(w, apierr.CodeStorageUnavailable, "failed to process tenant request")
}
