package bundle

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/signalbeam/edge/internal/apierr"
	"github.com/signalbeam/edge/internal/auth"
	"github.com/signalbeam/edge/internal/httpserver"
)

// Handler exposes Bundle/BundleVersion CRUD over HTTP.
type Handler struct {
	store  *Store
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(store *Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// Routes returns a chi.Router mounted at /bundles.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.With(auth.RequireMinRole(auth.RoleOperator)).Post("/", h.handleCreate)
	r.Get("/{id}", h.handleGet)
	r.With(auth.RequireMinRole(auth.RoleOperator)).Post("/{id}/versions", h.handlePublishVersion)
	r.Get("/{id}/versions", h.handleListVersions)
	r.Get("/{id}/versions/{version}", h.handleGetVersion)
	return r
}

type createBundleRequest struct {
	Name string `json:"name" validate:"required"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createBundleRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	id := auth.FromContext(r.Context())

	b, err := h.store.Create(r.Context(), id.TenantID, req.Name)
	if err != nil {
		h.writeErr(w, "creating bundle", err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, b)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	bundleID, ok := h.parseID(w, r)
	if !ok {
		return
	}
	id := auth.FromContext(r.Context())

	b, err := h.store.Get(r.Context(), id.TenantID, bundleID)
	if err != nil {
		h.writeErr(w, "getting bundle", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, b)
}

type publishVersionRequest struct {
	Version       string          `json:"version" validate:"required"`
	Containers    []ContainerSpec `json:"containers" validate:"required,min=1"`
	ReleaseNotes  *string         `json:"releaseNotes"`
	BlobURI       *string         `json:"blobUri"`
	Checksum      *string         `json:"checksum"`
	SizeBytes     *int64          `json:"sizeBytes"`
}

func (h *Handler) handlePublishVersion(w http.ResponseWriter, r *http.Request) {
	bundleID, ok := h.parseID(w, r)
	if !ok {
		return
	}
	var req publishVersionRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	v, err := h.store.PublishVersion(r.Context(), auth.FromContext(r.Context()).TenantID, bundleID, Version{
		BundleID: bundleID, Version: req.Version, Containers: req.Containers,
		ReleaseNotes: req.ReleaseNotes, BlobURI: req.BlobURI, Checksum: req.Checksum,
		SizeBytes: req.SizeBytes, Status: VersionStatusPublished,
	})
	if err != nil {
		h.writeErr(w, "publishing bundle version", err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, v)
}

func (h *Handler) handleListVersions(w http.ResponseWriter, r *http.Request) {
	bundleID, ok := h.parseID(w, r)
	if !ok {
		return
	}
	versions, err := h.store.ListVersions(r.Context(), bundleID)
	if err != nil {
		h.writeErr(w, "listing bundle versions", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"versions": versions, "count": len(versions)})
}

func (h *Handler) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	bundleID, ok := h.parseID(w, r)
	if !ok {
		return
	}
	version := chi.URLParam(r, "version")

	v, err := h.store.GetVersion(r.Context(), bundleID, version)
	if err != nil {
		h.writeErr(w, "getting bundle version", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, v)
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, apierr.CodeValidationFailed, "invalid bundle id")
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
	httpserver.RespondError(w, apierr.CodeStorageUnavailable, "failed to process bundle request")
}
