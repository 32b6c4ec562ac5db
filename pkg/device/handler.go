package device

import (
	"net/http"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/signalbeam/edge/internal/apierr"
	"github.com/signalbeam/edge/internal/auth"
	"github.com/signalbeam/edge/internal/httpserver"
)

// Handler exposes the Device Registry (devices, tags, groups) over HTTP.
type Handler struct {
	store  *Store
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(store *Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// Routes returns a chi.Router with the device registry routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.With(auth.RequireMinRole(auth.RoleOperator)).Post("/", h.handleRegister)
	r.Get("/", h.handleList)
	r.Get("/{id}", h.handleGet)
	r.With(auth.RequireMinRole(auth.RoleOperator)).Patch("/{id}", h.handleUpdate)
	r.With(auth.RequireMinRole(auth.RoleOperator)).Post("/{id}/tags", h.handleTagAdd)
	r.With(auth.RequireMinRole(auth.RoleOperator)).Delete("/{id}/tags", h.handleTagRemove)
	r.With(auth.RequireMinRole(auth.RoleOperator)).Put("/{id}/groups/{groupId}", h.handleAssignGroup)
	r.With(auth.RequireMinRole(auth.RoleOperator)).Delete("/{id}/groups/{groupId}", h.handleRemoveGroup)

	r.Route("/groups", func(gr chi.Router) {
		gr.With(auth.RequireMinRole(auth.RoleOperator)).Post("/", h.handleCreateGroup)
	})
	return r
}

type deviceResponse struct {
	DeviceID           uuid.UUID  `json:"deviceId"`
	TenantID           uuid.UUID  `json:"tenantId"`
	Name               string     `json:"name"`
	Metadata           string     `json:"metadata,omitempty"`
	RegistrationStatus string     `json:"registrationStatus"`
	OnlineStatus       string     `json:"onlineStatus"`
	LastSeenAt         *time.Time `json:"lastSeenAt,omitempty"`
	Tags               []string   `json:"tags"`
	CreatedAt          time.Time  `json:"createdAt"`
}

func toDeviceResponse(d Device) deviceResponse {
	return deviceResponse{
		DeviceID: d.DeviceID, TenantID: d.TenantID, Name: d.Name, Metadata: d.Metadata,
		RegistrationStatus: d.RegistrationStatus, OnlineStatus: d.OnlineStatus,
		LastSeenAt: d.LastSeenAt, Tags: d.Tags, CreatedAt: d.CreatedAt,
	}
}

type registerRequest struct {
	Name     string `json:"name" validate:"required"`
	Metadata string `json:"metadata"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	id := auth.FromContext(r.Context())

	d, err := h.store.Register(r.Context(), id.TenantID, req.Name, req.Metadata)
	if err != nil {
		h.writeErr(w, "registering device", err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, toDeviceResponse(*d))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())

	page, err := httpserver.ParseCursorParams(r)
	if err != nil {
		httpserver.RespondError(w, apierr.CodeValidationFailed, err.Error())
		return
	}

	filter := ListFilter{
		Status:   r.URL.Query().Get("status"),
		TagQuery: r.URL.Query().Get("tagQuery"),
		Limit:    page.Limit,
	}
	if page.After != nil {
		filter.AfterCreatedAt = &page.After.CreatedAt
		filter.AfterID = &page.After.ID
	}
	if g := r.URL.Query().Get("groupId"); g != "" {
		gid, err := uuid.Parse(g)
		if err != nil {
			httpserver.RespondError(w, apierr.CodeValidationFailed, "invalid groupId")
			return
		}
		filter.GroupID = &gid
	}

	devices, err := h.store.List(r.Context(), id.TenantID, filter)
	if err != nil {
		h.writeErr(w, "listing devices", err)
		return
	}
	result := httpserver.NewCursorPage(devices, page.Limit, func(d Device) httpserver.Cursor {
		return httpserver.Cursor{CreatedAt: d.CreatedAt, ID: d.DeviceID}
	})
	out := make([]deviceResponse, 0, len(result.Items))
	for _, d := range result.Items {
		out = append(out, toDeviceResponse(d))
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"devices":    out,
		"count":      len(out),
		"nextCursor": result.NextCursor,
		"hasMore":    result.HasMore,
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := h.parseID(w, r)
	if !ok {
		return
	}
	id := auth.FromContext(r.Context())

	d, err := h.store.Get(r.Context(), id.TenantID, deviceID)
	if err != nil {
		h.writeErr(w, "getting device", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, toDeviceResponse(*d))
}

type updateRequest struct {
	Name     *string `json:"name"`
	Metadata *string `json:"metadata"`
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := h.parseID(w, r)
	if !ok {
		return
	}
	var req updateRequest
	if err := httpserver.Decode(r, &req); err != nil {
		httpserver.RespondError(w, apierr.CodeValidationFailed, err.Error())
		return
	}
	id := auth.FromContext(r.Context())

	if err := h.store.Update(r.Context(), id.TenantID, deviceID, req.Name, req.Metadata); err != nil {
		h.writeErr(w, "updating device", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "updated"})
}

type tagsRequest struct {
	Tags []string `json:"tags" validate:"required,min=1"`
}

func (h *Handler) handleTagAdd(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := h.parseID(w, r)
	if !ok {
		return
	}
	var req tagsRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	id := auth.FromContext(r.Context())

	if err := h.store.TagAdd(r.Context(), id.TenantID, deviceID, req.Tags); err != nil {
		h.writeErr(w, "adding tags", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "tagged"})
}

func (h *Handler) handleTagRemove(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := h.parseID(w, r)
	if !ok {
		return
	}
	var req tagsRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	id := auth.FromContext(r.Context())

	if err := h.store.TagRemove(r.Context(), id.TenantID, deviceID, req.Tags); err != nil {
		h.writeErr(w, "removing tags", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "untagged"})
}

func (h *Handler) handleAssignGroup(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := h.parseID(w, r)
	if !ok {
		return
	}
	groupID, err := uuid.Parse(chi.URLParam(r, "groupId"))
	if err != nil {
		httpserver.RespondError(w, apierr.CodeValidationFailed, "invalid group id")
		return
	}
	id := auth.FromContext(r.Context())

	if err := h.store.AssignToGroup(r.Context(), id.TenantID, deviceID, groupID); err != nil {
		h.writeErr(w, "assigning device to group", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "assigned"})
}

func (h *Handler) handleRemoveGroup(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := h.parseID(w, r)
	if !ok {
		return
	}
	groupID, err := uuid.Parse(chi.URLParam(r, "groupId"))
	if err != nil {
		httpserver.RespondError(w, apierr.CodeValidationFailed, "invalid group id")
		return
	}
	id := auth.FromContext(r.Context())

	if err := h.store.RemoveFromGroup(r.Context(), id.TenantID, deviceID, groupID); err != nil {
		h.writeErr(w, "removing device from group", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "removed"})
}

type createGroupRequest struct {
	Name     string  `json:"name" validate:"required"`
	Type     string  `json:"type" validate:"required,oneof=static dynamic"`
	TagQuery *string `json:"tagQuery"`
}

func (h *Handler) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	id := auth.FromContext(r.Context())

	g, err := h.store.CreateGroup(r.Context(), id.TenantID, req.Name, req.Type, req.TagQuery)
	if err != nil {
		h.writeErr(w, "creating group", err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, g)
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, apierr.CodeValidationFailed, "invalid device id")
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
	httpserver.RespondError(w, apierr.CodeStorageUnavailable, "failed to process device request")
}
