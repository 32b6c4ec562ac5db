package alert

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/signalbeam/edge/internal/apierr"
	"github.com/signalbeam/edge/internal/auth"
	"github.com/signalbeam/edge/internal/httpserver"
)

// Handler exposes the Alert lifecycle over HTTP.
type Handler struct {
	store  *Store
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(store *Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// Routes returns a chi.Router with the alert lifecycle routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.With(auth.RequireMinRole(auth.RoleOperator)).Patch("/{id}/acknowledge", h.handleAcknowledge)
	r.With(auth.RequireMinRole(auth.RoleOperator)).Patch("/{id}/resolve", h.handleResolve)
	return r
}

type alertResponse struct {
	AlertID        uuid.UUID  `json:"alertId"`
	Severity       string     `json:"severity"`
	Type           string     `json:"type"`
	Status         string     `json:"status"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	DeviceID       *uuid.UUID `json:"deviceId,omitempty"`
	RolloutID      *uuid.UUID `json:"rolloutId,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
	AcknowledgedBy *string    `json:"acknowledgedBy,omitempty"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
}

func toResponse(a Alert) alertResponse {
	return alertResponse{
		AlertID: a.AlertID, Severity: a.Severity, Type: a.Type, Status: a.Status,
		Title: a.Title, Description: a.Description, DeviceID: a.DeviceID, RolloutID: a.RolloutID,
		CreatedAt: a.CreatedAt, AcknowledgedAt: a.AcknowledgedAt, AcknowledgedBy: a.AcknowledgedBy, ResolvedAt: a.ResolvedAt,
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	status := r.URL.Query().Get("status")

	page, err := httpserver.ParseCursorParams(r)
	if err != nil {
		httpserver.RespondError(w, apierr.CodeValidationFailed, err.Error())
		return
	}
	var afterCreatedAt *time.Time
	var afterID *uuid.UUID
	if page.After != nil {
		afterCreatedAt = &page.After.CreatedAt
		afterID = &page.After.ID
	}

	alerts, err := h.store.List(r.Context(), id.TenantID, status, page.Limit, afterCreatedAt, afterID)
	if err != nil {
		h.logger.Error("listing alerts", "error", err)
		httpserver.RespondError(w, apierr.CodeStorageUnavailable, "failed to list alerts")
		return
	}

	result := httpserver.NewCursorPage(alerts, page.Limit, func(a Alert) httpserver.Cursor {
		return httpserver.Cursor{CreatedAt: a.CreatedAt, ID: a.AlertID}
	})
	out := make([]alertResponse, 0, len(result.Items))
	for _, a := range result.Items {
		out = append(out, toResponse(a))
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"alerts":     out,
		"count":      len(out),
		"nextCursor": result.NextCursor,
		"hasMore":    result.HasMore,
	})
}

func (h *Handler) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	alertID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, apierr.CodeValidationFailed, "invalid alert id")
		return
	}
	id := auth.FromContext(r.Context())

	if err := h.store.Acknowledge(r.Context(), id.TenantID, alertID, id.Subject); err != nil {
		h.writeStoreErr(w, "acknowledging alert", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": StatusAcknowledged})
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	alertID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, apierr.CodeValidationFailed, "invalid alert id")
		return
	}
	id := auth.FromContext(r.Context())

	if err := h.store.Resolve(r.Context(), id.TenantID, alertID); err != nil {
		h.writeStoreErr(w, "resolving alert", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": StatusResolved})
}

func (h *Handler) writeStoreErr(w http.ResponseWriter, action string, err error) {
	if apiErr, ok := err.(*apierr.Error); ok {
		apiErr.Write(w)
		return
	}
	h.logger.Error(action, "error", err)
	httpserver.RespondError(w, apierr.CodeStorageUnavailable, "failed to process alert")
}
