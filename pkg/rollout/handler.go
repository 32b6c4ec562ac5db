package rollout

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/signalbeam/edge/internal/apierr"
	"github.com/signalbeam/edge/internal/auth"
	"github.com/signalbeam/edge/internal/httpserver"
)

// Handler exposes the Rollout Engine (spec component C6) lifecycle over
// HTTP: creation, start/pause/resume/rollback, and a manual-advance escape
// hatch alongside the periodic RolloutTick worker.
type Handler struct {
	store  *Store
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(store *Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// Routes returns a chi.Router mounted at /rollouts. Every route requires at
// least operator privilege — rollouts move fleets of devices.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(auth.RequireMinRole(auth.RoleOperator))
	r.Post("/", h.handleCreate)
	r.Get("/{id}", h.handleGet)
	r.Get("/{id}/phases", h.handleListPhases)
	r.Post("/{id}/start", h.handleStart)
	r.Post("/{id}/pause", h.handlePause)
	r.Post("/{id}/resume", h.handleResume)
	r.Post("/{id}/rollback", h.handleRollback)
	r.Post("/{id}/advance", h.handleAdvance)
	r.Post("/{id}/retry", h.handleRetry)
	return r
}

type createRequest struct {
	BundleID          uuid.UUID         `json:"bundleId" validate:"required"`
	TargetVersion     string            `json:"targetVersion" validate:"required"`
	PreviousVersion   *string           `json:"previousVersion"`
	Name              string            `json:"name" validate:"required"`
	Description       *string           `json:"description"`
	Phases            []PhaseInput      `json:"phases" validate:"required,min=1"`
	FailureThreshold  *float64          `json:"failureThreshold"`
	MaxRetries        *int              `json:"maxRetries"`
	EligibilityPolicy EligibilityPolicy `json:"eligibilityPolicy" validate:"required,oneof=all_bundle_users group_members"`
	TargetGroupID     *uuid.UUID        `json:"targetGroupId"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	id := auth.FromContext(r.Context())

	ro, err := h.store.Create(r.Context(), CreateInput{
		TenantID: id.TenantID, BundleID: req.BundleID, TargetVersion: req.TargetVersion,
		PreviousVersion: req.PreviousVersion, Name: req.Name, Description: req.Description,
		Phases: req.Phases, FailureThreshold: req.FailureThreshold, MaxRetries: req.MaxRetries,
		EligibilityPolicy: req.EligibilityPolicy, TargetGroupID: req.TargetGroupID, CreatedBy: id.Subject,
	})
	if err != nil {
		h.writeErr(w, "creating rollout", err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, ro)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	rolloutID, ok := h.parseID(w, r)
	if !ok {
		return
	}
	id := auth.FromContext(r.Context())

	ro, err := h.store.Get(r.Context(), id.TenantID, rolloutID)
	if err != nil {
		h.writeErr(w, "getting rollout", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, ro)
}

func (h *Handler) handleListPhases(w http.ResponseWriter, r *http.Request) {
	rolloutID, ok := h.parseID(w, r)
	if !ok {
		return
	}
	phases, err := h.store.ListPhases(r.Context(), rolloutID)
	if err != nil {
		h.writeErr(w, "listing rollout phases", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"phases": phases, "count": len(phases)})
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	h.runLifecycle(w, r, h.store.Start, "starting rollout")
}

func (h *Handler) handlePause(w http.ResponseWriter, r *http.Request) {
	h.runLifecycle(w, r, h.store.Pause, "pausing rollout")
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	h.runLifecycle(w, r, h.store.Resume, "resuming rollout")
}

func (h *Handler) handleRollback(w http.ResponseWriter, r *http.Request) {
	h.runLifecycle(w, r, h.store.ManualRollback, "rolling back rollout")
}

// handleAdvance is the manual tick-once escape hatch: it runs one
// rollout's worth of advancement synchronously rather than waiting for
// the periodic RolloutTick worker.
func (h *Handler) handleAdvance(w http.ResponseWriter, r *http.Request) {
	rolloutID, ok := h.parseID(w, r)
	if !ok {
		return
	}
	if err := h.store.tickOne(r.Context(), rolloutID); err != nil {
		h.writeErr(w, "advancing rollout", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "advanced"})
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	rolloutID, ok := h.parseID(w, r)
	if !ok {
		return
	}
	retried, err := h.store.RetryFailedAssignments(r.Context(), rolloutID)
	if err != nil {
		h.writeErr(w, "retrying failed assignments", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]int{"retried": retried})
}

func (h *Handler) runLifecycle(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, tenantID, rolloutID uuid.UUID) error, action string) {
	rolloutID, ok := h.parseID(w, r)
	if !ok {
		return
	}
	id := auth.FromContext(r.Context())

	if err := fn(r.Context(), id.TenantID, rolloutID); err != nil {
		h.writeErr(w, action, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, apierr.CodeValidationFailed, "invalid rollout id")
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
	httpserver.RespondError(w, apierr.CodeStorageUnavailable, "failed to process rollout request")
}
