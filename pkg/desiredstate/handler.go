package desiredstate

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

// Handler exposes the Desired-State Store & Reported-Status Ledger (spec
// component C5) over HTTP: admin assignment, agent polling, and agent
// progress reports.
type Handler struct {
	store  *Store
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(store *Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// Routes returns a chi.Router mounted at /devices/{id}/desired-state.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.With(auth.RequireMinRole(auth.RoleOperator)).Put("/", h.handleAssign)
	r.Get("/", h.handleGet)
	return r
}

// ReportRoutes returns a chi.Router mounted at /devices/{id}/reported-status,
// restricted to the device naming itself.
func (h *Handler) ReportRoutes() chi.Router {
	r := chi.NewRouter()
	r.With(auth.RequireDevice("id", chi.URLParam)).Post("/", h.handleReport)
	return r
}

type assignRequest struct {
	BundleID uuid.UUID `json:"bundleId" validate:"required"`
	Version  string    `json:"version" validate:"required"`
	Reason   string    `json:"reason"`
}

func (h *Handler) handleAssign(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := h.parseID(w, r)
	if !ok {
		return
	}
	var req assignRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	id := auth.FromContext(r.Context())

	ds, err := h.store.Assign(r.Context(), id.TenantID, AssignInput{
		DeviceID: deviceID, BundleID: req.BundleID, Version: req.Version,
		AssignedBy: id.Subject, Reason: req.Reason,
	})
	if err != nil {
		h.writeErr(w, "assigning desired state", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, ds)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := h.parseID(w, r)
	if !ok {
		return
	}
	ds, err := h.store.GetDesiredStateFor(r.Context(), deviceID)
	if err != nil {
		h.writeErr(w, "getting desired state", err)
		return
	}
	if ds == nil {
		httpserver.RespondError(w, apierr.CodeNotFound, "no desired state assigned for this device")
		return
	}
	httpserver.Respond(w, http.StatusOK, ds)
}

type reportRequest struct {
	BundleID     uuid.UUID  `json:"bundleId" validate:"required"`
	Version      string     `json:"version" validate:"required"`
	RolloutID    *uuid.UUID `json:"rolloutId"`
	State        string     `json:"state" validate:"required,oneof=pending in_progress completed failed"`
	ErrorMessage *string    `json:"errorMessage"`
	At           time.Time  `json:"at" validate:"required"`
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := h.parseID(w, r)
	if !ok {
		return
	}
	var req reportRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	err := h.store.Report(r.Context(), ReportInput{
		DeviceID: deviceID, BundleID: req.BundleID, Version: req.Version,
		RolloutID: req.RolloutID, State: req.State, ErrorMessage: req.ErrorMessage, At: req.At,
	})
	if err != nil {
		h.writeErr(w, "reporting status", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "accepted"})
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
	httpserver.RespondError(w, apierr.CodeStorageUnavailable, "failed to process desired-state request")
}
