package heartbeat

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

// Handler exposes the device-facing heartbeat/metrics ingest endpoints
// (spec component C3). Both routes are restricted to the device named by
// the {id} URL parameter via auth.RequireDevice.
type Handler struct {
	store  *Store
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(store *Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// Routes returns a chi.Router mounted at /devices/{id}/heartbeat; the
// metrics route is served by MetricsRoutes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.With(auth.RequireDevice("id", chi.URLParam)).Post("/", h.handleHeartbeat)
	return r
}

// MetricsRoutes returns a chi.Router for the metrics-ingest sibling route.
func (h *Handler) MetricsRoutes() chi.Router {
	r := chi.NewRouter()
	r.With(auth.RequireDevice("id", chi.URLParam)).Post("/", h.handleMetrics)
	return r
}

type heartbeatRequest struct {
	At        time.Time `json:"at" validate:"required"`
	Status    string    `json:"status" validate:"required,oneof=online offline updating error"`
	IPAddress *string   `json:"ipAddress"`
	Extras    *string   `json:"extras"`
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := h.parseID(w, r)
	if !ok {
		return
	}
	var req heartbeatRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	id := auth.FromContext(r.Context())

	err := h.store.PostHeartbeat(r.Context(), id.TenantID, deviceID, Heartbeat{
		At: req.At, Status: req.Status, IPAddress: req.IPAddress, Extras: req.Extras,
	})
	if err != nil {
		h.writeErr(w, "posting heartbeat", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "accepted"})
}

type metricsRequest struct {
	At                time.Time `json:"at" validate:"required"`
	CPUPercent        float64   `json:"cpuPercent" validate:"gte=0,lte=100"`
	MemPercent        float64   `json:"memPercent" validate:"gte=0,lte=100"`
	DiskPercent       float64   `json:"diskPercent" validate:"gte=0,lte=100"`
	UptimeSec         int64     `json:"uptimeSec"`
	RunningContainers int       `json:"runningContainers"`
	Extras            *string   `json:"extras"`
}

func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := h.parseID(w, r)
	if !ok {
		return
	}
	var req metricsRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	id := auth.FromContext(r.Context())

	err := h.store.PostMetrics(r.Context(), id.TenantID, deviceID, Metrics{
		At: req.At, CPUPercent: req.CPUPercent, MemPercent: req.MemPercent, DiskPercent: req.DiskPercent,
		UptimeSec: req.UptimeSec, RunningContainers: req.RunningContainers, Extras: req.Extras,
	})
	if err != nil {
		h.writeErr(w, "posting metrics", err)
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
	httpserver.RespondError(w, apierr.CodeStorageUnavailable, "failed to process heartbeat/metrics request")
}
