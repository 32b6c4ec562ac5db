package health

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/signalbeam/edge/internal/apierr"
	"github.com/signalbeam/edge/internal/httpserver"
)

// Handler exposes the Health Scorer's latest computed score (spec
// component C4) over HTTP, read-only.
type Handler struct {
	store  *Store
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(store *Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// Routes returns a chi.Router mounted at /devices/{id}/health.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleGet)
	return r
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	deviceID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, apierr.CodeValidationFailed, "invalid device id")
		return
	}

	score, err := h.store.Latest(r.Context(), deviceID)
	if err != nil {
		if apiErr, ok := err.(*apierr.Error); ok {
			apiErr.Write(w)
			return
		}
		h.logger.Error("getting latest health score", "error", err)
		httpserver.RespondError(w, apierr.CodeStorageUnavailable, "failed to get health score")
		return
	}
	if score == nil {
		httpserver.RespondError(w, apierr.CodeNotFound, "no health score computed yet for this device")
		return
	}
	httpserver.Respond(w, http.StatusOK, score)
}
