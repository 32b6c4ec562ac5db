package credential

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/signalbeam/edge/internal/apierr"
	"github.com/signalbeam/edge/internal/auth"
	"github.com/signalbeam/edge/internal/httpserver"
)

// Handler exposes registration-token issuance/redemption and device API-key
// lifecycle (approve/reject/rotate/revoke) over HTTP (spec component C1).
type Handler struct {
	store  *Store
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(store *Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// Routes returns a chi.Router mounted at /registration-tokens.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.With(auth.RequireMinRole(auth.RoleOperator)).Post("/", h.handleIssueToken)
	r.Post("/redeem", h.handleRedeem)
	return r
}

// DeviceRoutes returns a chi.Router mounted at /devices/{id}/credentials for
// admin-driven approve/reject/rotate/revoke of a device's API key.
func (h *Handler) DeviceRoutes() chi.Router {
	r := chi.NewRouter()
	r.With(auth.RequireMinRole(auth.RoleOperator)).Post("/approve", h.handleApprove)
	r.With(auth.RequireMinRole(auth.RoleOperator)).Post("/reject", h.handleReject)
	r.With(auth.RequireMinRole(auth.RoleOperator)).Post("/rotate", h.handleRotate)
	r.With(auth.RequireMinRole(auth.RoleOperator)).Post("/revoke", h.handleRevoke)
	return r
}

type issueTokenRequest struct {
	ValidityDays int    `json:"validityDays" validate:"required,gte=1,lte=365"`
	Description  string `json:"description"`
}

func (h *Handler) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	id := auth.FromContext(r.Context())

	plaintext, tok, err := h.store.IssueRegistrationToken(r.Context(), id.TenantID, req.ValidityDays, req.Description, id.Subject)
	if err != nil {
		h.writeErr(w, "issuing registration token", err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, map[string]any{
		"token":     plaintext,
		"tokenId":   tok.TokenID,
		"expiresAt": tok.ExpiresAt,
	})
}

type redeemRequest struct {
	TenantID uuid.UUID `json:"tenantId" validate:"required"`
	Token    string    `json:"token" validate:"required"`
	Name     string    `json:"name" validate:"required"`
	Metadata string    `json:"metadata"`
}

func (h *Handler) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	deviceID, err := h.store.RedeemRegistration(r.Context(), RegistrationInput{
		TenantID:       req.TenantID,
		DeviceID:       uuid.New(),
		TokenPlaintext: req.Token,
		Name:           req.Name,
		Metadata:       req.Metadata,
	})
	if err != nil {
		h.writeErr(w, "redeeming registration", err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, map[string]any{"deviceId": deviceID})
}

type approveRequest struct {
	APIKeyExpirationDays int `json:"apiKeyExpirationDays" validate:"required,gte=1"`
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := h.parseDeviceID(w, r)
	if !ok {
		return
	}
	var req approveRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	plaintext, key, alreadyApproved, err := h.store.Approve(r.Context(), deviceID, req.APIKeyExpirationDays)
	if err != nil {
		h.writeErr(w, "approving device", err)
		return
	}
	if alreadyApproved {
		resp := map[string]any{"alreadyApproved": true}
		if key != nil {
			resp["keyId"] = key.KeyID
			resp["expiresAt"] = key.ExpiresAt
		}
		httpserver.Respond(w, http.StatusOK, resp)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"apiKey":    plaintext,
		"keyId":     key.KeyID,
		"expiresAt": key.ExpiresAt,
	})
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := h.parseDeviceID(w, r)
	if !ok {
		return
	}
	if err := h.store.Reject(r.Context(), deviceID); err != nil {
		h.writeErr(w, "rejecting device", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func (h *Handler) handleRotate(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := h.parseDeviceID(w, r)
	if !ok {
		return
	}
	var req approveRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	plaintext, key, err := h.store.Rotate(r.Context(), deviceID, req.APIKeyExpirationDays)
	if err != nil {
		h.writeErr(w, "rotating device key", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"apiKey":    plaintext,
		"keyId":     key.KeyID,
		"expiresAt": key.ExpiresAt,
	})
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := h.parseDeviceID(w, r)
	if !ok {
		return
	}
	if err := h.store.Revoke(r.Context(), deviceID); err != nil {
		h.writeErr(w, "revoking device key", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (h *Handler) parseDeviceID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
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
	httpserver.RespondError(w, apierr.CodeStorageUnavailable, "failed to process credential request")
}
