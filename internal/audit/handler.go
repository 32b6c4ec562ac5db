package audit

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/signalbeam/edge/internal/apierr"
	"github.com/signalbeam/edge/internal/auth"
	"github.com/signalbeam/edge/internal/httpserver"
)

// Handler exposes the auth attempt ledger for admin forensics.
type Handler struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewHandler creates an audit Handler.
func NewHandler(pool *pgxpool.Pool, logger *slog.Logger) *Handler {
	return &Handler{pool: pool, logger: logger}
}

// Routes returns a chi.Router with the audit ledger routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.With(auth.RequireMinRole(auth.RoleOperator)).Get("/", h.handleList)
	return r
}

// ledgerRow is the JSON shape of a single auth attempt returned to callers.
type ledgerRow struct {
	ID            uuid.UUID  `json:"id"`
	DeviceID      *uuid.UUID `json:"deviceId,omitempty"`
	IPAddress     *string    `json:"ipAddress,omitempty"`
	UserAgent     *string    `json:"userAgent,omitempty"`
	At            time.Time  `json:"at"`
	Success       bool       `json:"success"`
	FailureReason *string    `json:"failureReason,omitempty"`
	APIKeyPrefix  *string    `json:"apiKeyPrefix,omitempty"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, apierr.CodeValidationFailed, err.Error())
		return
	}

	id := auth.FromContext(r.Context())

	rows, err := h.list(r.Context(), id.TenantID, params.PageSize, params.Offset)
	if err != nil {
		h.logger.Error("listing auth attempts", "error", err)
		httpserver.RespondError(w, apierr.CodeStorageUnavailable, "failed to list auth attempts")
		return
	}

	var total int
	if err := h.pool.QueryRow(r.Context(), `SELECT count(*) FROM auth_attempts WHERE tenant_id = $1`, id.TenantID).Scan(&total); err != nil {
		h.logger.Error("counting auth attempts", "error", err)
		httpserver.RespondError(w, apierr.CodeStorageUnavailable, "failed to count auth attempts")
		return
	}

	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(rows, params, total))
}

func (h *Handler) list(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]ledgerRow, error) {
	sqlQuery := `
		SELECT id, device_id, ip_address, user_agent, at, success, failure_reason, api_key_prefix
		FROM auth_attempts
		WHERE tenant_id = $1
		ORDER BY at DESC
		LIMIT $2 OFFSET $3`

	queryRows, err := h.pool.Query(ctx, sqlQuery, tenantID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer queryRows.Close()

	var out []ledgerRow
	for queryRows.Next() {
		var row ledgerRow
		if err := queryRows.Scan(&row.ID, &row.DeviceID, &row.IPAddress, &row.UserAgent,
			&row.At, &row.Success, &row.FailureReason, &row.APIKeyPrefix); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, queryRows.Err()
}
