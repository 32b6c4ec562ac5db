package auth

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/signalbeam/edge/internal/apierr"
	"github.com/signalbeam/edge/internal/audit"
)

// Middleware returns an HTTP middleware that authenticates the caller via
// device API key or OIDC bearer JWT and stores the resulting Identity in the
// request context.
//
// Authentication precedence:
//  1. X-API-Key: <raw-key>         →  device API key hash lookup
//  2. Authorization: Bearer <jwt>  →  OIDC validation
//
// If neither header is present, the request proceeds unauthenticated; routes
// that require an identity must use RequireAuth/RequireMinRole/RequireDevice.
// A presented API key or Bearer token that fails validation is rejected with
// 401.
// oidcAuth may be nil when OIDC is not configured — Bearer tokens are then
// always rejected. auditWriter may be nil, in which case device-key attempts
// are not recorded to the auth audit ledger.
func Middleware(oidcAuth *OIDCAuthenticator, store Storage, logger *slog.Logger, auditWriter *audit.Writer) func(http.Handler) http.Handler {
	deviceAuth := &DeviceKeyAuthenticator{Store: store}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var identity *Identity

			if rawKey := r.Header.Get("X-API-Key"); rawKey != "" {
				result, err := deviceAuth.Authenticate(r.Context(), rawKey)
				if err != nil {
					logger.Warn("device key authentication failed", "error", err)
					if auditWriter != nil {
						reason := err.Error()
						auditWriter.LogRequest(r, audit.Entry{Success: false, FailureReason: &reason})
					}
					apierr.New(apierr.CodeInvalidAPIKey, "invalid device API key").Write(w)
					return
				}

				identity = &Identity{
					Subject:  fmt.Sprintf("device:%s", result.KeyPrefix),
					TenantID: result.TenantID,
					DeviceID: &result.DeviceID,
					APIKeyID: &result.APIKeyID,
					Method:   MethodDeviceKey,
				}

				if auditWriter != nil {
					prefix := result.KeyPrefix
					auditWriter.LogRequest(r, audit.Entry{
						DeviceID:     &result.DeviceID,
						TenantID:     &result.TenantID,
						Success:      true,
						APIKeyPrefix: &prefix,
					})
				}

				logger.Debug("authenticated via device key",
					"key_prefix", result.KeyPrefix,
					"device_id", result.DeviceID,
				)
			}

			if identity == nil {
				if authHeader := r.Header.Get("Authorization"); authHeader != "" {
					if oidcAuth == nil {
						logger.Warn("bearer token presented but OIDC is not configured")
						apierr.New(apierr.CodeInvalidToken, "invalid token").Write(w)
						return
					}

					claims, err := oidcAuth.Authenticate(r.Context(), authHeader)
					if err != nil {
						logger.Warn("OIDC authentication failed", "error", err)
						apierr.New(apierr.CodeInvalidToken, "invalid token").Write(w)
						return
					}

					var tenantID uuid.UUID
					if claims.TenantID != "" {
						tenantID, _ = uuid.Parse(claims.TenantID)
					}

					identity = &Identity{
						Subject:  claims.Subject,
						TenantID: tenantID,
						Role:     claims.Role,
						Method:   MethodOIDC,
					}

					logger.Debug("authenticated via OIDC",
						"sub", claims.Subject,
						"role", claims.Role,
					)
				}
			}

			ctx := r.Context()
			if identity != nil {
				ctx = NewContext(ctx, identity)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
