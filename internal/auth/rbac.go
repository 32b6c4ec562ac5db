package auth

import (
	"net/http"

	"github.com/signalbeam/edge/internal/apierr"
)

// roleLevel maps roles to a numeric privilege level for RequireMinRole.
var roleLevel = map[string]int{
	RoleAdmin:    30,
	RoleOperator: 20,
	RoleReadonly: 10,
}

// RequireAuth rejects requests that have no authenticated identity.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if FromContext(r.Context()) == nil {
			apierr.New(apierr.CodeUnauthorized, "authentication required").Write(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireMinRole returns middleware that rejects OIDC-authenticated callers
// below the given privilege level, and rejects device callers outright
// (devices never hold an operator role).
func RequireMinRole(minRole string) func(http.Handler) http.Handler {
	minLevel := roleLevel[minRole]

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := FromContext(r.Context())
			if id == nil {
				apierr.New(apierr.CodeUnauthorized, "authentication required").Write(w)
				return
			}
			if id.IsDevice() || roleLevel[id.Role] < minLevel {
				apierr.New(apierr.CodeForbidden, "insufficient permissions").Write(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireDevice rejects requests not authenticated as the specific device
// named by the chi URL parameter paramName. Used on device-facing endpoints
// (heartbeat ingest, status report) so a device can only act on its own
// record.
func RequireDevice(paramName string, urlParam func(*http.Request, string) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := FromContext(r.Context())
			if id == nil || !id.IsDevice() || id.DeviceID == nil {
				apierr.New(apierr.CodeUnauthorized, "device authentication required").Write(w)
				return
			}
			if id.DeviceID.String() != urlParam(r, paramName) {
				apierr.New(apierr.CodeForbidden, "device key does not match path device").Write(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
