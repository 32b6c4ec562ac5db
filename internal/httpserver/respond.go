package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/signalbeam/edge/internal/apierr"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// RespondError writes the closed-taxonomy error envelope for code, deriving
// the HTTP status from apierr.HTTPStatus.
func RespondError(w http.ResponseWriter, code apierr.Code, message string) {
	apierr.New(code, message).Write(w)
}

// RespondErrorDetails is RespondError with an attached details map.
func RespondErrorDetails(w http.ResponseWriter, code apierr.Code, message string, details map[string]any) {
	apierr.New(code, message).WithDetails(details).Write(w)
}
