package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/transfa/ledger-service/internal/domain"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

func statusForKind(kind domain.Kind) int {
	switch kind {
	case domain.KindUser:
		return http.StatusBadRequest
	case domain.KindUnauthenticated:
		return http.StatusUnauthorized
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError maps a service error to a response. Internal faults are logged and answered
// with an opaque body.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	public := domain.Public(err)
	if public == nil {
		logger.Error("request failed", "component", "api", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "Internal server error")
		return
	}
	writeError(w, statusForKind(public.Kind), public.Code, public.Message)
}
