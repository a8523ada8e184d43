package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	walerrors "github.com/walwatch/walwatch/internal/errors"
	"github.com/walwatch/walwatch/internal/middleware"
)

// sendJSON sends a JSON response
func sendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func sendError(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	middleware.SendError(w, r, status, code, message, details)
}

// decodeJSON decodes request body with error handling
func decodeJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var input T
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&input); err != nil {
		sendError(w, r, http.StatusBadRequest, "INVALID_BODY", "Invalid JSON body", err.Error())
		return input, false
	}
	return input, true
}

// handleError maps domain errors onto HTTP responses. It returns false when
// err is nil.
func handleError(w http.ResponseWriter, r *http.Request, err error) bool {
	if err == nil {
		return false
	}

	var cfgErr *walerrors.ConfigError
	var connErr *walerrors.ConnectionError
	switch {
	case errors.As(err, &cfgErr):
		sendError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid target", cfgErr.Violations)
	case errors.Is(err, walerrors.ErrInvalidTarget):
		sendError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	case errors.Is(err, walerrors.ErrTargetNotFound):
		sendError(w, r, http.StatusNotFound, "NOT_FOUND", "Target not found", nil)
	case errors.Is(err, walerrors.ErrTargetExists):
		sendError(w, r, http.StatusConflict, "CONFLICT", "Target already registered", nil)
	case errors.As(err, &connErr):
		sendError(w, r, http.StatusBadGateway, "CONNECTION_FAILED", connErr.Error(), nil)
	default:
		sendError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
	return true
}

// parseLimit reads a non-negative ?limit= value. Absent means 0 (everything).
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		sendError(w, r, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a non-negative integer", nil)
		return 0, false
	}
	return n, true
}
