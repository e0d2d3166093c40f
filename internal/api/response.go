package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/erazemk/darilo/internal/model"
)

// jsonResponse writes a JSON response with the given status code.
func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("error encoding response", "error", err)
		}
	}
}

// jsonError writes a JSON error response.
func jsonError(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

// domainError maps engine and store errors to a response. Anything
// unrecognized is logged and reported as an internal error.
func domainError(w http.ResponseWriter, err error, action string) {
	var insufficient *model.InsufficientFundsError
	switch {
	case errors.As(err, &insufficient):
		jsonResponse(w, http.StatusConflict, map[string]string{
			"error":     "insufficient funds",
			"shortfall": insufficient.Shortfall().StringFixed(2),
		})
	case errors.Is(err, model.ErrNotFound):
		jsonError(w, http.StatusNotFound, "not found")
	case errors.Is(err, model.ErrInvalidTransition), errors.Is(err, model.ErrReferenceInUse):
		jsonError(w, http.StatusConflict, err.Error())
	case errors.Is(err, model.ErrSubscriptionRequired):
		jsonError(w, http.StatusForbidden, "subscription required")
	case errors.Is(err, model.ErrDownstreamUnavailable):
		jsonError(w, http.StatusBadGateway, "fulfillment service unavailable, retry later")
	default:
		slog.Error("failed to "+action, "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to "+action)
	}
}

// decodeJSON decodes a JSON request body into the given target.
func decodeJSON(r *http.Request, target any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(target)
}

// pathID parses the {id} path value, writing a 400 when it is not a number.
func pathID(w http.ResponseWriter, r *http.Request, what string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		jsonError(w, http.StatusBadRequest, "invalid "+what+" id")
		return 0, false
	}
	return id, true
}
