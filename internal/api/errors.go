package api

import (
	"errors"
	"net/http"

	"github.com/solar-fleet/sfc/internal/adapter"
	"github.com/solar-fleet/sfc/internal/command"
	"github.com/solar-fleet/sfc/internal/feed"
	"github.com/solar-fleet/sfc/internal/loop"
)

// APIError is an error with its HTTP status and envelope code.
type APIError struct {
	Code       string
	Message    string
	Details    interface{}
	StatusCode int
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ToAPIError maps an engine or dispatch error to an API error.
func ToAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case errors.Is(err, command.ErrAlreadyInFlight):
		return &APIError{"ALREADY_IN_FLIGHT", "An action for this target is already in progress", nil, http.StatusConflict}
	case errors.Is(err, command.ErrNotFound):
		return &APIError{"NOT_FOUND", "Resource not found", nil, http.StatusNotFound}
	case errors.Is(err, command.ErrInvalidParameter):
		return &APIError{"BAD_REQUEST", "Malformed or missing required parameter", nil, http.StatusBadRequest}
	case errors.Is(err, command.ErrClosed), errors.Is(err, loop.ErrStopped), errors.Is(err, feed.ErrStopped):
		return &APIError{"UNAVAILABLE", "Service is shutting down", nil, http.StatusServiceUnavailable}
	}

	var de *adapter.DispatchError
	if errors.As(err, &de) {
		details := map[string]interface{}{"target": de.Target.Key()}
		if de.Status != 0 {
			details["status"] = de.Status
		}
		code, status := mapDispatchCode(de.Code)
		return &APIError{code, dispatchMessage(de.Code), details, status}
	}

	return &APIError{"INTERNAL", "Internal server error", nil, http.StatusInternalServerError}
}

// mapDispatchCode maps a normalized farm error to an envelope code and status.
func mapDispatchCode(code error) (string, int) {
	switch {
	case errors.Is(code, adapter.ErrNotFound):
		return "NOT_FOUND", http.StatusNotFound
	case errors.Is(code, adapter.ErrBusy):
		return "BUSY", http.StatusServiceUnavailable
	case errors.Is(code, adapter.ErrUnavailable):
		return "UNAVAILABLE", http.StatusServiceUnavailable
	case errors.Is(code, adapter.ErrRejected):
		return "REJECTED", http.StatusBadGateway
	case errors.Is(code, adapter.ErrInvalidResponse):
		return "INVALID_RESPONSE", http.StatusBadGateway
	default:
		return "INTERNAL", http.StatusInternalServerError
	}
}

func dispatchMessage(code error) string {
	switch {
	case errors.Is(code, adapter.ErrNotFound):
		return "The farm does not know this target"
	case errors.Is(code, adapter.ErrBusy):
		return "The farm is busy, retry with backoff"
	case errors.Is(code, adapter.ErrUnavailable):
		return "The farm is temporarily unavailable"
	case errors.Is(code, adapter.ErrRejected):
		return "The farm rejected the action"
	case errors.Is(code, adapter.ErrInvalidResponse):
		return "The farm returned an invalid response"
	default:
		return "Internal server error"
	}
}

// WriteAPIError writes err using the status and code from ToAPIError.
func WriteAPIError(w http.ResponseWriter, err error) {
	apiErr := ToAPIError(err)
	if apiErr.StatusCode == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	WriteError(w, apiErr.StatusCode, apiErr.Code, apiErr.Message, apiErr.Details)
}
