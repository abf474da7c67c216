package entitlements

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// ErrorResponse is the JSON body for every non-2xx entitlement response.
type ErrorResponse struct {
	Error     string  `json:"error"`
	Code      string  `json:"code"`
	Feature   Feature `json:"feature,omitempty"`
	PlanID    string  `json:"plan_id,omitempty"`
	Timestamp int64   `json:"timestamp"`
}

// StatusForError maps a core error to an HTTP status and a stable code.
// Business denials never reach this function; they are Decisions.
func StatusForError(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.Is(err, ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "storage_unavailable"
	case errors.Is(err, ErrNotFound):
		return http.StatusForbidden, "not_found"
	case errors.Is(err, ErrUnknownFeature):
		return http.StatusBadRequest, "unknown_feature"
	case errors.Is(err, ErrInvalidQuantity):
		return http.StatusBadRequest, "invalid_quantity"
	case errors.Is(err, ErrNegativeBalance):
		return http.StatusBadRequest, "negative_balance"
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, ErrIdempotencyConflict):
		return http.StatusConflict, "idempotency_conflict"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// WriteDenied writes the canonical 403 response for a denied decision.
func WriteDenied(w http.ResponseWriter, d Decision) {
	writeJSON(w, http.StatusForbidden, ErrorResponse{
		Error:     d.Reason.Message(),
		Code:      string(d.Reason),
		Feature:   d.Feature,
		PlanID:    d.PlanID,
		Timestamp: time.Now().Unix(),
	})
}

// WriteError writes err using StatusForError. Internal details are not
// exposed for 5xx responses.
func WriteError(w http.ResponseWriter, err error) {
	status, code := StatusForError(err)
	message := http.StatusText(status)
	if status < http.StatusInternalServerError && err != nil {
		message = err.Error()
	}
	writeJSON(w, status, ErrorResponse{
		Error:     message,
		Code:      code,
		Timestamp: time.Now().Unix(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
