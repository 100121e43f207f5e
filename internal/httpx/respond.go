// Package httpx carries the HTTP plumbing shared by both services: the JSON
// error envelope, the trusted-identity middleware and response helpers.
package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// Stable machine-readable error codes surfaced to clients.
const (
	CodeValidation        = "VALIDATION_ERROR"
	CodeUnauthenticated   = "UNAUTHENTICATED"
	CodeOrderNotFound     = "ORDER_NOT_FOUND"
	CodeShipmentNotFound  = "SHIPMENT_NOT_FOUND"
	CodeAlreadyDispatched = "SHIPMENT_ALREADY_DISPATCHED"
	CodeShipmentFailed    = "SHIPMENT_FAILED"
	CodeInternal          = "INTERNAL"
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ErrorBody struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

func RespondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal JSON response")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"code":"INTERNAL","message":"failed to encode response"}}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(response); err != nil {
		log.Error().Err(err).Msg("Failed to write JSON response")
	}
}

func RespondError(w http.ResponseWriter, status int, code, message string, details ...FieldError) {
	RespondJSON(w, status, ErrorResponse{Error: ErrorBody{
		Code:    code,
		Message: message,
		Details: details,
	}})
}
