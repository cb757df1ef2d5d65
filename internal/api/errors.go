// Package api renders errors for the HTTP surface of both services.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"report-stream/internal/domain"
)

// ErrorBody is the JSON envelope returned for failures detected before the
// first response byte.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a human-readable message and a stable code.
type ErrorDetail struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// StatusFromError maps error kinds to HTTP status codes.
func StatusFromError(err error) int {
	switch domain.KindOf(err) {
	case domain.KindAuthorization:
		return http.StatusUnauthorized
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindConnectivity:
		return http.StatusServiceUnavailable
	case domain.KindQueryTimeout, domain.KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case domain.KindUpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes err as a JSON error body with the mapped status. Only the
// message of the tagged error is rendered; wrapped causes stay in the server
// log.
func WriteError(w http.ResponseWriter, err error) {
	status := StatusFromError(err)
	WriteJSON(w, status, ErrorBody{Error: ErrorDetail{Message: publicMessage(err, status), Code: domain.CodeOf(err)}})
}

func publicMessage(err error, status int) string {
	var e *domain.Error
	if !errors.As(err, &e) || e.Kind == domain.KindInternal || e.Message == "" {
		return http.StatusText(status)
	}
	return e.Message
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
