// Package common holds the OAuth error vocabulary and response writers
// shared by every handler.
package common

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// OAuth error codes surfaced at the HTTP boundary.
const (
	ErrorCodeInvalidRequest        = "invalid_request"
	ErrorCodeInvalidGrant          = "invalid_grant"
	ErrorCodeInvalidClient         = "invalid_client"
	ErrorCodeUnauthorizedClient    = "unauthorized_client"
	ErrorCodeUnsupportedGrantType  = "unsupported_grant_type"
	ErrorCodeInvalidClientMetadata = "invalid_client_metadata"
	ErrorCodeInvalidRedirectURI    = "invalid_redirect_uri"
	ErrorCodeServerError           = "server_error"

	// Device grant poll outcomes per RFC 8628 section 3.5.
	ErrorCodeAuthorizationPending = "authorization_pending"
	ErrorCodeSlowDown             = "slow_down"
	ErrorCodeExpiredToken         = "expired_token"
	ErrorCodeAccessDenied         = "access_denied"
)

// ErrorResponse is the OAuth error payload.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// ErrorWriter writes OAuth error responses and records each rejection in
// the audit log before the response goes out.
type ErrorWriter struct {
	logger *slog.Logger
}

// NewErrorWriter creates an error writer logging through the given logger.
func NewErrorWriter(logger *slog.Logger) *ErrorWriter {
	return &ErrorWriter{logger: logger}
}

// Write logs the rejection and sends the error payload. The log write
// happens first so an audit record exists even if the client disconnects
// mid-response.
func (e *ErrorWriter) Write(w http.ResponseWriter, r *http.Request, status int, code, description string) {
	e.logger.Warn("oauth request rejected",
		"remote_addr", r.RemoteAddr,
		"endpoint", r.URL.Path,
		"error", code)

	SetJSONHeaders(w)
	w.WriteHeader(status)
	resp := ErrorResponse{
		Error:            code,
		ErrorDescription: strings.TrimSpace(description),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		e.logger.Error("encoding error response failed", "error", err)
	}
}

// SetJSONHeaders sets the headers required on token and error responses.
func SetJSONHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/json")
}

// WriteJSON sends a success payload with the required headers.
func WriteJSON(w http.ResponseWriter, status int, v any) error {
	SetJSONHeaders(w)
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}
