package deviceflow

import "errors"

// Errors surfaced by the device authorization grant. The token handler maps
// them onto the RFC 8628 error codes.
var (
	// ErrInvalidDeviceCode indicates a missing or unknown device code
	ErrInvalidDeviceCode = errors.New("invalid device code")

	// ErrInvalidUserCode indicates an unknown or malformed user code
	ErrInvalidUserCode = errors.New("invalid user code")

	// ErrInvalidFlowState indicates an unknown upstream state token
	ErrInvalidFlowState = errors.New("invalid flow state")

	// ErrPendingAuthorization indicates user authorization is not yet complete
	ErrPendingAuthorization = errors.New("authorization pending")

	// ErrSlowDown indicates the client polled before its interval elapsed
	ErrSlowDown = errors.New("polling too frequently")

	// ErrExpiredCode indicates the device or user code has expired
	ErrExpiredCode = errors.New("code expired")

	// ErrAccessDenied indicates the user refused authorization
	ErrAccessDenied = errors.New("authorization denied")
)
