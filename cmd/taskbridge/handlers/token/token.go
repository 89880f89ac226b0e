// Package token implements the token endpoint, dispatching on grant type:
// authorization_code, refresh_token, and the RFC 8628 device grant.
package token

import (
	"errors"
	"net/http"

	"github.com/taskbridge/taskbridge/cmd/taskbridge/handlers/common"
	"github.com/taskbridge/taskbridge/internal/clients"
	"github.com/taskbridge/taskbridge/internal/deviceflow"
	"github.com/taskbridge/taskbridge/internal/tokens"
)

// GrantTypeDeviceCode is the device grant URN per RFC 8628 section 3.4.
const GrantTypeDeviceCode = deviceflow.GrantTypeDeviceCode

// Handler processes token requests.
type Handler struct {
	grants     *tokens.Service
	deviceFlow *deviceflow.Flow
	errors     *common.ErrorWriter
}

// New creates a token endpoint handler.
func New(grants *tokens.Service, deviceFlow *deviceflow.Flow, errors *common.ErrorWriter) *Handler {
	return &Handler{grants: grants, deviceFlow: deviceFlow, errors: errors}
}

// ServeHTTP handles POST token requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.errors.Write(w, r, http.StatusBadRequest, common.ErrorCodeInvalidRequest, "POST method required")
		return
	}
	if err := r.ParseForm(); err != nil {
		h.errors.Write(w, r, http.StatusBadRequest, common.ErrorCodeInvalidRequest, "invalid request format")
		return
	}

	switch r.Form.Get("grant_type") {
	case "authorization_code":
		h.handleAuthorizationCode(w, r)
	case "refresh_token":
		h.handleRefreshToken(w, r)
	case GrantTypeDeviceCode:
		h.handleDeviceCode(w, r)
	case "":
		h.errors.Write(w, r, http.StatusBadRequest, common.ErrorCodeInvalidRequest, "the grant_type parameter is required")
	default:
		h.errors.Write(w, r, http.StatusBadRequest, common.ErrorCodeUnsupportedGrantType, "unsupported grant type")
	}
}

func (h *Handler) handleAuthorizationCode(w http.ResponseWriter, r *http.Request) {
	code := r.Form.Get("code")
	if code == "" {
		h.errors.Write(w, r, http.StatusBadRequest, common.ErrorCodeInvalidRequest, "the code parameter is required")
		return
	}

	resp, err := h.grants.ExchangeAuthorizationCode(r.Context(),
		code, r.Form.Get("code_verifier"), r.Form.Get("redirect_uri"),
		r.Form.Get("client_id"), r.Form.Get("client_secret"))
	if err != nil {
		h.writeGrantError(w, r, err)
		return
	}
	h.writeResponse(w, r, resp)
}

func (h *Handler) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	refreshToken := r.Form.Get("refresh_token")
	if refreshToken == "" {
		h.errors.Write(w, r, http.StatusBadRequest, common.ErrorCodeInvalidRequest, "the refresh_token parameter is required")
		return
	}

	resp, err := h.grants.Refresh(r.Context(), refreshToken,
		r.Form.Get("client_id"), r.Form.Get("client_secret"))
	if err != nil {
		h.writeGrantError(w, r, err)
		return
	}
	h.writeResponse(w, r, resp)
}

func (h *Handler) handleDeviceCode(w http.ResponseWriter, r *http.Request) {
	deviceCode := r.Form.Get("device_code")
	if deviceCode == "" {
		h.errors.Write(w, r, http.StatusBadRequest, common.ErrorCodeInvalidRequest, "the device_code parameter is required")
		return
	}

	resp, err := h.deviceFlow.Poll(r.Context(), deviceCode, r.Form.Get("code_verifier"),
		r.Form.Get("client_id"), r.Form.Get("client_secret"))
	if err != nil {
		switch {
		case errors.Is(err, clients.ErrInvalidClientCredentials):
			h.errors.Write(w, r, http.StatusUnauthorized, common.ErrorCodeInvalidClient, "client authentication failed")
		case errors.Is(err, clients.ErrGrantTypeNotAllowed):
			h.errors.Write(w, r, http.StatusBadRequest, common.ErrorCodeUnauthorizedClient, "client is not registered for this grant type")
		case errors.Is(err, deviceflow.ErrPendingAuthorization):
			h.errors.Write(w, r, http.StatusBadRequest, common.ErrorCodeAuthorizationPending, "user authorization is pending")
		case errors.Is(err, deviceflow.ErrSlowDown):
			h.errors.Write(w, r, http.StatusBadRequest, common.ErrorCodeSlowDown, "polling too frequently")
		case errors.Is(err, deviceflow.ErrExpiredCode):
			h.errors.Write(w, r, http.StatusBadRequest, common.ErrorCodeExpiredToken, "device code expired")
		case errors.Is(err, deviceflow.ErrAccessDenied):
			h.errors.Write(w, r, http.StatusBadRequest, common.ErrorCodeAccessDenied, "authorization was denied")
		case errors.Is(err, deviceflow.ErrInvalidDeviceCode),
			errors.Is(err, tokens.ErrPKCEMismatch),
			errors.Is(err, tokens.ErrUnsupportedChallengeMethod):
			h.errors.Write(w, r, http.StatusBadRequest, common.ErrorCodeInvalidGrant, "device code is invalid")
		default:
			h.errors.Write(w, r, http.StatusInternalServerError, common.ErrorCodeServerError, "token request failed")
		}
		return
	}
	h.writeResponse(w, r, resp)
}

func (h *Handler) writeGrantError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, clients.ErrInvalidClientCredentials):
		h.errors.Write(w, r, http.StatusUnauthorized, common.ErrorCodeInvalidClient, "client authentication failed")
	case errors.Is(err, clients.ErrGrantTypeNotAllowed):
		h.errors.Write(w, r, http.StatusBadRequest, common.ErrorCodeUnauthorizedClient, "client is not registered for this grant type")
	case errors.Is(err, tokens.ErrInvalidGrant):
		h.errors.Write(w, r, http.StatusBadRequest, common.ErrorCodeInvalidGrant, err.Error())
	default:
		h.errors.Write(w, r, http.StatusInternalServerError, common.ErrorCodeServerError, "token request failed")
	}
}

func (h *Handler) writeResponse(w http.ResponseWriter, r *http.Request, resp *tokens.Response) {
	if err := common.WriteJSON(w, http.StatusOK, resp); err != nil {
		h.errors.Write(w, r, http.StatusInternalServerError, common.ErrorCodeServerError, "encoding response failed")
	}
}
