// Package device implements the device authorization endpoint per RFC 8628
// section 3.2.
package device

import (
	"net/http"

	"github.com/taskbridge/taskbridge/cmd/taskbridge/handlers/common"
	"github.com/taskbridge/taskbridge/internal/deviceflow"
)

// Handler processes device authorization requests.
type Handler struct {
	flow   *deviceflow.Flow
	errors *common.ErrorWriter
}

// New creates a device code request handler.
func New(flow *deviceflow.Flow, errors *common.ErrorWriter) *Handler {
	return &Handler{flow: flow, errors: errors}
}

// ServeHTTP handles POST device authorization requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.errors.Write(w, r, http.StatusBadRequest, common.ErrorCodeInvalidRequest, "POST method required")
		return
	}
	if err := r.ParseForm(); err != nil {
		h.errors.Write(w, r, http.StatusBadRequest, common.ErrorCodeInvalidRequest, "invalid request format")
		return
	}

	// Parameters MUST NOT be included more than once per RFC 8628
	// section 3.1.
	for key, values := range r.Form {
		if len(values) > 1 {
			h.errors.Write(w, r, http.StatusBadRequest, common.ErrorCodeInvalidRequest, "duplicate parameter: "+key)
			return
		}
	}

	clientID := r.Form.Get("client_id")
	if clientID == "" {
		h.errors.Write(w, r, http.StatusBadRequest, common.ErrorCodeInvalidRequest, "the client_id parameter is required")
		return
	}

	resp, err := h.flow.Start(r.Context(), deviceflow.StartRequest{
		ClientID:            clientID,
		CodeChallenge:       r.Form.Get("code_challenge"),
		CodeChallengeMethod: r.Form.Get("code_challenge_method"),
		ClientState:         r.Form.Get("state"),
		RedirectURI:         r.Form.Get("redirect_uri"),
	})
	if err != nil {
		h.errors.Write(w, r, http.StatusInternalServerError, common.ErrorCodeServerError, "failed to start device authorization")
		return
	}

	if err := common.WriteJSON(w, http.StatusOK, resp); err != nil {
		h.errors.Write(w, r, http.StatusInternalServerError, common.ErrorCodeServerError, "encoding response failed")
	}
}
