// Package authorize implements the authorization endpoint that starts the
// redirect-based code grant.
package authorize

import (
	"errors"
	"net/http"

	"github.com/taskbridge/taskbridge/cmd/taskbridge/handlers/common"
	"github.com/taskbridge/taskbridge/internal/authflow"
)

// Handler processes authorization requests.
type Handler struct {
	flow        *authflow.Flow
	callbackURI string
	errors      *common.ErrorWriter
}

// New creates an authorization endpoint handler. callbackURI is this
// server's own callback, handed to the upstream provider.
func New(flow *authflow.Flow, callbackURI string, errors *common.ErrorWriter) *Handler {
	return &Handler{flow: flow, callbackURI: callbackURI, errors: errors}
}

// ServeHTTP handles GET authorization requests and redirects the browser to
// the upstream provider.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if rt := q.Get("response_type"); rt != "" && rt != "code" {
		h.errors.Write(w, r, http.StatusBadRequest, common.ErrorCodeInvalidRequest, "only the code response type is supported")
		return
	}
	clientID := q.Get("client_id")
	if clientID == "" {
		h.errors.Write(w, r, http.StatusBadRequest, common.ErrorCodeInvalidRequest, "the client_id parameter is required")
		return
	}

	authURL, err := h.flow.Start(r.Context(), authflow.StartRequest{
		ClientID:            clientID,
		RedirectURI:         q.Get("redirect_uri"),
		ClientState:         q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		CallbackURI:         h.callbackURI,
	})
	if err != nil {
		switch {
		case errors.Is(err, authflow.ErrInvalidRedirectURI):
			// Never redirect to an unvalidated URI.
			h.errors.Write(w, r, http.StatusBadRequest, common.ErrorCodeInvalidRedirectURI, "redirect URI is missing, malformed, or not registered")
		case errors.Is(err, authflow.ErrMissingState):
			h.errors.Write(w, r, http.StatusBadRequest, common.ErrorCodeInvalidRequest, "the state parameter is required")
		default:
			h.errors.Write(w, r, http.StatusInternalServerError, common.ErrorCodeServerError, "failed to start authorization")
		}
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}
