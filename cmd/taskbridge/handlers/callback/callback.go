// Package callback implements the shared upstream callback endpoint. The
// upstream provider redirects here for both grant kinds; the state token
// decides which flow the redirect belongs to.
package callback

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/taskbridge/taskbridge/internal/authflow"
	"github.com/taskbridge/taskbridge/internal/deviceflow"
	"github.com/taskbridge/taskbridge/internal/templates"
)

// Handler processes upstream provider callbacks.
type Handler struct {
	authFlow   *authflow.Flow
	deviceFlow *deviceflow.Flow
	templates  *templates.Templates
	logger     *slog.Logger
}

// New creates a callback handler.
func New(authFlow *authflow.Flow, deviceFlow *deviceflow.Flow, tmpls *templates.Templates, logger *slog.Logger) *Handler {
	return &Handler{authFlow: authFlow, deviceFlow: deviceFlow, templates: tmpls, logger: logger}
}

// ServeHTTP handles GET callbacks carrying code/state or error/state.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := q.Get("state")
	if state == "" {
		h.renderError(w, "Invalid Request", "The callback is missing its state parameter.")
		return
	}

	if upstreamErr := q.Get("error"); upstreamErr != "" {
		h.handleUpstreamError(w, r, state, upstreamErr)
		return
	}

	code := q.Get("code")
	if code == "" {
		h.renderError(w, "Authorization Failed", "No authorization code was received from the provider.")
		return
	}

	// Redirect-based flows resolve first; an unknown state falls through to
	// the device flow.
	redirect, err := h.authFlow.HandleCallback(r.Context(), state, code)
	if err == nil {
		http.Redirect(w, r, redirect, http.StatusFound)
		return
	}
	if !errors.Is(err, authflow.ErrInvalidFlowState) {
		h.logger.Warn("authorization callback failed",
			"remote_addr", r.RemoteAddr,
			"error", err)
		h.renderError(w, "Authorization Failed", "Unable to complete authorization with the provider.")
		return
	}

	if err := h.deviceFlow.CompleteAuthorization(r.Context(), state, code); err != nil {
		h.logger.Warn("device callback failed",
			"remote_addr", r.RemoteAddr,
			"error", err)
		switch {
		case errors.Is(err, deviceflow.ErrExpiredCode):
			h.renderError(w, "Code Expired", "The device code has expired. Request a new one on your device.")
		case errors.Is(err, deviceflow.ErrInvalidFlowState):
			h.renderError(w, "Invalid Request", "This authorization link is no longer valid.")
		default:
			h.renderError(w, "Authorization Failed", "Unable to complete device authorization.")
		}
		return
	}

	h.renderComplete(w, "You have successfully connected your device. You may now close this window.")
}

// handleUpstreamError relays a provider-side denial to whichever flow the
// state belongs to.
func (h *Handler) handleUpstreamError(w http.ResponseWriter, r *http.Request, state, upstreamErr string) {
	if redirect, err := h.authFlow.HandleCallbackError(r.Context(), state, upstreamErr); err == nil {
		http.Redirect(w, r, redirect, http.StatusFound)
		return
	}
	if err := h.deviceFlow.Deny(r.Context(), state); err == nil {
		h.renderComplete(w, "Authorization was declined. Your device has not been connected.")
		return
	}
	h.renderError(w, "Authorization Failed", "The provider reported an error: "+upstreamErr)
}

func (h *Handler) renderComplete(w http.ResponseWriter, message string) {
	if err := h.templates.RenderComplete(w, templates.CompleteData{Message: message}); err != nil {
		h.logger.Error("rendering complete page failed", "error", err)
		http.Error(w, "error rendering page", http.StatusInternalServerError)
	}
}

func (h *Handler) renderError(w http.ResponseWriter, title, message string) {
	if err := h.templates.RenderError(w, templates.ErrorData{Title: title, Message: message}); err != nil {
		h.logger.Error("rendering error page failed", "error", err)
		http.Error(w, "error rendering page", http.StatusInternalServerError)
	}
}
