// Package verify implements the user-facing device verification pages: the
// code entry form and its submission.
package verify

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/taskbridge/taskbridge/internal/deviceflow"
	"github.com/taskbridge/taskbridge/internal/templates"
)

// Handler serves the device code entry form and handles submissions.
type Handler struct {
	flow      *deviceflow.Flow
	templates *templates.Templates
	logger    *slog.Logger
}

// New creates a verification page handler.
func New(flow *deviceflow.Flow, tmpls *templates.Templates, logger *slog.Logger) *Handler {
	return &Handler{flow: flow, templates: tmpls, logger: logger}
}

// ShowForm renders the code entry form, prefilled when the complete
// verification URI was followed.
func (h *Handler) ShowForm(w http.ResponseWriter, r *http.Request) {
	h.renderForm(w, templates.VerifyData{
		PrefilledCode: r.URL.Query().Get("code"),
	})
}

// Submit validates the entered code and redirects the user's browser to the
// upstream provider's authorization page.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.renderForm(w, templates.VerifyData{Error: "Invalid request. Please try again."})
		return
	}

	code := r.Form.Get("code")
	authURL, err := h.flow.VerifyUserCode(r.Context(), code)
	if err != nil {
		h.logger.Warn("user code verification failed",
			"remote_addr", r.RemoteAddr,
			"error", err)
		switch {
		case errors.Is(err, deviceflow.ErrExpiredCode):
			h.renderForm(w, templates.VerifyData{Error: "That code has expired. Request a new one on your device."})
		default:
			h.renderForm(w, templates.VerifyData{PrefilledCode: code, Error: "That code was not recognized. Check it and try again."})
		}
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

func (h *Handler) renderForm(w http.ResponseWriter, data templates.VerifyData) {
	if err := h.templates.RenderVerify(w, data); err != nil {
		h.logger.Error("rendering verify page failed", "error", err)
		http.Error(w, "error rendering page", http.StatusInternalServerError)
	}
}
