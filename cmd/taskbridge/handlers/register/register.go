// Package register implements the dynamic client registration endpoint
// (RFC 7591).
package register

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/taskbridge/taskbridge/cmd/taskbridge/handlers/common"
	"github.com/taskbridge/taskbridge/internal/clients"
)

// Handler processes client registration requests.
type Handler struct {
	registry *clients.Registry
	errors   *common.ErrorWriter
}

// New creates a registration handler.
func New(registry *clients.Registry, errors *common.ErrorWriter) *Handler {
	return &Handler{registry: registry, errors: errors}
}

// ServeHTTP handles POST registration requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.errors.Write(w, r, http.StatusBadRequest, common.ErrorCodeInvalidRequest, "POST method required")
		return
	}

	var meta clients.Metadata
	if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
		h.errors.Write(w, r, http.StatusBadRequest, common.ErrorCodeInvalidClientMetadata, "request body is not valid JSON")
		return
	}

	client, err := h.registry.Register(meta)
	if err != nil {
		var regErr *clients.RegistrationError
		if errors.As(err, &regErr) {
			h.errors.Write(w, r, http.StatusBadRequest, regErr.Code, regErr.Description)
			return
		}
		h.errors.Write(w, r, http.StatusInternalServerError, common.ErrorCodeServerError, "registration failed")
		return
	}

	if err := common.WriteJSON(w, http.StatusCreated, client); err != nil {
		h.errors.Write(w, r, http.StatusInternalServerError, common.ErrorCodeServerError, "encoding response failed")
	}
}
