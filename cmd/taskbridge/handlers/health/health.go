// Package health implements the health check endpoint.
package health

import (
	"encoding/json"
	"net/http"

	"github.com/taskbridge/taskbridge/internal/storage"
	"github.com/taskbridge/taskbridge/internal/store"
)

// Handler reports process health and store statistics.
type Handler struct {
	store   *store.Store
	version string
}

// New creates a health check handler.
func New(s *store.Store, version string) *Handler {
	return &Handler{store: s, version: version}
}

type response struct {
	Status  string        `json:"status"`
	Version string        `json:"version"`
	Stats   storage.Stats `json:"stats"`
}

// ServeHTTP handles GET health requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := response{
		Status:  "ok",
		Version: h.version,
		Stats:   h.store.Stats(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "error encoding response", http.StatusInternalServerError)
	}
}
