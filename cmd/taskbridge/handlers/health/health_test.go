package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/taskbridge/taskbridge/internal/storage"
	"github.com/taskbridge/taskbridge/internal/store"
)

func TestHealth(t *testing.T) {
	st := store.New(storage.NewMemoryBackend(), store.WithCleanupInterval(time.Hour))
	if err := st.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer st.Close(context.Background())

	st.CreateSession(&storage.Session{ID: "s1", AccessToken: "at", RefreshToken: "rt"})

	h := New(st, "test")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp struct {
		Status  string        `json:"status"`
		Version string        `json:"version"`
		Stats   storage.Stats `json:"stats"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if resp.Status != "ok" || resp.Version != "test" {
		t.Errorf("response = %+v", resp)
	}
	if resp.Stats.Sessions != 1 {
		t.Errorf("sessions = %d, want 1", resp.Stats.Sessions)
	}
}
