package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/driftsync/server/internal/config"
	"github.com/driftsync/server/internal/storage"
)

// unhealthyStore reports a reachable-but-failing backend.
type unhealthyStore struct {
	*storage.MemoryAdapter
}

func (u *unhealthyStore) HealthCheck(ctx context.Context) (bool, error) {
	return false, errors.New("backend unreachable")
}

func newHealthServer(t *testing.T, store storage.Adapter) *Server {
	t.Helper()
	return New(&config.Config{}, nil, nil, nil, nil, store, nil, zerolog.Nop())
}

func getHealth(t *testing.T, s *Server) (int, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode health body: %v", err)
	}
	return rec.Code, body
}

func TestHandleHealth_Healthy(t *testing.T) {
	store := storage.NewMemoryAdapter()
	if err := store.Connect(context.Background()); err != nil {
		t.Fatalf("connect memory adapter: %v", err)
	}
	s := newHealthServer(t, store)

	code, body := getHealth(t, s)
	if code != http.StatusOK {
		t.Errorf("status code = %d, want 200", code)
	}
	if body["status"] != "healthy" || body["storage"] != "connected" {
		t.Errorf("body = %v, want healthy/connected", body)
	}
}

func TestHandleHealth_DegradedStorage(t *testing.T) {
	base := storage.NewMemoryAdapter()
	if err := base.Connect(context.Background()); err != nil {
		t.Fatalf("connect memory adapter: %v", err)
	}
	s := newHealthServer(t, &unhealthyStore{base})

	code, body := getHealth(t, s)
	if code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want 503", code)
	}
	if body["status"] != "degraded" || body["storage"] != "unreachable" {
		t.Errorf("body = %v, want degraded/unreachable", body)
	}
}

func TestHandleHealth_NoStorageConfigured(t *testing.T) {
	s := newHealthServer(t, storage.NewMemoryAdapter())

	code, body := getHealth(t, s)
	if code != http.StatusOK {
		t.Errorf("status code = %d, want 200", code)
	}
	if body["storage"] != "memory" {
		t.Errorf("storage = %v, want memory", body["storage"])
	}
}
