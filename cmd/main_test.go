package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ukydev/vehicle-tracking/internal/auth"
	"github.com/ukydev/vehicle-tracking/internal/config"
	"github.com/ukydev/vehicle-tracking/internal/db"
	"github.com/ukydev/vehicle-tracking/internal/geocode"
	"github.com/ukydev/vehicle-tracking/internal/tracking"
)

func memoryConfig(t *testing.T, extra map[string]string) *config.Config {
	t.Helper()
	env := map[string]string{"STORE_DRIVER": "memory", "PORT": "0"}
	for k, v := range extra {
		env[k] = v
	}
	cfg, err := config.FromEnv(func(k string) string { return env[k] })
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

func TestOpenStore_Memory(t *testing.T) {
	store, err := openStore(context.Background(), memoryConfig(t, nil))
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	if _, ok := store.(*db.MemoryStore); !ok {
		t.Errorf("expected *db.MemoryStore, got %T", store)
	}
}

func TestOpenStore_UnknownDriver(t *testing.T) {
	cfg := memoryConfig(t, nil)
	cfg.StoreDriver = "cassandra"
	if _, err := openStore(context.Background(), cfg); err == nil || !strings.Contains(err.Error(), "cassandra") {
		t.Errorf("expected unknown driver error, got %v", err)
	}
}

func TestNewGeocoder(t *testing.T) {
	if g := newGeocoder(memoryConfig(t, nil)); g != nil {
		t.Errorf("expected no geocoder without NOMINATIM_URL, got %T", g)
	}
	g := newGeocoder(memoryConfig(t, map[string]string{"NOMINATIM_URL": "http://nominatim.local"}))
	if _, ok := g.(*geocode.Nominatim); !ok {
		t.Errorf("expected *geocode.Nominatim, got %T", g)
	}
}

func TestNewServer_Routes(t *testing.T) {
	cfg := memoryConfig(t, nil)
	store := db.NewMemoryStore()
	server := newServer(cfg, store, auth.NewServiceWith("main-test", time.Hour), tracking.NewService(store, nil), nil)

	if server.Addr != ":0" {
		t.Errorf("Addr = %q, want :0", server.Addr)
	}

	tests := []struct {
		method string
		path   string
		body   string
		want   int
	}{
		{http.MethodGet, "/health", "", http.StatusOK},
		{http.MethodGet, "/api/vehicles", "", http.StatusUnauthorized},
		{http.MethodPost, "/request_token", `{"imei":"356307042441013"}`, http.StatusNotFound},
		{http.MethodPost, "/location", `{"lat":48.1,"lon":17.1}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			server.Handler.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	t.Setenv("JWT_SECRET", "main-test")
	cfg := memoryConfig(t, map[string]string{"SHUTDOWN_TIMEOUT": "2s", "SWEEP_SCHEDULE": "@every 1h"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}
