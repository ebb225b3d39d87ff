package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ukydev/vehicle-tracking/internal/auth"
	"github.com/ukydev/vehicle-tracking/internal/db"
	"github.com/ukydev/vehicle-tracking/internal/geocode"
	"github.com/ukydev/vehicle-tracking/internal/middleware"
)

// RouterConfig holds what the HTTP surface needs.
type RouterConfig struct {
	Store    db.Store
	Auth     *auth.Service
	Tracker  Tracker
	Geocoder geocode.Geocoder

	// Per client IP, applied to the device API.
	DeviceRateLimit  int
	DeviceRateWindow time.Duration
}

// NewRouter wires the device API, the dashboard API and the health check.
func NewRouter(cfg RouterConfig) *mux.Router {
	if cfg.DeviceRateLimit <= 0 {
		cfg.DeviceRateLimit = 120
	}
	if cfg.DeviceRateWindow <= 0 {
		cfg.DeviceRateWindow = time.Minute
	}

	r := mux.NewRouter()
	r.Use(middleware.RequestLogger)
	r.HandleFunc("/health", Health).Methods(http.MethodGet)

	limiter := middleware.NewRateLimitMiddleware()
	device := NewDeviceHandler(cfg.Tracker)
	dev := r.NewRoute().Subrouter()
	dev.Use(limiter.RateLimit(cfg.DeviceRateLimit, cfg.DeviceRateWindow))
	dev.HandleFunc("/location", device.Location).Methods(http.MethodPost)
	dev.HandleFunc("/route", device.StartRoute).Methods(http.MethodPost)
	dev.HandleFunc("/route/stop", device.StopRoute).Methods(http.MethodPost)
	dev.HandleFunc("/request_token", device.RequestToken).Methods(http.MethodPost)
	dev.HandleFunc("/verify_token", device.VerifyToken).Methods(http.MethodPost)

	authMW := middleware.NewAuthMiddleware(cfg.Auth)
	api := r.PathPrefix("/api").Subrouter()
	api.Use(authMW.Authenticate)

	authHandler := NewAuthHandler(cfg.Auth, cfg.Store)
	api.HandleFunc("/auth/login", authHandler.Login).Methods(http.MethodPost)
	api.HandleFunc("/auth/register", authHandler.Register).Methods(http.MethodPost)
	api.HandleFunc("/auth/profile", authHandler.GetProfile).Methods(http.MethodGet)
	api.HandleFunc("/auth/profile", authHandler.UpdateProfile).Methods(http.MethodPut)
	api.HandleFunc("/auth/change-password", authHandler.ChangePassword).Methods(http.MethodPost)

	vehicles := NewVehicleHandler(cfg.Store, cfg.Geocoder)
	perm := func(action string, h http.HandlerFunc) http.Handler {
		return authMW.RequirePermission(action)(h)
	}
	api.Handle("/vehicles", perm("view_vehicles", vehicles.ListVehicles)).Methods(http.MethodGet)
	api.Handle("/vehicles", perm("create_vehicle", vehicles.CreateVehicle)).Methods(http.MethodPost)
	api.Handle("/vehicles/{id}", perm("view_vehicles", vehicles.GetVehicle)).Methods(http.MethodGet)
	api.Handle("/vehicles/{id}", perm("update_vehicle", vehicles.UpdateVehicle)).Methods(http.MethodPatch)
	api.Handle("/vehicles/{id}", perm("delete_vehicle", vehicles.DeleteVehicle)).Methods(http.MethodDelete)
	api.Handle("/vehicles/{id}/toggle-status", perm("toggle_vehicle", vehicles.ToggleStatus)).Methods(http.MethodPost)
	api.Handle("/vehicles/{id}/routes", perm("view_routes", vehicles.ListRoutes)).Methods(http.MethodGet)
	api.Handle("/vehicles/{id}/assignments", perm("view_vehicles", vehicles.ListAssignments)).Methods(http.MethodGet)
	api.Handle("/vehicles/{id}/assignments", perm("assign_vehicle", vehicles.AssignVehicle)).Methods(http.MethodPost)
	api.Handle("/routes/{id}/positions", perm("view_routes", vehicles.ListPositions)).Methods(http.MethodGet)
	api.Handle("/map/markers", perm("view_vehicles", vehicles.Markers)).Methods(http.MethodGet)

	return r
}

// Health reports that the process is serving.
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
