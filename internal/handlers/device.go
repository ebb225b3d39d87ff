package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/vehicle-tracking/internal/models"
	"github.com/ukydev/vehicle-tracking/internal/segment"
	"github.com/ukydev/vehicle-tracking/internal/tracking"
)

// Tracker is the device-facing side of the tracking service.
type Tracker interface {
	RecordPosition(ctx context.Context, req models.PositionRequest) (*models.PositionResponse, error)
	StartRoute(ctx context.Context, token string) (*models.RouteCommandResponse, error)
	StopRoute(ctx context.Context, token string) (*models.RouteCommandResponse, error)
	IssueToken(ctx context.Context, imei string) (*models.TokenResponse, error)
	VerifyToken(ctx context.Context, imei, token string) error
}

// DeviceHandler serves the tracker API. Trackers authenticate with the device
// token in the request body, not with a JWT.
type DeviceHandler struct {
	tracker Tracker
}

// NewDeviceHandler creates a device API handler
func NewDeviceHandler(tracker Tracker) *DeviceHandler {
	return &DeviceHandler{tracker: tracker}
}

// deviceStatus maps tracking errors to HTTP status codes.
func deviceStatus(err error) int {
	switch {
	case errors.Is(err, tracking.ErrVehicleNotFound), errors.Is(err, tracking.ErrNotAssigned):
		return http.StatusNotFound
	case errors.Is(err, tracking.ErrNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, tracking.ErrInvalidCoordinates),
		errors.Is(err, segment.ErrMalformedSample),
		errors.Is(err, segment.ErrOutOfOrder):
		return http.StatusBadRequest
	case errors.Is(err, segment.ErrRouteOpen), errors.Is(err, segment.ErrNoOpenRoute):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeDeviceError(w http.ResponseWriter, r *http.Request, err error) {
	status := deviceStatus(err)
	msg := err.Error()
	entry := log.WithError(err).WithFields(log.Fields{"path": r.URL.Path, "status": status})
	if status == http.StatusInternalServerError {
		entry.Error("Device request failed")
		msg = "internal error"
	} else {
		entry.Info("Device request rejected")
	}
	writeJSON(w, status, map[string]any{"success": false, "message": msg})
}

// Location accepts one position report.
func (h *DeviceHandler) Location(w http.ResponseWriter, r *http.Request) {
	var req models.PositionRequest
	if err := readJSON(r, &req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Token == "" {
		http.Error(w, "token is required", http.StatusBadRequest)
		return
	}

	resp, err := h.tracker.RecordPosition(r.Context(), req)
	if err != nil {
		writeDeviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// StartRoute opens a route for a vehicle with manual route start.
func (h *DeviceHandler) StartRoute(w http.ResponseWriter, r *http.Request) {
	h.routeCommand(w, r, h.tracker.StartRoute, http.StatusCreated)
}

// StopRoute closes the open route.
func (h *DeviceHandler) StopRoute(w http.ResponseWriter, r *http.Request) {
	h.routeCommand(w, r, h.tracker.StopRoute, http.StatusOK)
}

func (h *DeviceHandler) routeCommand(w http.ResponseWriter, r *http.Request,
	run func(context.Context, string) (*models.RouteCommandResponse, error), status int) {
	var req models.RouteRequest
	if err := readJSON(r, &req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Token == "" {
		http.Error(w, "token is required", http.StatusBadRequest)
		return
	}

	resp, err := run(r.Context(), req.Token)
	if err != nil {
		writeDeviceError(w, r, err)
		return
	}
	writeJSON(w, status, resp)
}

// RequestToken issues a new device token for a known IMEI.
func (h *DeviceHandler) RequestToken(w http.ResponseWriter, r *http.Request) {
	var req models.TokenRequest
	if err := readJSON(r, &req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	imei := strings.TrimSpace(req.IMEI)
	if imei == "" {
		http.Error(w, "imei is required", http.StatusBadRequest)
		return
	}

	resp, err := h.tracker.IssueToken(r.Context(), imei)
	if err != nil {
		writeDeviceError(w, r, err)
		return
	}
	log.WithField("imei", imei).Info("Device token issued")
	writeJSON(w, http.StatusOK, resp)
}

// VerifyToken checks an IMEI and token pair.
func (h *DeviceHandler) VerifyToken(w http.ResponseWriter, r *http.Request) {
	var req models.TokenVerifyRequest
	if err := readJSON(r, &req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if err := h.tracker.VerifyToken(r.Context(), strings.TrimSpace(req.IMEI), req.Token); err != nil {
		writeDeviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Token is valid"})
}
