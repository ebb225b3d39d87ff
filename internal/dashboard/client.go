// Package dashboard keeps a client-side view of vehicles, routes and map
// markers in sync with the tracking API.
package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/vehicle-tracking/internal/models"
)

var (
	// ErrTransport wraps network failures.
	ErrTransport = errors.New("transport failure")
	// ErrUnauthorized means the session is no longer valid and the user must
	// log in again.
	ErrUnauthorized = errors.New("session expired or invalid")
)

// ValidationError is a rejected input detected before any request is sent.
type ValidationError = models.ValidationError

// ServerError is a non-success answer from the API.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Client calls the tracking web API.
type Client struct {
	http *http.Client
}

// NewClient creates an API client. A nil httpClient gets a 15 second timeout.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{http: httpClient}
}

func (c *Client) do(ctx context.Context, method, endpoint, auth string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	log.WithFields(log.Fields{"method": method, "url": endpoint, "status": resp.StatusCode}).Debug("API call")

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &ServerError{Status: resp.StatusCode, Message: errorMessage(data)}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &ServerError{Status: resp.StatusCode, Message: "malformed response: " + err.Error()}
	}
	return nil
}

// errorMessage extracts a readable message from an error body, which is
// either plain text or a JSON object with an error or message field.
func errorMessage(data []byte) string {
	var obj struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &obj) == nil {
		if obj.Error != "" {
			return obj.Error
		}
		if obj.Message != "" {
			return obj.Message
		}
	}
	return strings.TrimSpace(string(data))
}

// Login exchanges credentials for a session.
func (c *Client) Login(ctx context.Context, baseURL, username, password string) (*Session, error) {
	if strings.TrimSpace(username) == "" {
		return nil, &ValidationError{Field: "username", Reason: "is required"}
	}
	if password == "" {
		return nil, &ValidationError{Field: "password", Reason: "is required"}
	}

	var resp models.LoginResponse
	endpoint := strings.TrimRight(baseURL, "/") + "/api/auth/login"
	if err := c.do(ctx, http.MethodPost, endpoint, "", models.LoginRequest{Username: username, Password: password}, &resp); err != nil {
		return nil, err
	}
	return NewSession(baseURL, resp.Token, resp.User.Username)
}

// ListVehicles returns the session user's vehicles with last positions.
func (c *Client) ListVehicles(ctx context.Context, s *Session) ([]models.VehiclePosition, error) {
	var out []models.VehiclePosition
	err := c.do(ctx, http.MethodGet, s.BaseURL+"/api/vehicles", s.authorization(), nil, &out)
	return out, err
}

// Routes returns a vehicle's routes, newest first.
func (c *Client) Routes(ctx context.Context, s *Session, vehicleID string) ([]models.RouteResponse, error) {
	var out []models.RouteResponse
	err := c.do(ctx, http.MethodGet, s.BaseURL+"/api/vehicles/"+url.PathEscape(vehicleID)+"/routes", s.authorization(), nil, &out)
	return out, err
}

// UpdateVehicle sends a partial update after validating it locally.
func (c *Client) UpdateVehicle(ctx context.Context, s *Session, id string, patch models.VehicleUpdate) (*models.Vehicle, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	var out models.Vehicle
	if err := c.do(ctx, http.MethodPatch, s.BaseURL+"/api/vehicles/"+url.PathEscape(id), s.authorization(), patch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteVehicle removes a vehicle.
func (c *Client) DeleteVehicle(ctx context.Context, s *Session, id string) error {
	return c.do(ctx, http.MethodDelete, s.BaseURL+"/api/vehicles/"+url.PathEscape(id), s.authorization(), nil, nil)
}

// ToggleStatus flips a vehicle between active and inactive.
func (c *Client) ToggleStatus(ctx context.Context, s *Session, id string) (*models.Vehicle, error) {
	var out models.Vehicle
	if err := c.do(ctx, http.MethodPost, s.BaseURL+"/api/vehicles/"+url.PathEscape(id)+"/toggle-status", s.authorization(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ParsePatch builds a vehicle update from form fields. Configuration fields
// must be integers; every field is validated before anything is sent.
func ParsePatch(fields map[string]string) (models.VehicleUpdate, error) {
	var patch models.VehicleUpdate
	intField := func(name string, dst **int) error {
		raw, ok := fields[name]
		if !ok {
			return nil
		}
		v, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return &ValidationError{Field: name, Reason: "must be an integer"}
		}
		*dst = &v
		return nil
	}

	for name, raw := range fields {
		switch name {
		case "name":
			v := raw
			patch.Name = &v
		case "color":
			v := strings.TrimSpace(raw)
			patch.Color = &v
		case "status":
			v := models.VehicleStatus(strings.TrimSpace(raw))
			patch.Status = &v
		case "manual_route_start_enabled":
			v, err := strconv.ParseBool(strings.TrimSpace(raw))
			if err != nil {
				return patch, &ValidationError{Field: name, Reason: "must be true or false"}
			}
			patch.ManualRouteStartEnabled = &v
		case "position_check_freq", "min_distance_delta", "max_idle_minutes":
		default:
			return patch, &ValidationError{Field: name, Reason: "is not editable"}
		}
	}
	if err := intField("position_check_freq", &patch.PositionCheckFreq); err != nil {
		return patch, err
	}
	if err := intField("min_distance_delta", &patch.MinDistanceDelta); err != nil {
		return patch, err
	}
	if err := intField("max_idle_minutes", &patch.MaxIdleMinutes); err != nil {
		return patch, err
	}
	return patch, patch.Validate()
}
