package models

import (
	"time"
)

// PositionRequest is what a tracker posts, over HTTP or MQTT.
type PositionRequest struct {
	Token     string     `json:"token"`
	Lat       float64    `json:"lat"`
	Lon       float64    `json:"lon"`
	Speed     float64    `json:"speed"` // knots
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// PositionResponse acknowledges a stored position.
type PositionResponse struct {
	Success            bool    `json:"success"`
	Message            string  `json:"message"`
	AdditionalDistance float64 `json:"additional_distance"`
	RouteID            string  `json:"route_id,omitempty"`
}

// RouteRequest starts or stops a route from the tracker.
type RouteRequest struct {
	Token string `json:"token"`
}

// RouteCommandResponse acknowledges a start or stop command.
type RouteCommandResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	RouteID string `json:"route_id,omitempty"`
}

// TokenRequest asks for a device token by IMEI.
type TokenRequest struct {
	IMEI string `json:"imei"`
}

// TokenResponse carries a fresh device token and the tracker configuration.
type TokenResponse struct {
	Status            string `json:"status"`
	Token             string `json:"token"`
	PositionCheckFreq int    `json:"position_check_freq"`
	MinDistanceDelta  int    `json:"min_distance_delta"`
	MaxIdleMinutes    int    `json:"max_idle_minutes"`
	ManualStart       bool   `json:"manual_start"`
}

// TokenVerifyRequest checks an IMEI/token pair.
type TokenVerifyRequest struct {
	IMEI  string `json:"imei"`
	Token string `json:"token"`
}
