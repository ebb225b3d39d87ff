package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// VehicleStatus is the lifecycle state of a tracked vehicle.
type VehicleStatus string

const (
	StatusRegistered VehicleStatus = "registered"
	StatusActive     VehicleStatus = "active"
	StatusInactive   VehicleStatus = "inactive"
)

// Defaults applied to a vehicle created without explicit tracking configuration.
const (
	DefaultColor             = "#FF0000"
	DefaultPositionCheckFreq = 15
	DefaultMinDistanceDelta  = 3
	DefaultMaxIdleMinutes    = 15
)

var colorPattern = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

// Vehicle represents a tracked vehicle and its tracker configuration.
type Vehicle struct {
	ID                      string        `bson:"_id" json:"id"`
	Name                    string        `bson:"name" json:"name"`
	Token                   string        `bson:"token,omitempty" json:"token,omitempty"`
	IMEI                    string        `bson:"imei" json:"imei"`
	Status                  VehicleStatus `bson:"status" json:"status"`
	Color                   string        `bson:"color" json:"color"`
	PositionCheckFreq       int           `bson:"position_check_freq" json:"position_check_freq"` // seconds
	MinDistanceDelta        int           `bson:"min_distance_delta" json:"min_distance_delta"`   // meters
	MaxIdleMinutes          int           `bson:"max_idle_minutes" json:"max_idle_minutes"`
	ManualRouteStartEnabled bool          `bson:"manual_route_start_enabled" json:"manual_route_start_enabled"`
	CreatedAt               time.Time     `bson:"created_at" json:"created_at"`
}

// IsValidStatus checks if a vehicle status is one of the known values
func IsValidStatus(s VehicleStatus) bool {
	switch s {
	case StatusRegistered, StatusActive, StatusInactive:
		return true
	default:
		return false
	}
}

// Toggled returns the status a user toggle moves to. Registered and inactive
// vehicles become active, active vehicles become inactive.
func (s VehicleStatus) Toggled() VehicleStatus {
	if s == StatusActive {
		return StatusInactive
	}
	return StatusActive
}

// AcceptsPositions reports whether the tracker of this vehicle may post data.
func (v *Vehicle) AcceptsPositions() bool {
	return v.Status == StatusActive || v.Status == StatusRegistered
}

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func validateRange(field string, v, min, max int) error {
	if v < min || v > max {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("must be between %d and %d", min, max)}
	}
	return nil
}

func validateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return &ValidationError{Field: "name", Reason: "is required"}
	}
	if len(name) > 255 {
		return &ValidationError{Field: "name", Reason: "must be at most 255 characters"}
	}
	return nil
}

func validateColor(color string) error {
	if !colorPattern.MatchString(color) {
		return &ValidationError{Field: "color", Reason: "must be a hex color like #FF0000"}
	}
	return nil
}

// VehicleCreate is the payload for registering a new vehicle.
type VehicleCreate struct {
	Name                    string `json:"name"`
	IMEI                    string `json:"imei"`
	Color                   string `json:"color,omitempty"`
	PositionCheckFreq       *int   `json:"position_check_freq,omitempty"`
	MinDistanceDelta        *int   `json:"min_distance_delta,omitempty"`
	MaxIdleMinutes          *int   `json:"max_idle_minutes,omitempty"`
	ManualRouteStartEnabled *bool  `json:"manual_route_start_enabled,omitempty"`
}

// Validate checks the create payload, defaults included.
func (c VehicleCreate) Validate() error {
	if err := validateName(c.Name); err != nil {
		return err
	}
	imei := strings.TrimSpace(c.IMEI)
	if imei == "" {
		return &ValidationError{Field: "imei", Reason: "is required"}
	}
	if len(imei) > 255 {
		return &ValidationError{Field: "imei", Reason: "must be at most 255 characters"}
	}
	if c.Color != "" {
		if err := validateColor(c.Color); err != nil {
			return err
		}
	}
	return VehicleUpdate{
		PositionCheckFreq: c.PositionCheckFreq,
		MinDistanceDelta:  c.MinDistanceDelta,
		MaxIdleMinutes:    c.MaxIdleMinutes,
	}.Validate()
}

// NewVehicle builds a registered vehicle from a create payload.
func NewVehicle(id string, c VehicleCreate, now time.Time) Vehicle {
	v := Vehicle{
		ID:                      id,
		Name:                    strings.TrimSpace(c.Name),
		IMEI:                    strings.TrimSpace(c.IMEI),
		Status:                  StatusRegistered,
		Color:                   DefaultColor,
		PositionCheckFreq:       DefaultPositionCheckFreq,
		MinDistanceDelta:        DefaultMinDistanceDelta,
		MaxIdleMinutes:          DefaultMaxIdleMinutes,
		ManualRouteStartEnabled: true,
		CreatedAt:               now.UTC(),
	}
	if c.Color != "" {
		v.Color = c.Color
	}
	if c.PositionCheckFreq != nil {
		v.PositionCheckFreq = *c.PositionCheckFreq
	}
	if c.MinDistanceDelta != nil {
		v.MinDistanceDelta = *c.MinDistanceDelta
	}
	if c.MaxIdleMinutes != nil {
		v.MaxIdleMinutes = *c.MaxIdleMinutes
	}
	if c.ManualRouteStartEnabled != nil {
		v.ManualRouteStartEnabled = *c.ManualRouteStartEnabled
	}
	return v
}

// VehicleUpdate is a partial update. Nil fields are left untouched.
// IMEI is accepted only so that an attempt to change it can be rejected.
type VehicleUpdate struct {
	Name                    *string        `json:"name,omitempty"`
	IMEI                    *string        `json:"imei,omitempty"`
	Status                  *VehicleStatus `json:"status,omitempty"`
	Color                   *string        `json:"color,omitempty"`
	PositionCheckFreq       *int           `json:"position_check_freq,omitempty"`
	MinDistanceDelta        *int           `json:"min_distance_delta,omitempty"`
	MaxIdleMinutes          *int           `json:"max_idle_minutes,omitempty"`
	ManualRouteStartEnabled *bool          `json:"manual_route_start_enabled,omitempty"`
}

// Validate checks every field that is set.
func (u VehicleUpdate) Validate() error {
	if u.Name != nil {
		if err := validateName(*u.Name); err != nil {
			return err
		}
	}
	if u.Status != nil && !IsValidStatus(*u.Status) {
		return &ValidationError{Field: "status", Reason: "must be registered, active or inactive"}
	}
	if u.Color != nil {
		if err := validateColor(*u.Color); err != nil {
			return err
		}
	}
	if u.PositionCheckFreq != nil {
		if err := validateRange("position_check_freq", *u.PositionCheckFreq, 1, 255); err != nil {
			return err
		}
	}
	if u.MinDistanceDelta != nil {
		if err := validateRange("min_distance_delta", *u.MinDistanceDelta, 0, 255); err != nil {
			return err
		}
	}
	if u.MaxIdleMinutes != nil {
		if err := validateRange("max_idle_minutes", *u.MaxIdleMinutes, 1, 255); err != nil {
			return err
		}
	}
	return nil
}

// ChangesIMEI reports whether the update tries to replace the vehicle's IMEI.
func (u VehicleUpdate) ChangesIMEI(v *Vehicle) bool {
	return u.IMEI != nil && strings.TrimSpace(*u.IMEI) != v.IMEI
}

// Apply copies the set fields onto v.
func (u VehicleUpdate) Apply(v *Vehicle) {
	if u.Name != nil {
		v.Name = strings.TrimSpace(*u.Name)
	}
	if u.Status != nil {
		v.Status = *u.Status
	}
	if u.Color != nil {
		v.Color = *u.Color
	}
	if u.PositionCheckFreq != nil {
		v.PositionCheckFreq = *u.PositionCheckFreq
	}
	if u.MinDistanceDelta != nil {
		v.MinDistanceDelta = *u.MinDistanceDelta
	}
	if u.MaxIdleMinutes != nil {
		v.MaxIdleMinutes = *u.MaxIdleMinutes
	}
	if u.ManualRouteStartEnabled != nil {
		v.ManualRouteStartEnabled = *u.ManualRouteStartEnabled
	}
}
