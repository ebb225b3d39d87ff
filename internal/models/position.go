package models

import (
	"time"
)

// Location represents a geographical location with latitude and longitude coordinates.
type Location struct {
	Lat float64 `bson:"lat" json:"lat"`
	Lon float64 `bson:"lon" json:"lon"`
}

// Position is one accepted GPS sample on a route. Positions are append-only.
type Position struct {
	ID        string    `bson:"_id" json:"id"`
	RouteID   string    `bson:"route_id" json:"route_id"`
	VehicleID string    `bson:"vehicle_id" json:"vehicle_id"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
	Location  Location  `bson:"location" json:"location"`
	Speed     float64   `bson:"speed" json:"speed"` // km/h
}

// LastPosition is the most recent known position of a vehicle.
type LastPosition struct {
	City         string    `json:"city,omitempty"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	LocationTime time.Time `json:"location_time"`
	Speed        float64   `json:"speed"`
}

// LastPositionFrom converts a stored position for display.
func LastPositionFrom(p *Position) *LastPosition {
	if p == nil {
		return nil
	}
	return &LastPosition{
		Latitude:     p.Location.Lat,
		Longitude:    p.Location.Lon,
		LocationTime: p.Timestamp.UTC(),
		Speed:        p.Speed,
	}
}

// VehiclePosition pairs a vehicle with its last known position, if any.
type VehiclePosition struct {
	Vehicle      Vehicle       `json:"vehicle"`
	LastPosition *LastPosition `json:"last_position"`
}
