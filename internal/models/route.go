package models

import (
	"time"

	"github.com/paulmach/orb/geojson"
)

// Route is a contiguous interval of motion for one vehicle under one assignment.
type Route struct {
	ID            string     `json:"id" bson:"_id"`
	AssignmentID  string     `json:"assignment_id" bson:"assignment_id"`
	VehicleID     string     `json:"vehicle_id" bson:"vehicle_id"`
	StartTime     time.Time  `json:"start_time" bson:"start_time"`
	EndTime       *time.Time `json:"end_time,omitempty" bson:"end_time,omitempty"`
	TotalDistance float64    `json:"total_distance" bson:"total_distance"` // in meters
	StartCity     string     `json:"start_city,omitempty" bson:"start_city,omitempty"`
	EndCity       string     `json:"end_city,omitempty" bson:"end_city,omitempty"`
	StartLocation *Location  `json:"start_location,omitempty" bson:"start_location,omitempty"`
	EndLocation   *Location  `json:"end_location,omitempty" bson:"end_location,omitempty"`
	Path          []Location `json:"-" bson:"path"`
}

// IsOpen reports whether the route is still in progress.
func (r *Route) IsOpen() bool {
	return r.EndTime == nil
}

// RouteResponse is the dashboard view of a route.
type RouteResponse struct {
	Route
	StartCoords string            `json:"start_coords"`
	EndCoords   string            `json:"end_coords"`
	Geometry    *geojson.Geometry `json:"route_geometry,omitempty"`
}
