// Package geo holds the geodesy helpers shared by ingestion, storage and the
// dashboard: great-circle distance, unit conversion and GeoJSON shaping.
package geo

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"

	"github.com/ukydev/vehicle-tracking/internal/models"
)

const knotsToKmh = 1.852

// Point converts a location to an orb point (lon, lat order).
func Point(l models.Location) orb.Point {
	return orb.Point{l.Lon, l.Lat}
}

// FromPoint converts an orb point back to a location.
func FromPoint(p orb.Point) models.Location {
	return models.Location{Lat: p.Lat(), Lon: p.Lon()}
}

// Distance returns the haversine distance between a and b in meters.
func Distance(a, b models.Location) float64 {
	return orbgeo.DistanceHaversine(Point(a), Point(b))
}

// ValidCoordinates reports whether lat/lon are finite and within range.
func ValidCoordinates(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// Round7 rounds a coordinate to 7 decimal places (~1 cm).
func Round7(v float64) float64 {
	return math.Round(v*1e7) / 1e7
}

// KnotsToKmh converts a tracker speed in knots to km/h, two decimals.
func KnotsToKmh(knots float64) float64 {
	return math.Round(knots*knotsToKmh*100) / 100
}

// CoordLabel is the textual fallback used when no city name is known.
func CoordLabel(l models.Location) string {
	return fmt.Sprintf("%.7f, %.7f", l.Lat, l.Lon)
}

// Kilometers formats a distance in meters for display.
func Kilometers(meters float64) string {
	return fmt.Sprintf("%.2f km", meters/1000)
}

// PathGeometry returns the GeoJSON geometry of a route path: nil when empty,
// a Point for a single sample, a LineString otherwise.
func PathGeometry(path []models.Location) *geojson.Geometry {
	switch len(path) {
	case 0:
		return nil
	case 1:
		return geojson.NewGeometry(Point(path[0]))
	}
	ls := make(orb.LineString, 0, len(path))
	for _, l := range path {
		ls = append(ls, Point(l))
	}
	return geojson.NewGeometry(ls)
}

// PathFromGeometry flattens a Point or LineString back into a path.
func PathFromGeometry(g orb.Geometry) []models.Location {
	switch v := g.(type) {
	case orb.Point:
		return []models.Location{FromPoint(v)}
	case orb.LineString:
		path := make([]models.Location, 0, len(v))
		for _, p := range v {
			path = append(path, FromPoint(p))
		}
		return path
	default:
		return nil
	}
}
