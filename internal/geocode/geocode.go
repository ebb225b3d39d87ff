// Package geocode resolves coordinates to city names for route endpoints.
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/vehicle-tracking/internal/geo"
	"github.com/ukydev/vehicle-tracking/internal/models"
)

// ErrNoCity is returned when the reverse lookup has no settlement name.
var ErrNoCity = errors.New("no city for coordinates")

// Geocoder resolves a location to a city name.
type Geocoder interface {
	City(ctx context.Context, loc models.Location) (string, error)
}

// Label returns the city at loc, or the coordinate string when the lookup is
// unavailable or fails. g may be nil.
func Label(ctx context.Context, g Geocoder, loc models.Location) string {
	if g == nil {
		return geo.CoordLabel(loc)
	}
	city, err := g.City(ctx, loc)
	if err != nil || city == "" {
		if err != nil && !errors.Is(err, ErrNoCity) {
			log.WithError(err).WithFields(log.Fields{"lat": loc.Lat, "lon": loc.Lon}).Warn("Reverse geocoding failed")
		}
		return geo.CoordLabel(loc)
	}
	return city
}

// Nominatim is a client for the OpenStreetMap Nominatim reverse endpoint.
type Nominatim struct {
	BaseURL   string
	UserAgent string
	Client    *http.Client
}

// NewNominatim creates a client with a short request timeout.
func NewNominatim(baseURL string) *Nominatim {
	return &Nominatim{
		BaseURL:   baseURL,
		UserAgent: "vehicle-tracking/1.0",
		Client:    &http.Client{Timeout: 5 * time.Second},
	}
}

type nominatimResponse struct {
	Address struct {
		City         string `json:"city"`
		Town         string `json:"town"`
		Village      string `json:"village"`
		Municipality string `json:"municipality"`
	} `json:"address"`
	Error string `json:"error"`
}

// City implements Geocoder.
func (n *Nominatim) City(ctx context.Context, loc models.Location) (string, error) {
	url := fmt.Sprintf("%s/reverse?format=jsonv2&zoom=10&lat=%.7f&lon=%.7f", n.BaseURL, loc.Lat, loc.Lon)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", n.UserAgent)

	resp, err := n.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("nominatim request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("nominatim returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	var parsed nominatimResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("nominatim decode: %w", err)
	}
	if parsed.Error != "" {
		return "", ErrNoCity
	}
	for _, name := range []string{parsed.Address.City, parsed.Address.Town, parsed.Address.Village, parsed.Address.Municipality} {
		if name != "" {
			return name, nil
		}
	}
	return "", ErrNoCity
}
