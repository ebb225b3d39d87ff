// Package config reads server settings from the environment and an optional
// .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

// Store drivers.
const (
	DriverMongo   = "mongo"
	DriverPostGIS = "postgis"
	DriverMemory  = "memory"
)

// Config holds the server settings.
type Config struct {
	Port        string
	LogLevel    log.Level
	StoreDriver string

	MongoURI    string
	MongoDB     string
	PostgresDSN string

	// MQTT ingestion is disabled when MQTTBroker is empty.
	MQTTBroker   string
	MQTTTopic    string
	MQTTClientID string

	// Reverse geocoding is disabled when NominatimURL is empty.
	NominatimURL string

	SweepSchedule    string
	DeviceRateLimit  int
	DeviceRateWindow time.Duration
	ShutdownTimeout  time.Duration
}

// Load reads the given .env files, when present, then the environment.
// Variables already set in the environment win over the files.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a variable lookup.
func FromEnv(getenv func(string) string) (*Config, error) {
	get := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	cfg := &Config{
		Port:          get("PORT", "8080"),
		StoreDriver:   strings.ToLower(get("STORE_DRIVER", DriverMongo)),
		MongoURI:      get("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:       get("MONGO_DB", "vehicle_tracking"),
		PostgresDSN:   get("POSTGRES_DSN", ""),
		MQTTBroker:    get("MQTT_BROKER", ""),
		MQTTTopic:     get("MQTT_TOPIC", "vehicles/+/position"),
		MQTTClientID:  get("MQTT_CLIENT_ID", "vehicle-tracking-api"),
		NominatimURL:  get("NOMINATIM_URL", ""),
		SweepSchedule: get("SWEEP_SCHEDULE", "@every 1m"),
	}

	level, err := log.ParseLevel(get("LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	cfg.LogLevel = level

	if cfg.DeviceRateLimit, err = strconv.Atoi(get("DEVICE_RATE_LIMIT", "120")); err != nil || cfg.DeviceRateLimit <= 0 {
		return nil, fmt.Errorf("invalid DEVICE_RATE_LIMIT %q", getenv("DEVICE_RATE_LIMIT"))
	}
	if cfg.DeviceRateWindow, err = time.ParseDuration(get("DEVICE_RATE_WINDOW", "1m")); err != nil {
		return nil, fmt.Errorf("invalid DEVICE_RATE_WINDOW: %w", err)
	}
	if cfg.ShutdownTimeout, err = time.ParseDuration(get("SHUTDOWN_TIMEOUT", "10s")); err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	switch cfg.StoreDriver {
	case DriverMongo, DriverMemory:
	case DriverPostGIS:
		if cfg.PostgresDSN == "" {
			return nil, errors.New("POSTGRES_DSN is required for the postgis store")
		}
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
	return cfg, nil
}
