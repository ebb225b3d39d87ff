package main

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/ukydev/vehicle-tracking/internal/models"
)

// StopConfig is a pause at a point of the trip.
type StopConfig struct {
	Location string `mapstructure:"location"` // "lat,lon"
	Duration int    `mapstructure:"duration"` // seconds
}

// TrackerConfig describes one simulated tracker. The IMEI must belong to a
// vehicle registered through the web API.
type TrackerConfig struct {
	IMEI     string       `mapstructure:"imei"`
	Source   string       `mapstructure:"source"` // "lat,lon"
	Target   string       `mapstructure:"target"` // "lat,lon"
	SpeedKmh float64      `mapstructure:"speed_kmh"`
	Stops    []StopConfig `mapstructure:"stops"`
}

// SimConfig holds the whole simulator configuration.
type SimConfig struct {
	APIBaseURL string `mapstructure:"api_base_url"`
	// TickSeconds overrides the position_check_freq returned by the server
	// when positive.
	TickSeconds int    `mapstructure:"tick_seconds"`
	Transport   string `mapstructure:"transport"` // http or mqtt
	OSRM        struct {
		BaseURL string `mapstructure:"base_url"`
	} `mapstructure:"osrm"`
	MQTT struct {
		Broker string `mapstructure:"broker"`
	} `mapstructure:"mqtt"`
	Trackers []TrackerConfig `mapstructure:"trackers"`
}

// configStore keeps the latest configuration. The file is watched and
// reloaded on change; running trackers pick up speed and tick changes on
// their next step.
type configStore struct {
	mu      sync.RWMutex
	current *SimConfig
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("SIM")
	v.AutomaticEnv()
	v.SetDefault("api_base_url", "http://localhost:8080")
	v.SetDefault("tick_seconds", 0)
	v.SetDefault("transport", "http")
	v.SetDefault("osrm.base_url", "https://router.project-osrm.org")
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	return v
}

// loadConfig reads the YAML file at path, or only defaults and SIM_*
// environment variables when path is empty.
func loadConfig(path string) (*configStore, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg, err := decodeConfig(v)
	if err != nil {
		return nil, err
	}
	s := &configStore{current: cfg}

	if path != "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			next, err := decodeConfig(v)
			if err != nil {
				log.WithError(err).WithField("file", e.Name).Warn("Ignoring invalid config change")
				return
			}
			s.mu.Lock()
			s.current = next
			s.mu.Unlock()
			log.WithField("file", e.Name).Info("Config reloaded")
		})
		v.WatchConfig()
	}
	return s, nil
}

func decodeConfig(v *viper.Viper) (*SimConfig, error) {
	var cfg SimConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *SimConfig) validate() error {
	c.APIBaseURL = strings.TrimRight(c.APIBaseURL, "/")
	switch c.Transport {
	case "http", "mqtt":
	default:
		return fmt.Errorf("transport must be http or mqtt, got %q", c.Transport)
	}
	if c.TickSeconds < 0 {
		return fmt.Errorf("tick_seconds must not be negative")
	}
	for i, t := range c.Trackers {
		if strings.TrimSpace(t.IMEI) == "" {
			return fmt.Errorf("trackers[%d]: imei is required", i)
		}
		if _, err := parseCoord(t.Source); err != nil {
			return fmt.Errorf("trackers[%d].source: %w", i, err)
		}
		if _, err := parseCoord(t.Target); err != nil {
			return fmt.Errorf("trackers[%d].target: %w", i, err)
		}
		for j, stop := range t.Stops {
			if _, err := parseCoord(stop.Location); err != nil {
				return fmt.Errorf("trackers[%d].stops[%d]: %w", i, j, err)
			}
		}
	}
	return nil
}

func (s *configStore) get() *SimConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// tracker returns the current settings of the tracker with imei.
func (s *configStore) tracker(imei string) (TrackerConfig, bool) {
	for _, t := range s.get().Trackers {
		if t.IMEI == imei {
			return t, true
		}
	}
	return TrackerConfig{}, false
}

// parseCoord parses "lat,lon".
func parseCoord(input string) (models.Location, error) {
	lat, lon, ok := strings.Cut(input, ",")
	if !ok {
		return models.Location{}, fmt.Errorf("invalid coordinate %q", input)
	}
	la, err1 := strconv.ParseFloat(strings.TrimSpace(lat), 64)
	lo, err2 := strconv.ParseFloat(strings.TrimSpace(lon), 64)
	if err1 != nil || err2 != nil || la < -90 || la > 90 || lo < -180 || lo > 180 {
		return models.Location{}, fmt.Errorf("invalid coordinate %q", input)
	}
	return models.Location{Lat: la, Lon: lo}, nil
}
