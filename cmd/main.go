package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/vehicle-tracking/internal/auth"
	"github.com/ukydev/vehicle-tracking/internal/config"
	"github.com/ukydev/vehicle-tracking/internal/db"
	"github.com/ukydev/vehicle-tracking/internal/geocode"
	"github.com/ukydev/vehicle-tracking/internal/handlers"
	"github.com/ukydev/vehicle-tracking/internal/ingest"
	"github.com/ukydev/vehicle-tracking/internal/tracking"
)

// openStore connects the configured state store and prepares its indexes or schema.
func openStore(ctx context.Context, cfg *config.Config) (db.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		log.Warn("Using in-memory store, data is lost on restart")
		return db.NewMemoryStore(), nil
	case config.DriverPostGIS:
		store, err := db.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := store.InitSchema(ctx); err != nil {
			store.Close(ctx)
			return nil, err
		}
		return store, nil
	case config.DriverMongo:
		client, err := db.ConnectMongo(cfg.MongoURI)
		if err != nil {
			return nil, err
		}
		store := db.NewMongoStore(client, cfg.MongoDB)
		if err := store.EnsureIndexes(ctx); err != nil {
			store.Close(ctx)
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func newGeocoder(cfg *config.Config) geocode.Geocoder {
	if cfg.NominatimURL == "" {
		return nil
	}
	return geocode.NewNominatim(cfg.NominatimURL)
}

func newServer(cfg *config.Config, store db.Store, authService *auth.Service, tracker *tracking.Service, geocoder geocode.Geocoder) *http.Server {
	router := handlers.NewRouter(handlers.RouterConfig{
		Store:            store,
		Auth:             authService,
		Tracker:          tracker,
		Geocoder:         geocoder,
		DeviceRateLimit:  cfg.DeviceRateLimit,
		DeviceRateWindow: cfg.DeviceRateWindow,
	})
	return &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	authService, err := auth.NewService()
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	defer store.Close(context.Background())
	log.WithField("driver", cfg.StoreDriver).Info("Connected to vehicle store")

	geocoder := newGeocoder(cfg)
	tracker := tracking.NewService(store, geocoder)

	sweeper := tracking.NewSweeper(tracker, cfg.SweepSchedule)
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	defer sweeper.Stop()

	if cfg.MQTTBroker != "" {
		subscriber := ingest.NewSubscriber(tracker, cfg.MQTTTopic)
		if err := subscriber.Connect(cfg.MQTTBroker, cfg.MQTTClientID); err != nil {
			return fmt.Errorf("connect mqtt: %w", err)
		}
		defer subscriber.Close()
	}

	server := newServer(cfg, store, authService, tracker, geocoder)
	errCh := make(chan error, 1)
	go func() {
		log.WithField("port", cfg.Port).Info("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}
	log.SetLevel(cfg.LogLevel)
	log.SetFormatter(&log.JSONFormatter{})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.WithError(err).Fatal("Server stopped")
	}
}
