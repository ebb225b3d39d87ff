// Package tracking ingests tracker reports and persists the routes produced by
// the segmentation engine.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/vehicle-tracking/internal/auth"
	"github.com/ukydev/vehicle-tracking/internal/db"
	"github.com/ukydev/vehicle-tracking/internal/geo"
	"github.com/ukydev/vehicle-tracking/internal/geocode"
	"github.com/ukydev/vehicle-tracking/internal/models"
	"github.com/ukydev/vehicle-tracking/internal/segment"
)

var (
	ErrVehicleNotFound    = errors.New("vehicle not found")
	ErrNotAllowed         = errors.New("vehicle is not allowed to report")
	ErrInvalidCoordinates = errors.New("invalid coordinates")
	ErrNotAssigned        = errors.New("vehicle is not assigned")
)

// Store is the subset of the state store used for ingestion.
type Store interface {
	db.VehicleCollection
	db.AssignmentCollection
	db.RouteCollection
	db.PositionCollection
	db.SampleCollection
}

// Service serializes ingestion per vehicle. Reports for different vehicles
// are processed in parallel.
type Service struct {
	store    Store
	geocoder geocode.Geocoder
	engine   *segment.Engine
	now      func() time.Time
	newID    func() string
	locks    sync.Map // vehicle ID -> *sync.Mutex
}

// NewService creates a tracking service. geocoder may be nil.
func NewService(store Store, geocoder geocode.Geocoder) *Service {
	return &Service{
		store:    store,
		geocoder: geocoder,
		engine:   segment.NewEngine(),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

func (s *Service) lock(vehicleID string) func() {
	m, _ := s.locks.LoadOrStore(vehicleID, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// reportingVehicle resolves a device token to a vehicle allowed to report.
func (s *Service) reportingVehicle(ctx context.Context, token string) (*models.Vehicle, error) {
	vehicle, err := s.store.FindVehicleByToken(ctx, token)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrVehicleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find vehicle: %w", err)
	}
	if !vehicle.AcceptsPositions() {
		return nil, ErrNotAllowed
	}
	return vehicle, nil
}

func (s *Service) activeAssignment(ctx context.Context, vehicleID string) (*models.Assignment, error) {
	a, err := s.store.FindActiveAssignment(ctx, vehicleID, s.now())
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotAssigned
	}
	if err != nil {
		return nil, fmt.Errorf("find assignment: %w", err)
	}
	return a, nil
}

// loadState rebuilds the segmentation state of a vehicle: the open route from
// the latest route of the assignment, and the last accepted sample from the
// vehicle's own record. Idle samples exist only in that record.
func (s *Service) loadState(ctx context.Context, vehicleID, assignmentID string) (segment.State, error) {
	var st segment.State
	route, err := s.store.FindLatestRoute(ctx, assignmentID)
	switch {
	case errors.Is(err, db.ErrNotFound):
	case err != nil:
		return st, fmt.Errorf("find latest route: %w", err)
	default:
		if st, err = s.routeState(ctx, route); err != nil {
			return st, err
		}
	}

	last, err := s.lastSample(ctx, vehicleID)
	if err != nil {
		return st, err
	}
	if last != nil && (st.Last == nil || last.At.After(st.Last.At)) {
		st.Last = last
	}
	return st, nil
}

// lastSample returns the vehicle's last accepted sample, falling back to its
// newest stored position for records written before samples were kept.
func (s *Service) lastSample(ctx context.Context, vehicleID string) (*segment.Sample, error) {
	p, err := s.store.FindLastSample(ctx, vehicleID)
	if errors.Is(err, db.ErrNotFound) {
		p, err = s.store.FindLastVehiclePosition(ctx, vehicleID)
	}
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find last sample: %w", err)
	}
	return &segment.Sample{At: p.Timestamp, Location: p.Location, Speed: p.Speed}, nil
}

func (s *Service) routeState(ctx context.Context, route *models.Route) (segment.State, error) {
	var st segment.State
	pos, err := s.store.FindLatestPosition(ctx, route.ID)
	switch {
	case errors.Is(err, db.ErrNotFound):
	case err != nil:
		return st, fmt.Errorf("find latest position: %w", err)
	default:
		st.Last = &segment.Sample{At: pos.Timestamp, Location: pos.Location, Speed: pos.Speed}
	}
	if route.IsOpen() {
		st.Open = &segment.OpenRoute{ID: route.ID, StartedAt: route.StartTime, Distance: route.TotalDistance}
		if st.Last != nil {
			st.Open.Samples = 1
		}
	}
	return st, nil
}

// RecordPosition ingests one tracker report.
func (s *Service) RecordPosition(ctx context.Context, req models.PositionRequest) (*models.PositionResponse, error) {
	vehicle, err := s.reportingVehicle(ctx, req.Token)
	if err != nil {
		return nil, err
	}
	if !geo.ValidCoordinates(req.Lat, req.Lon) {
		return nil, ErrInvalidCoordinates
	}

	unlock := s.lock(vehicle.ID)
	defer unlock()

	assignment, err := s.activeAssignment(ctx, vehicle.ID)
	if err != nil {
		return nil, err
	}
	prev, err := s.loadState(ctx, vehicle.ID, assignment.ID)
	if err != nil {
		return nil, err
	}

	sample := segment.Sample{
		At:       s.now(),
		Location: models.Location{Lat: geo.Round7(req.Lat), Lon: geo.Round7(req.Lon)},
		Speed:    geo.KnotsToKmh(req.Speed),
	}
	if req.Timestamp != nil {
		sample.At = req.Timestamp.UTC()
	}

	res, err := s.engine.Ingest(segment.ConfigFor(vehicle), prev, sample)
	if err != nil {
		return nil, err
	}
	if err := s.persist(ctx, vehicle, assignment.ID, res.Events); err != nil {
		return nil, err
	}

	resp := &models.PositionResponse{Success: true, AdditionalDistance: res.Added}
	switch res.Outcome {
	case segment.Rejected:
		resp.Message = "Location is within minimum distance, ignored"
		return resp, nil
	case segment.Idle:
		if err := s.saveLastSample(ctx, vehicle.ID, "", sample); err != nil {
			return nil, err
		}
		resp.Message = "No route in progress, location not saved"
		return resp, nil
	}

	open := res.State.Open
	if res.Outcome == segment.Extended {
		if prev.Open.Samples == 0 {
			city := geocode.Label(ctx, s.geocoder, sample.Location)
			if err := s.store.SetRouteStart(ctx, open.ID, city, sample.Location); err != nil {
				return nil, fmt.Errorf("set route start: %w", err)
			}
		}
		if err := s.store.ExtendRoute(ctx, open.ID, res.Added, sample.Location); err != nil {
			return nil, fmt.Errorf("extend route: %w", err)
		}
	}
	err = s.store.InsertPosition(ctx, models.Position{
		ID:        s.newID(),
		RouteID:   open.ID,
		VehicleID: vehicle.ID,
		Timestamp: sample.At,
		Location:  sample.Location,
		Speed:     sample.Speed,
	})
	if err != nil {
		return nil, fmt.Errorf("insert position: %w", err)
	}
	if err := s.saveLastSample(ctx, vehicle.ID, open.ID, sample); err != nil {
		return nil, err
	}

	resp.Message = "Location is saved"
	resp.RouteID = open.ID
	return resp, nil
}

func (s *Service) saveLastSample(ctx context.Context, vehicleID, routeID string, sample segment.Sample) error {
	err := s.store.SaveLastSample(ctx, models.Position{
		RouteID:   routeID,
		VehicleID: vehicleID,
		Timestamp: sample.At,
		Location:  sample.Location,
		Speed:     sample.Speed,
	})
	if err != nil {
		return fmt.Errorf("save last sample: %w", err)
	}
	return nil
}

// StartRoute opens a route on an explicit command from the tracker.
func (s *Service) StartRoute(ctx context.Context, token string) (*models.RouteCommandResponse, error) {
	return s.command(ctx, token, func(prev segment.State) (segment.Result, error) {
		return s.engine.Start(prev, s.now())
	}, "New route is created")
}

// StopRoute closes the open route on an explicit command from the tracker.
func (s *Service) StopRoute(ctx context.Context, token string) (*models.RouteCommandResponse, error) {
	return s.command(ctx, token, func(prev segment.State) (segment.Result, error) {
		return s.engine.Stop(prev, s.now())
	}, "Route is closed")
}

func (s *Service) command(ctx context.Context, token string, apply func(segment.State) (segment.Result, error), msg string) (*models.RouteCommandResponse, error) {
	vehicle, err := s.reportingVehicle(ctx, token)
	if err != nil {
		return nil, err
	}

	unlock := s.lock(vehicle.ID)
	defer unlock()

	assignment, err := s.activeAssignment(ctx, vehicle.ID)
	if err != nil {
		return nil, err
	}
	prev, err := s.loadState(ctx, vehicle.ID, assignment.ID)
	if err != nil {
		return nil, err
	}
	res, err := apply(prev)
	if err != nil {
		return nil, err
	}
	if err := s.persist(ctx, vehicle, assignment.ID, res.Events); err != nil {
		return nil, err
	}
	return &models.RouteCommandResponse{Success: true, Message: msg, RouteID: res.Events[0].RouteID}, nil
}

// persist writes route boundaries to the store.
func (s *Service) persist(ctx context.Context, vehicle *models.Vehicle, assignmentID string, events []segment.Event) error {
	for _, ev := range events {
		var city string
		if ev.Point != nil {
			city = geocode.Label(ctx, s.geocoder, *ev.Point)
		}
		switch ev.Kind {
		case segment.RouteStarted:
			route := models.Route{
				ID:            ev.RouteID,
				AssignmentID:  assignmentID,
				VehicleID:     vehicle.ID,
				StartTime:     ev.At,
				StartCity:     city,
				StartLocation: ev.Point,
			}
			if ev.Point != nil {
				route.Path = []models.Location{*ev.Point}
			}
			if err := s.store.InsertRoute(ctx, route); err != nil {
				return fmt.Errorf("insert route: %w", err)
			}
			log.WithFields(log.Fields{"vehicle_id": vehicle.ID, "route_id": ev.RouteID}).Info("Route started")
		case segment.RouteEnded:
			if err := s.store.CloseRoute(ctx, ev.RouteID, ev.At, city, ev.Point); err != nil {
				return fmt.Errorf("close route: %w", err)
			}
			log.WithFields(log.Fields{
				"vehicle_id": vehicle.ID,
				"route_id":   ev.RouteID,
				"distance":   ev.Distance,
			}).Info("Route ended")
		}
	}
	return nil
}

// IssueToken generates a new device token for the vehicle with the given
// IMEI and returns the tracker configuration.
func (s *Service) IssueToken(ctx context.Context, imei string) (*models.TokenResponse, error) {
	vehicle, err := s.store.FindVehicleByIMEI(ctx, imei)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrVehicleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find vehicle: %w", err)
	}
	if !vehicle.AcceptsPositions() {
		return nil, ErrVehicleNotFound
	}

	token, err := auth.GenerateDeviceToken()
	if err != nil {
		return nil, err
	}
	if err := s.store.SetVehicleToken(ctx, vehicle.ID, token); err != nil {
		return nil, fmt.Errorf("store token: %w", err)
	}
	return &models.TokenResponse{
		Status:            "success",
		Token:             token,
		PositionCheckFreq: vehicle.PositionCheckFreq,
		MinDistanceDelta:  vehicle.MinDistanceDelta,
		MaxIdleMinutes:    vehicle.MaxIdleMinutes,
		ManualStart:       vehicle.ManualRouteStartEnabled,
	}, nil
}

// VerifyToken checks that token is the current device token of the vehicle.
func (s *Service) VerifyToken(ctx context.Context, imei, token string) error {
	vehicle, err := s.store.FindVehicleByIMEI(ctx, imei)
	if errors.Is(err, db.ErrNotFound) {
		return ErrVehicleNotFound
	}
	if err != nil {
		return fmt.Errorf("find vehicle: %w", err)
	}
	if !auth.DeviceTokenMatches(vehicle.Token, token) {
		return ErrVehicleNotFound
	}
	return nil
}

// CloseIdleRoutes ends every open route whose vehicle has been silent for
// longer than its idle timeout. It returns the number of routes closed.
func (s *Service) CloseIdleRoutes(ctx context.Context) (int, error) {
	routes, err := s.store.FindOpenRoutes(ctx)
	if err != nil {
		return 0, fmt.Errorf("find open routes: %w", err)
	}
	closed := 0
	for i := range routes {
		ok, err := s.expire(ctx, &routes[i])
		if err != nil {
			log.WithError(err).WithField("route_id", routes[i].ID).Error("Failed to close idle route")
			continue
		}
		if ok {
			closed++
		}
	}
	return closed, nil
}

func (s *Service) expire(ctx context.Context, route *models.Route) (bool, error) {
	vehicle, err := s.store.FindVehicleByID(ctx, route.VehicleID)
	if err != nil {
		return false, fmt.Errorf("find vehicle: %w", err)
	}

	unlock := s.lock(vehicle.ID)
	defer unlock()

	current, err := s.store.FindRouteByID(ctx, route.ID)
	if err != nil {
		return false, err
	}
	st, err := s.routeState(ctx, current)
	if err != nil {
		return false, err
	}
	res, changed := s.engine.Expire(segment.ConfigFor(vehicle), st, s.now())
	if !changed {
		return false, nil
	}
	return true, s.persist(ctx, vehicle, current.AssignmentID, res.Events)
}
