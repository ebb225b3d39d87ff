package db

import (
	"context"
	"errors"
	"time"

	"github.com/ukydev/vehicle-tracking/internal/models"
)

var (
	// ErrNotFound is returned by lookups that match no record.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a unique field (IMEI, username) is taken.
	ErrDuplicate = errors.New("record already exists")
	errNilCollection = errors.New("mongo collection is nil")
)

// UserCollection defines the interface for user database operations.
type UserCollection interface {
	InsertUser(ctx context.Context, user models.User) error
	FindUserByID(ctx context.Context, id string) (*models.User, error)
	FindUserByUsername(ctx context.Context, username string) (*models.User, error)
	FindUserByEmail(ctx context.Context, email string) (*models.User, error)
	UpdateUser(ctx context.Context, id string, user models.User) error
	DeleteUser(ctx context.Context, id string) error
	UpdateLastLogin(ctx context.Context, id string) error
}

// VehicleCollection defines the interface for vehicle data operations.
type VehicleCollection interface {
	InsertVehicle(ctx context.Context, vehicle models.Vehicle) error
	FindVehicleByID(ctx context.Context, id string) (*models.Vehicle, error)
	FindVehicleByToken(ctx context.Context, token string) (*models.Vehicle, error)
	FindVehicleByIMEI(ctx context.Context, imei string) (*models.Vehicle, error)
	UpdateVehicle(ctx context.Context, vehicle models.Vehicle) error
	SetVehicleToken(ctx context.Context, id, token string) error
	// DeleteVehicle removes the vehicle with its assignments, routes and positions.
	DeleteVehicle(ctx context.Context, id string) error
}

// AssignmentCollection defines the interface for user-vehicle assignments.
type AssignmentCollection interface {
	InsertAssignment(ctx context.Context, a models.Assignment) error
	FindAssignmentsByUser(ctx context.Context, userID string) ([]models.Assignment, error)
	FindAssignments(ctx context.Context, userID, vehicleID string) ([]models.Assignment, error)
	// FindActiveAssignment returns the most recently started assignment of the
	// vehicle that is active at the given time.
	FindActiveAssignment(ctx context.Context, vehicleID string, at time.Time) (*models.Assignment, error)
}

// RouteCollection defines the interface for route operations.
type RouteCollection interface {
	InsertRoute(ctx context.Context, route models.Route) error
	FindRouteByID(ctx context.Context, id string) (*models.Route, error)
	FindLatestRoute(ctx context.Context, assignmentID string) (*models.Route, error)
	// FindRoutesByVehicle returns the vehicle's routes, newest first.
	FindRoutesByVehicle(ctx context.Context, vehicleID string) ([]models.Route, error)
	FindOpenRoutes(ctx context.Context) ([]models.Route, error)
	SetRouteStart(ctx context.Context, id, city string, point models.Location) error
	// ExtendRoute adds distance (meters) and appends point to the route geometry.
	ExtendRoute(ctx context.Context, id string, distance float64, point models.Location) error
	CloseRoute(ctx context.Context, id string, end time.Time, city string, point *models.Location) error
}

// PositionCollection defines the interface for position samples.
type PositionCollection interface {
	InsertPosition(ctx context.Context, p models.Position) error
	FindLatestPosition(ctx context.Context, routeID string) (*models.Position, error)
	FindPositionsByRoute(ctx context.Context, routeID string) ([]models.Position, error)
	FindLastVehiclePosition(ctx context.Context, vehicleID string) (*models.Position, error)
}

// SampleCollection keeps the last accepted sample of each vehicle. It also
// covers samples that arrived while no route was open, which are not stored
// as positions.
type SampleCollection interface {
	// SaveLastSample replaces the vehicle's last accepted sample.
	SaveLastSample(ctx context.Context, p models.Position) error
	FindLastSample(ctx context.Context, vehicleID string) (*models.Position, error)
}

// Store is the full vehicle state store.
type Store interface {
	UserCollection
	VehicleCollection
	AssignmentCollection
	RouteCollection
	PositionCollection
	SampleCollection
	Close(ctx context.Context) error
}
