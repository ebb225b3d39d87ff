// Package segment turns a per-vehicle stream of position samples into routes.
//
// The engine is pure: it never touches storage. Callers load the previous
// State, call Ingest (or Start, Stop, Expire) and persist the returned events.
// Samples for one vehicle must be fed in timestamp order; different vehicles
// share nothing and can be processed concurrently.
package segment

import (
	"errors"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/ukydev/vehicle-tracking/internal/geo"
	"github.com/ukydev/vehicle-tracking/internal/models"
)

var (
	ErrMalformedSample = errors.New("malformed position sample")
	ErrOutOfOrder      = errors.New("sample is older than the last accepted sample")
	ErrRouteOpen       = errors.New("route already open")
	ErrNoOpenRoute     = errors.New("no open route")
)

// Config is the per-vehicle segmentation configuration.
type Config struct {
	MinDistanceDelta float64 // meters
	MaxIdle          time.Duration
	ManualStart      bool
}

// ConfigFor derives the segmentation config from a vehicle record.
func ConfigFor(v *models.Vehicle) Config {
	return Config{
		MinDistanceDelta: float64(v.MinDistanceDelta),
		MaxIdle:          time.Duration(v.MaxIdleMinutes) * time.Minute,
		ManualStart:      v.ManualRouteStartEnabled,
	}
}

// Sample is one position report.
type Sample struct {
	At       time.Time
	Location models.Location
	Speed    float64 // km/h
}

// OpenRoute describes the route currently being extended.
type OpenRoute struct {
	ID        string
	StartedAt time.Time
	Distance  float64
	// Samples is the number of samples accepted into the route. A route opened
	// by an explicit start command has none until the first report arrives.
	Samples int
}

// State is the segmentation state of a single vehicle.
type State struct {
	Open *OpenRoute
	Last *Sample
}

type EventKind string

const (
	RouteStarted EventKind = "route_started"
	RouteEnded   EventKind = "route_ended"
)

// Event is a route boundary produced by the engine.
type Event struct {
	Kind    EventKind
	RouteID string
	At      time.Time
	// Point is where the route started or ended; nil when no sample is known.
	Point    *models.Location
	Distance float64
}

type Outcome int

const (
	// Rejected means the sample was within the noise threshold.
	Rejected Outcome = iota
	// Idle means the sample was accepted but no route is open.
	Idle
	// Started means a route was opened at the sample.
	Started
	// Extended means the sample was appended to the open route.
	Extended
)

func (o Outcome) String() string {
	switch o {
	case Rejected:
		return "rejected"
	case Idle:
		return "idle"
	case Started:
		return "started"
	case Extended:
		return "extended"
	default:
		return "unknown"
	}
}

// Result is the outcome of feeding one sample to the engine.
type Result struct {
	State   State
	Events  []Event
	Outcome Outcome
	// Added is the distance in meters added to the open route.
	Added float64
}

// Engine applies the segmentation rules.
type Engine struct {
	newID func() string
}

func NewEngine() *Engine {
	return &Engine{newID: uuid.NewString}
}

// Ingest applies one sample to prev. Malformed samples return an error and
// prev untouched.
func (e *Engine) Ingest(cfg Config, prev State, s Sample) (Result, error) {
	if err := validate(prev, s); err != nil {
		return Result{State: prev}, err
	}

	if prev.Last != nil && geo.Distance(prev.Last.Location, s.Location) < cfg.MinDistanceDelta {
		return Result{State: prev, Outcome: Rejected}, nil
	}

	sample := s
	if prev.Open == nil {
		if cfg.ManualStart {
			return Result{State: State{Last: &sample}, Outcome: Idle}, nil
		}
		return e.open(nil, &sample), nil
	}

	if prev.Open.Samples > 0 && cfg.MaxIdle > 0 && s.At.Sub(prev.Last.At) >= cfg.MaxIdle {
		ended := endAtLast(prev)
		if cfg.ManualStart {
			return Result{State: State{Last: &sample}, Events: []Event{ended}, Outcome: Idle}, nil
		}
		return e.open([]Event{ended}, &sample), nil
	}

	open := *prev.Open
	var added float64
	if open.Samples > 0 {
		added = geo.Distance(prev.Last.Location, s.Location)
	}
	open.Distance += added
	open.Samples++
	return Result{
		State:   State{Open: &open, Last: &sample},
		Outcome: Extended,
		Added:   added,
	}, nil
}

// Start opens a route on an explicit command. The route has no samples until
// the next accepted report.
func (e *Engine) Start(prev State, at time.Time) (Result, error) {
	if prev.Open != nil {
		return Result{State: prev}, ErrRouteOpen
	}
	route := &OpenRoute{ID: e.newID(), StartedAt: at}
	return Result{
		State:   State{Open: route, Last: prev.Last},
		Events:  []Event{{Kind: RouteStarted, RouteID: route.ID, At: at}},
		Outcome: Started,
	}, nil
}

// Stop closes the open route on an explicit command.
func (e *Engine) Stop(prev State, at time.Time) (Result, error) {
	if prev.Open == nil {
		return Result{State: prev}, ErrNoOpenRoute
	}
	ev := Event{Kind: RouteEnded, RouteID: prev.Open.ID, At: at, Distance: prev.Open.Distance}
	if ev.At.Before(prev.Open.StartedAt) {
		ev.At = prev.Open.StartedAt
	}
	if prev.Open.Samples > 0 {
		loc := prev.Last.Location
		ev.Point = &loc
		if ev.At.Before(prev.Last.At) {
			ev.At = prev.Last.At
		}
	}
	return Result{State: State{Last: prev.Last}, Events: []Event{ev}, Outcome: Idle}, nil
}

// Expire closes the open route when no sample has arrived within the idle
// timeout. The route ends at its last sample, or at its start when empty.
// It reports false when nothing changed.
func (e *Engine) Expire(cfg Config, prev State, now time.Time) (Result, bool) {
	if prev.Open == nil || cfg.MaxIdle <= 0 {
		return Result{State: prev}, false
	}
	ref := prev.Open.StartedAt
	if prev.Open.Samples > 0 {
		ref = prev.Last.At
	}
	if now.Sub(ref) < cfg.MaxIdle {
		return Result{State: prev}, false
	}
	var ev Event
	if prev.Open.Samples > 0 {
		ev = endAtLast(prev)
	} else {
		ev = Event{Kind: RouteEnded, RouteID: prev.Open.ID, At: ref}
	}
	return Result{State: State{Last: prev.Last}, Events: []Event{ev}, Outcome: Idle}, true
}

func (e *Engine) open(events []Event, s *Sample) Result {
	route := &OpenRoute{ID: e.newID(), StartedAt: s.At, Samples: 1}
	loc := s.Location
	events = append(events, Event{Kind: RouteStarted, RouteID: route.ID, At: s.At, Point: &loc})
	return Result{
		State:   State{Open: route, Last: s},
		Events:  events,
		Outcome: Started,
	}
}

func endAtLast(prev State) Event {
	loc := prev.Last.Location
	return Event{
		Kind:     RouteEnded,
		RouteID:  prev.Open.ID,
		At:       prev.Last.At,
		Point:    &loc,
		Distance: prev.Open.Distance,
	}
}

func validate(prev State, s Sample) error {
	if !geo.ValidCoordinates(s.Location.Lat, s.Location.Lon) {
		return ErrMalformedSample
	}
	if s.At.IsZero() || math.IsNaN(s.Speed) || math.IsInf(s.Speed, 0) || s.Speed < 0 {
		return ErrMalformedSample
	}
	if prev.Last != nil && s.At.Before(prev.Last.At) {
		return ErrOutOfOrder
	}
	// An explicitly started route has no sample yet; its start time bounds
	// the first one.
	if prev.Open != nil && s.At.Before(prev.Open.StartedAt) {
		return ErrOutOfOrder
	}
	return nil
}
