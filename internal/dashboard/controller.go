package dashboard

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/vehicle-tracking/internal/geo"
	"github.com/ukydev/vehicle-tracking/internal/models"
)

var (
	ErrNotLoggedIn    = errors.New("not logged in")
	ErrUnknownVehicle = errors.New("vehicle is not in the local view")
)

// API is the subset of the web API the controller depends on.
type API interface {
	Login(ctx context.Context, baseURL, username, password string) (*Session, error)
	ListVehicles(ctx context.Context, s *Session) ([]models.VehiclePosition, error)
	Routes(ctx context.Context, s *Session, vehicleID string) ([]models.RouteResponse, error)
	UpdateVehicle(ctx context.Context, s *Session, id string, patch models.VehicleUpdate) (*models.Vehicle, error)
	DeleteVehicle(ctx context.Context, s *Session, id string) error
	ToggleStatus(ctx context.Context, s *Session, id string) (*models.Vehicle, error)
}

// Notifier surfaces failed user actions.
type Notifier interface {
	Notify(action string, err error)
}

// MapView renders markers and follows the selected vehicle.
type MapView interface {
	SetMarkers(markers []Marker)
	Recenter(lat, lon float64)
}

// Marker is a vehicle's last known position on the map.
type Marker struct {
	VehicleID string
	Name      string
	Color     string
	Status    models.VehicleStatus
	Lat       float64
	Lon       float64
	Speed     float64
	Time      time.Time
	Selected  bool
}

type vehicleEntry struct {
	models.VehiclePosition
	// stamp is the sequence number at which the last mutation response was
	// applied. Refreshes issued before it must not overwrite the vehicle.
	stamp uint64
}

type routeEntry struct {
	routes []models.RouteResponse
	seq    uint64
}

// Controller holds the local dashboard state. Every outgoing request takes a
// number from a single monotonic counter and a response is applied only if
// nothing newer has been applied to the same resource.
type Controller struct {
	api      API
	notifier Notifier
	view     MapView
	onLogout func()

	mu         sync.Mutex
	session    *Session
	seq        uint64
	refreshSeq uint64
	vehicles   map[string]*vehicleEntry
	tombstones map[string]uint64
	routes     map[string]*routeEntry
	selected   string
	now        func() time.Time
}

// NewController creates a controller. notifier and view may be nil.
// onLogout runs after every logout, forced or not.
func NewController(api API, notifier Notifier, view MapView, onLogout func()) *Controller {
	return &Controller{
		api:        api,
		notifier:   notifier,
		view:       view,
		onLogout:   onLogout,
		vehicles:   make(map[string]*vehicleEntry),
		tombstones: make(map[string]uint64),
		routes:     make(map[string]*routeEntry),
		now:        time.Now,
	}
}

func (c *Controller) next() uint64 {
	c.seq++
	return c.seq
}

// Login opens a new session and clears any state left from a previous one.
func (c *Controller) Login(ctx context.Context, baseURL, username, password string) error {
	s, err := c.api.Login(ctx, baseURL, username, password)
	if err != nil {
		c.notify("login", err)
		return err
	}
	c.mu.Lock()
	c.session = s
	c.reset()
	c.mu.Unlock()
	log.WithField("username", s.Username).Info("Logged in")
	return nil
}

// Logout drops the session and all local state.
func (c *Controller) Logout() {
	c.mu.Lock()
	c.session = nil
	c.reset()
	c.mu.Unlock()
	c.render(false)
	if c.onLogout != nil {
		c.onLogout()
	}
}

func (c *Controller) reset() {
	c.refreshSeq = c.seq
	c.vehicles = make(map[string]*vehicleEntry)
	c.tombstones = make(map[string]uint64)
	c.routes = make(map[string]*routeEntry)
	c.selected = ""
}

// Session returns the current session or nil.
func (c *Controller) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// begin returns the session and a fresh sequence number for a request.
// An expired session forces a logout.
func (c *Controller) begin(action string) (*Session, uint64, error) {
	c.mu.Lock()
	s := c.session
	if s == nil {
		c.mu.Unlock()
		c.notify(action, ErrNotLoggedIn)
		return nil, 0, ErrNotLoggedIn
	}
	if s.Expired(c.now()) {
		c.mu.Unlock()
		c.fail(action, ErrUnauthorized)
		return nil, 0, ErrUnauthorized
	}
	seq := c.next()
	c.mu.Unlock()
	return s, seq, nil
}

func (c *Controller) fail(action string, err error) {
	c.notify(action, err)
	if errors.Is(err, ErrUnauthorized) {
		log.WithField("action", action).Warn("Session rejected, logging out")
		c.Logout()
	}
}

func (c *Controller) notify(action string, err error) {
	log.WithError(err).WithField("action", action).Warn("Dashboard action failed")
	if c.notifier != nil {
		c.notifier.Notify(action, err)
	}
}

// Refresh replaces the local vehicle list with the server's. Responses to
// refreshes older than one already applied are dropped. Vehicles mutated or
// deleted after the refresh was issued keep their local state.
func (c *Controller) Refresh(ctx context.Context) error {
	s, seq, err := c.begin("refresh")
	if err != nil {
		return err
	}
	list, err := c.api.ListVehicles(ctx, s)
	if err != nil {
		c.mu.Lock()
		sessionChanged := c.session != s
		superseded := seq < c.refreshSeq
		c.mu.Unlock()
		// A newer refresh already succeeded; only a rejected session still
		// matters for the user.
		if sessionChanged || (superseded && !errors.Is(err, ErrUnauthorized)) {
			log.WithError(err).WithField("seq", seq).Debug("Ignoring failure of stale refresh")
			return err
		}
		c.fail("refresh", err)
		return err
	}

	c.mu.Lock()
	if c.session != s || seq < c.refreshSeq {
		c.mu.Unlock()
		log.WithField("seq", seq).Debug("Dropping stale refresh")
		return nil
	}
	c.refreshSeq = seq

	next := make(map[string]*vehicleEntry, len(list))
	for _, vp := range list {
		id := vp.Vehicle.ID
		if tomb, ok := c.tombstones[id]; ok {
			if tomb > seq {
				continue
			}
			delete(c.tombstones, id)
		}
		if cur, ok := c.vehicles[id]; ok && cur.stamp > seq {
			cur.LastPosition = vp.LastPosition
			next[id] = cur
			continue
		}
		next[id] = &vehicleEntry{VehiclePosition: vp}
	}
	for id, cur := range c.vehicles {
		if _, ok := next[id]; !ok && cur.stamp > seq {
			next[id] = cur
		}
	}
	c.vehicles = next
	for id := range c.routes {
		if _, ok := next[id]; !ok {
			delete(c.routes, id)
		}
	}
	if _, ok := next[c.selected]; !ok {
		c.selected = ""
	}
	c.mu.Unlock()

	c.render(false)
	return nil
}

// ExpandVehicle returns the vehicle's routes, fetching them on first use.
func (c *Controller) ExpandVehicle(ctx context.Context, id string) ([]models.RouteResponse, error) {
	c.mu.Lock()
	if e, ok := c.routes[id]; ok && c.session != nil {
		routes := e.routes
		c.mu.Unlock()
		return routes, nil
	}
	c.mu.Unlock()
	return c.RefreshRoutes(ctx, id)
}

// RefreshRoutes re-fetches a vehicle's routes regardless of the cache.
func (c *Controller) RefreshRoutes(ctx context.Context, id string) ([]models.RouteResponse, error) {
	if !c.known(id) {
		c.notify("routes", ErrUnknownVehicle)
		return nil, ErrUnknownVehicle
	}
	s, seq, err := c.begin("routes")
	if err != nil {
		return nil, err
	}
	routes, err := c.api.Routes(ctx, s, id)
	if err != nil {
		c.fail("routes", err)
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != s {
		return routes, nil
	}
	if _, deleted := c.tombstones[id]; deleted {
		return routes, nil
	}
	if e, ok := c.routes[id]; ok && e.seq > seq {
		return e.routes, nil
	}
	c.routes[id] = &routeEntry{routes: routes, seq: seq}
	return routes, nil
}

// UpdateVehicle validates the patch locally and applies the server's answer
// once it succeeds.
func (c *Controller) UpdateVehicle(ctx context.Context, id string, patch models.VehicleUpdate) error {
	if err := patch.Validate(); err != nil {
		c.notify("update", err)
		return err
	}
	return c.mutate(ctx, "update", id, func(s *Session) (*models.Vehicle, error) {
		return c.api.UpdateVehicle(ctx, s, id, patch)
	})
}

// ToggleStatus flips the vehicle between active and inactive.
func (c *Controller) ToggleStatus(ctx context.Context, id string) error {
	return c.mutate(ctx, "toggle", id, func(s *Session) (*models.Vehicle, error) {
		return c.api.ToggleStatus(ctx, s, id)
	})
}

func (c *Controller) mutate(ctx context.Context, action, id string, call func(*Session) (*models.Vehicle, error)) error {
	if !c.known(id) {
		c.notify(action, ErrUnknownVehicle)
		return ErrUnknownVehicle
	}
	s, _, err := c.begin(action)
	if err != nil {
		return err
	}
	v, err := call(s)
	if err != nil {
		c.fail(action, err)
		return err
	}

	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return nil
	}
	if _, deleted := c.tombstones[id]; !deleted {
		stamp := c.next()
		if e, ok := c.vehicles[id]; ok {
			e.Vehicle = *v
			e.stamp = stamp
		} else {
			c.vehicles[id] = &vehicleEntry{VehiclePosition: models.VehiclePosition{Vehicle: *v}, stamp: stamp}
		}
	}
	c.mu.Unlock()

	c.render(false)
	return nil
}

// DeleteVehicle removes the vehicle on the server and then locally.
func (c *Controller) DeleteVehicle(ctx context.Context, id string) error {
	if !c.known(id) {
		c.notify("delete", ErrUnknownVehicle)
		return ErrUnknownVehicle
	}
	s, _, err := c.begin("delete")
	if err != nil {
		return err
	}
	if err := c.api.DeleteVehicle(ctx, s, id); err != nil {
		c.fail("delete", err)
		return err
	}

	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return nil
	}
	c.tombstones[id] = c.next()
	delete(c.vehicles, id)
	delete(c.routes, id)
	if c.selected == id {
		c.selected = ""
	}
	c.mu.Unlock()

	c.render(false)
	return nil
}

// ShowOnMap selects the vehicle and recenters the map on its last position.
// It never touches the network.
func (c *Controller) ShowOnMap(id string) error {
	c.mu.Lock()
	if _, ok := c.vehicles[id]; !ok {
		c.mu.Unlock()
		return ErrUnknownVehicle
	}
	c.selected = id
	c.mu.Unlock()

	c.render(true)
	return nil
}

func (c *Controller) known(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.vehicles[id]
	return ok
}

func (c *Controller) render(recenter bool) {
	if c.view == nil {
		return
	}
	markers := c.Markers()
	c.view.SetMarkers(markers)
	if !recenter {
		return
	}
	for _, m := range markers {
		if m.Selected {
			c.view.Recenter(m.Lat, m.Lon)
			return
		}
	}
}

// Vehicles returns the local vehicle list ordered by name.
func (c *Controller) Vehicles() []models.VehiclePosition {
	c.mu.Lock()
	out := make([]models.VehiclePosition, 0, len(c.vehicles))
	for _, e := range c.vehicles {
		out = append(out, e.VehiclePosition)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Vehicle.Name != out[j].Vehicle.Name {
			return out[i].Vehicle.Name < out[j].Vehicle.Name
		}
		return out[i].Vehicle.ID < out[j].Vehicle.ID
	})
	return out
}

// Vehicle returns one vehicle from the local view.
func (c *Controller) Vehicle(id string) (models.VehiclePosition, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.vehicles[id]
	if !ok {
		return models.VehiclePosition{}, false
	}
	return e.VehiclePosition, true
}

// Routes returns the cached routes of a vehicle.
func (c *Controller) Routes(id string) ([]models.RouteResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.routes[id]
	if !ok {
		return nil, false
	}
	return e.routes, true
}

// Selected returns the id of the vehicle shown on the map, if any.
func (c *Controller) Selected() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

// Markers returns one marker per vehicle with a known position.
func (c *Controller) Markers() []Marker {
	c.mu.Lock()
	selected := c.selected
	c.mu.Unlock()

	var markers []Marker
	for _, vp := range c.Vehicles() {
		p := vp.LastPosition
		if p == nil {
			continue
		}
		markers = append(markers, Marker{
			VehicleID: vp.Vehicle.ID,
			Name:      vp.Vehicle.Name,
			Color:     vp.Vehicle.Color,
			Status:    vp.Vehicle.Status,
			Lat:       p.Latitude,
			Lon:       p.Longitude,
			Speed:     p.Speed,
			Time:      p.LocationTime,
			Selected:  vp.Vehicle.ID == selected,
		})
	}
	return markers
}

// FormatDistance renders a server distance in meters as kilometers.
func FormatDistance(meters float64) string {
	return geo.Kilometers(meters)
}

// FormatTime renders a timestamp in UTC.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}
