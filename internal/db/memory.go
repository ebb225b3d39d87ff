package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ukydev/vehicle-tracking/internal/models"
)

// MemoryStore is a Store kept in process memory, used for local development
// and tests. Nothing survives a restart.
type MemoryStore struct {
	mu          sync.RWMutex
	users       map[string]models.User
	vehicles    map[string]models.Vehicle
	assignments map[string]models.Assignment
	routes      map[string]models.Route
	positions   map[string]models.Position
	samples     map[string]models.Position // vehicle ID -> last accepted sample
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       map[string]models.User{},
		vehicles:    map[string]models.Vehicle{},
		assignments: map[string]models.Assignment{},
		routes:      map[string]models.Route{},
		positions:   map[string]models.Position{},
		samples:     map[string]models.Position{},
	}
}

func (s *MemoryStore) Close(context.Context) error { return nil }

func (s *MemoryStore) InsertUser(_ context.Context, user models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == user.Username {
			return ErrDuplicate
		}
	}
	now := time.Now().UTC()
	user.CreatedAt, user.UpdatedAt, user.IsActive = now, now, true
	s.users[user.ID] = user
	return nil
}

func (s *MemoryStore) FindUserByID(_ context.Context, id string) (*models.User, error) {
	return s.findUser(func(u models.User) bool { return u.ID == id })
}

func (s *MemoryStore) FindUserByUsername(_ context.Context, username string) (*models.User, error) {
	return s.findUser(func(u models.User) bool { return u.Username == username })
}

func (s *MemoryStore) FindUserByEmail(_ context.Context, email string) (*models.User, error) {
	return s.findUser(func(u models.User) bool { return u.Email == email })
}

func (s *MemoryStore) findUser(match func(models.User) bool) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if match(u) {
			return &u, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) UpdateUser(_ context.Context, id string, user models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return ErrNotFound
	}
	user.ID = id
	user.UpdatedAt = time.Now().UTC()
	s.users[id] = user
	return nil
}

func (s *MemoryStore) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, id)
	return nil
}

func (s *MemoryStore) UpdateLastLogin(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	u.LastLogin, u.UpdatedAt = &now, now
	s.users[id] = u
	return nil
}

func (s *MemoryStore) InsertVehicle(_ context.Context, v models.Vehicle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.vehicles {
		if existing.IMEI == v.IMEI {
			return ErrDuplicate
		}
	}
	s.vehicles[v.ID] = v
	return nil
}

func (s *MemoryStore) FindVehicleByID(_ context.Context, id string) (*models.Vehicle, error) {
	return s.findVehicle(func(v models.Vehicle) bool { return v.ID == id })
}

func (s *MemoryStore) FindVehicleByToken(_ context.Context, token string) (*models.Vehicle, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	return s.findVehicle(func(v models.Vehicle) bool { return v.Token == token })
}

func (s *MemoryStore) FindVehicleByIMEI(_ context.Context, imei string) (*models.Vehicle, error) {
	return s.findVehicle(func(v models.Vehicle) bool { return v.IMEI == imei })
}

func (s *MemoryStore) findVehicle(match func(models.Vehicle) bool) (*models.Vehicle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.vehicles {
		if match(v) {
			return &v, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) UpdateVehicle(_ context.Context, v models.Vehicle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.vehicles[v.ID]
	if !ok {
		return ErrNotFound
	}
	v.IMEI, v.Token, v.CreatedAt = existing.IMEI, existing.Token, existing.CreatedAt
	s.vehicles[v.ID] = v
	return nil
}

func (s *MemoryStore) SetVehicleToken(_ context.Context, id, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vehicles[id]
	if !ok {
		return ErrNotFound
	}
	v.Token = token
	s.vehicles[id] = v
	return nil
}

func (s *MemoryStore) DeleteVehicle(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vehicles[id]; !ok {
		return ErrNotFound
	}
	for pid, p := range s.positions {
		if p.VehicleID == id {
			delete(s.positions, pid)
		}
	}
	for rid, r := range s.routes {
		if r.VehicleID == id {
			delete(s.routes, rid)
		}
	}
	for aid, a := range s.assignments {
		if a.VehicleID == id {
			delete(s.assignments, aid)
		}
	}
	delete(s.samples, id)
	delete(s.vehicles, id)
	return nil
}

func (s *MemoryStore) InsertAssignment(_ context.Context, a models.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.assignments {
		if existing.UserID == a.UserID && existing.VehicleID == a.VehicleID && existing.StartDate.Equal(a.StartDate) {
			return ErrDuplicate
		}
	}
	s.assignments[a.ID] = a
	return nil
}

func (s *MemoryStore) FindAssignmentsByUser(_ context.Context, userID string) ([]models.Assignment, error) {
	return s.findAssignments(func(a models.Assignment) bool { return a.UserID == userID }), nil
}

func (s *MemoryStore) FindAssignments(_ context.Context, userID, vehicleID string) ([]models.Assignment, error) {
	return s.findAssignments(func(a models.Assignment) bool {
		return a.UserID == userID && a.VehicleID == vehicleID
	}), nil
}

func (s *MemoryStore) findAssignments(match func(models.Assignment) bool) []models.Assignment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Assignment
	for _, a := range s.assignments {
		if match(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out
}

func (s *MemoryStore) FindActiveAssignment(_ context.Context, vehicleID string, at time.Time) (*models.Assignment, error) {
	matches := s.findAssignments(func(a models.Assignment) bool {
		return a.VehicleID == vehicleID && !a.StartDate.After(at) && a.ActiveAt(at)
	})
	if len(matches) == 0 {
		return nil, ErrNotFound
	}
	return &matches[len(matches)-1], nil
}

func (s *MemoryStore) InsertRoute(_ context.Context, r models.Route) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.Path = append([]models.Location(nil), r.Path...)
	s.routes[r.ID] = r
	return nil
}

func (s *MemoryStore) FindRouteByID(_ context.Context, id string) (*models.Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.routes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRoute(r), nil
}

func (s *MemoryStore) FindLatestRoute(_ context.Context, assignmentID string) (*models.Route, error) {
	routes := s.findRoutes(func(r models.Route) bool { return r.AssignmentID == assignmentID })
	if len(routes) == 0 {
		return nil, ErrNotFound
	}
	return &routes[0], nil
}

func (s *MemoryStore) FindRoutesByVehicle(_ context.Context, vehicleID string) ([]models.Route, error) {
	return s.findRoutes(func(r models.Route) bool { return r.VehicleID == vehicleID }), nil
}

func (s *MemoryStore) FindOpenRoutes(_ context.Context) ([]models.Route, error) {
	return s.findRoutes(func(r models.Route) bool { return r.IsOpen() }), nil
}

// findRoutes returns matching routes, newest first.
func (s *MemoryStore) findRoutes(match func(models.Route) bool) []models.Route {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.Route{}
	for _, r := range s.routes {
		if match(r) {
			out = append(out, *copyRoute(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out
}

func copyRoute(r models.Route) *models.Route {
	r.Path = append([]models.Location(nil), r.Path...)
	return &r
}

func (s *MemoryStore) updateRoute(id string, fn func(*models.Route)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.routes[id]
	if !ok {
		return ErrNotFound
	}
	fn(&r)
	s.routes[id] = r
	return nil
}

func (s *MemoryStore) SetRouteStart(_ context.Context, id, city string, point models.Location) error {
	return s.updateRoute(id, func(r *models.Route) {
		r.StartCity = city
		r.StartLocation = &point
	})
}

func (s *MemoryStore) ExtendRoute(_ context.Context, id string, distance float64, point models.Location) error {
	return s.updateRoute(id, func(r *models.Route) {
		r.TotalDistance += distance
		r.Path = append(r.Path, point)
	})
}

func (s *MemoryStore) CloseRoute(_ context.Context, id string, end time.Time, city string, point *models.Location) error {
	return s.updateRoute(id, func(r *models.Route) {
		r.EndTime = &end
		r.EndCity = city
		if point != nil {
			p := *point
			r.EndLocation = &p
		}
	})
}

func (s *MemoryStore) InsertPosition(_ context.Context, p models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.routes[p.RouteID]; !ok {
		return ErrNotFound
	}
	s.positions[p.ID] = p
	return nil
}

// findPositions returns matching positions in time order.
func (s *MemoryStore) findPositions(match func(models.Position) bool) []models.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.Position{}
	for _, p := range s.positions {
		if match(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func (s *MemoryStore) FindLatestPosition(_ context.Context, routeID string) (*models.Position, error) {
	return last(s.findPositions(func(p models.Position) bool { return p.RouteID == routeID }))
}

func (s *MemoryStore) FindLastVehiclePosition(_ context.Context, vehicleID string) (*models.Position, error) {
	return last(s.findPositions(func(p models.Position) bool { return p.VehicleID == vehicleID }))
}

func (s *MemoryStore) FindPositionsByRoute(_ context.Context, routeID string) ([]models.Position, error) {
	return s.findPositions(func(p models.Position) bool { return p.RouteID == routeID }), nil
}

func last(positions []models.Position) (*models.Position, error) {
	if len(positions) == 0 {
		return nil, ErrNotFound
	}
	return &positions[len(positions)-1], nil
}

func (s *MemoryStore) SaveLastSample(_ context.Context, p models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vehicles[p.VehicleID]; !ok {
		return ErrNotFound
	}
	s.samples[p.VehicleID] = p
	return nil
}

func (s *MemoryStore) FindLastSample(_ context.Context, vehicleID string) (*models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.samples[vehicleID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

var _ Store = (*MemoryStore)(nil)
