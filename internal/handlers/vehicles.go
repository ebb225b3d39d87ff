package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/paulmach/orb/geojson"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/vehicle-tracking/internal/db"
	"github.com/ukydev/vehicle-tracking/internal/geo"
	"github.com/ukydev/vehicle-tracking/internal/geocode"
	"github.com/ukydev/vehicle-tracking/internal/middleware"
	"github.com/ukydev/vehicle-tracking/internal/models"
)

var errNoAccess = errors.New("vehicle not found")

// VehicleHandler serves the dashboard vehicle, route and map resources.
type VehicleHandler struct {
	store    db.Store
	geocoder geocode.Geocoder
	now      func() time.Time
	newID    func() string
}

// NewVehicleHandler creates a vehicle handler. geocoder may be nil.
func NewVehicleHandler(store db.Store, geocoder geocode.Geocoder) *VehicleHandler {
	return &VehicleHandler{
		store:    store,
		geocoder: geocoder,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// accessibleVehicle loads a vehicle the caller may see. Callers without an
// active assignment get errNoAccess so that foreign vehicle IDs look absent.
func (h *VehicleHandler) accessibleVehicle(ctx context.Context, claims *models.Claims, id string) (*models.Vehicle, error) {
	vehicle, err := h.store.FindVehicleByID(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, errNoAccess
	}
	if err != nil {
		return nil, err
	}
	if claims.Role == models.RoleAdmin {
		return vehicle, nil
	}
	assignments, err := h.store.FindAssignments(ctx, claims.UserID, id)
	if err != nil {
		return nil, err
	}
	now := h.now()
	for i := range assignments {
		if !assignments[i].StartDate.After(now) && assignments[i].ActiveAt(now) {
			return vehicle, nil
		}
	}
	return nil, errNoAccess
}

// vehicleFromRequest resolves the {id} path variable for the caller and
// writes the error response itself when it returns nil.
func (h *VehicleHandler) vehicleFromRequest(w http.ResponseWriter, r *http.Request) (*models.Vehicle, *models.Claims) {
	claims, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		http.Error(w, "User context not found", http.StatusUnauthorized)
		return nil, nil
	}
	vehicle, err := h.accessibleVehicle(r.Context(), claims, mux.Vars(r)["id"])
	if errors.Is(err, errNoAccess) {
		http.Error(w, "Vehicle not found", http.StatusNotFound)
		return nil, nil
	}
	if err != nil {
		log.WithError(err).Error("Failed to load vehicle")
		http.Error(w, "Failed to load vehicle", http.StatusInternalServerError)
		return nil, nil
	}
	return vehicle, claims
}

// assignedVehicles returns the vehicles the user holds an active assignment for.
func (h *VehicleHandler) assignedVehicles(ctx context.Context, userID string) ([]models.Vehicle, error) {
	assignments, err := h.store.FindAssignmentsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := h.now()
	seen := map[string]bool{}
	vehicles := []models.Vehicle{}
	for _, a := range assignments {
		if seen[a.VehicleID] || a.StartDate.After(now) || !a.ActiveAt(now) {
			continue
		}
		seen[a.VehicleID] = true
		v, err := h.store.FindVehicleByID(ctx, a.VehicleID)
		if errors.Is(err, db.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		vehicles = append(vehicles, *v)
	}
	return vehicles, nil
}

func (h *VehicleHandler) lastPosition(ctx context.Context, vehicleID string) (*models.LastPosition, error) {
	pos, err := h.store.FindLastVehiclePosition(ctx, vehicleID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	last := models.LastPositionFrom(pos)
	last.City = geocode.Label(ctx, h.geocoder, pos.Location)
	return last, nil
}

// ListVehicles returns the caller's vehicles with their last known position.
func (h *VehicleHandler) ListVehicles(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		http.Error(w, "User context not found", http.StatusUnauthorized)
		return
	}

	vehicles, err := h.assignedVehicles(r.Context(), claims.UserID)
	if err != nil {
		log.WithError(err).Error("Failed to list vehicles")
		http.Error(w, "Failed to list vehicles", http.StatusInternalServerError)
		return
	}

	out := make([]models.VehiclePosition, 0, len(vehicles))
	for _, v := range vehicles {
		last, err := h.lastPosition(r.Context(), v.ID)
		if err != nil {
			log.WithError(err).WithField("vehicle_id", v.ID).Error("Failed to load last position")
			http.Error(w, "Failed to list vehicles", http.StatusInternalServerError)
			return
		}
		out = append(out, models.VehiclePosition{Vehicle: v, LastPosition: last})
	}
	writeJSON(w, http.StatusOK, out)
}

// CreateVehicle registers a vehicle and assigns it to the caller.
func (h *VehicleHandler) CreateVehicle(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		http.Error(w, "User context not found", http.StatusUnauthorized)
		return
	}

	var req models.VehicleCreate
	if err := readJSON(r, &req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		writeValidation(w, err)
		return
	}

	now := h.now()
	vehicle := models.NewVehicle(h.newID(), req, now)
	err := h.store.InsertVehicle(r.Context(), vehicle)
	if errors.Is(err, db.ErrDuplicate) {
		http.Error(w, "A vehicle with this IMEI already exists", http.StatusConflict)
		return
	}
	if err != nil {
		log.WithError(err).Error("Failed to create vehicle")
		http.Error(w, "Failed to create vehicle", http.StatusInternalServerError)
		return
	}

	assignment := models.Assignment{
		ID:        h.newID(),
		UserID:    claims.UserID,
		VehicleID: vehicle.ID,
		StartDate: now,
	}
	if err := h.store.InsertAssignment(r.Context(), assignment); err != nil {
		log.WithError(err).WithField("vehicle_id", vehicle.ID).Error("Failed to assign new vehicle")
		if derr := h.store.DeleteVehicle(r.Context(), vehicle.ID); derr != nil {
			log.WithError(derr).WithField("vehicle_id", vehicle.ID).Error("Failed to roll back vehicle")
		}
		http.Error(w, "Failed to create vehicle", http.StatusInternalServerError)
		return
	}

	log.WithFields(log.Fields{"vehicle_id": vehicle.ID, "user_id": claims.UserID}).Info("Vehicle created")
	writeJSON(w, http.StatusCreated, vehicle)
}

// GetVehicle returns one vehicle.
func (h *VehicleHandler) GetVehicle(w http.ResponseWriter, r *http.Request) {
	vehicle, _ := h.vehicleFromRequest(w, r)
	if vehicle == nil {
		return
	}
	writeJSON(w, http.StatusOK, vehicle)
}

// UpdateVehicle applies a partial update. The IMEI cannot change.
func (h *VehicleHandler) UpdateVehicle(w http.ResponseWriter, r *http.Request) {
	vehicle, _ := h.vehicleFromRequest(w, r)
	if vehicle == nil {
		return
	}

	var patch models.VehicleUpdate
	if err := readJSON(r, &patch); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if patch.ChangesIMEI(vehicle) {
		writeValidation(w, &models.ValidationError{Field: "imei", Reason: "cannot be changed"})
		return
	}
	if err := patch.Validate(); err != nil {
		writeValidation(w, err)
		return
	}

	patch.Apply(vehicle)
	if err := h.saveVehicle(r.Context(), vehicle); err != nil {
		writeStoreError(w, err, "Failed to update vehicle")
		return
	}
	writeJSON(w, http.StatusOK, vehicle)
}

// ToggleStatus flips a vehicle between active and inactive.
func (h *VehicleHandler) ToggleStatus(w http.ResponseWriter, r *http.Request) {
	vehicle, _ := h.vehicleFromRequest(w, r)
	if vehicle == nil {
		return
	}

	vehicle.Status = vehicle.Status.Toggled()
	if err := h.saveVehicle(r.Context(), vehicle); err != nil {
		writeStoreError(w, err, "Failed to toggle vehicle status")
		return
	}
	log.WithFields(log.Fields{"vehicle_id": vehicle.ID, "status": vehicle.Status}).Info("Vehicle status toggled")
	writeJSON(w, http.StatusOK, vehicle)
}

func (h *VehicleHandler) saveVehicle(ctx context.Context, vehicle *models.Vehicle) error {
	return h.store.UpdateVehicle(ctx, *vehicle)
}

func writeStoreError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, db.ErrNotFound) {
		http.Error(w, "Vehicle not found", http.StatusNotFound)
		return
	}
	log.WithError(err).Error(msg)
	http.Error(w, msg, http.StatusInternalServerError)
}

// DeleteVehicle removes a vehicle with its assignments, routes and positions.
func (h *VehicleHandler) DeleteVehicle(w http.ResponseWriter, r *http.Request) {
	vehicle, claims := h.vehicleFromRequest(w, r)
	if vehicle == nil {
		return
	}

	if err := h.store.DeleteVehicle(r.Context(), vehicle.ID); err != nil {
		writeStoreError(w, err, "Failed to delete vehicle")
		return
	}
	log.WithFields(log.Fields{"vehicle_id": vehicle.ID, "user_id": claims.UserID}).Info("Vehicle deleted")
	w.WriteHeader(http.StatusNoContent)
}

// routeResponse adds display coordinates and the path geometry to a route.
func routeResponse(route models.Route) models.RouteResponse {
	resp := models.RouteResponse{Route: route, Geometry: geo.PathGeometry(route.Path)}
	if route.StartLocation != nil {
		resp.StartCoords = geo.CoordLabel(*route.StartLocation)
	}
	if route.EndLocation != nil {
		resp.EndCoords = geo.CoordLabel(*route.EndLocation)
	}
	return resp
}

// ListRoutes returns the vehicle's routes, newest first.
func (h *VehicleHandler) ListRoutes(w http.ResponseWriter, r *http.Request) {
	vehicle, _ := h.vehicleFromRequest(w, r)
	if vehicle == nil {
		return
	}

	routes, err := h.store.FindRoutesByVehicle(r.Context(), vehicle.ID)
	if err != nil {
		log.WithError(err).WithField("vehicle_id", vehicle.ID).Error("Failed to list routes")
		http.Error(w, "Failed to list routes", http.StatusInternalServerError)
		return
	}

	out := make([]models.RouteResponse, 0, len(routes))
	for _, route := range routes {
		out = append(out, routeResponse(route))
	}
	writeJSON(w, http.StatusOK, out)
}

// ListPositions returns the samples of one route in time order.
func (h *VehicleHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		http.Error(w, "User context not found", http.StatusUnauthorized)
		return
	}

	route, err := h.store.FindRouteByID(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, db.ErrNotFound) {
		http.Error(w, "Route not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.WithError(err).Error("Failed to load route")
		http.Error(w, "Failed to load route", http.StatusInternalServerError)
		return
	}
	if _, err := h.accessibleVehicle(r.Context(), claims, route.VehicleID); err != nil {
		http.Error(w, "Route not found", http.StatusNotFound)
		return
	}

	positions, err := h.store.FindPositionsByRoute(r.Context(), route.ID)
	if err != nil {
		log.WithError(err).WithField("route_id", route.ID).Error("Failed to list positions")
		http.Error(w, "Failed to list positions", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

// Markers returns the caller's vehicles at their last position as a GeoJSON
// FeatureCollection. Vehicles that never reported are left out.
func (h *VehicleHandler) Markers(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		http.Error(w, "User context not found", http.StatusUnauthorized)
		return
	}

	vehicles, err := h.assignedVehicles(r.Context(), claims.UserID)
	if err != nil {
		log.WithError(err).Error("Failed to list vehicles")
		http.Error(w, "Failed to load markers", http.StatusInternalServerError)
		return
	}

	fc := geojson.NewFeatureCollection()
	for _, v := range vehicles {
		pos, err := h.store.FindLastVehiclePosition(r.Context(), v.ID)
		if errors.Is(err, db.ErrNotFound) {
			continue
		}
		if err != nil {
			log.WithError(err).WithField("vehicle_id", v.ID).Error("Failed to load last position")
			http.Error(w, "Failed to load markers", http.StatusInternalServerError)
			return
		}
		f := geojson.NewFeature(geo.Point(pos.Location))
		f.ID = v.ID
		f.Properties["name"] = v.Name
		f.Properties["color"] = v.Color
		f.Properties["status"] = v.Status
		f.Properties["speed"] = pos.Speed
		f.Properties["location_time"] = pos.Timestamp.UTC().Format(time.RFC3339)
		fc.Append(f)
	}

	w.Header().Set("Content-Type", "application/geo+json")
	body, err := fc.MarshalJSON()
	if err != nil {
		http.Error(w, "Failed to encode markers", http.StatusInternalServerError)
		return
	}
	w.Write(body)
}

// ListAssignments returns every assignment of the caller for a vehicle.
func (h *VehicleHandler) ListAssignments(w http.ResponseWriter, r *http.Request) {
	vehicle, claims := h.vehicleFromRequest(w, r)
	if vehicle == nil {
		return
	}
	assignments, err := h.store.FindAssignments(r.Context(), claims.UserID, vehicle.ID)
	if err != nil {
		log.WithError(err).Error("Failed to list assignments")
		http.Error(w, "Failed to list assignments", http.StatusInternalServerError)
		return
	}
	if assignments == nil {
		assignments = []models.Assignment{}
	}
	writeJSON(w, http.StatusOK, assignments)
}

// AssignVehicle shares a vehicle with another user for an interval. An
// interval overlapping an existing assignment of the same pair is rejected.
func (h *VehicleHandler) AssignVehicle(w http.ResponseWriter, r *http.Request) {
	vehicle, _ := h.vehicleFromRequest(w, r)
	if vehicle == nil {
		return
	}

	var req models.AssignmentRequest
	if err := readJSON(r, &req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeValidation(w, &models.ValidationError{Field: "user_id", Reason: "is required"})
		return
	}
	if _, err := h.store.FindUserByID(r.Context(), req.UserID); err != nil {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}

	assignment := models.Assignment{
		ID:        h.newID(),
		UserID:    req.UserID,
		VehicleID: vehicle.ID,
		StartDate: h.now(),
	}
	if req.StartDate != nil {
		assignment.StartDate = req.StartDate.UTC()
	}
	if req.EndDate != nil {
		end := req.EndDate.UTC()
		if !end.After(assignment.StartDate) {
			writeValidation(w, &models.ValidationError{Field: "end_date", Reason: "must be after start_date"})
			return
		}
		assignment.EndDate = &end
	}

	existing, err := h.store.FindAssignments(r.Context(), req.UserID, vehicle.ID)
	if err != nil {
		log.WithError(err).Error("Failed to load assignments")
		http.Error(w, "Failed to assign vehicle", http.StatusInternalServerError)
		return
	}
	for i := range existing {
		if existing[i].Overlaps(&assignment) {
			http.Error(w, "Assignment overlaps an existing one", http.StatusConflict)
			return
		}
	}

	err = h.store.InsertAssignment(r.Context(), assignment)
	if errors.Is(err, db.ErrDuplicate) {
		http.Error(w, "Assignment overlaps an existing one", http.StatusConflict)
		return
	}
	if err != nil {
		log.WithError(err).Error("Failed to insert assignment")
		http.Error(w, "Failed to assign vehicle", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, assignment)
}
