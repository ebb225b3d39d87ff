package dashboard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ukydev/vehicle-tracking/internal/models"
)

// fakeAPI serves an in-memory vehicle list. A ListVehicles call takes its
// snapshot on entry and, when a gate is queued for it, waits for the gate
// before answering.
type fakeAPI struct {
	mu        sync.Mutex
	vehicles  map[string]models.VehiclePosition
	routes    map[string][]models.RouteResponse
	gates     []chan struct{}
	entered   chan struct{}
	listErr   error
	toggleErr error
	calls     map[string]int
}

func newFakeAPI(vehicles ...models.VehiclePosition) *fakeAPI {
	f := &fakeAPI{
		vehicles: map[string]models.VehiclePosition{},
		routes:   map[string][]models.RouteResponse{},
		entered:  make(chan struct{}, 8),
		calls:    map[string]int{},
	}
	for _, vp := range vehicles {
		f.vehicles[vp.Vehicle.ID] = vp
	}
	return f
}

func (f *fakeAPI) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

// hold makes the next ListVehicles call block until the returned gate is closed.
func (f *fakeAPI) hold() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	f.gates = append(f.gates, gate)
	return gate
}

func (f *fakeAPI) Login(_ context.Context, baseURL, username, _ string) (*Session, error) {
	f.mu.Lock()
	f.calls["login"]++
	f.mu.Unlock()
	return &Session{BaseURL: baseURL, Token: "t", Username: username, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeAPI) ListVehicles(_ context.Context, _ *Session) ([]models.VehiclePosition, error) {
	f.mu.Lock()
	f.calls["list"]++
	var out []models.VehiclePosition
	for _, vp := range f.vehicles {
		out = append(out, vp)
	}
	var gate chan struct{}
	if len(f.gates) > 0 {
		gate, f.gates = f.gates[0], f.gates[1:]
	}
	err := f.listErr
	f.mu.Unlock()

	if gate != nil {
		f.entered <- struct{}{}
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (f *fakeAPI) Routes(_ context.Context, _ *Session, vehicleID string) ([]models.RouteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["routes"]++
	return f.routes[vehicleID], nil
}

func (f *fakeAPI) UpdateVehicle(_ context.Context, _ *Session, id string, patch models.VehicleUpdate) (*models.Vehicle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["update"]++
	vp, ok := f.vehicles[id]
	if !ok {
		return nil, &ServerError{Status: 404, Message: "Vehicle not found"}
	}
	patch.Apply(&vp.Vehicle)
	f.vehicles[id] = vp
	v := vp.Vehicle
	return &v, nil
}

func (f *fakeAPI) DeleteVehicle(_ context.Context, _ *Session, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["delete"]++
	delete(f.vehicles, id)
	return nil
}

func (f *fakeAPI) ToggleStatus(_ context.Context, _ *Session, id string) (*models.Vehicle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["toggle"]++
	if f.toggleErr != nil {
		return nil, f.toggleErr
	}
	vp := f.vehicles[id]
	vp.Vehicle.Status = vp.Vehicle.Status.Toggled()
	f.vehicles[id] = vp
	v := vp.Vehicle
	return &v, nil
}

type recordingNotifier struct {
	actions []string
	errs    []error
}

func (n *recordingNotifier) Notify(action string, err error) {
	n.actions = append(n.actions, action)
	n.errs = append(n.errs, err)
}

type recordingView struct {
	markers []Marker
	centers [][2]float64
	renders int
}

func (v *recordingView) SetMarkers(markers []Marker) {
	v.markers = markers
	v.renders++
}

func (v *recordingView) Recenter(lat, lon float64) {
	v.centers = append(v.centers, [2]float64{lat, lon})
}

func testVehicle(id, name string, lat, lon float64) models.VehiclePosition {
	return models.VehiclePosition{
		Vehicle: models.Vehicle{ID: id, Name: name, Status: models.StatusActive, Color: "#FF0000",
			PositionCheckFreq: 15, MinDistanceDelta: 3, MaxIdleMinutes: 15},
		LastPosition: &models.LastPosition{Latitude: lat, Longitude: lon,
			LocationTime: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)},
	}
}

func loggedIn(t *testing.T, api *fakeAPI) (*Controller, *recordingNotifier, *recordingView) {
	t.Helper()
	notifier := &recordingNotifier{}
	view := &recordingView{}
	c := NewController(api, notifier, view, nil)
	require.NoError(t, c.Login(context.Background(), "http://api.local", "dispatcher", "secret123"))
	require.NoError(t, c.Refresh(context.Background()))
	return c, notifier, view
}

// startRefresh runs a refresh whose response is held until the gate closes.
func startRefresh(t *testing.T, c *Controller, api *fakeAPI) (chan struct{}, <-chan error) {
	t.Helper()
	gate := api.hold()
	done := make(chan error, 1)
	go func() { done <- c.Refresh(context.Background()) }()
	select {
	case <-api.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh never reached the API")
	}
	return gate, done
}

func TestController_UpdateSurvivesRefreshIssuedBeforeIt(t *testing.T) {
	api := newFakeAPI(testVehicle("v-1", "Van 1", 48.1, 17.1))
	c, _, _ := loggedIn(t, api)
	ctx := context.Background()

	gate, done := startRefresh(t, c, api)

	name := "Van One"
	require.NoError(t, c.UpdateVehicle(ctx, "v-1", models.VehicleUpdate{Name: &name}))
	vp, _ := c.Vehicle("v-1")
	require.Equal(t, "Van One", vp.Vehicle.Name)

	close(gate)
	require.NoError(t, <-done)

	vp, ok := c.Vehicle("v-1")
	require.True(t, ok)
	assert.Equal(t, "Van One", vp.Vehicle.Name, "stale refresh reverted the update")

	// A refresh issued after the update applies normally.
	require.NoError(t, c.Refresh(ctx))
	vp, _ = c.Vehicle("v-1")
	assert.Equal(t, "Van One", vp.Vehicle.Name)
}

func TestController_ToggleSurvivesRefreshIssuedBeforeIt(t *testing.T) {
	api := newFakeAPI(testVehicle("v-1", "Van 1", 48.1, 17.1))
	c, _, _ := loggedIn(t, api)

	gate, done := startRefresh(t, c, api)
	require.NoError(t, c.ToggleStatus(context.Background(), "v-1"))
	close(gate)
	require.NoError(t, <-done)

	vp, _ := c.Vehicle("v-1")
	assert.Equal(t, models.StatusInactive, vp.Vehicle.Status)
}

func TestController_StaleRefreshTakesNewerPositions(t *testing.T) {
	api := newFakeAPI(testVehicle("v-1", "Van 1", 48.1, 17.1))
	c, _, _ := loggedIn(t, api)

	api.mu.Lock()
	moved := api.vehicles["v-1"]
	moved.LastPosition = &models.LastPosition{Latitude: 48.2, Longitude: 17.2}
	api.vehicles["v-1"] = moved
	api.mu.Unlock()

	gate, done := startRefresh(t, c, api)
	require.NoError(t, c.ToggleStatus(context.Background(), "v-1"))
	close(gate)
	require.NoError(t, <-done)

	vp, _ := c.Vehicle("v-1")
	assert.Equal(t, models.StatusInactive, vp.Vehicle.Status)
	require.NotNil(t, vp.LastPosition)
	assert.Equal(t, 48.2, vp.LastPosition.Latitude)
}

func TestController_DropsOlderRefresh(t *testing.T) {
	api := newFakeAPI(testVehicle("v-1", "Van 1", 48.1, 17.1))
	c, _, _ := loggedIn(t, api)

	gate, done := startRefresh(t, c, api)

	api.mu.Lock()
	api.vehicles["v-2"] = testVehicle("v-2", "Truck", 48.3, 17.3)
	api.mu.Unlock()
	require.NoError(t, c.Refresh(context.Background()))
	require.Len(t, c.Vehicles(), 2)

	close(gate)
	require.NoError(t, <-done)
	assert.Len(t, c.Vehicles(), 2, "older refresh overwrote a newer one")
}

func TestController_SupersededRefreshFailsQuietly(t *testing.T) {
	api := newFakeAPI(testVehicle("v-1", "Van 1", 48.1, 17.1))
	c, notifier, _ := loggedIn(t, api)

	api.mu.Lock()
	api.listErr = &ServerError{Status: 502, Message: "Bad gateway"}
	api.mu.Unlock()
	gate, done := startRefresh(t, c, api)

	api.mu.Lock()
	api.listErr = nil
	api.mu.Unlock()
	require.NoError(t, c.Refresh(context.Background()))

	close(gate)
	var serr *ServerError
	assert.ErrorAs(t, <-done, &serr)
	assert.Empty(t, notifier.actions)
	assert.Len(t, c.Vehicles(), 1)
	assert.NotNil(t, c.Session())
}

func TestController_SupersededRefreshStillHonoursUnauthorized(t *testing.T) {
	api := newFakeAPI(testVehicle("v-1", "Van 1", 48.1, 17.1))
	c, notifier, _ := loggedIn(t, api)

	api.mu.Lock()
	api.listErr = ErrUnauthorized
	api.mu.Unlock()
	gate, done := startRefresh(t, c, api)

	api.mu.Lock()
	api.listErr = nil
	api.mu.Unlock()
	require.NoError(t, c.Refresh(context.Background()))

	close(gate)
	assert.ErrorIs(t, <-done, ErrUnauthorized)
	assert.Equal(t, []string{"refresh"}, notifier.actions)
	assert.Nil(t, c.Session())
}

func TestController_DeletedVehicleIsNotResurrected(t *testing.T) {
	api := newFakeAPI(testVehicle("v-1", "Van 1", 48.1, 17.1), testVehicle("v-2", "Truck", 48.3, 17.3))
	c, _, _ := loggedIn(t, api)
	require.NoError(t, c.ShowOnMap("v-1"))

	gate, done := startRefresh(t, c, api)
	require.NoError(t, c.DeleteVehicle(context.Background(), "v-1"))
	assert.Empty(t, c.Selected())

	close(gate)
	require.NoError(t, <-done)

	_, ok := c.Vehicle("v-1")
	assert.False(t, ok)
	assert.Len(t, c.Vehicles(), 1)
}

func TestController_FailuresLeaveStateUnchanged(t *testing.T) {
	api := newFakeAPI(testVehicle("v-1", "Van 1", 48.1, 17.1))
	c, notifier, _ := loggedIn(t, api)
	api.toggleErr = &ServerError{Status: 500, Message: "Failed to update vehicle"}

	err := c.ToggleStatus(context.Background(), "v-1")
	var serr *ServerError
	require.ErrorAs(t, err, &serr)

	vp, _ := c.Vehicle("v-1")
	assert.Equal(t, models.StatusActive, vp.Vehicle.Status)
	assert.Equal(t, []string{"toggle"}, notifier.actions)
	assert.Equal(t, 1, api.count("toggle"), "failed actions are not retried")
	assert.NotNil(t, c.Session())
}

func TestController_ValidationSendsNothing(t *testing.T) {
	api := newFakeAPI(testVehicle("v-1", "Van 1", 48.1, 17.1))
	c, notifier, _ := loggedIn(t, api)

	freq := 0
	err := c.UpdateVehicle(context.Background(), "v-1", models.VehicleUpdate{PositionCheckFreq: &freq})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "position_check_freq", verr.Field)
	assert.Equal(t, 0, api.count("update"))
	assert.Len(t, notifier.errs, 1)
}

func TestController_UnauthorizedForcesLogout(t *testing.T) {
	api := newFakeAPI(testVehicle("v-1", "Van 1", 48.1, 17.1))
	loggedOut := 0
	c := NewController(api, nil, nil, func() { loggedOut++ })
	ctx := context.Background()
	require.NoError(t, c.Login(ctx, "http://api.local", "dispatcher", "secret123"))
	require.NoError(t, c.Refresh(ctx))

	api.listErr = ErrUnauthorized
	assert.ErrorIs(t, c.Refresh(ctx), ErrUnauthorized)
	assert.Equal(t, 1, loggedOut)
	assert.Nil(t, c.Session())
	assert.Empty(t, c.Vehicles())

	assert.ErrorIs(t, c.Refresh(ctx), ErrNotLoggedIn)
}

func TestController_ExpiredSessionNeverCallsAPI(t *testing.T) {
	api := newFakeAPI(testVehicle("v-1", "Van 1", 48.1, 17.1))
	loggedOut := false
	c := NewController(api, nil, nil, func() { loggedOut = true })
	require.NoError(t, c.Login(context.Background(), "http://api.local", "dispatcher", "secret123"))
	c.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	assert.ErrorIs(t, c.Refresh(context.Background()), ErrUnauthorized)
	assert.Equal(t, 0, api.count("list"))
	assert.True(t, loggedOut)
}

func TestController_RouteCache(t *testing.T) {
	api := newFakeAPI(testVehicle("v-1", "Van 1", 48.1, 17.1))
	api.routes["v-1"] = []models.RouteResponse{{Route: models.Route{ID: "r-1", VehicleID: "v-1", TotalDistance: 1234}}}
	c, _, _ := loggedIn(t, api)
	ctx := context.Background()

	routes, err := c.ExpandVehicle(ctx, "v-1")
	require.NoError(t, err)
	require.Len(t, routes, 1)
	_, err = c.ExpandVehicle(ctx, "v-1")
	require.NoError(t, err)
	assert.Equal(t, 1, api.count("routes"))

	api.mu.Lock()
	api.routes["v-1"] = append(api.routes["v-1"], models.RouteResponse{Route: models.Route{ID: "r-2", VehicleID: "v-1"}})
	api.mu.Unlock()

	cached, ok := c.Routes("v-1")
	require.True(t, ok)
	assert.Len(t, cached, 1)

	routes, err = c.RefreshRoutes(ctx, "v-1")
	require.NoError(t, err)
	assert.Len(t, routes, 2)
	assert.Equal(t, 2, api.count("routes"))

	_, err = c.ExpandVehicle(ctx, "ghost")
	assert.ErrorIs(t, err, ErrUnknownVehicle)
}

func TestController_ShowOnMap(t *testing.T) {
	noPosition := testVehicle("v-3", "Bus", 0, 0)
	noPosition.LastPosition = nil
	api := newFakeAPI(testVehicle("v-1", "Van 1", 48.1, 17.1), testVehicle("v-2", "Truck", 48.3, 17.3), noPosition)
	c, _, view := loggedIn(t, api)
	calls := api.count("list")

	require.NoError(t, c.ShowOnMap("v-2"))
	assert.Equal(t, "v-2", c.Selected())
	assert.Equal(t, [][2]float64{{48.3, 17.3}}, view.centers)
	assert.Equal(t, calls, api.count("list"), "showing a vehicle must not hit the network")

	require.Len(t, view.markers, 2)
	assert.Equal(t, "v-2", view.markers[0].VehicleID)
	assert.True(t, view.markers[0].Selected)
	assert.False(t, view.markers[1].Selected)

	require.NoError(t, c.ShowOnMap("v-3"))
	assert.Len(t, view.centers, 1, "no position, no recenter")

	assert.ErrorIs(t, c.ShowOnMap("ghost"), ErrUnknownVehicle)
}

func TestController_MutationsRequireKnownVehicle(t *testing.T) {
	api := newFakeAPI()
	c, _, _ := loggedIn(t, api)
	ctx := context.Background()

	assert.True(t, errors.Is(c.ToggleStatus(ctx, "ghost"), ErrUnknownVehicle))
	assert.True(t, errors.Is(c.DeleteVehicle(ctx, "ghost"), ErrUnknownVehicle))
	assert.Equal(t, 0, api.count("toggle")+api.count("delete"))
}

func TestDisplayHelpers(t *testing.T) {
	assert.Equal(t, "111.20 km", FormatDistance(111200))
	assert.Equal(t, "0.00 km", FormatDistance(0))

	cet := time.FixedZone("CET", 3600)
	assert.Equal(t, "2024-05-01 07:00:00 UTC", FormatTime(time.Date(2024, 5, 1, 8, 0, 0, 0, cet)))
	assert.Equal(t, "-", FormatTime(time.Time{}))
}
