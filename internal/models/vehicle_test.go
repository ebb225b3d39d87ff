package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }

func TestVehicleStatus_Toggled(t *testing.T) {
	assert.Equal(t, StatusInactive, StatusActive.Toggled())
	assert.Equal(t, StatusActive, StatusInactive.Toggled())
	assert.Equal(t, StatusActive, StatusRegistered.Toggled())
}

func TestVehicle_AcceptsPositions(t *testing.T) {
	assert.True(t, (&Vehicle{Status: StatusActive}).AcceptsPositions())
	assert.True(t, (&Vehicle{Status: StatusRegistered}).AcceptsPositions())
	assert.False(t, (&Vehicle{Status: StatusInactive}).AcceptsPositions())
}

func TestNewVehicle_Defaults(t *testing.T) {
	now := time.Date(2024, 3, 14, 18, 41, 0, 0, time.UTC)
	v := NewVehicle("v-1", VehicleCreate{Name: " Van ", IMEI: "123456789012345"}, now)

	assert.Equal(t, "v-1", v.ID)
	assert.Equal(t, "Van", v.Name)
	assert.Equal(t, StatusRegistered, v.Status)
	assert.Equal(t, DefaultColor, v.Color)
	assert.Equal(t, DefaultPositionCheckFreq, v.PositionCheckFreq)
	assert.Equal(t, DefaultMinDistanceDelta, v.MinDistanceDelta)
	assert.Equal(t, DefaultMaxIdleMinutes, v.MaxIdleMinutes)
	assert.True(t, v.ManualRouteStartEnabled)
	assert.Equal(t, now, v.CreatedAt)
}

func TestNewVehicle_Overrides(t *testing.T) {
	manual := false
	v := NewVehicle("v-2", VehicleCreate{
		Name:                    "Truck",
		IMEI:                    "356307042441013",
		Color:                   "#00ff00",
		PositionCheckFreq:       intPtr(30),
		MinDistanceDelta:        intPtr(0),
		MaxIdleMinutes:          intPtr(60),
		ManualRouteStartEnabled: &manual,
	}, time.Now())

	assert.Equal(t, "#00ff00", v.Color)
	assert.Equal(t, 30, v.PositionCheckFreq)
	assert.Equal(t, 0, v.MinDistanceDelta)
	assert.Equal(t, 60, v.MaxIdleMinutes)
	assert.False(t, v.ManualRouteStartEnabled)
}

func TestVehicleCreate_Validate(t *testing.T) {
	tests := []struct {
		name  string
		in    VehicleCreate
		field string
	}{
		{"missing name", VehicleCreate{IMEI: "1"}, "name"},
		{"missing imei", VehicleCreate{Name: "Car"}, "imei"},
		{"bad color", VehicleCreate{Name: "Car", IMEI: "1", Color: "red"}, "color"},
		{"freq too low", VehicleCreate{Name: "Car", IMEI: "1", PositionCheckFreq: intPtr(0)}, "position_check_freq"},
		{"delta too high", VehicleCreate{Name: "Car", IMEI: "1", MinDistanceDelta: intPtr(256)}, "min_distance_delta"},
		{"idle too low", VehicleCreate{Name: "Car", IMEI: "1", MaxIdleMinutes: intPtr(0)}, "max_idle_minutes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.in.Validate()
			require.Error(t, err)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	assert.NoError(t, VehicleCreate{Name: "Car", IMEI: "1"}.Validate())
}

func TestVehicleUpdate_ValidateBounds(t *testing.T) {
	assert.NoError(t, VehicleUpdate{MinDistanceDelta: intPtr(0)}.Validate())
	assert.NoError(t, VehicleUpdate{MinDistanceDelta: intPtr(255)}.Validate())
	assert.NoError(t, VehicleUpdate{PositionCheckFreq: intPtr(1), MaxIdleMinutes: intPtr(255)}.Validate())
	assert.Error(t, VehicleUpdate{PositionCheckFreq: intPtr(256)}.Validate())
	assert.Error(t, VehicleUpdate{MinDistanceDelta: intPtr(-1)}.Validate())

	bogus := VehicleStatus("deleted")
	assert.Error(t, VehicleUpdate{Status: &bogus}.Validate())
	assert.Error(t, VehicleUpdate{Name: strPtr("   ")}.Validate())
}

func TestVehicleUpdate_ApplyAndIMEI(t *testing.T) {
	v := &Vehicle{Name: "Car", IMEI: "111", Color: DefaultColor, MaxIdleMinutes: 15}
	status := StatusInactive
	u := VehicleUpdate{Name: strPtr("Bus"), Status: &status, MaxIdleMinutes: intPtr(20)}
	u.Apply(v)

	assert.Equal(t, "Bus", v.Name)
	assert.Equal(t, StatusInactive, v.Status)
	assert.Equal(t, 20, v.MaxIdleMinutes)
	assert.Equal(t, DefaultColor, v.Color)

	assert.False(t, VehicleUpdate{}.ChangesIMEI(v))
	assert.False(t, VehicleUpdate{IMEI: strPtr("111")}.ChangesIMEI(v))
	assert.True(t, VehicleUpdate{IMEI: strPtr("222")}.ChangesIMEI(v))
}

func TestAssignment_Overlaps(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }
	end := func(d int) *time.Time { x := day(d); return &x }

	open := &Assignment{StartDate: day(1)}
	closed := &Assignment{StartDate: day(1), EndDate: end(5)}
	later := &Assignment{StartDate: day(5)}
	inside := &Assignment{StartDate: day(2), EndDate: end(3)}

	assert.True(t, open.Overlaps(later))
	assert.False(t, closed.Overlaps(later), "end date is exclusive")
	assert.True(t, closed.Overlaps(inside))
	assert.True(t, inside.Overlaps(open))

	assert.True(t, open.ActiveAt(day(20)))
	assert.True(t, closed.ActiveAt(day(4)))
	assert.False(t, closed.ActiveAt(day(5)))
}
