package geo

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ukydev/vehicle-tracking/internal/models"
)

func TestDistance(t *testing.T) {
	origin := models.Location{Lat: 0, Lon: 0}

	assert.Equal(t, 0.0, Distance(origin, origin))
	assert.InDelta(t, 1.11, Distance(origin, models.Location{Lat: 0.00001}), 0.05)
	assert.InDelta(t, 111.3, Distance(origin, models.Location{Lat: 0.001}), 0.5)

	bratislava := models.Location{Lat: 48.1486, Lon: 17.1077}
	vienna := models.Location{Lat: 48.2082, Lon: 16.3738}
	assert.InDelta(t, 55_000, Distance(bratislava, vienna), 1_000)
	assert.Equal(t, Distance(bratislava, vienna), Distance(vienna, bratislava))
}

func TestValidCoordinates(t *testing.T) {
	assert.True(t, ValidCoordinates(48.1234567, -17.1234567))
	assert.True(t, ValidCoordinates(-90, 180))
	assert.False(t, ValidCoordinates(90.0001, 0))
	assert.False(t, ValidCoordinates(0, -180.5))
	assert.False(t, ValidCoordinates(math.NaN(), 0))
	assert.False(t, ValidCoordinates(0, math.Inf(1)))
}

func TestConversions(t *testing.T) {
	assert.Equal(t, 92.6, KnotsToKmh(50))
	assert.Equal(t, 0.0, KnotsToKmh(0))
	assert.Equal(t, 48.1234568, Round7(48.12345678))
	assert.Equal(t, "48.1486000, 17.1077000", CoordLabel(models.Location{Lat: 48.1486, Lon: 17.1077}))
	assert.Equal(t, "12.35 km", Kilometers(12345))
}

func TestPathGeometry(t *testing.T) {
	assert.Nil(t, PathGeometry(nil))

	single := PathGeometry([]models.Location{{Lat: 1, Lon: 2}})
	require.NotNil(t, single)
	assert.Equal(t, orb.Point{2, 1}, single.Coordinates)

	path := []models.Location{{Lat: 1, Lon: 2}, {Lat: 3, Lon: 4}}
	line := PathGeometry(path)
	require.NotNil(t, line)
	assert.Equal(t, "LineString", line.Type)
	assert.Equal(t, path, PathFromGeometry(line.Coordinates))
	assert.Nil(t, PathFromGeometry(orb.Polygon{}))
}
