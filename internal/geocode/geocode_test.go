package geocode

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ukydev/vehicle-tracking/internal/models"
)

type stubGeocoder struct {
	city string
	err  error
}

func (s stubGeocoder) City(context.Context, models.Location) (string, error) {
	return s.city, s.err
}

func TestLabel(t *testing.T) {
	ctx := context.Background()
	loc := models.Location{Lat: 48.1486, Lon: 17.1077}
	fallback := "48.1486000, 17.1077000"

	assert.Equal(t, fallback, Label(ctx, nil, loc))
	assert.Equal(t, "Bratislava", Label(ctx, stubGeocoder{city: "Bratislava"}, loc))
	assert.Equal(t, fallback, Label(ctx, stubGeocoder{err: errors.New("timeout")}, loc))
	assert.Equal(t, fallback, Label(ctx, stubGeocoder{err: ErrNoCity}, loc))
}

func TestNominatim_City(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/reverse", r.URL.Path)
		assert.Equal(t, "jsonv2", r.URL.Query().Get("format"))
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		switch r.URL.Query().Get("lat") {
		case "48.1486000":
			w.Write([]byte(`{"address":{"city":"Bratislava","country":"Slovakia"}}`))
		case "49.0000000":
			w.Write([]byte(`{"address":{"village":"Dolany"}}`))
		case "0.0000000":
			w.Write([]byte(`{"error":"Unable to geocode"}`))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	n := NewNominatim(srv.URL)
	ctx := context.Background()

	city, err := n.City(ctx, models.Location{Lat: 48.1486, Lon: 17.1077})
	require.NoError(t, err)
	assert.Equal(t, "Bratislava", city)

	city, err = n.City(ctx, models.Location{Lat: 49, Lon: 17})
	require.NoError(t, err)
	assert.Equal(t, "Dolany", city)

	_, err = n.City(ctx, models.Location{})
	assert.ErrorIs(t, err, ErrNoCity)

	_, err = n.City(ctx, models.Location{Lat: 1, Lon: 1})
	assert.Error(t, err)
}
