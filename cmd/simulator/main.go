// Command simulator drives fake GPS trackers against the device API. Each
// tracker requests a token for its IMEI, follows an OSRM road route between
// its configured points and reports positions over HTTP or MQTT.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/vehicle-tracking/internal/geo"
	"github.com/ukydev/vehicle-tracking/internal/models"
)

const kmhPerKnot = 1.852

// errTokenRejected means the server no longer accepts the device token.
var errTokenRejected = errors.New("device token rejected")

// deviceClient talks to the tracker endpoints of the API.
type deviceClient struct {
	baseURL string
	http    *http.Client
}

func newDeviceClient(baseURL string) *deviceClient {
	return &deviceClient{baseURL: strings.TrimRight(baseURL, "/"), http: &http.Client{Timeout: 10 * time.Second}}
}

func (d *deviceClient) post(ctx context.Context, path string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound && path != "/request_token":
		return errTokenRejected
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func (d *deviceClient) requestToken(ctx context.Context, imei string) (*models.TokenResponse, error) {
	var resp models.TokenResponse
	if err := d.post(ctx, "/request_token", models.TokenRequest{IMEI: imei}, &resp); err != nil {
		return nil, err
	}
	if resp.Token == "" {
		return nil, fmt.Errorf("no token issued for %s", imei)
	}
	return &resp, nil
}

func (d *deviceClient) startRoute(ctx context.Context, token string) error {
	return d.post(ctx, "/route", models.RouteRequest{Token: token}, nil)
}

func (d *deviceClient) stopRoute(ctx context.Context, token string) error {
	return d.post(ctx, "/route/stop", models.RouteRequest{Token: token}, nil)
}

// reporter delivers one position report.
type reporter interface {
	Report(ctx context.Context, imei string, req models.PositionRequest) error
}

type httpReporter struct {
	client *deviceClient
}

func (r httpReporter) Report(ctx context.Context, imei string, req models.PositionRequest) error {
	var resp models.PositionResponse
	if err := r.client.post(ctx, "/location", req, &resp); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"imei":                imei,
		"message":             resp.Message,
		"additional_distance": resp.AdditionalDistance,
	}).Debug("Position sent")
	return nil
}

type mqttReporter struct {
	client mqtt.Client
}

func positionTopic(imei string) string {
	return "vehicles/" + imei + "/position"
}

func newMQTTReporter(broker string) (*mqttReporter, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(fmt.Sprintf("vehicle-simulator-%d", rand.Intn(1_000_000))).
		SetAutoReconnect(true)
	client := mqtt.NewClient(opts)
	if tok := client.Connect(); tok.WaitTimeout(10*time.Second) && tok.Error() != nil {
		return nil, tok.Error()
	}
	return &mqttReporter{client: client}, nil
}

func (r *mqttReporter) Report(_ context.Context, imei string, req models.PositionRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	tok := r.client.Publish(positionTopic(imei), 1, false, data)
	if !tok.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("publish to %s timed out", positionTopic(imei))
	}
	return tok.Error()
}

// fetchRoute asks OSRM for a driving route through the waypoints.
func fetchRoute(ctx context.Context, baseURL string, waypoints ...models.Location) ([]models.Location, error) {
	coords := make([]string, len(waypoints))
	for i, p := range waypoints {
		coords[i] = fmt.Sprintf("%.6f,%.6f", p.Lon, p.Lat)
	}
	endpoint := fmt.Sprintf("%s/route/v1/driving/%s?overview=full&geometries=geojson",
		strings.TrimRight(baseURL, "/"), strings.Join(coords, ";"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("osrm status %d", resp.StatusCode)
	}

	var obj struct {
		Routes []struct {
			Geometry struct {
				Coordinates [][]float64 `json:"coordinates"`
			} `json:"geometry"`
		} `json:"routes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&obj); err != nil {
		return nil, err
	}
	if len(obj.Routes) == 0 || len(obj.Routes[0].Geometry.Coordinates) < 2 {
		return nil, fmt.Errorf("no route")
	}
	pts := make([]models.Location, 0, len(obj.Routes[0].Geometry.Coordinates))
	for _, c := range obj.Routes[0].Geometry.Coordinates {
		if len(c) < 2 {
			continue
		}
		pts = append(pts, models.Location{Lat: c[1], Lon: c[0]})
	}
	return pts, nil
}

// pathWalker moves along a polyline.
type pathWalker struct {
	points    []models.Location
	segIndex  int
	segOffset float64 // meters along current segment
	position  models.Location
}

func newPathWalker(points []models.Location) *pathWalker {
	w := &pathWalker{points: points}
	if len(points) > 0 {
		w.position = points[0]
	}
	return w
}

func (w *pathWalker) done() bool {
	return w.segIndex >= len(w.points)-1
}

// advance moves up to meters along the path and returns the new position.
func (w *pathWalker) advance(meters float64) models.Location {
	for meters > 0 && !w.done() {
		a, b := w.points[w.segIndex], w.points[w.segIndex+1]
		segLen := geo.Distance(a, b)
		left := segLen - w.segOffset
		if meters >= left {
			w.position = b
			w.segIndex++
			w.segOffset = 0
			meters -= left
			continue
		}
		w.segOffset += meters
		t := w.segOffset / segLen
		w.position = models.Location{Lat: a.Lat + (b.Lat-a.Lat)*t, Lon: a.Lon + (b.Lon-a.Lon)*t}
		meters = 0
	}
	return w.position
}

// tracker simulates one device.
type tracker struct {
	imei     string
	cfg      *configStore
	client   *deviceClient
	reporter reporter
	token    *models.TokenResponse
}

func (t *tracker) authenticate(ctx context.Context) error {
	for {
		token, err := t.client.requestToken(ctx, t.imei)
		if err == nil {
			t.token = token
			log.WithFields(log.Fields{
				"imei":         t.imei,
				"frequency":    token.PositionCheckFreq,
				"manual_start": token.ManualStart,
			}).Info("Tracker authenticated")
			return nil
		}
		log.WithError(err).WithField("imei", t.imei).Warn("Token request failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Second):
		}
	}
}

func (t *tracker) tick() time.Duration {
	if s := t.cfg.get().TickSeconds; s > 0 {
		return time.Duration(s) * time.Second
	}
	if t.token != nil && t.token.PositionCheckFreq > 0 {
		return time.Duration(t.token.PositionCheckFreq) * time.Second
	}
	return 15 * time.Second
}

// legs returns the waypoint legs of one trip, reversed on every other trip.
func legs(tc TrackerConfig, reverse bool) ([][2]models.Location, []time.Duration) {
	source, _ := parseCoord(tc.Source)
	target, _ := parseCoord(tc.Target)
	points := []models.Location{source}
	var pauses []time.Duration
	for _, stop := range tc.Stops {
		p, _ := parseCoord(stop.Location)
		points = append(points, p)
		pauses = append(pauses, time.Duration(stop.Duration)*time.Second)
	}
	points = append(points, target)
	if reverse {
		for i, j := 0, len(points)-1; i < j; i, j = i+1, j-1 {
			points[i], points[j] = points[j], points[i]
		}
		for i, j := 0, len(pauses)-1; i < j; i, j = i+1, j-1 {
			pauses[i], pauses[j] = pauses[j], pauses[i]
		}
	}
	out := make([][2]models.Location, 0, len(points)-1)
	for i := 0; i+1 < len(points); i++ {
		out = append(out, [2]models.Location{points[i], points[i+1]})
	}
	return out, pauses
}

func (t *tracker) report(ctx context.Context, pos models.Location, speedKmh float64) error {
	now := time.Now().UTC()
	err := t.reporter.Report(ctx, t.imei, models.PositionRequest{
		Token:     t.token.Token,
		Lat:       pos.Lat,
		Lon:       pos.Lon,
		Speed:     speedKmh / kmhPerKnot,
		Timestamp: &now,
	})
	if errors.Is(err, errTokenRejected) {
		log.WithField("imei", t.imei).Warn("Token rejected, requesting a new one")
		return t.authenticate(ctx)
	}
	if err != nil {
		log.WithError(err).WithField("imei", t.imei).Error("Failed to report position")
	}
	return nil
}

func (t *tracker) drive(ctx context.Context, from, to models.Location) error {
	points, err := fetchRoute(ctx, t.cfg.get().OSRM.BaseURL, from, to)
	if err != nil {
		log.WithError(err).WithField("imei", t.imei).Warn("OSRM unavailable, driving straight")
		points = []models.Location{from, to}
	}
	walker := newPathWalker(points)
	if err := t.report(ctx, walker.position, 0); err != nil {
		return err
	}

	for !walker.done() {
		interval := t.tick()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		tc, _ := t.cfg.tracker(t.imei)
		speed := tc.SpeedKmh
		if speed <= 0 {
			speed = 40
		}
		speed += (rand.Float64()*2 - 1) * 3
		pos := walker.advance(speed * interval.Seconds() * 1000 / 3600)
		if err := t.report(ctx, pos, speed); err != nil {
			return err
		}
	}
	return nil
}

func (t *tracker) routeCommand(ctx context.Context, start bool) {
	if !t.token.ManualStart {
		return
	}
	cmd, action := t.client.stopRoute, "stop"
	if start {
		cmd, action = t.client.startRoute, "start"
	}
	if err := cmd(ctx, t.token.Token); err != nil {
		log.WithError(err).WithFields(log.Fields{"imei": t.imei, "action": action}).Warn("Route command failed")
	}
}

func (t *tracker) run(ctx context.Context) {
	if err := t.authenticate(ctx); err != nil {
		return
	}
	for trip := 0; ctx.Err() == nil; trip++ {
		tc, ok := t.cfg.tracker(t.imei)
		if !ok {
			log.WithField("imei", t.imei).Info("Tracker removed from config, stopping")
			return
		}

		t.routeCommand(ctx, true)
		legList, pauses := legs(tc, trip%2 == 1)
		for i, leg := range legList {
			if err := t.drive(ctx, leg[0], leg[1]); err != nil {
				return
			}
			if i < len(pauses) && pauses[i] > 0 {
				log.WithFields(log.Fields{"imei": t.imei, "duration": pauses[i]}).Info("Stopped")
				select {
				case <-ctx.Done():
					return
				case <-time.After(pauses[i]):
				}
			}
		}
		t.routeCommand(ctx, false)
		log.WithFields(log.Fields{"imei": t.imei, "trip": trip + 1}).Info("Trip completed")
	}
}

func main() {
	store, err := loadConfig(os.Getenv("SIM_CONFIG"))
	if err != nil {
		log.WithError(err).Fatal("Failed to load simulator config")
	}
	cfg := store.get()
	if len(cfg.Trackers) == 0 {
		log.Fatal("No trackers configured. Set SIM_CONFIG to a YAML file with a trackers list.")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := newDeviceClient(cfg.APIBaseURL)
	var rep reporter = httpReporter{client: client}
	if cfg.Transport == "mqtt" {
		m, err := newMQTTReporter(cfg.MQTT.Broker)
		if err != nil {
			log.WithError(err).Fatal("Failed to connect to MQTT broker")
		}
		defer m.client.Disconnect(250)
		rep = m
	}

	log.WithFields(log.Fields{
		"trackers":  len(cfg.Trackers),
		"api_url":   cfg.APIBaseURL,
		"transport": cfg.Transport,
	}).Info("Starting tracker simulation")

	var wg sync.WaitGroup
	for _, tc := range cfg.Trackers {
		t := &tracker{imei: tc.IMEI, cfg: store, client: client, reporter: rep}
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.run(ctx)
		}()
	}
	wg.Wait()
	log.Info("Simulation stopped")
}
