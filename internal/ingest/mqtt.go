// Package ingest receives tracker reports over MQTT.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/vehicle-tracking/internal/models"
)

// DefaultTopic matches one position topic per tracker.
const DefaultTopic = "vehicles/+/position"

// Recorder stores a position report.
type Recorder interface {
	RecordPosition(ctx context.Context, req models.PositionRequest) (*models.PositionResponse, error)
}

// Subscriber feeds MQTT position messages into a Recorder. Bad messages are
// logged and dropped; they never stop the stream.
type Subscriber struct {
	recorder Recorder
	topic    string
	qos      byte
	timeout  time.Duration
	client   mqtt.Client
}

// NewSubscriber creates a subscriber for topic.
func NewSubscriber(recorder Recorder, topic string) *Subscriber {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Subscriber{recorder: recorder, topic: topic, qos: 1, timeout: 10 * time.Second}
}

// Connect connects to the broker and subscribes. The subscription is renewed
// on every reconnect.
func (s *Subscriber) Connect(brokerURL, clientID string) error {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetCleanSession(false).
		SetOnConnectHandler(func(c mqtt.Client) {
			if tok := c.Subscribe(s.topic, s.qos, s.handle); tok.WaitTimeout(s.timeout) && tok.Error() != nil {
				log.WithError(tok.Error()).WithField("topic", s.topic).Error("MQTT subscribe failed")
				return
			}
			log.WithField("topic", s.topic).Info("Subscribed to position topic")
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.WithError(err).Warn("MQTT connection lost")
		})

	s.client = mqtt.NewClient(opts)
	tok := s.client.Connect()
	if !tok.WaitTimeout(s.timeout) {
		return fmt.Errorf("mqtt connect to %s timed out", brokerURL)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

// Close disconnects from the broker.
func (s *Subscriber) Close() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
}

func (s *Subscriber) handle(_ mqtt.Client, msg mqtt.Message) {
	fields := log.Fields{"topic": msg.Topic(), "message_id": msg.MessageID()}

	var req models.PositionRequest
	if err := json.Unmarshal(msg.Payload(), &req); err != nil {
		log.WithError(err).WithFields(fields).Warn("Dropping malformed position message")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	resp, err := s.recorder.RecordPosition(ctx, req)
	if err != nil {
		log.WithError(err).WithFields(fields).Warn("Dropping position message")
		return
	}
	fields["route_id"] = resp.RouteID
	fields["additional_distance"] = resp.AdditionalDistance
	log.WithFields(fields).Debug(resp.Message)
}
