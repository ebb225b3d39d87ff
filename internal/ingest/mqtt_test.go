package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/ukydev/vehicle-tracking/internal/models"
)

type MockRecorder struct {
	mock.Mock
}

func (m *MockRecorder) RecordPosition(ctx context.Context, req models.PositionRequest) (*models.PositionResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PositionResponse), args.Error(1)
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 7 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func TestNewSubscriber_DefaultTopic(t *testing.T) {
	s := NewSubscriber(&MockRecorder{}, "")
	assert.Equal(t, DefaultTopic, s.topic)
}

func TestHandle_RecordsPosition(t *testing.T) {
	recorder := &MockRecorder{}
	want := models.PositionRequest{Token: "abc", Lat: 48.1, Lon: 17.1, Speed: 12}
	recorder.On("RecordPosition", mock.Anything, want).
		Return(&models.PositionResponse{Success: true, Message: "Location is saved"}, nil).Once()

	s := NewSubscriber(recorder, "")
	s.handle(nil, fakeMessage{
		topic:   "vehicles/356307042441013/position",
		payload: []byte(`{"token":"abc","lat":48.1,"lon":17.1,"speed":12}`),
	})

	recorder.AssertExpectations(t)
}

func TestHandle_DropsBadMessages(t *testing.T) {
	recorder := &MockRecorder{}
	recorder.On("RecordPosition", mock.Anything, mock.Anything).
		Return(nil, errors.New("vehicle not found")).Once()

	s := NewSubscriber(recorder, "")

	// Malformed JSON never reaches the recorder.
	assert.NotPanics(t, func() {
		s.handle(nil, fakeMessage{topic: "vehicles/x/position", payload: []byte(`{not json`)})
	})
	// Ingestion errors are swallowed.
	assert.NotPanics(t, func() {
		s.handle(nil, fakeMessage{topic: "vehicles/x/position", payload: []byte(`{"token":"nope","lat":1,"lon":1}`)})
	})

	recorder.AssertNumberOfCalls(t, "RecordPosition", 1)
}

func TestClose_WithoutConnect(t *testing.T) {
	assert.NotPanics(t, NewSubscriber(&MockRecorder{}, "").Close)
}
