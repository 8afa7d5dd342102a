package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"nuha.dev/loctrack/internal/util"
)

type Type string

const (
	Start  Type = "START"
	Finish Type = "FINISH"
	Ping   Type = "PING"
)

const (
	defaultDeviceName = "Unknown Device"
	defaultDeviceOs   = "Unknown OS"
)

// RawEvent is the untrusted inbound payload as read off the wire.
type RawEvent struct {
	DeviceId    string          `json:"deviceId"`
	DeviceName  string          `json:"deviceName"`
	Os          string          `json:"os"`
	Latitude    *float64        `json:"latitude" validate:"required,latitude"`
	Longitude   *float64        `json:"longitude" validate:"required,longitude"`
	ReverseData json.RawMessage `json:"reverseData"`
	EventType   string          `json:"eventType" validate:"required,oneof=START FINISH PING"`
	ClientTime  *time.Time      `json:"clientTimestamp"`
}

// Event is the canonical, validated form handed to the state machine. The
// server receipt time is kept next to any client timestamp, nothing is
// reconciled here.
type Event struct {
	DeviceId    string
	DeviceName  string
	Os          string
	NewDevice   bool
	Latitude    float64
	Longitude   float64
	ReverseData json.RawMessage
	Type        Type
	ClientTime  *time.Time
	ServerTime  time.Time
}

type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid event: %s: %v", e.Reason, e.Err)
	}
	return "invalid event: " + e.Reason
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

type Normalizer struct {
	validate *validator.Validate
}

func NewNormalizer() *Normalizer {
	n := &Normalizer{}
	n.validate = validator.New()
	return n
}

// Normalize validates raw and produces the canonical event. An event without
// a device id is treated as a new-device registration and gets a freshly
// minted id. Normalize has no side effects beyond validation.
func (n *Normalizer) Normalize(raw *RawEvent) (*Event, error) {
	err := n.validate.Struct(raw)
	if err != nil {
		return nil, &ValidationError{Reason: "malformed payload", Err: err}
	}
	ev := &Event{
		DeviceId:    raw.DeviceId,
		DeviceName:  raw.DeviceName,
		Os:          raw.Os,
		Latitude:    *raw.Latitude,
		Longitude:   *raw.Longitude,
		ReverseData: raw.ReverseData,
		Type:        Type(raw.EventType),
		ClientTime:  raw.ClientTime,
		ServerTime:  time.Now().UTC(),
	}
	if ev.DeviceId == "" {
		ev.DeviceId = util.GenUUID()
		ev.NewDevice = true
	}
	if ev.DeviceName == "" {
		ev.DeviceName = defaultDeviceName
	}
	if ev.Os == "" {
		ev.Os = defaultDeviceOs
	}
	return ev, nil
}
