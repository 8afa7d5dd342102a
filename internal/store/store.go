package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrOpenTimelineExists is returned by CreateTimeline when the device already
// has a timeline with no end time. The caller treats it as a duplicate START.
var ErrOpenTimelineExists = errors.New("device already has an open timeline")

type Device struct {
	Id        string     `json:"id"`
	Name      string     `json:"name"`
	Os        string     `json:"os"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

type Timeline struct {
	Id        string     `json:"id"`
	DeviceId  string     `json:"deviceId"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime"`
	CreatedAt time.Time  `json:"createdAt"`
	Device    *Device    `json:"device,omitempty"`
}

func (t *Timeline) Open() bool {
	return t.EndTime == nil
}

type Observation struct {
	Id          string          `json:"id"`
	TimelineId  *string         `json:"timelineId"`
	DeviceId    string          `json:"deviceId"`
	Latitude    float64         `json:"latitude"`
	Longitude   float64         `json:"longitude"`
	ReverseData json.RawMessage `json:"reverseData,omitempty"`
	EventType   string          `json:"eventType"`
	Sequence    uint64          `json:"sequence"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Store is the single boundary to durable state. The timeline state machine is
// the only writer of devices and timelines, the ledger append path the only
// writer of observations.
type Store interface {
	DeviceStore
	TimelineStore
	LedgerStore
}

type DeviceStore interface {
	// UpsertDevice creates the device on first contact and refreshes mutable
	// metadata (name, os) afterwards. Devices are never deleted.
	UpsertDevice(ctx context.Context, dev *Device) error
}

type TimelineStore interface {
	// OpenTimeline returns the timeline with no end time for the device, or
	// nil when the device has no open session.
	OpenTimeline(ctx context.Context, deviceId string) (*Timeline, error)
	CreateTimeline(ctx context.Context, tl *Timeline) error
	// CloseTimeline sets the end time on an open timeline. It reports false
	// without error when the timeline is unknown or already closed.
	CloseTimeline(ctx context.Context, timelineId string, endTime time.Time) (bool, error)
	// ActiveTimelines returns all open timelines joined with device metadata,
	// ordered by creation time descending.
	ActiveTimelines(ctx context.Context) ([]*Timeline, error)
}

type LedgerStore interface {
	// AppendObservation appends obs and assigns its sequence number. The
	// append is idempotent keyed by obs.Id: re-appending an already stored
	// observation fills in the stored sequence and changes nothing.
	AppendObservation(ctx context.Context, obs *Observation) error
	// Observations returns up to limit observations of a timeline with
	// sequence greater than afterSeq, ascending. An unknown timeline id
	// yields an empty slice.
	Observations(ctx context.Context, timelineId string, afterSeq uint64, limit int) ([]*Observation, error)
}
