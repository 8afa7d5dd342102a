package timeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"nuha.dev/loctrack/internal/event"
	"nuha.dev/loctrack/internal/store"
	"nuha.dev/loctrack/internal/util"
)

const (
	DUPLICATE_START string = "duplicate_start"
	NOOP_FINISH     string = "noop_finish"
	ORPHAN_PING     string = "orphan_ping"
)

// PersistenceError wraps a storage fault that survived the retry budget. The
// in-memory view is never advanced past a failed write, so the caller can
// report the failure and leave the device in its last-known-good state.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Result describes the applied transition.
type Result struct {
	Event       *event.Event
	Device      *store.Device
	Timeline    *store.Timeline // timeline the observation attached to, nil for orphans
	Observation *store.Observation
	Started     bool
	Finished    bool
	Duplicate   bool
}

type MachineConfig struct {
	RetryAttempts int
	RetryBackoff  time.Duration
}

// Machine is the per-device session tracker. Transitions for one device id are
// serialized through a keyed mutex, devices do not contend with each other.
type Machine struct {
	store  store.Store
	config MachineConfig
	nextId func() string
	logger zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewMachine(st store.Store, nextId func() string, config *MachineConfig) *Machine {
	m := &Machine{}
	m.store = st
	m.config = *config
	if m.config.RetryAttempts < 1 {
		m.config.RetryAttempts = 3
	}
	if m.config.RetryBackoff <= 0 {
		m.config.RetryBackoff = 100 * time.Millisecond
	}
	m.nextId = nextId
	m.logger = log.With().Str("module", "timeline").Logger()
	m.locks = make(map[string]*sync.Mutex)
	return m
}

// Apply runs one canonical event through the state machine and appends its
// observation to the ledger. Writes go to the store first, the result is only
// built from acknowledged state.
func (m *Machine) Apply(ctx context.Context, ev *event.Event) (*Result, error) {
	lk := m.deviceLock(ev.DeviceId)
	lk.Lock()
	defer lk.Unlock()

	res := &Result{Event: ev}
	dev := &store.Device{Id: ev.DeviceId, Name: ev.DeviceName, Os: ev.Os}
	err := m.withRetry(ctx, "device upsert", func() error {
		return m.store.UpsertDevice(ctx, dev)
	})
	if err != nil {
		return nil, err
	}
	res.Device = dev

	var open *store.Timeline
	err = m.withRetry(ctx, "open timeline lookup", func() error {
		var e error
		open, e = m.store.OpenTimeline(ctx, ev.DeviceId)
		return e
	})
	if err != nil {
		return nil, err
	}

	var attach *store.Timeline
	switch ev.Type {
	case event.Start:
		if open == nil {
			tl, created, err := m.startTimeline(ctx, ev)
			if err != nil {
				return nil, err
			}
			res.Started = created
			attach = tl
		} else {
			res.Duplicate = true
			m.logger.Info().Str("event", DUPLICATE_START).Str("device_id", ev.DeviceId).Str("timeline_id", open.Id).Msg("START while timeline open, ignored")
			attach = open
		}
	case event.Finish:
		if open == nil {
			m.logger.Debug().Str("event", NOOP_FINISH).Str("device_id", ev.DeviceId).Msg("FINISH with no open timeline, ignored")
		} else {
			err = m.withRetry(ctx, "timeline close", func() error {
				closed, e := m.store.CloseTimeline(ctx, open.Id, ev.ServerTime)
				if e == nil && closed {
					et := ev.ServerTime
					open.EndTime = &et
				}
				return e
			})
			if err != nil {
				return nil, err
			}
			res.Finished = true
			attach = open
		}
	case event.Ping:
		if open == nil {
			m.logger.Debug().Str("event", ORPHAN_PING).Str("device_id", ev.DeviceId).Msg("PING with no open timeline, stored orphaned")
		}
		attach = open
	}

	// only PING samples go into the ledger, START/FINISH are pure
	// transitions. An orphan PING is stored with no timeline association.
	if ev.Type == event.Ping {
		obs := &store.Observation{
			Id:          m.nextId(),
			DeviceId:    ev.DeviceId,
			Latitude:    ev.Latitude,
			Longitude:   ev.Longitude,
			ReverseData: ev.ReverseData,
			EventType:   string(ev.Type),
			CreatedAt:   ev.ServerTime,
		}
		if attach != nil {
			tid := attach.Id
			obs.TimelineId = &tid
		}
		err = m.withRetry(ctx, "observation append", func() error {
			return m.store.AppendObservation(ctx, obs)
		})
		if err != nil {
			return nil, err
		}
		res.Observation = obs
	}
	res.Timeline = attach
	return res, nil
}

// startTimeline creates the timeline for a START in NO_SESSION state. When a
// retried create hits the open-timeline constraint the first attempt (or a
// writer on another node) already committed, so the open row is re-read and
// adopted instead of failing the event.
func (m *Machine) startTimeline(ctx context.Context, ev *event.Event) (*store.Timeline, bool, error) {
	tl := &store.Timeline{Id: util.GenUUID(), DeviceId: ev.DeviceId, StartTime: ev.ServerTime}
	err := m.withRetry(ctx, "timeline create", func() error {
		e := m.store.CreateTimeline(ctx, tl)
		if errors.Is(e, store.ErrOpenTimelineExists) {
			return nil
		}
		return e
	})
	if err != nil {
		return nil, false, err
	}
	var open *store.Timeline
	err = m.withRetry(ctx, "open timeline lookup", func() error {
		var e error
		open, e = m.store.OpenTimeline(ctx, ev.DeviceId)
		return e
	})
	if err != nil {
		return nil, false, err
	}
	if open == nil {
		return nil, false, &PersistenceError{Op: "timeline create", Err: errors.New("created timeline not found")}
	}
	return open, open.Id == tl.Id, nil
}

func (m *Machine) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for i := 0; i < m.config.RetryAttempts; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if i == m.config.RetryAttempts-1 {
			break
		}
		m.logger.Warn().Err(err).Str("op", op).Int("attempt", i+1).Msg("storage fault, backing off")
		select {
		case <-ctx.Done():
			return &PersistenceError{Op: op, Err: ctx.Err()}
		case <-time.After(m.config.RetryBackoff * time.Duration(i+1)):
		}
	}
	return &PersistenceError{Op: op, Err: err}
}

func (m *Machine) deviceLock(deviceId string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lk, ok := m.locks[deviceId]
	if !ok {
		lk = &sync.Mutex{}
		m.locks[deviceId] = lk
	}
	return lk
}
