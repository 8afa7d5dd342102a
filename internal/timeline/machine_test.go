package timeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nuha.dev/loctrack/internal/event"
	"nuha.dev/loctrack/internal/store"
	"nuha.dev/loctrack/internal/store/impl/memstore"
)

var errBoom = errors.New("storage down")

func idgen() func() string {
	var n uint64
	return func() string {
		return fmt.Sprintf("obs-%d", atomic.AddUint64(&n, 1))
	}
}

func newTestMachine(st store.Store) *Machine {
	return NewMachine(st, idgen(), &MachineConfig{RetryAttempts: 2, RetryBackoff: time.Millisecond})
}

func ev(deviceId string, typ event.Type, lat, lon float64) *event.Event {
	return &event.Event{
		DeviceId:   deviceId,
		DeviceName: "Unknown Device",
		Os:         "Unknown OS",
		Latitude:   lat,
		Longitude:  lon,
		Type:       typ,
		ServerTime: time.Now().UTC(),
	}
}

// faultStore injects storage faults for a bounded number of calls.
type faultStore struct {
	store.Store
	failCreate int32
	failClose  int32
	failAppend int32
}

func (f *faultStore) CreateTimeline(ctx context.Context, tl *store.Timeline) error {
	if atomic.AddInt32(&f.failCreate, -1) >= 0 {
		return errBoom
	}
	return f.Store.CreateTimeline(ctx, tl)
}

func (f *faultStore) CloseTimeline(ctx context.Context, timelineId string, endTime time.Time) (bool, error) {
	if atomic.AddInt32(&f.failClose, -1) >= 0 {
		return false, errBoom
	}
	return f.Store.CloseTimeline(ctx, timelineId, endTime)
}

func (f *faultStore) AppendObservation(ctx context.Context, obs *store.Observation) error {
	if atomic.AddInt32(&f.failAppend, -1) >= 0 {
		return errBoom
	}
	return f.Store.AppendObservation(ctx, obs)
}

func TestStartPingFinish(t *testing.T) {
	st := memstore.NewStore()
	m := newTestMachine(st)
	ctx := context.Background()

	res, err := m.Apply(ctx, ev("devX", event.Start, 0, 0))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !res.Started || res.Timeline == nil {
		t.Fatal("start did not open a timeline")
	}
	tid := res.Timeline.Id

	res, err = m.Apply(ctx, ev("devX", event.Ping, 1, 2))
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if res.Observation == nil || res.Observation.TimelineId == nil || *res.Observation.TimelineId != tid {
		t.Fatal("ping observation not attached to open timeline")
	}

	res, err = m.Apply(ctx, ev("devX", event.Finish, 1, 2))
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if !res.Finished || res.Timeline == nil || res.Timeline.EndTime == nil {
		t.Fatal("finish did not close the timeline")
	}

	active, err := st.ActiveTimelines(ctx)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("expected no active timelines, got %d", len(active))
	}
	obs, err := st.Observations(ctx, tid, 0, 10)
	if err != nil {
		t.Fatalf("observations: %v", err)
	}
	if len(obs) != 1 {
		t.Fatalf("expected exactly the one ping observation, got %d", len(obs))
	}
	if obs[0].Latitude != 1 || obs[0].Longitude != 2 || obs[0].EventType != "PING" {
		t.Error("observation fields not preserved")
	}
}

func TestDuplicateStartIsNoop(t *testing.T) {
	st := memstore.NewStore()
	m := newTestMachine(st)
	ctx := context.Background()

	first, err := m.Apply(ctx, ev("devX", event.Start, 0, 0))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	second, err := m.Apply(ctx, ev("devX", event.Start, 0, 0))
	if err != nil {
		t.Fatalf("duplicate start: %v", err)
	}
	if !second.Duplicate || second.Started {
		t.Error("duplicate start not flagged")
	}
	if second.Timeline.Id != first.Timeline.Id {
		t.Error("duplicate start switched timelines")
	}
	active, _ := st.ActiveTimelines(ctx)
	if len(active) != 1 {
		t.Errorf("duplicate start produced %d open timelines", len(active))
	}
}

func TestFinishWithoutOpenIsNoop(t *testing.T) {
	st := memstore.NewStore()
	m := newTestMachine(st)

	res, err := m.Apply(context.Background(), ev("devY", event.Finish, 0, 0))
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if res.Finished || res.Timeline != nil {
		t.Error("finish with no open timeline changed state")
	}
}

func TestOrphanPingStored(t *testing.T) {
	st := memstore.NewStore()
	m := newTestMachine(st)

	res, err := m.Apply(context.Background(), ev("devY", event.Ping, 3, 4))
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if res.Observation == nil {
		t.Fatal("orphan ping dropped")
	}
	if res.Observation.TimelineId != nil {
		t.Error("orphan ping attached to a timeline")
	}
	active, _ := st.ActiveTimelines(context.Background())
	if len(active) != 0 {
		t.Error("orphan ping opened a timeline")
	}
}

func TestConcurrentStartsOpenOneTimeline(t *testing.T) {
	st := memstore.NewStore()
	m := newTestMachine(st)
	ctx := context.Background()

	const n = 32
	var started int32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			res, err := m.Apply(ctx, ev("devX", event.Start, 0, 0))
			if err != nil {
				t.Errorf("start: %v", err)
				return
			}
			if res.Started {
				atomic.AddInt32(&started, 1)
			}
		}()
	}
	wg.Wait()

	if started != 1 {
		t.Errorf("%d goroutines created a timeline", started)
	}
	active, err := st.ActiveTimelines(ctx)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected exactly one open timeline, got %d", len(active))
	}
}

func TestCreateFaultLeavesNoSession(t *testing.T) {
	fs := &faultStore{Store: memstore.NewStore(), failCreate: 10}
	m := newTestMachine(fs)

	_, err := m.Apply(context.Background(), ev("devX", event.Start, 0, 0))
	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	active, _ := fs.Store.ActiveTimelines(context.Background())
	if len(active) != 0 {
		t.Error("failed start left an open timeline")
	}
}

func TestCloseFaultLeavesTimelineOpen(t *testing.T) {
	base := memstore.NewStore()
	fs := &faultStore{Store: base, failClose: 10}
	m := newTestMachine(fs)
	ctx := context.Background()

	_, err := m.Apply(ctx, ev("devX", event.Start, 0, 0))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err = m.Apply(ctx, ev("devX", event.Finish, 0, 0))
	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	active, _ := base.ActiveTimelines(ctx)
	if len(active) != 1 {
		t.Error("failed finish did not leave the timeline open")
	}
}

func TestAppendFaultRetried(t *testing.T) {
	base := memstore.NewStore()
	fs := &faultStore{Store: base, failAppend: 1}
	m := newTestMachine(fs)
	ctx := context.Background()

	res, err := m.Apply(ctx, ev("devX", event.Start, 0, 0))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	ping, err := m.Apply(ctx, ev("devX", event.Ping, 1, 1))
	if err != nil {
		t.Fatalf("ping after transient fault: %v", err)
	}
	obs, _ := base.Observations(ctx, res.Timeline.Id, 0, 10)
	if len(obs) != 1 || obs[0].Id != ping.Observation.Id {
		t.Errorf("retried append stored %d observations", len(obs))
	}
}
