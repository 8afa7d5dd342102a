package memstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"nuha.dev/loctrack/internal/store"
)

func TestAppendAssignsIncreasingSequence(t *testing.T) {
	m := NewStore()
	ctx := context.Background()
	tid := "tl-1"
	var last uint64
	for i := 0; i < 5; i++ {
		obs := &store.Observation{Id: fmt.Sprintf("obs-%d", i), TimelineId: &tid, DeviceId: "dev-1", Latitude: 1, Longitude: 2, EventType: "PING"}
		if err := m.AppendObservation(ctx, obs); err != nil {
			t.Fatalf("append: %v", err)
		}
		if obs.Sequence <= last {
			t.Fatalf("sequence not increasing: %d after %d", obs.Sequence, last)
		}
		last = obs.Sequence
	}
}

func TestAppendIdempotentById(t *testing.T) {
	m := NewStore()
	ctx := context.Background()
	tid := "tl-1"
	obs := &store.Observation{Id: "obs-1", TimelineId: &tid, DeviceId: "dev-1", Latitude: 1, Longitude: 2, EventType: "PING"}
	if err := m.AppendObservation(ctx, obs); err != nil {
		t.Fatalf("append: %v", err)
	}
	seq := obs.Sequence
	retry := &store.Observation{Id: "obs-1", TimelineId: &tid, DeviceId: "dev-1", Latitude: 1, Longitude: 2, EventType: "PING"}
	if err := m.AppendObservation(ctx, retry); err != nil {
		t.Fatalf("re-append: %v", err)
	}
	if retry.Sequence != seq {
		t.Errorf("retried append changed sequence: %d != %d", retry.Sequence, seq)
	}
	got, err := m.Observations(ctx, tid, 0, 10)
	if err != nil {
		t.Fatalf("observations: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("duplicate append stored %d rows", len(got))
	}
}

func TestObservationsRoundTripAndPagination(t *testing.T) {
	m := NewStore()
	ctx := context.Background()
	tid := "tl-1"
	other := "tl-2"
	for i := 0; i < 7; i++ {
		target := &tid
		if i%3 == 2 {
			target = &other
		}
		obs := &store.Observation{Id: fmt.Sprintf("obs-%d", i), TimelineId: target, DeviceId: "dev-1", Latitude: float64(i), Longitude: float64(-i), ReverseData: []byte(`{"road":"x"}`), EventType: "PING"}
		if err := m.AppendObservation(ctx, obs); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	var all []*store.Observation
	var after uint64
	for {
		page, err := m.Observations(ctx, tid, after, 2)
		if err != nil {
			t.Fatalf("observations: %v", err)
		}
		all = append(all, page...)
		if len(page) < 2 {
			break
		}
		after = page[len(page)-1].Sequence
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 observations for tl-1, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Sequence <= all[i-1].Sequence {
			t.Error("observations out of sequence order")
		}
	}
	if all[0].Latitude != 0 || all[0].Longitude != 0 || string(all[0].ReverseData) != `{"road":"x"}` {
		t.Error("round trip lost fields")
	}
}

func TestOrphanObservationNotListed(t *testing.T) {
	m := NewStore()
	ctx := context.Background()
	obs := &store.Observation{Id: "orphan-1", DeviceId: "dev-1", Latitude: 1, Longitude: 2, EventType: "PING"}
	if err := m.AppendObservation(ctx, obs); err != nil {
		t.Fatalf("append: %v", err)
	}
	got, err := m.Observations(ctx, "tl-1", 0, 10)
	if err != nil {
		t.Fatalf("observations: %v", err)
	}
	if len(got) != 0 {
		t.Error("orphan observation returned for a timeline")
	}
}

func TestTimelineLifecycle(t *testing.T) {
	m := NewStore()
	ctx := context.Background()
	if err := m.UpsertDevice(ctx, &store.Device{Id: "dev-1", Name: "a", Os: "ios"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	tl := &store.Timeline{Id: "tl-1", DeviceId: "dev-1", StartTime: time.Now()}
	if err := m.CreateTimeline(ctx, tl); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.CreateTimeline(ctx, &store.Timeline{Id: "tl-2", DeviceId: "dev-1", StartTime: time.Now()}); err != store.ErrOpenTimelineExists {
		t.Fatalf("second open timeline accepted: %v", err)
	}
	open, err := m.OpenTimeline(ctx, "dev-1")
	if err != nil || open == nil || open.Id != "tl-1" {
		t.Fatalf("open timeline lookup: %v %v", open, err)
	}
	closed, err := m.CloseTimeline(ctx, "tl-1", time.Now())
	if err != nil || !closed {
		t.Fatalf("close: %v %v", closed, err)
	}
	closed, err = m.CloseTimeline(ctx, "tl-1", time.Now())
	if err != nil || closed {
		t.Fatal("closing a closed timeline reported a change")
	}
	open, err = m.OpenTimeline(ctx, "dev-1")
	if err != nil || open != nil {
		t.Fatalf("device still has open timeline: %v %v", open, err)
	}
}

func TestActiveTimelinesNewestFirst(t *testing.T) {
	m := NewStore()
	ctx := context.Background()
	t0 := time.Now()
	for i := 0; i < 3; i++ {
		dev := fmt.Sprintf("dev-%d", i)
		if err := m.UpsertDevice(ctx, &store.Device{Id: dev, Name: dev, Os: "android"}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		tl := &store.Timeline{Id: fmt.Sprintf("tl-%d", i), DeviceId: dev, StartTime: t0, CreatedAt: t0.Add(time.Duration(i) * time.Second)}
		if err := m.CreateTimeline(ctx, tl); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	active, err := m.ActiveTimelines(ctx)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 3 {
		t.Fatalf("expected 3 active timelines, got %d", len(active))
	}
	if active[0].Id != "tl-2" || active[2].Id != "tl-0" {
		t.Error("active timelines not ordered newest first")
	}
	for _, tl := range active {
		if tl.Device == nil || tl.Device.Id != tl.DeviceId {
			t.Error("device metadata not joined")
		}
	}
}
