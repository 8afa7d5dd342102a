package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"nuha.dev/loctrack/internal/store"
)

// MemStore keeps the whole data model in process memory. It is used by tests
// and by dev mode when no database is configured. All reads return copies so
// a caller never observes a half-applied transition.
type MemStore struct {
	mu        sync.RWMutex
	devices   map[string]*store.Device
	timelines map[string]*store.Timeline
	open      map[string]string
	obs       []*store.Observation
	obsById   map[string]*store.Observation
	seq       uint64
}

func NewStore() *MemStore {
	o := &MemStore{}
	o.devices = make(map[string]*store.Device)
	o.timelines = make(map[string]*store.Timeline)
	o.open = make(map[string]string)
	o.obs = make([]*store.Observation, 0, 64)
	o.obsById = make(map[string]*store.Observation)
	return o
}

func (m *MemStore) UpsertDevice(ctx context.Context, dev *store.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.devices[dev.Id]
	if !ok {
		cp := *dev
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = time.Now().UTC()
		}
		m.devices[dev.Id] = &cp
		return nil
	}
	now := time.Now().UTC()
	old.Name = dev.Name
	old.Os = dev.Os
	old.UpdatedAt = &now
	return nil
}

func (m *MemStore) OpenTimeline(ctx context.Context, deviceId string) (*store.Timeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tid, ok := m.open[deviceId]
	if !ok {
		return nil, nil
	}
	return m.copyTimeline(m.timelines[tid]), nil
}

func (m *MemStore) CreateTimeline(ctx context.Context, tl *store.Timeline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.open[tl.DeviceId]; ok {
		return store.ErrOpenTimelineExists
	}
	cp := *tl
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.timelines[cp.Id] = &cp
	m.open[cp.DeviceId] = cp.Id
	return nil
}

func (m *MemStore) CloseTimeline(ctx context.Context, timelineId string, endTime time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tl, ok := m.timelines[timelineId]
	if !ok || tl.EndTime != nil {
		return false, nil
	}
	et := endTime
	tl.EndTime = &et
	delete(m.open, tl.DeviceId)
	return true, nil
}

func (m *MemStore) ActiveTimelines(ctx context.Context) ([]*store.Timeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*store.Timeline, 0, len(m.open))
	for _, tid := range m.open {
		out = append(out, m.copyTimeline(m.timelines[tid]))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Id > out[j].Id
	})
	return out, nil
}

func (m *MemStore) AppendObservation(ctx context.Context, obs *store.Observation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stored, ok := m.obsById[obs.Id]; ok {
		obs.Sequence = stored.Sequence
		obs.CreatedAt = stored.CreatedAt
		return nil
	}
	m.seq++
	cp := *obs
	cp.Sequence = m.seq
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.obs = append(m.obs, &cp)
	m.obsById[cp.Id] = &cp
	obs.Sequence = cp.Sequence
	obs.CreatedAt = cp.CreatedAt
	return nil
}

func (m *MemStore) Observations(ctx context.Context, timelineId string, afterSeq uint64, limit int) ([]*store.Observation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*store.Observation, 0, 16)
	for _, o := range m.obs {
		if o.TimelineId == nil || *o.TimelineId != timelineId {
			continue
		}
		if o.Sequence <= afterSeq {
			continue
		}
		cp := *o
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemStore) copyTimeline(tl *store.Timeline) *store.Timeline {
	if tl == nil {
		return nil
	}
	cp := *tl
	if tl.EndTime != nil {
		et := *tl.EndTime
		cp.EndTime = &et
	}
	if dev, ok := m.devices[tl.DeviceId]; ok {
		dcp := *dev
		cp.Device = &dcp
	}
	return &cp
}
