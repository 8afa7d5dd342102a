package service

import (
	"context"
	"encoding/json"

	"github.com/mustafaturan/bus/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"nuha.dev/loctrack/internal/event"
	"nuha.dev/loctrack/internal/fanout"
	"nuha.dev/loctrack/internal/query"
	"nuha.dev/loctrack/internal/timeline"
)

// Internal bus topics. The fan-out layer subscribes to these, the write path
// only emits after the durable write is acknowledged.
const (
	TopicLocationUpdated  = "location.updated"
	TopicTimelineStarted  = "timeline.started"
	TopicTimelineFinished = "timeline.finished"
)

const (
	EventLocationUpdate = "locationUpdate"
	EventActiveTimeline = "activeTimeline"
	EventDetailActivity = "detailActivity"

	msgNoActivity   = "No activity yet!!"
	msgActiveFailed = "Failed to fetch ongoing timelines"
	msgDetailFailed = "Failed to fetch detail timelines"
)

// Envelope is the wire shape of every outbound message: a success carries
// data/datas, a structured failure carries message.
type Envelope struct {
	Event   string      `json:"event"`
	Data    interface{} `json:"data,omitempty"`
	Datas   interface{} `json:"datas,omitempty"`
	Message string      `json:"message,omitempty"`
}

// LocationBroadcast is the payload broadcast to locationUpdate subscribers.
type LocationBroadcast struct {
	DeviceId    string          `json:"deviceId"`
	Latitude    float64         `json:"latitude"`
	Longitude   float64         `json:"longitude"`
	ReverseData json.RawMessage `json:"reverseData,omitempty"`
}

// Service binds normalizer, state machine, query service and fan-out into the
// ingest pipeline shared by every gateway.
type Service struct {
	norm    *event.Normalizer
	machine *timeline.Machine
	query   *query.Service
	fanout  *fanout.Fanout
	bus     *bus.Bus
	logger  zerolog.Logger
}

func New(machine *timeline.Machine, q *query.Service, f *fanout.Fanout, b *bus.Bus) *Service {
	s := &Service{}
	s.norm = event.NewNormalizer()
	s.machine = machine
	s.query = q
	s.fanout = f
	s.bus = b
	s.logger = log.With().Str("module", "service").Logger()
	b.RegisterTopics(TopicLocationUpdated, TopicTimelineStarted, TopicTimelineFinished)
	b.RegisterHandler("fanout.location", bus.Handler{
		Matcher: "^" + TopicLocationUpdated + "$",
		Handle:  s.onLocationUpdated,
	})
	b.RegisterHandler("fanout.active", bus.Handler{
		Matcher: "^timeline\\.(started|finished)$",
		Handle:  s.onTimelineChanged,
	})
	return s
}

// HandleLocationUpdate runs one raw inbound event through the full write path:
// normalize, apply, then emit. A *event.ValidationError is answered to the
// originator only, nothing is broadcast for a rejected event.
func (s *Service) HandleLocationUpdate(ctx context.Context, raw *event.RawEvent) (*timeline.Result, error) {
	ev, err := s.norm.Normalize(raw)
	if err != nil {
		return nil, err
	}
	res, err := s.machine.Apply(ctx, ev)
	if err != nil {
		return nil, err
	}
	if res.Started {
		s.emit(ctx, TopicTimelineStarted, res)
	}
	if res.Finished {
		s.emit(ctx, TopicTimelineFinished, res)
	}
	s.emit(ctx, TopicLocationUpdated, res)
	return res, nil
}

// ActiveTimelineEnvelope answers an activeTimeline query. Failures are caught
// here and converted into a structured failure envelope for the requester,
// never broadcast. Exactly one envelope is always returned.
func (s *Service) ActiveTimelineEnvelope(ctx context.Context) *Envelope {
	timelines, err := s.query.ListActiveTimelines(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("active timeline query failed")
		return &Envelope{Event: EventActiveTimeline, Message: msgActiveFailed}
	}
	if len(timelines) == 0 {
		return &Envelope{Event: EventActiveTimeline, Message: msgNoActivity}
	}
	return &Envelope{Event: EventActiveTimeline, Data: timelines}
}

// DetailActivityEnvelope answers a detailActivity query for one timeline id.
// An unknown id yields an empty datas list, absence is not exceptional.
func (s *Service) DetailActivityEnvelope(ctx context.Context, timelineId string) *Envelope {
	obs, err := s.query.GetTimelineDetail(ctx, timelineId)
	if err != nil {
		s.logger.Error().Err(err).Str("timeline_id", timelineId).Msg("detail query failed")
		return &Envelope{Event: EventDetailActivity, Message: msgDetailFailed}
	}
	return &Envelope{Event: EventDetailActivity, Datas: obs}
}

func (s *Service) emit(ctx context.Context, topic string, res *timeline.Result) {
	err := s.bus.Emit(ctx, topic, res)
	if err != nil {
		s.logger.Error().Err(err).Str("topic", topic).Msg("bus emit failed")
	}
}

func (s *Service) onLocationUpdated(ctx context.Context, e bus.Event) {
	res, ok := e.Data.(*timeline.Result)
	if !ok {
		return
	}
	ev := res.Event
	frame, err := json.Marshal(&Envelope{Event: EventLocationUpdate, Data: &LocationBroadcast{
		DeviceId:    ev.DeviceId,
		Latitude:    ev.Latitude,
		Longitude:   ev.Longitude,
		ReverseData: ev.ReverseData,
	}})
	if err != nil {
		s.logger.Error().Err(err).Msg("encoding location broadcast")
		return
	}
	s.fanout.Publish(fanout.TopicLocation, frame)
	if obs := res.Observation; obs != nil && obs.TimelineId != nil {
		detail, err := json.Marshal(&Envelope{Event: EventLocationUpdate, Data: obs})
		if err != nil {
			s.logger.Error().Err(err).Msg("encoding detail broadcast")
			return
		}
		s.fanout.Publish(fanout.TimelineTopic(*obs.TimelineId), detail)
	}
}

// onTimelineChanged pushes the refreshed open-timeline set to activeTimeline
// subscribers whenever a session starts or finishes.
func (s *Service) onTimelineChanged(ctx context.Context, e bus.Event) {
	env := s.ActiveTimelineEnvelope(ctx)
	frame, err := json.Marshal(env)
	if err != nil {
		s.logger.Error().Err(err).Msg("encoding active timeline broadcast")
		return
	}
	s.fanout.Publish(fanout.TopicActive, frame)
}
