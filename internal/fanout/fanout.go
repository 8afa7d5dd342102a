package fanout

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	TopicLocation = "locationUpdate"
	TopicActive   = "activeTimeline"

	timelinePrefix = "timeline:"
)

// TimelineTopic names the detail stream of one timeline.
func TimelineTopic(timelineId string) string {
	return timelinePrefix + timelineId
}

// Subscriber receives published frames. Push reports true when the subscriber
// is gone and should be dropped from the registry. Delivery is best-effort and
// at-most-once, a slow subscriber may drop frames on its own.
type Subscriber interface {
	Push(topic string, d []byte) bool
	Closed() bool
	Name() string
}

// Fanout is a topic-keyed subscriber registry. The subscriber set is
// snapshotted under lock before a publish, so subscribe/unsubscribe during a
// publish takes effect on the next one.
type Fanout struct {
	mu     sync.Mutex
	topics map[string]map[Subscriber]bool
	logger zerolog.Logger
}

func New() *Fanout {
	f := &Fanout{}
	f.topics = make(map[string]map[Subscriber]bool)
	f.logger = log.With().Str("module", "fanout").Logger()
	return f
}

func (f *Fanout) Subscribe(topic string, sub Subscriber) {
	f.mu.Lock()
	subs, ok := f.topics[topic]
	if !ok {
		subs = make(map[Subscriber]bool)
		f.topics[topic] = subs
	}
	subs[sub] = true
	f.mu.Unlock()
	f.logger.Debug().Str("topic", topic).Str("subscriber", sub.Name()).Msg("subscribed")
}

func (f *Fanout) Unsubscribe(topic string, sub Subscriber) {
	f.mu.Lock()
	if subs, ok := f.topics[topic]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(f.topics, topic)
		}
	}
	f.mu.Unlock()
}

// UnsubscribeAll detaches sub from every topic, used on connection teardown.
func (f *Fanout) UnsubscribeAll(sub Subscriber) {
	f.mu.Lock()
	for topic, subs := range f.topics {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(f.topics, topic)
		}
	}
	f.mu.Unlock()
}

func (f *Fanout) Publish(topic string, d []byte) {
	f.mu.Lock()
	subs := f.topics[topic]
	snapshot := make([]Subscriber, 0, len(subs))
	for sub := range subs {
		snapshot = append(snapshot, sub)
	}
	f.mu.Unlock()

	var gone []Subscriber
	for _, sub := range snapshot {
		if sub.Push(topic, d) {
			gone = append(gone, sub)
		}
	}
	if len(gone) != 0 {
		f.mu.Lock()
		if subs, ok := f.topics[topic]; ok {
			for _, sub := range gone {
				delete(subs, sub)
			}
			if len(subs) == 0 {
				delete(f.topics, topic)
			}
		}
		f.mu.Unlock()
	}
}

// Prune drops subscribers that report closed without waiting for the next
// publish on their topics.
func (f *Fanout) Prune() {
	f.mu.Lock()
	for topic, subs := range f.topics {
		for sub := range subs {
			if sub.Closed() {
				delete(subs, sub)
			}
		}
		if len(subs) == 0 {
			delete(f.topics, topic)
		}
	}
	f.mu.Unlock()
}

// Subscribers reports the current subscriber count of a topic.
func (f *Fanout) Subscribers(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.topics[topic])
}
