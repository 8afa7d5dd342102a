package relay

import (
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Relay mirrors broadcast frames onto NATS subjects so observers on other
// nodes can follow the same streams. It plugs into the fan-out as a regular
// subscriber; delivery stays best-effort.
type Relay struct {
	nc     *nats.Conn
	prefix string
	logger zerolog.Logger
}

func New(url string, prefix string) (*Relay, error) {
	nc, err := nats.Connect(url, nats.Name("loctrack-relay"))
	if err != nil {
		return nil, err
	}
	r := &Relay{nc: nc, prefix: prefix}
	r.logger = log.With().Str("module", "relay").Logger()
	r.logger.Info().Str("url", url).Msg("relay connected")
	return r, nil
}

func (r *Relay) Push(topic string, d []byte) bool {
	if r.nc.IsClosed() {
		return true
	}
	err := r.nc.Publish(r.prefix+"."+topic, d)
	if err != nil {
		r.logger.Err(err).Str("topic", topic).Msg("relay publish failed")
	}
	return false
}

func (r *Relay) Closed() bool {
	return r.nc.IsClosed()
}

func (r *Relay) Name() string {
	return "nats-relay"
}

func (r *Relay) Drain() {
	_ = r.nc.Drain()
}
