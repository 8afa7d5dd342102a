package ingest

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/phuslu/log"
	proxyproto "github.com/pires/go-proxyproto"

	"nuha.dev/loctrack/internal/event"
	"nuha.dev/loctrack/internal/service"
)

const (
	NEW_CONNECTION    string = "new_connection"
	BAD_FRAME         string = "bad_frame"
	CONNECTION_CLOSED string = "connection_closed"
)

// Server ingests newline-delimited JSON location events over raw TCP. Devices
// reach it either through the direct listener (PROXY protocol aware) or
// through a dial-out yamux tunnel to an edge endpoint.
type Server struct {
	mu          sync.Mutex
	log         log.Logger
	svc         *service.Service
	config      *ServerConfig
	cid_counter uint64
	listener    net.Listener
}

type ServerConfig struct {
	ListenerAddr string
	TunnelAddr   string
	TunnelToken  string
}

func NewServer(svc *service.Service, config *ServerConfig) *Server {
	s := &Server{}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "ingest").Value()
	s.svc = svc
	s.config = config
	return s
}

func (s *Server) Run() {
	if s.config.TunnelAddr != "" {
		go s.runTunnel()
	}
	s.runListener()
}

func (s *Server) runListener() {
	s.log.Info().Msgf("starting ingest listener on %s", s.config.ListenerAddr)
	ln, err := net.Listen("tcp", s.config.ListenerAddr)
	if err != nil {
		s.log.Error().Err(err).Msg("unable to listen")
		return
	}
	pln := &proxyproto.Listener{Listener: ln}
	s.mu.Lock()
	s.listener = pln
	s.mu.Unlock()

	for {
		_c, err := pln.Accept()
		if err != nil {
			s.log.Error().Err(err).Msg("failed to accept new connection")
			pln.Close()
			return
		}
		c := NewConn(_c, atomic.AddUint64(&s.cid_counter, 1))
		s.log.Info().Str("event", NEW_CONNECTION).EmbedObject(c).Msg("")
		go s.handle(c)
	}
}

// runTunnel dials the edge endpoint, authenticates with the shared token and
// accepts device streams multiplexed over the single tunnel connection.
func (s *Server) runTunnel() {
	for {
		s.dialTunnel()
		time.Sleep(5 * time.Second)
	}
}

func (s *Server) dialTunnel() {
	s.log.Info().Msgf("dialling tunnel %s", s.config.TunnelAddr)
	yconn, err := net.Dial("tcp", s.config.TunnelAddr)
	if err != nil {
		s.log.Error().Err(err).Msg("unable to dial tunnel endpoint")
		return
	}
	_, err = yconn.Write([]byte(s.config.TunnelToken))
	if err != nil {
		yconn.Close()
		s.log.Error().Err(err).Msg("unable to authenticate with tunnel endpoint")
		return
	}
	status := []byte{0}
	_, err = yconn.Read(status)
	if err != nil {
		yconn.Close()
		s.log.Error().Err(err).Msg("unable to authenticate with tunnel endpoint")
		return
	}
	if status[0] != '+' {
		yconn.Close()
		s.log.Error().Msg("tunnel rejected")
		return
	}
	s.log.Info().Msg("tunnel accepted")
	session, err := yamux.Client(yconn, nil)
	if err != nil {
		yconn.Close()
		s.log.Error().Err(err).Msg("unable to start tunnel session")
		return
	}
	for {
		tconn, err := session.Accept()
		if err != nil {
			s.log.Error().Err(err).Msg("tunnel session closed")
			session.Close()
			return
		}
		c := NewConn(tconn, atomic.AddUint64(&s.cid_counter, 1))
		s.log.Info().Str("event", NEW_CONNECTION).EmbedObject(c).Msg("")
		go s.handle(c)
	}
}

func (s *Server) handle(c *Conn) {
	defer func() {
		in, out := c.Stat()
		s.log.Info().Str("event", CONNECTION_CLOSED).EmbedObject(c).Uint64("byte_in", in).Uint64("byte_out", out).Msg("")
		c.Close()
	}()
	for {
		line, err := c.ReadBytes('\n')
		if err != nil {
			return
		}
		if len(line) <= 1 {
			continue
		}
		raw := event.RawEvent{}
		err = json.Unmarshal(line, &raw)
		if err != nil {
			s.log.Warn().Str("event", BAD_FRAME).EmbedObject(c).Err(err).Msg("undecodable frame")
			s.reply(c, &service.Envelope{Event: service.EventLocationUpdate, Message: "malformed payload"})
			continue
		}
		_, err = s.svc.HandleLocationUpdate(context.Background(), &raw)
		if err != nil {
			s.log.Warn().Str("event", BAD_FRAME).EmbedObject(c).Err(err).Msg("rejected event")
			s.reply(c, &service.Envelope{Event: service.EventLocationUpdate, Message: err.Error()})
		}
	}
}

// reply writes one JSON line back to the device, errors end the connection on
// the next read.
func (s *Server) reply(c *Conn, env *service.Envelope) {
	d, err := json.Marshal(env)
	if err != nil {
		return
	}
	_, _ = c.Write(append(d, '\n'))
}
