package webstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	hashids "github.com/speps/go-hashids/v2"
	"nhooyr.io/websocket"

	"nuha.dev/loctrack/internal/event"
	"nuha.dev/loctrack/internal/fanout"
	"nuha.dev/loctrack/internal/service"
	"nuha.dev/loctrack/internal/timeline"
	"nuha.dev/loctrack/internal/util"
)

const (
	CLogin  string = "login"
	CSub    string = "subscribe"
	CUnsub  string = "unsubscribe"
	CDetail string = "detailActivity"
	CActive string = "activeTimeline"
	CUpdate string = "locationUpdate"
)

type WebstreamServer struct {
	server *http.Server
	svc    *service.Service
	fanout *fanout.Fanout
	config WebStreamConfig
	hash   *hashids.HashID
	cid    uint64
	logger zerolog.Logger
}

type WebStreamConfig struct {
	ListenAddr string
	// TokenHash is a bcrypt hash the first login message is checked against.
	// Empty disables the login step.
	TokenHash string
	IdSalt    string
}

func NewWebstream(svc *service.Service, f *fanout.Fanout, config WebStreamConfig) *WebstreamServer {
	o := &WebstreamServer{config: config}
	o.server = &http.Server{
		Addr:           config.ListenAddr,
		Handler:        http.HandlerFunc(o.serve_http),
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	o.svc = svc
	o.fanout = f
	hd := hashids.NewData()
	hd.Salt = config.IdSalt
	hd.MinLength = 8
	h, err := hashids.NewWithData(hd)
	if err != nil {
		panic(err)
	}
	o.hash = h
	o.logger = log.With().Str("module", "websocket").Logger()
	return o
}

func (ws *WebstreamServer) Run() {
	ws.logger.Info().Msgf("starting ws-server on %s", ws.server.Addr)
	err := ws.server.ListenAndServe()
	if err != nil {
		panic(err)
	}
}

type inboundMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type loginData struct {
	Token string `json:"token"`
}

type subscribeData struct {
	Topic string `json:"topic"`
}

type detailData struct {
	TimelineId string `json:"timelineId"`
}

func (ws *WebstreamServer) serve_http(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		ws.logger.Err(err).Msg("error while upgrading websocket")
		return
	}
	defer c.Close(websocket.StatusInternalError, "closing")

	cid := atomic.AddUint64(&ws.cid, 1)
	name, _ := ws.hash.EncodeInt64([]int64{int64(cid)})
	wc := newClient(c, "ws-"+name, ws.logger)

	if ws.config.TokenHash != "" {
		if !ws.login(wc) {
			c.Close(websocket.StatusPolicyViolation, "login failed")
			return
		}
	}

	go wc.writeloop()
	ws.readloop(wc)
	ws.fanout.UnsubscribeAll(wc)
	wc.shutdown()
	c.Close(websocket.StatusNormalClosure, "")
}

func (ws *WebstreamServer) login(wc *WsClient) bool {
	readCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, raw, err := wc.c.Read(readCtx)
	if err != nil {
		ws.logger.Err(err).Str("client", wc.name).Msg("error while reading login message")
		return false
	}
	msg := inboundMessage{}
	data := loginData{}
	if json.Unmarshal(raw, &msg) != nil || msg.Event != CLogin || json.Unmarshal(msg.Data, &data) != nil {
		return false
	}
	if !util.CheckPwd(ws.config.TokenHash, data.Token) {
		ws.logger.Warn().Str("client", wc.name).Msg("login token rejected")
		return false
	}
	wc.respondDirect(&service.Envelope{Event: CLogin, Data: map[string]bool{"ok": true}})
	return true
}

func (ws *WebstreamServer) readloop(wc *WsClient) {
	for {
		_, raw, err := wc.c.Read(context.Background())
		if err != nil {
			wc.closeErr(err)
			return
		}
		msg := inboundMessage{}
		err = json.Unmarshal(raw, &msg)
		if err != nil {
			wc.respond(&service.Envelope{Message: "malformed message"})
			continue
		}
		ws.dispatch(wc, &msg)
	}
}

func (ws *WebstreamServer) dispatch(wc *WsClient, msg *inboundMessage) {
	ctx := context.Background()
	switch msg.Event {
	case CUpdate:
		raw := event.RawEvent{}
		if err := json.Unmarshal(msg.Data, &raw); err != nil {
			wc.respond(&service.Envelope{Event: CUpdate, Message: "malformed payload"})
			return
		}
		_, err := ws.svc.HandleLocationUpdate(ctx, &raw)
		if err != nil {
			wc.respond(&service.Envelope{Event: CUpdate, Message: errorMessage(err)})
		}
	case CActive:
		wc.respond(ws.svc.ActiveTimelineEnvelope(ctx))
	case CDetail:
		data := detailData{}
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			wc.respond(&service.Envelope{Event: CDetail, Message: "malformed payload"})
			return
		}
		wc.respond(ws.svc.DetailActivityEnvelope(ctx, data.TimelineId))
	case CSub:
		data := subscribeData{}
		if err := json.Unmarshal(msg.Data, &data); err != nil || data.Topic == "" {
			wc.respond(&service.Envelope{Event: CSub, Message: "malformed payload"})
			return
		}
		ws.fanout.Subscribe(data.Topic, wc)
		wc.respond(&service.Envelope{Event: CSub, Data: &subscribeData{Topic: data.Topic}})
	case CUnsub:
		data := subscribeData{}
		if err := json.Unmarshal(msg.Data, &data); err != nil || data.Topic == "" {
			wc.respond(&service.Envelope{Event: CUnsub, Message: "malformed payload"})
			return
		}
		ws.fanout.Unsubscribe(data.Topic, wc)
		wc.respond(&service.Envelope{Event: CUnsub, Data: &subscribeData{Topic: data.Topic}})
	default:
		wc.respond(&service.Envelope{Event: msg.Event, Message: "unknown event"})
	}
}

func errorMessage(err error) string {
	var verr *event.ValidationError
	if errors.As(err, &verr) {
		return verr.Error()
	}
	var perr *timeline.PersistenceError
	if errors.As(err, &perr) {
		return "failed to store location update"
	}
	return "internal error"
}

// WsClient is one observer connection. Broadcast frames go through a bounded
// channel and are dropped when the client cannot keep up, direct query
// responses block until written or the connection dies.
type WsClient struct {
	c       *websocket.Conn
	name    string
	wch     chan []byte
	done    chan struct{}
	closed  uint32
	pushed  uint64
	skipped uint64
	err     error
	logger  zerolog.Logger
}

func newClient(c *websocket.Conn, name string, logger zerolog.Logger) *WsClient {
	wc := &WsClient{c: c, name: name}
	wc.wch = make(chan []byte, 32)
	wc.done = make(chan struct{})
	wc.logger = logger.With().Str("client", name).Logger()
	return wc
}

func (wc *WsClient) writeloop() {
	for {
		select {
		case d := <-wc.wch:
			writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := wc.c.Write(writeCtx, websocket.MessageText, d)
			cancel()
			if err != nil {
				wc.closeErr(err)
				return
			}
		case <-wc.done:
			return
		}
	}
}

func (wc *WsClient) respond(env *service.Envelope) {
	d, err := json.Marshal(env)
	if err != nil {
		wc.logger.Err(err).Msg("error encoding response")
		return
	}
	select {
	case wc.wch <- d:
	case <-wc.done:
	}
}

// respondDirect writes outside the writeloop, only valid before it starts.
func (wc *WsClient) respondDirect(env *service.Envelope) {
	d, err := json.Marshal(env)
	if err != nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = wc.c.Write(writeCtx, websocket.MessageText, d)
}

func (wc *WsClient) Push(topic string, d []byte) bool {
	if wc.Closed() {
		return true
	}
	select {
	case wc.wch <- d:
		atomic.AddUint64(&wc.pushed, 1)
	default:
		atomic.AddUint64(&wc.skipped, 1)
		wc.logger.Debug().Str("topic", topic).Msgf("dropping %d bytes", len(d))
	}
	return false
}

func (wc *WsClient) closeErr(err error) {
	if atomic.CompareAndSwapUint32(&wc.closed, 0, 1) {
		wc.err = err
	}
}

func (wc *WsClient) shutdown() {
	atomic.StoreUint32(&wc.closed, 1)
	close(wc.done)
	wc.logger.Debug().Uint64("pushed", atomic.LoadUint64(&wc.pushed)).Uint64("skipped", atomic.LoadUint64(&wc.skipped)).Msg("connection closed")
}

func (wc *WsClient) Closed() bool {
	return atomic.LoadUint32(&wc.closed) == 1
}

func (wc *WsClient) Name() string {
	return wc.name
}
