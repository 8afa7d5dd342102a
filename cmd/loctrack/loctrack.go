package main

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/mustafaturan/bus/v3"
	"github.com/mustafaturan/monoton/v2"
	"github.com/mustafaturan/monoton/v2/sequencer"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"nuha.dev/loctrack/internal/fanout"
	"nuha.dev/loctrack/internal/ingest"
	"nuha.dev/loctrack/internal/query"
	"nuha.dev/loctrack/internal/relay"
	"nuha.dev/loctrack/internal/service"
	"nuha.dev/loctrack/internal/store"
	"nuha.dev/loctrack/internal/store/impl/memstore"
	"nuha.dev/loctrack/internal/store/impl/pgstore"
	"nuha.dev/loctrack/internal/timeline"
	"nuha.dev/loctrack/internal/util"
	"nuha.dev/loctrack/internal/web"
	"nuha.dev/loctrack/internal/webstream"
)

func main() {
	viper.SetDefault("db_url", "")
	viper.SetDefault("api_listen", ":3333")
	viper.SetDefault("ws_listen", ":3334")
	viper.SetDefault("ingest_listen", ":3335")
	viper.SetDefault("tunnel_addr", "")
	viper.SetDefault("tunnel_token", "")
	viper.SetDefault("nats_url", "")
	viper.SetDefault("nats_prefix", "loctrack")
	viper.SetDefault("ws_token_hash", "")
	viper.SetDefault("ws_id_salt", "loctrack")
	viper.SetEnvPrefix("loctrack")
	viper.AutomaticEnv()

	var st store.Store
	if dbUrl := viper.GetString("db_url"); dbUrl != "" {
		pool, err := pgxpool.Connect(context.Background(), dbUrl)
		util.Pan1c(err)
		st = pgstore.NewStore(pool)
	} else {
		log.Warn().Msg("no db_url configured, using in-memory store")
		st = memstore.NewStore()
	}

	m, err := monoton.New(sequencer.NewMillisecond(), 1, 0)
	util.Pan1c(err)
	var idGenerator bus.Next = m.Next
	b, err := bus.NewBus(idGenerator)
	util.Pan1c(err)

	f := fanout.New()
	machine := timeline.NewMachine(st, m.Next, &timeline.MachineConfig{})
	q := query.NewService(st)
	svc := service.New(machine, q, f, b)

	if natsUrl := viper.GetString("nats_url"); natsUrl != "" {
		rl, err := relay.New(natsUrl, viper.GetString("nats_prefix"))
		util.Pan1c(err)
		defer rl.Drain()
		f.Subscribe(fanout.TopicLocation, rl)
		f.Subscribe(fanout.TopicActive, rl)
	}

	ing := ingest.NewServer(svc, &ingest.ServerConfig{
		ListenerAddr: viper.GetString("ingest_listen"),
		TunnelAddr:   viper.GetString("tunnel_addr"),
		TunnelToken:  viper.GetString("tunnel_token"),
	})
	go ing.Run()

	ws := webstream.NewWebstream(svc, f, webstream.WebStreamConfig{
		ListenAddr: viper.GetString("ws_listen"),
		TokenHash:  viper.GetString("ws_token_hash"),
		IdSalt:     viper.GetString("ws_id_salt"),
	})
	go ws.Run()

	api := &http.Server{
		Addr:           viper.GetString("api_listen"),
		Handler:        web.NewRouter(svc),
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	log.Info().Str("addr", api.Addr).Msg("starting api server")
	err = api.ListenAndServe()
	util.Pan1c(err)
}
