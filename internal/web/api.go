package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"nuha.dev/loctrack/internal/event"
	"nuha.dev/loctrack/internal/service"
	"nuha.dev/loctrack/internal/util"
)

// Api is the HTTP face of the query service plus a plain POST ingest endpoint
// for clients without a persistent connection.
type Api struct {
	svc    *service.Service
	logger zerolog.Logger
}

func NewRouter(svc *service.Service) *chi.Mux {
	a := &Api{svc: svc}
	a.logger = log.With().Str("module", "web").Logger()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/api/timeline/active", a.activeTimelines)
	r.Get("/api/timeline/{id}/detail", a.timelineDetail)
	r.Post("/api/location", a.postLocation)
	return r
}

func (a *Api) activeTimelines(w http.ResponseWriter, r *http.Request) {
	util.JsonWrite(w, a.svc.ActiveTimelineEnvelope(r.Context()))
}

func (a *Api) timelineDetail(w http.ResponseWriter, r *http.Request) {
	util.JsonWrite(w, a.svc.DetailActivityEnvelope(r.Context(), chi.URLParam(r, "id")))
}

func (a *Api) postLocation(w http.ResponseWriter, r *http.Request) {
	raw := event.RawEvent{}
	err := json.NewDecoder(r.Body).Decode(&raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := a.svc.HandleLocationUpdate(r.Context(), &raw)
	if err != nil {
		var verr *event.ValidationError
		if errors.As(err, &verr) {
			jsonStatus(w, http.StatusBadRequest, &service.Envelope{Event: service.EventLocationUpdate, Message: verr.Error()})
			return
		}
		a.logger.Error().Err(err).Msg("location update failed")
		jsonStatus(w, http.StatusServiceUnavailable, &service.Envelope{Event: service.EventLocationUpdate, Message: "failed to store location update"})
		return
	}
	util.JsonWrite(w, &service.Envelope{Event: service.EventLocationUpdate, Data: res.Observation})
}

func jsonStatus(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
