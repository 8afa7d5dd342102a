package query

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"nuha.dev/loctrack/internal/store"
)

const detailPageSize = 500

// Service answers read requests from the store snapshot, independent of the
// write path. Absence is never an error: unknown ids yield empty results.
type Service struct {
	store  store.Store
	logger zerolog.Logger
}

func NewService(st store.Store) *Service {
	q := &Service{}
	q.store = st
	q.logger = log.With().Str("module", "query").Logger()
	return q
}

// ListActiveTimelines returns all open timelines joined with device metadata,
// newest first. An empty slice is a normal response.
func (q *Service) ListActiveTimelines(ctx context.Context) ([]*store.Timeline, error) {
	return q.store.ActiveTimelines(ctx)
}

// GetTimelineDetail returns every observation of the timeline in ascending
// sequence order, paging through the ledger in bounded reads.
func (q *Service) GetTimelineDetail(ctx context.Context, timelineId string) ([]*store.Observation, error) {
	out := make([]*store.Observation, 0, detailPageSize)
	var afterSeq uint64
	for {
		page, err := q.store.Observations(ctx, timelineId, afterSeq, detailPageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < detailPageSize {
			return out, nil
		}
		afterSeq = page[len(page)-1].Sequence
	}
}
