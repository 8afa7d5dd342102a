package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"

	"nuha.dev/loctrack/internal/store"
)

type Store struct {
	db  *pgxpool.Pool
	log log.Logger
}

func NewStore(db *pgxpool.Pool) *Store {
	o := &Store{}
	o.db = db
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "pgstore").Value()
	return o
}

func (st *Store) UpsertDevice(ctx context.Context, dev *store.Device) error {
	sqlStmt := `INSERT INTO device (id,name,os,created_at) VALUES ($1,$2,$3,now())
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, os = EXCLUDED.os, updated_at = now()
		RETURNING created_at,updated_at`
	return st.db.QueryRow(ctx, sqlStmt, dev.Id, dev.Name, dev.Os).Scan(&dev.CreatedAt, &dev.UpdatedAt)
}

func (st *Store) OpenTimeline(ctx context.Context, deviceId string) (*store.Timeline, error) {
	sqlStmt := `SELECT id,device_id,start_time,end_time,created_at FROM timeline WHERE device_id = $1 AND end_time IS NULL`
	tl := &store.Timeline{}
	err := st.db.QueryRow(ctx, sqlStmt, deviceId).Scan(&tl.Id, &tl.DeviceId, &tl.StartTime, &tl.EndTime, &tl.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return tl, nil
}

func (st *Store) CreateTimeline(ctx context.Context, tl *store.Timeline) error {
	sqlStmt := `INSERT INTO timeline (id,device_id,start_time,created_at) VALUES ($1,$2,$3,now()) RETURNING created_at`
	err := st.db.QueryRow(ctx, sqlStmt, tl.Id, tl.DeviceId, tl.StartTime).Scan(&tl.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation && pgErr.ConstraintName == "timeline_device_open_key" {
			return store.ErrOpenTimelineExists
		}
		return err
	}
	return nil
}

func (st *Store) CloseTimeline(ctx context.Context, timelineId string, endTime time.Time) (bool, error) {
	sqlStmt := `UPDATE timeline SET end_time = $2 WHERE id = $1 AND end_time IS NULL`
	ct, err := st.db.Exec(ctx, sqlStmt, timelineId, endTime)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (st *Store) ActiveTimelines(ctx context.Context) ([]*store.Timeline, error) {
	sqlStmt := `SELECT t.id,t.device_id,t.start_time,t.end_time,t.created_at,d.id,d.name,d.os,d.created_at,d.updated_at
		FROM timeline t JOIN device d ON d.id = t.device_id
		WHERE t.end_time IS NULL ORDER BY t.created_at DESC`
	rows, err := st.db.Query(ctx, sqlStmt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	timelines := make([]*store.Timeline, 0)
	for rows.Next() {
		tl := &store.Timeline{Device: &store.Device{}}
		err := rows.Scan(&tl.Id, &tl.DeviceId, &tl.StartTime, &tl.EndTime, &tl.CreatedAt,
			&tl.Device.Id, &tl.Device.Name, &tl.Device.Os, &tl.Device.CreatedAt, &tl.Device.UpdatedAt)
		if err != nil {
			return nil, err
		}
		timelines = append(timelines, tl)
	}
	return timelines, rows.Err()
}

func (st *Store) AppendObservation(ctx context.Context, obs *store.Observation) error {
	insertSql := `INSERT INTO observation (id,timeline_id,device_id,latitude,longitude,reverse_data,event_type,created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8) ON CONFLICT (id) DO NOTHING`
	if obs.CreatedAt.IsZero() {
		obs.CreatedAt = time.Now().UTC()
	}
	_, err := st.db.Exec(ctx, insertSql, obs.Id, obs.TimelineId, obs.DeviceId, obs.Latitude, obs.Longitude, obs.ReverseData, obs.EventType, obs.CreatedAt)
	if err != nil {
		return err
	}
	// seq is assigned by the database; read it back so a retried append
	// (conflict on id) reports the sequence of the original row.
	selectSql := `SELECT seq,created_at FROM observation WHERE id = $1`
	return st.db.QueryRow(ctx, selectSql, obs.Id).Scan(&obs.Sequence, &obs.CreatedAt)
}

func (st *Store) Observations(ctx context.Context, timelineId string, afterSeq uint64, limit int) ([]*store.Observation, error) {
	sqlStmt := `SELECT id,timeline_id,device_id,latitude,longitude,reverse_data,event_type,seq,created_at
		FROM observation WHERE timeline_id = $1 AND seq > $2 ORDER BY seq ASC LIMIT $3`
	rows, err := st.db.Query(ctx, sqlStmt, timelineId, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*store.Observation, 0)
	for rows.Next() {
		obs := &store.Observation{}
		err := rows.Scan(&obs.Id, &obs.TimelineId, &obs.DeviceId, &obs.Latitude, &obs.Longitude, &obs.ReverseData, &obs.EventType, &obs.Sequence, &obs.CreatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, obs)
	}
	return out, rows.Err()
}
