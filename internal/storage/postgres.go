package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	logx "weatherpush/pkg/logx"
)

const postgresOperationTimeout = 5 * time.Second

const postgresSchema = `
CREATE TABLE IF NOT EXISTS weatherpush_deliveries (
	id         BIGSERIAL PRIMARY KEY,
	at         TIMESTAMPTZ NOT NULL,
	event_id   TEXT        NOT NULL,
	channel    TEXT        NOT NULL,
	endpoint   TEXT        NOT NULL,
	outcome    TEXT        NOT NULL,
	status     INTEGER     NOT NULL DEFAULT 0,
	err        TEXT,
	latency_ms BIGINT      NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS weatherpush_deliveries_at ON weatherpush_deliveries(at);
`

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// postgresStore connects lazily so the service starts even while the
// database is still coming up; the first write pays the connection cost.
type postgresStore struct {
	dsn    string
	openDB sqlOpenFunc
	log    logx.Logger

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	return &postgresStore{dsn: dsn, openDB: sql.Open, log: log}, nil
}

func (s *postgresStore) ensureReady(ctx context.Context) error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		cctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
		defer cancel()
		if _, err := db.ExecContext(cctx, postgresSchema); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *postgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *postgresStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	cctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	_, err := s.db.ExecContext(cctx,
		`INSERT INTO weatherpush_deliveries(at, event_id, channel, endpoint, outcome, status, err, latency_ms)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		r.At.UTC(), r.EventID, r.Channel, r.Endpoint, r.Outcome, r.Status, nullStr(r.Error), r.LatencyMS,
	)
	return err
}

func (s *postgresStore) PruneBefore(ctx context.Context, t time.Time) (int64, error) {
	if err := s.ensureReady(ctx); err != nil {
		return 0, err
	}
	cctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	res, err := s.db.ExecContext(cctx, `DELETE FROM weatherpush_deliveries WHERE at < $1`, t.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
