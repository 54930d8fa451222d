// Package postgres stores readings in a PostgreSQL table and can serve
// history queries from it.
package postgres

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/edgeflare/furnace/pkg/history"
	"github.com/edgeflare/furnace/pkg/sink"
	"github.com/edgeflare/furnace/pkg/telemetry"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Config struct {
	ConnString string `mapstructure:"connString"`
	Table      string `mapstructure:"table"`
	// ConnectTimeout bounds the total time spent retrying the first connection.
	ConnectTimeout time.Duration `mapstructure:"connectTimeout"`
}

// Sink writes readings to Config.Table, creating it when missing.
type Sink struct {
	pool  *pgxpool.Pool
	cfg   Config
	table string
}

func (s *Sink) Connect(ctx context.Context, config map[string]any) error {
	if err := sink.Decode(config, &s.cfg); err != nil {
		return err
	}
	s.cfg.Table = cmp.Or(s.cfg.Table, "messages")
	s.cfg.ConnectTimeout = cmp.Or(s.cfg.ConnectTimeout, 30*time.Second)
	s.table = pgx.Identifier{s.cfg.Table}.Sanitize()

	poolConfig, err := pgxpool.ParseConfig(s.cfg.ConnString)
	if err != nil {
		return fmt.Errorf("parse connection string: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = s.cfg.ConnectTimeout
	err = backoff.Retry(func() error {
		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return err
		}
		s.pool = pool
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return fmt.Errorf("connect to PostgreSQL: %w", err)
	}

	if err := s.bootstrap(ctx); err != nil {
		s.pool.Close()
		s.pool = nil
		return err
	}
	return nil
}

func (s *Sink) bootstrap(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			topic TEXT NOT NULL,
			payload JSONB NOT NULL,
			timestamp BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (timestamp DESC, id DESC)`,
			pgx.Identifier{s.cfg.Table + "_timestamp_idx"}.Sanitize(), s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap table %s: %w", s.cfg.Table, err)
		}
	}
	return nil
}

func (s *Sink) Write(ctx context.Context, r telemetry.Reading) error {
	if s.pool == nil {
		return sink.ErrNotConnected
	}
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (topic, payload, timestamp) VALUES ($1, $2, $3)`, s.table),
		r.Topic, payload, r.Timestamp)
	if err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}
	return nil
}

// RangeQuery returns readings with start <= timestamp <= end, newest first.
// A non-positive limit returns every match.
func (s *Sink) RangeQuery(ctx context.Context, start, end int64, limit, offset int) ([]telemetry.Reading, error) {
	if s.pool == nil {
		return nil, sink.ErrNotConnected
	}
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT timestamp, topic, payload FROM %s
			WHERE timestamp BETWEEN $1 AND $2
			ORDER BY timestamp DESC, id DESC
			LIMIT $3 OFFSET $4`, s.table),
		start, end, lim, max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	return collect(rows)
}

func (s *Sink) Latest(ctx context.Context, n int) ([]telemetry.Reading, error) {
	if n <= 0 {
		return []telemetry.Reading{}, nil
	}
	return s.RangeQuery(ctx, history.MinTime, history.MaxTime, n, 0)
}

func (s *Sink) Count(ctx context.Context) (int, error) {
	if s.pool == nil {
		return 0, sink.ErrNotConnected
	}
	var n int
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, s.table)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count readings: %w", err)
	}
	return n, nil
}

// Load returns the limit most recent readings, oldest first.
func (s *Sink) Load(ctx context.Context, limit int) ([]telemetry.Reading, error) {
	readings, err := s.RangeQuery(ctx, history.MinTime, history.MaxTime, limit, 0)
	if err != nil {
		return nil, err
	}
	slices.Reverse(readings)
	return readings, nil
}

func (s *Sink) Close() error {
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	return nil
}

func collect(rows pgx.Rows) ([]telemetry.Reading, error) {
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (telemetry.Reading, error) {
		var (
			r   telemetry.Reading
			raw []byte
		)
		if err := row.Scan(&r.Timestamp, &r.Topic, &raw); err != nil {
			return r, err
		}
		if err := json.Unmarshal(raw, &r.Payload); err != nil {
			r.Payload = telemetry.OpaquePayload(string(raw))
		}
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan readings: %w", err)
	}
	if out == nil {
		out = []telemetry.Reading{}
	}
	return out, nil
}

func init() {
	sink.Register(sink.ConnectorPostgres, func() sink.Sink { return &Sink{} })
}
