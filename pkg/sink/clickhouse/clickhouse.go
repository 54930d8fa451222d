// Package clickhouse archives readings into a MergeTree table.
package clickhouse

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/edgeflare/furnace/pkg/sink"
	"github.com/edgeflare/furnace/pkg/telemetry"
	"github.com/edgeflare/furnace/pkg/util"
)

// Config is decoded from the sink's config map. Empty fields fall back to the
// FURNACE_CLICKHOUSE_* environment variables.
type Config struct {
	Addr     []string `mapstructure:"addr"`
	Database string   `mapstructure:"database"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	Table    string   `mapstructure:"table"`
}

// Sink inserts one row per reading. Temperatures are stored as nullable
// columns next to the raw payload so they can be aggregated directly.
type Sink struct {
	conn driver.Conn
	cfg  Config
}

func (s *Sink) Connect(ctx context.Context, config map[string]any) error {
	if err := sink.Decode(config, &s.cfg); err != nil {
		return err
	}
	s.cfg = s.cfg.withDefaults()

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: s.cfg.Addr,
		Auth: clickhouse.Auth{
			Database: s.cfg.Database,
			Username: s.cfg.Username,
			Password: s.cfg.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	if err := conn.Exec(ctx, createTableSQL(s.cfg)); err != nil {
		conn.Close()
		return fmt.Errorf("create table %s: %w", s.cfg.Table, err)
	}

	s.conn = conn
	return nil
}

func (s *Sink) Write(ctx context.Context, r telemetry.Reading) error {
	if s.conn == nil {
		return sink.ErrNotConnected
	}
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	f := r.Payload.Fields()

	err = s.conn.Exec(ctx, insertSQL(s.cfg),
		time.UnixMilli(r.Timestamp), r.Topic,
		f.Temperatures[0], f.Temperatures[1], f.Temperatures[2], f.Temperatures[3],
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to insert into ClickHouse: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (c Config) withDefaults() Config {
	if len(c.Addr) == 0 {
		c.Addr = []string{util.GetEnvOrDefault("FURNACE_CLICKHOUSE_ADDR", "localhost:9000")}
	}
	c.Database = cmp.Or(c.Database, util.GetEnvOrDefault("FURNACE_CLICKHOUSE_DATABASE", "default"))
	c.Username = cmp.Or(c.Username, util.GetEnvOrDefault("FURNACE_CLICKHOUSE_USERNAME", "default"))
	c.Password = cmp.Or(c.Password, util.GetEnvOrDefault("FURNACE_CLICKHOUSE_PASSWORD", ""))
	c.Table = cmp.Or(c.Table, "furnace_readings")
	return c
}

var identEscaper = strings.NewReplacer("\\", "\\\\", "`", "\\`")

// quoteIdent quotes a database or table name for ClickHouse.
func quoteIdent(name string) string {
	return "`" + identEscaper.Replace(name) + "`"
}

func tableName(c Config) string {
	return quoteIdent(c.Database) + "." + quoteIdent(c.Table)
}

func createTableSQL(c Config) string {
	return `CREATE TABLE IF NOT EXISTS ` + tableName(c) + ` (
		timestamp DateTime64(3),
		topic String,
		t1 Nullable(Float64),
		t2 Nullable(Float64),
		t3 Nullable(Float64),
		t4 Nullable(Float64),
		payload String
	) ENGINE = MergeTree ORDER BY timestamp`
}

func insertSQL(c Config) string {
	return `INSERT INTO ` + tableName(c) + ` (timestamp, topic, t1, t2, t3, t4, payload) VALUES (?, ?, ?, ?, ?, ?, ?)`
}

func init() {
	sink.Register(sink.ConnectorClickHouse, func() sink.Sink { return &Sink{} })
}
