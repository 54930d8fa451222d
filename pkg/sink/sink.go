// Package sink defines durable destinations for accepted readings.
// Implementations register a factory by name from their init function, and
// callers select them through configuration:
//
//	sinks:
//	  - name: archive
//	    connector: file
//	    config:
//	      path: /var/lib/furnace/readings.jsonl
//
// Blank-import the implementation packages that should be available.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/edgeflare/furnace/pkg/telemetry"
	"github.com/mitchellh/mapstructure"
)

// Predefined connectors
const (
	ConnectorClickHouse = "clickhouse"
	ConnectorDebug      = "debug"
	ConnectorFile       = "file"
	ConnectorKafka      = "kafka"
	ConnectorNATS       = "nats"
	ConnectorPostgres   = "postgres"
)

var (
	ErrUnknownConnector = errors.New("unknown sink connector")
	ErrNotConnected     = errors.New("sink not connected")
)

// A Sink persists readings somewhere outside the process.
type Sink interface {
	// Connect initializes the sink from its free-form configuration map.
	Connect(ctx context.Context, config map[string]any) error

	// Write stores a single reading. It must honour ctx cancellation.
	Write(ctx context.Context, r telemetry.Reading) error

	Close() error
}

// A Loader can replay previously stored readings, oldest first, so the
// in-memory history survives a restart.
type Loader interface {
	Load(ctx context.Context, limit int) ([]telemetry.Reading, error)
}

// Factory returns a new, unconnected Sink.
type Factory func() Sink

var (
	factories = make(map[string]Factory)
	mu        sync.RWMutex
)

// Register makes a connector available under name. Registering the same name
// twice replaces the earlier factory.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[name] = f
}

// New returns an unconnected sink for the named connector.
func New(connector string) (Sink, error) {
	mu.RLock()
	f, ok := factories[connector]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnector, connector)
	}
	return f(), nil
}

// Connectors lists registered connector names in sorted order.
func Connectors() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Config describes one configured sink.
type Config struct {
	Name      string         `mapstructure:"name"`
	Connector string         `mapstructure:"connector"`
	Config    map[string]any `mapstructure:"config"`
}

// Named pairs a connected sink with its configured name.
type Named struct {
	Sink
	Name string
}

// Open creates and connects every configured sink. If any fails, the ones
// already connected are closed before the error is returned.
func Open(ctx context.Context, configs []Config) ([]Named, error) {
	opened := make([]Named, 0, len(configs))
	for _, c := range configs {
		name := c.Name
		if name == "" {
			name = c.Connector
		}
		s, err := New(c.Connector)
		if err == nil {
			err = s.Connect(ctx, c.Config)
		}
		if err != nil {
			for _, o := range opened {
				_ = o.Close()
			}
			return nil, fmt.Errorf("sink %s: %w", name, err)
		}
		opened = append(opened, Named{Sink: s, Name: name})
	}
	return opened, nil
}

// Decode fills out from a sink's configuration map. Keys match the
// mapstructure tags of out, and "5s"-style strings decode into durations.
func Decode(config map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(config); err != nil {
		return fmt.Errorf("decode sink config: %w", err)
	}
	return nil
}
