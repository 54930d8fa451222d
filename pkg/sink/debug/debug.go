// Package debug logs every reading instead of storing it.
package debug

import (
	"context"

	"github.com/edgeflare/furnace/pkg/sink"
	"github.com/edgeflare/furnace/pkg/telemetry"
	"go.uber.org/zap"
)

type Config struct {
	// Level is one of debug, info or warn.
	Level string `mapstructure:"level"`
}

type Sink struct {
	logger *zap.Logger
	level  zap.AtomicLevel
}

// New returns a debug sink writing to logger.
func New(logger *zap.Logger) *Sink {
	return &Sink{logger: logger, level: zap.NewAtomicLevelAt(zap.InfoLevel)}
}

func (s *Sink) Connect(_ context.Context, config map[string]any) error {
	var cfg Config
	if err := sink.Decode(config, &cfg); err != nil {
		return err
	}
	if s.logger == nil {
		l, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		s.logger = l.Named(sink.ConnectorDebug)
	}
	s.level = zap.NewAtomicLevelAt(zap.InfoLevel)
	if cfg.Level != "" {
		if err := s.level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Write(_ context.Context, r telemetry.Reading) error {
	if ce := s.logger.Check(s.level.Level(), "reading"); ce != nil {
		ce.Write(
			zap.Int64("timestamp", r.Timestamp),
			zap.String("topic", r.Topic),
			zap.Any("payload", r.Payload),
		)
	}
	return nil
}

func (s *Sink) Close() error {
	_ = s.logger.Sync()
	return nil
}

func init() {
	sink.Register(sink.ConnectorDebug, func() sink.Sink { return &Sink{} })
}
