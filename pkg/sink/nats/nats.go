// Package nats mirrors readings onto NATS subjects, optionally backed by a
// JetStream stream.
//
// A reading received on MQTT topic "/dxiot/4q/get/danzhan/tuihuolu" is
// published to "<prefix>.dxiot.4q.get.danzhan.tuihuolu".
package nats

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/edgeflare/furnace/pkg/sink"
	"github.com/edgeflare/furnace/pkg/telemetry"
	"github.com/nats-io/nats.go"
)

type Config struct {
	Servers       []string `mapstructure:"servers"`
	SubjectPrefix string   `mapstructure:"subjectPrefix"`
	// JetStream publishes through a stream so readings survive restarts.
	JetStream bool   `mapstructure:"jetstream"`
	Stream    string `mapstructure:"stream"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	TLS       struct {
		Enabled  bool   `mapstructure:"enabled"`
		CertFile string `mapstructure:"certFile"`
		KeyFile  string `mapstructure:"keyFile"`
		CAFile   string `mapstructure:"caFile"`
	} `mapstructure:"tls"`
}

type Sink struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	cfg Config
}

func (s *Sink) Connect(_ context.Context, config map[string]any) error {
	if err := sink.Decode(config, &s.cfg); err != nil {
		return err
	}
	if len(s.cfg.Servers) == 0 {
		s.cfg.Servers = []string{nats.DefaultURL}
	}
	s.cfg.SubjectPrefix = cmp.Or(s.cfg.SubjectPrefix, "furnace")
	s.cfg.Stream = cmp.Or(s.cfg.Stream, s.cfg.SubjectPrefix+"-readings")

	var err error
	s.nc, err = nats.Connect(strings.Join(s.cfg.Servers, ","), defaultOptions(s.cfg)...)
	if err != nil {
		return fmt.Errorf("connect to NATS server: %w", err)
	}

	if !s.cfg.JetStream {
		return nil
	}
	if s.js, err = s.nc.JetStream(); err != nil {
		s.nc.Close()
		return fmt.Errorf("create JetStream context: %w", err)
	}
	if err := s.ensureStream(); err != nil {
		s.nc.Close()
		return fmt.Errorf("ensure stream: %w", err)
	}
	return nil
}

func (s *Sink) Write(ctx context.Context, r telemetry.Reading) error {
	if s.nc == nil {
		return sink.ErrNotConnected
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal reading: %w", err)
	}
	subject := Subject(s.cfg.SubjectPrefix, r.Topic)

	if s.js != nil {
		if _, err := s.js.Publish(subject, data, nats.Context(ctx)); err != nil {
			return fmt.Errorf("publish message: %w", err)
		}
		return nil
	}
	if err := s.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.nc == nil {
		return nil
	}
	err := s.nc.Drain()
	if errors.Is(err, nats.ErrConnectionClosed) {
		return nil
	}
	return err
}

// Subject maps an MQTT topic to a NATS subject under prefix. Empty levels are
// dropped and wildcard characters replaced.
func Subject(prefix, topic string) string {
	tokens := []string{prefix}
	for _, level := range strings.Split(topic, "/") {
		if level == "" {
			continue
		}
		level = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(level)
		tokens = append(tokens, level)
	}
	return strings.Join(tokens, ".")
}

func (s *Sink) ensureStream() error {
	config := &nats.StreamConfig{
		Name:     s.cfg.Stream,
		Subjects: []string{s.cfg.SubjectPrefix + ".>"},
		Storage:  nats.FileStorage,
		Replicas: 1,
	}

	if _, err := s.js.StreamInfo(s.cfg.Stream); err == nil {
		_, err = s.js.UpdateStream(config)
		return err
	} else if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("get stream info: %w", err)
	}

	if _, err := s.js.AddStream(config); err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	return nil
}

func defaultOptions(c Config) []nats.Option {
	opts := []nats.Option{
		nats.Name("furnace"),
		nats.Timeout(5 * time.Second),
		nats.PingInterval(10 * time.Second),
		nats.MaxPingsOutstanding(3),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	}

	if c.Username != "" && c.Password != "" {
		opts = append(opts, nats.UserInfo(c.Username, c.Password))
	}

	if c.TLS.Enabled {
		if c.TLS.CAFile != "" {
			opts = append(opts, nats.RootCAs(c.TLS.CAFile))
		}
		if c.TLS.CertFile != "" && c.TLS.KeyFile != "" {
			opts = append(opts, nats.ClientCert(c.TLS.CertFile, c.TLS.KeyFile))
		}
	}

	return opts
}

func init() {
	sink.Register(sink.ConnectorNATS, func() sink.Sink { return &Sink{} })
}
