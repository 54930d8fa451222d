package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/edgeflare/furnace/pkg/api"
	"github.com/edgeflare/furnace/pkg/chart"
	"github.com/edgeflare/furnace/pkg/fanout"
	"github.com/edgeflare/furnace/pkg/history"
	"github.com/edgeflare/furnace/pkg/mqtt"
	"github.com/edgeflare/furnace/pkg/relay"
	"github.com/edgeflare/furnace/pkg/sink"
	"github.com/edgeflare/furnace/pkg/util"
	"github.com/spf13/viper"
)

// Version is set at build time with -ldflags "-X github.com/edgeflare/furnace/pkg/config.Version=...".
var Version = "dev"

// SourceMemory answers history queries from the in-memory store.
const SourceMemory = "memory"

// Config holds application-wide configuration
type Config struct {
	MQTT     mqtt.Config   `mapstructure:"mqtt"`
	HTTP     HTTPConfig    `mapstructure:"http"`
	History  HistoryConfig `mapstructure:"history"`
	Chart    ChartConfig   `mapstructure:"chart"`
	Persist  PersistConfig `mapstructure:"persist"`
	Sinks    []sink.Config `mapstructure:"sinks"`
	Metrics  MetricsConfig `mapstructure:"metrics"`
	Timezone string        `mapstructure:"timezone"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

type HTTPConfig struct {
	ListenAddr     string        `mapstructure:"listenAddr"`
	StaticDir      string        `mapstructure:"staticDir"`
	MaxRows        int           `mapstructure:"maxRows"`
	ObserverBuffer int           `mapstructure:"observerBuffer"`
	KeepAlive      time.Duration `mapstructure:"keepAlive"`
	TLS            TLSConfig     `mapstructure:"tls"`
	CORSOrigins    []string      `mapstructure:"corsOrigins"`
}

type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"certFile"`
	KeyFile  string `mapstructure:"keyFile"`
}

type HistoryConfig struct {
	Capacity int `mapstructure:"capacity"`
	// Source is "memory" or the name of a sink that can answer queries.
	Source string `mapstructure:"source"`
	// Restore names a sink whose persisted readings are loaded at startup.
	Restore string `mapstructure:"restore"`
}

type ChartConfig struct {
	Size     int           `mapstructure:"size"`
	Capacity int           `mapstructure:"capacity"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type PersistConfig struct {
	QueueSize    int           `mapstructure:"queueSize"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mqtt.servers", []string{util.GetEnvOrDefault("FURNACE_MQTT_BROKER", "tcp://127.0.0.1:1883")})
	v.SetDefault("mqtt.topics", mqtt.DefaultTopics)
	v.SetDefault("mqtt.publishTopic", relay.DefaultPublishTopic)
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.cleanSession", true)
	v.SetDefault("http.listenAddr", ":3000")
	v.SetDefault("http.maxRows", api.DefaultMaxRows)
	v.SetDefault("http.observerBuffer", fanout.DefaultBuffer)
	v.SetDefault("http.keepAlive", api.DefaultKeepAlive)
	v.SetDefault("history.capacity", history.DefaultCapacity)
	v.SetDefault("history.source", SourceMemory)
	v.SetDefault("chart.size", chart.DefaultSize)
	v.SetDefault("chart.capacity", chart.DefaultCapacity)
	v.SetDefault("chart.ttl", chart.DefaultTTL)
	v.SetDefault("persist.queueSize", relay.DefaultQueueSize)
	v.SetDefault("persist.writeTimeout", relay.DefaultWriteTimeout)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9100")
	v.SetDefault("timezone", "Local")
}

// Load reads config from file or environment. Without cfgFile it looks for
// furnace.yaml in $HOME/.config and the working directory; a missing file
// is not an error. Environment variables use the FURNACE_ prefix with dots
// replaced by underscores, e.g. FURNACE_HTTP_LISTENADDR.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("furnace")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("FURNACE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field references.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}

	var names []string
	for i, s := range c.Sinks {
		name := s.Name
		if name == "" {
			name = s.Connector
		}
		if s.Connector == "" {
			return fmt.Errorf("sinks[%d]: connector is required", i)
		}
		if slices.Contains(names, name) {
			return fmt.Errorf("sinks[%d]: duplicate sink name %q", i, name)
		}
		names = append(names, name)
	}
	if c.History.Source != "" && c.History.Source != SourceMemory && !slices.Contains(names, c.History.Source) {
		return fmt.Errorf("history.source %q is not a configured sink", c.History.Source)
	}
	if c.History.Restore != "" && !slices.Contains(names, c.History.Restore) {
		return fmt.Errorf("history.restore %q is not a configured sink", c.History.Restore)
	}
	return nil
}

// Location resolves Timezone; calendar dates in queries are interpreted in it.
func (c *Config) Location() (*time.Location, error) {
	switch c.Timezone {
	case "", "Local":
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}
