package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgeflare/furnace/pkg/sink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "furnace.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.File)
	assert.Equal(t, ":3000", cfg.HTTP.ListenAddr)
	assert.Equal(t, 500, cfg.HTTP.MaxRows)
	assert.Equal(t, 10000, cfg.History.Capacity)
	assert.Equal(t, SourceMemory, cfg.History.Source)
	assert.Equal(t, 8, cfg.Chart.Size)
	assert.Equal(t, 1000, cfg.Chart.Capacity)
	assert.Equal(t, 30*time.Minute, cfg.Chart.TTL)
	assert.Equal(t, 1024, cfg.Persist.QueueSize)
	assert.Equal(t, []string{"/dxiot/4q/get/danzhan/tuihuolu", "/dxiot/4q/pub/danzhan/tuihuolu"}, cfg.MQTT.Topics)
	assert.True(t, cfg.Metrics.Enabled)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, time.Local, loc)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
mqtt:
  servers: ["tcp://broker:1883"]
  qos: 1
  keepAlive: 30s
http:
  listenAddr: ":8080"
  staticDir: ./public
history:
  capacity: 200
  source: archive
  restore: local
chart:
  size: 12
timezone: Asia/Shanghai
sinks:
  - name: archive
    connector: postgres
    config:
      connString: postgres://localhost/furnace
  - name: local
    connector: file
    config:
      path: /var/lib/furnace/readings.jsonl
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.File)
	assert.Equal(t, []string{"tcp://broker:1883"}, cfg.MQTT.Servers)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)
	assert.Equal(t, 30*time.Second, cfg.MQTT.KeepAlive)
	assert.Equal(t, ":8080", cfg.HTTP.ListenAddr)
	assert.Equal(t, "./public", cfg.HTTP.StaticDir)
	assert.Equal(t, 200, cfg.History.Capacity)
	assert.Equal(t, 12, cfg.Chart.Size)
	assert.Equal(t, 1000, cfg.Chart.Capacity, "unset keys keep defaults")

	require.Len(t, cfg.Sinks, 2)
	assert.Equal(t, "postgres", cfg.Sinks[0].Connector)
	var pg struct {
		ConnString string `mapstructure:"connString"`
	}
	require.NoError(t, sink.Decode(cfg.Sinks[0].Config, &pg))
	assert.Equal(t, "postgres://localhost/furnace", pg.ConnString)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Asia/Shanghai", loc.String())
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "http:\n  listenAddr: \":8080\"\n")
	t.Setenv("FURNACE_HTTP_LISTENADDR", ":9999")
	t.Setenv("FURNACE_HISTORY_CAPACITY", "42")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.HTTP.ListenAddr)
	assert.Equal(t, 42, cfg.History.Capacity)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad yaml", "http: [", "error reading config file"},
		{"bad timezone", "timezone: Mars/Olympus", "invalid timezone"},
		{"unknown source", "history:\n  source: archive\n", `history.source "archive"`},
		{"unknown restore", "history:\n  restore: local\n", `history.restore "local"`},
		{"missing connector", "sinks:\n  - name: x\n", "connector is required"},
		{"duplicate sink", "sinks:\n  - connector: file\n  - connector: file\n", "duplicate sink name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
