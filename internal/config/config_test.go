package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(""))
	require.NoError(t, err)

	require.Equal(t, "http://localhost:5000", cfg.Simulator.URL)
	require.Equal(t, "http://localhost:5000/sse", cfg.Simulator.EventsURL())
	require.Equal(t, "/devices", cfg.Simulator.DevicesPath)
	require.Equal(t, 10*time.Second, cfg.Simulator.Timeout.Duration())
	require.Equal(t, time.Second, cfg.Simulator.MinRetryBackoff.Duration())
	require.Equal(t, 2*time.Minute, cfg.Simulator.MaxRetryBackoff.Duration())
	require.Equal(t, 2.0, cfg.Simulator.RetryMultiplier)
	require.Equal(t, 0, cfg.Simulator.MaxReconnects)
	require.Equal(t, "0.0.0.0:8080", cfg.HTTP.Addr())
	require.Equal(t, "UTC", cfg.View.Timezone)
	require.Equal(t, 50, cfg.View.MaxErrors)
	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, 1, cfg.EventBus.GetWorkers())
	require.Equal(t, 256, cfg.EventBus.GetQueueSize())
	require.Equal(t, 5*time.Second, cfg.GetShutdownTimeout())
	require.False(t, cfg.MQTT.Enabled)
}

func TestParse_Values(t *testing.T) {
	cfg, err := Parse([]byte(`
simulator:
  url: http://sim:5000/
  events_path: events
  timeout: 3s
  max_reconnects: 5
http:
  port: 9000
view:
  title: Lab feeders
  timezone: Europe/London
  date_layout: "2006-01-02 15:04:05"
mqtt:
  enabled: true
  broker: tcp://broker:1883
  qos: 1
shutdown_timeout: 1m
`))
	require.NoError(t, err)
	require.Equal(t, "http://sim:5000/events", cfg.Simulator.EventsURL())
	require.Equal(t, 3*time.Second, cfg.Simulator.Timeout.Duration())
	require.Equal(t, 5, cfg.Simulator.MaxReconnects)
	require.Equal(t, 9000, cfg.HTTP.Port)
	require.Equal(t, "2006-01-02 15:04:05", cfg.View.DateLayout)
	require.Equal(t, "Lab feeders", cfg.View.Title)
	require.Equal(t, "fmbview", cfg.MQTT.ClientID)
	require.Equal(t, time.Minute, cfg.GetShutdownTimeout())

	loc, err := cfg.View.Location()
	require.NoError(t, err)
	require.Equal(t, "Europe/London", loc.String())
}

func TestParse_EnvExpansion(t *testing.T) {
	t.Setenv("FMBVIEW_SIM_URL", "http://from-env:5000")

	cfg, err := Parse([]byte(`
simulator:
  url: ${FMBVIEW_SIM_URL}
log:
  level: ${FMBVIEW_UNSET_LEVEL:debug}
`))
	require.NoError(t, err)
	require.Equal(t, "http://from-env:5000", cfg.Simulator.URL)
	require.Equal(t, "debug", cfg.Log.Level)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad_url", "simulator:\n  url: localhost:5000\n"},
		{"bad_duration", "simulator:\n  timeout: soon\n"},
		{"bad_timezone", "view:\n  timezone: Mars/Olympus\n"},
		{"mqtt_without_broker", "mqtt:\n  enabled: true\n"},
		{"bad_qos", "mqtt:\n  qos: 3\n"},
		{"loki_without_url", "log:\n  loki:\n    enabled: true\n"},
		{"backoff_inverted", "simulator:\n  min_retry_backoff: 5m\n  max_retry_backoff: 1s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
		})
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http:\n  port: 7000\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 7000, cfg.HTTP.Port)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestDuration_IntegerSeconds(t *testing.T) {
	cfg, err := Parse([]byte("shutdown_timeout: 30\nsimulator:\n  timeout: 250ms\n"))
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, cfg.GetShutdownTimeout())
	require.Equal(t, 250*time.Millisecond, cfg.Simulator.Timeout.Duration())
}
