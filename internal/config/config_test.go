package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyConfigUsesDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)

	assert.Equal(t, TransportWebSocket, cfg.Relay.TransportName())
	assert.Equal(t, -1, cfg.Relay.RetryLimit())
	assert.Equal(t, DefaultStartingPort, cfg.Tunnel.Port())
	assert.Equal(t, DefaultIdleTimeout, cfg.Tunnel.IdleThreshold())
	assert.Equal(t, DefaultIdleSweepInterval, cfg.Tunnel.SweepInterval())
	assert.Equal(t, DefaultMaxNoRoute, cfg.Tunnel.NoRouteThreshold())
	assert.Equal(t, DefaultRetryMin, cfg.Messenger.Min())
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
device_id: cpe-7
relay:
  url: relay.example.net:9999
  transport: yamux
  max_retry_count: 3
tunnel:
  starting_port: 31000
  idle_timeout: 30s
  max_no_route: 2
log:
  level: debug
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "cpe-7", cfg.DeviceID)
	assert.Equal(t, TransportYamux, cfg.Relay.TransportName())
	assert.Equal(t, 3, cfg.Relay.RetryLimit())
	assert.Equal(t, 31000, cfg.Tunnel.Port())
	assert.Equal(t, 30*time.Second, cfg.Tunnel.IdleThreshold())
	assert.Equal(t, 2, cfg.Tunnel.NoRouteThreshold())
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidateRejectsBadValues(t *testing.T) {
	_, err := Parse([]byte("relay:\n  transport: carrier-pigeon\ntunnel:\n  starting_port: 70000\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay.transport")
	assert.Contains(t, err.Error(), "tunnel.starting_port")
}
