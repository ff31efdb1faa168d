package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "sim", cfg.Transport.Type)
	assert.Equal(t, []int{1}, cfg.Devices)
	assert.Equal(t, 100, cfg.Tuning.PollTimeoutMs)
	assert.Equal(t, 61, cfg.Tuning.MaxSend)
	assert.Equal(t, 1000, cfg.Tuning.BackoffCap)
	assert.Equal(t, 100, cfg.Telemetry.HistorySize)
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
}

func TestLoadConfigFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
transport:
  type: fdcanusb
  fdcanusb:
    port_path: /dev/ttyACM0
devices: [5, 6]
tuning:
  poll_timeout_ms: 50
server:
  listen_addr: ":9090"
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cfg := LoadConfig(path)
	assert.Equal(t, "fdcanusb", cfg.Transport.Type)
	assert.Equal(t, "/dev/ttyACM0", cfg.Transport.Fdcanusb.PortPath)
	assert.Equal(t, []int{5, 6}, cfg.Devices)
	assert.Equal(t, 50, cfg.Tuning.PollTimeoutMs)
	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	// Untouched sections keep their defaults.
	assert.Equal(t, 1000, cfg.Tuning.BackoffCap)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Equal(t, "sim", cfg.Transport.Type)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BUS_TYPE", "fdcanusb")
	t.Setenv("BUS_PORT", "/dev/ttyACM1")
	t.Setenv("BUS_DEVICES", "2, 3, 4")
	t.Setenv("LISTEN_ADDR", ":7070")
	t.Setenv("LOG_ENABLED", "true")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, "fdcanusb", cfg.Transport.Type)
	assert.Equal(t, "/dev/ttyACM1", cfg.Transport.Fdcanusb.PortPath)
	assert.Equal(t, []int{2, 3, 4}, cfg.Devices)
	assert.Equal(t, ":7070", cfg.Server.ListenAddr)
	assert.True(t, cfg.Logging.Enabled)
}

func TestUpdateFromJSONDeepMerge(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.UpdateFromJSON([]byte(`{"tuning":{"pollTimeoutMs":25},"server":{"listenAddr":":1234"}}`))
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.Tuning.PollTimeoutMs)
	assert.Equal(t, ":1234", cfg.Server.ListenAddr)
	// Sibling fields inside patched sections survive.
	assert.Equal(t, 10, cfg.Tuning.IdleSleepMs)
	assert.Equal(t, "sim", cfg.Transport.Type)

	assert.Error(t, cfg.UpdateFromJSON([]byte(`{nope`)))
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := DefaultConfig()
	cfg.path = path
	cfg.Server.ListenAddr = ":4321"
	require.NoError(t, cfg.Save())

	loaded := LoadConfig(path)
	assert.Equal(t, ":4321", loaded.Server.ListenAddr)
}
