package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/busview/internal/bus"
)

// Config holds all busview configuration.
type Config struct {
	mu sync.RWMutex

	// Bus transport
	Transport TransportConfig `yaml:"transport" json:"transport"`

	// Device addresses to attach to
	Devices []int `yaml:"devices" json:"devices"`

	// Polling loop tuning
	Tuning TuningConfig `yaml:"tuning" json:"tuning"`

	// Telemetry handling
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`

	// CSV signal logging
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// HTTP server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type TransportConfig struct {
	Type     string             `yaml:"type" json:"type"` // "fdcanusb" or "sim"
	Fdcanusb bus.FdcanusbConfig `yaml:"fdcanusb" json:"fdcanusb"`
}

type TuningConfig struct {
	PollTimeoutMs  int `yaml:"poll_timeout_ms" json:"pollTimeoutMs"`
	IdleSleepMs    int `yaml:"idle_sleep_ms" json:"idleSleepMs"`
	MaxSend        int `yaml:"max_send" json:"maxSend"`
	MaxReceive     int `yaml:"max_receive" json:"maxReceive"`
	BackoffCap     int `yaml:"backoff_cap" json:"backoffCap"`
	StartupPolls   int `yaml:"startup_polls" json:"startupPolls"`
	StartupFlushes int `yaml:"startup_flushes" json:"startupFlushes"`
}

type TelemetryConfig struct {
	HistorySize int `yaml:"history_size" json:"historySize"`
	DefaultRate int `yaml:"default_rate_hz" json:"defaultRateHz"` // watch rate when unspecified
}

type LoggingConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Path     string `yaml:"path" json:"path"`
	Interval int    `yaml:"interval_ms" json:"intervalMs"` // ms between log entries
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Transport: TransportConfig{
			Type: "sim",
			Fdcanusb: bus.FdcanusbConfig{
				PortPath: "/dev/fdcanusb",
				BaudRate: 9600,
			},
		},
		Devices: []int{1},
		Tuning: TuningConfig{
			PollTimeoutMs:  100,
			IdleSleepMs:    10,
			MaxSend:        61,
			MaxReceive:     48,
			BackoffCap:     1000,
			StartupPolls:   5,
			StartupFlushes: 1,
		},
		Telemetry: TelemetryConfig{
			HistorySize: 100,
			DefaultRate: 10,
		},
		Logging: LoggingConfig{
			Enabled:  false,
			Path:     "/var/log/busview",
			Interval: 100,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Info().Str("path", path).Msg("no config file, using defaults")
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("config parse failed, using defaults")
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Info().Str("path", path).Msg("config loaded")
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Info().Str("path", path).Msg("loading .env")
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		val = strings.Trim(val, `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: BUS_TYPE, BUS_PORT, BUS_BAUD, BUS_DEVICES, LISTEN_ADDR,
// LOG_ENABLED, LOG_PATH, LOG_INTERVAL_MS
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("BUS_TYPE"); v != "" {
		c.Transport.Type = v
	}
	if v := os.Getenv("BUS_PORT"); v != "" {
		c.Transport.Fdcanusb.PortPath = v
	}
	if v := os.Getenv("BUS_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Transport.Fdcanusb.BaudRate = n
		}
	}
	if v := os.Getenv("BUS_DEVICES"); v != "" {
		var devices []int
		for _, s := range strings.Split(v, ",") {
			if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
				devices = append(devices, n)
			}
		}
		if len(devices) > 0 {
			c.Devices = devices
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
	if v := os.Getenv("LOG_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Logging.Interval = n
		}
	}
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = "/etc/busview/config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved (e.g. port paths, device list).
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
