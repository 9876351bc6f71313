// Package config loads the server configuration: YAML file with defaults
// for everything, plus the couple of environment knobs the runtime honors.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath overrides the config file path when set.
const EnvConfigPath = "SANDSTONE_CONFIG"

// EnvParallelEncode toggles parallel sync fan-out: 0/1, true/false, on/off.
const EnvParallelEncode = "SST_SYNC_PARALLEL_ENCODE"

// Config holds all server settings.
type Config struct {
	// Network
	Listen string `yaml:"listen"`

	// Logging: debug, info, warn or error.
	LogLevel string `yaml:"log_level"`

	// Wire encoding: json, json-array or msgpack.
	Encoding string `yaml:"encoding"`

	// PayloadCompression flattens object payloads into positional arrays
	// in the array encodings.
	PayloadCompression bool `yaml:"payload_compression"`

	// Joins
	AllowAutoCreateOnJoin bool   `yaml:"allow_auto_create_on_join"`
	DuplicateLoginPolicy  string `yaml:"duplicate_login_policy"` // kick_old, reject_new, allow_multiple

	// Lands
	DestroyWhenEmpty time.Duration `yaml:"destroy_when_empty"` // zero keeps empty lands alive

	// Connections
	SendQueueSize int           `yaml:"send_queue_size"` // per-connection outbox capacity
	WriteTimeout  time.Duration `yaml:"write_timeout"`   // per-write deadline

	// RecorderDir enables the land activity recorder when non-empty.
	RecorderDir string `yaml:"recorder_dir"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Listen:                "0.0.0.0:8080",
		LogLevel:              "info",
		Encoding:              "json",
		AllowAutoCreateOnJoin: true,
		DuplicateLoginPolicy:  "kick_old",
		DestroyWhenEmpty:      5 * time.Minute,
		SendQueueSize:         256,
		WriteTimeout:          5 * time.Second,
	}
}

// Load reads the config file at path, or at $SANDSTONE_CONFIG when path is
// empty. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// SlogLevel maps the configured level name to a slog level.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParallelEncode resolves the parallel fan-out switch: the environment
// wins when set, otherwise defaultOn (on for JSON codecs) applies.
func ParallelEncode(defaultOn bool) bool {
	switch strings.ToLower(os.Getenv(EnvParallelEncode)) {
	case "1", "true", "on":
		return true
	case "0", "false", "off":
		return false
	default:
		return defaultOn
	}
}
