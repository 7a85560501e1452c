package localfirst

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmgilman/go/errors"
	toml "github.com/pelletier/go-toml/v2"
)

// ============================================================================
// Config types
// ============================================================================

// Duration is a time.Duration written as a string ("5m") in TOML.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config is the file-backed configuration of the data layer.
type Config struct {
	Storage StorageConfig `toml:"storage"`
	Cache   CacheConfig   `toml:"cache"`
	Queue   QueueConfig   `toml:"queue"`
	Stream  StreamConfig  `toml:"stream"`
	Remote  RemoteConfig  `toml:"remote"`
	Logging LoggingConfig `toml:"logging"`
}

// StorageConfig selects the KeyValueStore backend.
type StorageConfig struct {
	Driver     string `toml:"driver" validate:"oneof=sqlite memory"`
	Path       string `toml:"path"`
	QuotaBytes int64  `toml:"quota_bytes" validate:"gte=0"`
}

// CacheConfig holds cache defaults.
type CacheConfig struct {
	DefaultTTL      Duration `toml:"default_ttl" validate:"gt=0"`
	FetchTimeout    Duration `toml:"fetch_timeout" validate:"gte=0"`
	OfflineFallback bool     `toml:"offline_fallback"`
}

// QueueConfig holds the offline queue policy.
type QueueConfig struct {
	FlushInterval Duration `toml:"flush_interval" validate:"gt=0"`
	MaxAttempts   int      `toml:"max_attempts" validate:"gte=0"`
	Exhausted     string   `toml:"exhausted" validate:"oneof=block dead_letter"`
	FailureMode   string   `toml:"failure_mode" validate:"oneof=block isolate_key"`
}

// StreamConfig holds bulk processing defaults.
type StreamConfig struct {
	ChunkSize          int      `toml:"chunk_size" validate:"gt=0"`
	PauseBetweenChunks Duration `toml:"pause_between_chunks" validate:"gte=0"`
	MaxConcurrency     int      `toml:"max_concurrency" validate:"gte=0"`
}

// RemoteConfig points at the optional sync backend.
type RemoteConfig struct {
	BaseURL       string   `toml:"base_url" validate:"omitempty,url"`
	Token         string   `toml:"token"`
	SigningSecret string   `toml:"signing_secret"`
	ProbeURL      string   `toml:"probe_url" validate:"omitempty,url"`
	ProbeInterval Duration `toml:"probe_interval" validate:"gte=0"`
}

// LoggingConfig configures NewLogger.
type LoggingConfig struct {
	Level string `toml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `toml:"json"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{Driver: "sqlite"},
		Cache: CacheConfig{
			DefaultTTL:      Duration(DefaultTTL),
			OfflineFallback: true,
		},
		Queue: QueueConfig{
			FlushInterval: Duration(DefaultFlushInterval),
			Exhausted:     string(ExhaustedBlock),
			FailureMode:   string(FailureModeBlock),
		},
		Stream: StreamConfig{ChunkSize: DefaultChunkSize},
		Remote: RemoteConfig{ProbeInterval: Duration(30 * time.Second)},
		Logging: LoggingConfig{Level: "info"},
	}
}

// RetryPolicy converts the queue section.
func (c *Config) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: c.Queue.MaxAttempts,
		Exhausted:   ExhaustedPolicy(c.Queue.Exhausted),
		FailureMode: FailureMode(c.Queue.FailureMode),
	}
}

var validate = validator.New()

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "invalid configuration")
	}
	return nil
}

// ============================================================================
// Config helpers
// ============================================================================

// DefaultConfigDir returns ~/.localfirst.
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".localfirst"), nil
}

// LoadConfig reads path over DefaultConfig. A missing file yields the
// defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidConfig, "cannot parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig writes cfg to path as TOML.
func SaveConfig(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// Set assigns a field using dot notation (e.g. "queue.max_attempts") and
// validates the result.
func (c *Config) Set(key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. cache.default_ttl)")
	}
	section, field := parts[0], parts[1]

	var err error
	switch section {
	case "storage":
		switch field {
		case "driver":
			c.Storage.Driver = value
		case "path":
			c.Storage.Path = value
		case "quota_bytes":
			c.Storage.QuotaBytes, err = strconv.ParseInt(value, 10, 64)
		default:
			return unknownField(section, field)
		}
	case "cache":
		switch field {
		case "default_ttl":
			err = c.Cache.DefaultTTL.UnmarshalText([]byte(value))
		case "fetch_timeout":
			err = c.Cache.FetchTimeout.UnmarshalText([]byte(value))
		case "offline_fallback":
			c.Cache.OfflineFallback, err = strconv.ParseBool(value)
		default:
			return unknownField(section, field)
		}
	case "queue":
		switch field {
		case "flush_interval":
			err = c.Queue.FlushInterval.UnmarshalText([]byte(value))
		case "max_attempts":
			c.Queue.MaxAttempts, err = strconv.Atoi(value)
		case "exhausted":
			c.Queue.Exhausted = value
		case "failure_mode":
			c.Queue.FailureMode = value
		default:
			return unknownField(section, field)
		}
	case "stream":
		switch field {
		case "chunk_size":
			c.Stream.ChunkSize, err = strconv.Atoi(value)
		case "pause_between_chunks":
			err = c.Stream.PauseBetweenChunks.UnmarshalText([]byte(value))
		case "max_concurrency":
			c.Stream.MaxConcurrency, err = strconv.Atoi(value)
		default:
			return unknownField(section, field)
		}
	case "remote":
		switch field {
		case "base_url":
			c.Remote.BaseURL = value
		case "token":
			c.Remote.Token = value
		case "signing_secret":
			c.Remote.SigningSecret = value
		case "probe_url":
			c.Remote.ProbeURL = value
		case "probe_interval":
			err = c.Remote.ProbeInterval.UnmarshalText([]byte(value))
		default:
			return unknownField(section, field)
		}
	case "logging":
		switch field {
		case "level":
			c.Logging.Level = value
		case "json":
			c.Logging.JSON, err = strconv.ParseBool(value)
		default:
			return unknownField(section, field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: storage, cache, queue, stream, remote, logging)", section)
	}
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return c.Validate()
}

func unknownField(section, field string) error {
	return fmt.Errorf("unknown field %q in section [%s]", field, section)
}
