// Package config loads the daemon configuration from a TOML file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// Config represents ~/.wprelay/config.toml.
type Config struct {
	DataDir    string           `toml:"data_dir"`
	Server     ServerConfig     `toml:"server"`
	Store      StoreConfig      `toml:"store"`
	Cache      CacheConfig      `toml:"cache"`
	Provider   ProviderConfig   `toml:"provider"`
	Automation AutomationConfig `toml:"automation"`
	Realtime   RealtimeConfig   `toml:"realtime"`
	Media      MediaConfig      `toml:"media"`
	Redis      RedisConfig      `toml:"redis"`
	Outbox     OutboxConfig     `toml:"outbox"`
	Tracing    TracingConfig    `toml:"tracing"`
	Log        LogConfig        `toml:"log"`
}

type ServerConfig struct {
	Addr            string        `toml:"addr" validate:"required,hostname_port"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" validate:"min=0"`
}

// StoreConfig selects the durable store. An empty driver runs on the
// in-memory cache only.
type StoreConfig struct {
	Driver string `toml:"driver" validate:"omitempty,oneof=sqlite postgres"`
	// DSN is a file path for sqlite (default <data_dir>/wprelay.db) and a
	// connection string for postgres.
	DSN string `toml:"dsn" validate:"required_if=Driver postgres"`
}

type CacheConfig struct {
	MaxConversations int           `toml:"max_conversations" validate:"min=1"`
	MaxMessages      int           `toml:"max_messages" validate:"min=1"`
	SweepInterval    time.Duration `toml:"sweep_interval" validate:"min=1s"`
}

type ProviderConfig struct {
	BaseURL       string        `toml:"base_url" validate:"omitempty,url"`
	PhoneNumberID string        `toml:"phone_number_id"`
	AccessToken   string        `toml:"access_token"`
	VerifyToken   string        `toml:"verify_token"`
	Timeout       time.Duration `toml:"timeout" validate:"min=0"`
}

type AutomationConfig struct {
	URL        string        `toml:"url" validate:"omitempty,url"`
	Secret     string        `toml:"secret"`
	Timeout    time.Duration `toml:"timeout" validate:"min=0"`
	Wait       time.Duration `toml:"broadcast_wait" validate:"min=0"`
	IncludeRaw bool          `toml:"include_raw"`
}

type RealtimeConfig struct {
	OriginPatterns []string      `toml:"origin_patterns"`
	WriteTimeout   time.Duration `toml:"write_timeout" validate:"min=0"`
	Buffer         int           `toml:"buffer" validate:"min=0"`
}

type MediaConfig struct {
	Enabled  bool          `toml:"enabled"`
	Dir      string        `toml:"dir"`
	BaseURL  string        `toml:"base_url"`
	MaxBytes int64         `toml:"max_bytes" validate:"min=0"`
	Timeout  time.Duration `toml:"timeout" validate:"min=0"`
}

// RedisConfig enables cross-process deduplication when Addr is set.
type RedisConfig struct {
	Addr     string        `toml:"addr" validate:"omitempty,hostname_port"`
	Password string        `toml:"password"`
	DB       int           `toml:"db" validate:"min=0"`
	TTL      time.Duration `toml:"ttl" validate:"min=0"`
}

type OutboxConfig struct {
	PollInterval time.Duration `toml:"poll_interval" validate:"min=0"`
	RatePerSec   float64       `toml:"rate_per_sec" validate:"min=0"`
	Burst        int           `toml:"burst" validate:"min=0"`
}

type TracingConfig struct {
	Endpoint    string  `toml:"endpoint"`
	Insecure    bool    `toml:"insecure"`
	SampleRatio float64 `toml:"sample_ratio" validate:"min=0,max=1"`
}

type LogConfig struct {
	Level string `toml:"level" validate:"oneof=debug info warn error"`
	// File defaults to <data_dir>/logs/wprelayd.log.
	File string `toml:"file"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DataDir: BaseDir(),
		Server:  ServerConfig{Addr: "127.0.0.1:8080", ShutdownTimeout: 10 * time.Second},
		Store:   StoreConfig{Driver: "sqlite"},
		Cache: CacheConfig{
			MaxConversations: 1000,
			MaxMessages:      100,
			SweepInterval:    time.Minute,
		},
		Provider:   ProviderConfig{Timeout: 30 * time.Second},
		Automation: AutomationConfig{Timeout: 5 * time.Second, Wait: 6 * time.Second},
		Realtime:   RealtimeConfig{WriteTimeout: 5 * time.Second, Buffer: 64},
		Media:      MediaConfig{BaseURL: "/media", MaxBytes: 100 << 20, Timeout: 30 * time.Second},
		Redis:      RedisConfig{TTL: 24 * time.Hour},
		Outbox:     OutboxConfig{PollInterval: 500 * time.Millisecond, RatePerSec: 20, Burst: 5},
		Tracing:    TracingConfig{SampleRatio: 1},
		Log:        LogConfig{Level: "info"},
	}
}

// Load reads the config at path over the defaults. ${VAR} references are
// expanded from the environment before decoding. A missing file is an error
// wrapping fs.ErrNotExist.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default()
	md, err := toml.Decode(os.ExpandEnv(string(data)), cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		keys := make([]string, len(undec))
		for i, k := range undec {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = Default()
		cfg.Resolve()
		return cfg, cfg.Validate()
	}
	return cfg, err
}

// Resolve fills paths derived from DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = BaseDir()
	}
	if c.Store.Driver == "sqlite" && c.Store.DSN == "" {
		c.Store.DSN = DBPath(c.DataDir)
	}
	if c.Media.Dir == "" {
		c.Media.Dir = MediaDir(c.DataDir)
	}
	if c.Log.File == "" {
		c.Log.File = LogPath(c.DataDir)
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag())
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return err
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
