// Package config loads runtime, loader, server and logging settings from
// TOML or YAML files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	zen "github.com/wippyai/zen-runtime"
)

// Backends.
const (
	BackendCore = "core"
	BackendWASM = "wasm"
)

// Loader types.
const (
	LoaderNone       = ""
	LoaderFilesystem = "filesystem"
	LoaderRedis      = "redis"
	LoaderSQL        = "sql"
	LoaderAPI        = "api"
)

// Config is the complete file configuration.
type Config struct {
	Backend    string           `toml:"backend" yaml:"backend" mapstructure:"backend"`
	WASM       WASMConfig       `toml:"wasm" yaml:"wasm" mapstructure:"wasm"`
	Loader     LoaderConfig     `toml:"loader" yaml:"loader" mapstructure:"loader"`
	Server     ServerConfig     `toml:"server" yaml:"server" mapstructure:"server"`
	Evaluation EvaluationConfig `toml:"evaluation" yaml:"evaluation" mapstructure:"evaluation"`
	Logging    LoggingConfig    `toml:"logging" yaml:"logging" mapstructure:"logging"`
}

// WASMConfig selects the WebAssembly engine build.
type WASMConfig struct {
	Path             string `toml:"path" yaml:"path" mapstructure:"path"`
	MemoryLimitPages uint32 `toml:"memory_limit_pages" yaml:"memory_limit_pages" mapstructure:"memory_limit_pages"`
	WASI             bool   `toml:"wasi" yaml:"wasi" mapstructure:"wasi"`
	CacheDir         string `toml:"cache_dir" yaml:"cache_dir" mapstructure:"cache_dir"`
}

// LoaderConfig selects where decision keys are resolved.
type LoaderConfig struct {
	Type string `toml:"type" yaml:"type" mapstructure:"type"`

	// filesystem
	Path  string `toml:"path" yaml:"path" mapstructure:"path"`
	Watch bool   `toml:"watch" yaml:"watch" mapstructure:"watch"`

	// redis
	RedisURL string `toml:"redis_url" yaml:"redis_url" mapstructure:"redis_url"`
	Prefix   string `toml:"prefix" yaml:"prefix" mapstructure:"prefix"`

	// sql
	DSN   string `toml:"dsn" yaml:"dsn" mapstructure:"dsn"`
	Table string `toml:"table" yaml:"table" mapstructure:"table"`

	// api
	URL        string            `toml:"url" yaml:"url" mapstructure:"url"`
	Headers    map[string]string `toml:"headers" yaml:"headers" mapstructure:"headers"`
	Timeout    time.Duration     `toml:"timeout" yaml:"timeout" mapstructure:"timeout"`
	MaxRetries int               `toml:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`
	CacheTTL   time.Duration     `toml:"cache_ttl" yaml:"cache_ttl" mapstructure:"cache_ttl"`
}

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	Addr            string        `toml:"addr" yaml:"addr" mapstructure:"addr"`
	ReadTimeout     time.Duration `toml:"read_timeout" yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `toml:"write_timeout" yaml:"write_timeout" mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `toml:"max_body_bytes" yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	Metrics         bool          `toml:"metrics" yaml:"metrics" mapstructure:"metrics"`
}

// EvaluationConfig holds evaluation defaults.
type EvaluationConfig struct {
	Trace           bool          `toml:"trace" yaml:"trace" mapstructure:"trace"`
	MaxDepth        uint8         `toml:"max_depth" yaml:"max_depth" mapstructure:"max_depth"`
	CallbackTimeout time.Duration `toml:"callback_timeout" yaml:"callback_timeout" mapstructure:"callback_timeout"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level       string `toml:"level" yaml:"level" mapstructure:"level"`
	Development bool   `toml:"development" yaml:"development" mapstructure:"development"`
}

// Options returns the evaluation defaults as zen options.
func (e EvaluationConfig) Options() zen.EvaluationOptions {
	return zen.EvaluationOptions{Trace: e.Trace, MaxDepth: e.MaxDepth}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero fields.
func ApplyDefaults(cfg *Config) {
	if cfg.Backend == "" {
		cfg.Backend = BackendCore
	}
	if cfg.Loader.Type == LoaderRedis && cfg.Loader.Prefix == "" {
		cfg.Loader.Prefix = "zen:decision:"
	}
	if cfg.Loader.Type == LoaderAPI && cfg.Loader.Timeout == 0 {
		cfg.Loader.Timeout = 10 * time.Second
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 4 << 20
	}
	if cfg.Evaluation.MaxDepth == 0 {
		cfg.Evaluation.MaxDepth = zen.DefaultMaxDepth
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendCore:
	case BackendWASM:
		if strings.TrimSpace(c.WASM.Path) == "" {
			return fmt.Errorf("wasm backend requires wasm.path")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}

	switch c.Loader.Type {
	case LoaderNone:
	case LoaderFilesystem:
		if strings.TrimSpace(c.Loader.Path) == "" {
			return fmt.Errorf("filesystem loader requires loader.path")
		}
	case LoaderRedis:
		if c.Loader.RedisURL == "" {
			return fmt.Errorf("redis loader requires loader.redis_url")
		}
	case LoaderSQL:
		if c.Loader.DSN == "" {
			return fmt.Errorf("sql loader requires loader.dsn")
		}
	case LoaderAPI:
		if c.Loader.URL == "" {
			return fmt.Errorf("api loader requires loader.url")
		}
		if c.Loader.MaxRetries < 0 {
			return fmt.Errorf("loader.max_retries must not be negative")
		}
	default:
		return fmt.Errorf("unknown loader type %q", c.Loader.Type)
	}
	if c.Loader.Watch && c.Loader.Type != LoaderFilesystem {
		return fmt.Errorf("loader.watch requires the filesystem loader")
	}

	if c.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must not be negative")
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	return nil
}

// Load reads path, decoding TOML or YAML by extension, then applies
// defaults, environment overrides and validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config load failed (%s): %w", path, err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
	default:
		return nil, fmt.Errorf("config load failed (%s): unsupported format", path)
	}

	ApplyEnv(&cfg)
	ApplyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return &cfg, nil
}

// FromMap decodes a generic map, such as a JSON request body, onto the
// defaults. Durations may be given as strings ("5s").
func FromMap(m map[string]any) (*Config, error) {
	cfg := Default()
	if err := decodeMap(m, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DecodeOptions decodes evaluation options from a generic map onto base;
// fields absent from m keep their base value. Both the JSON spelling
// (maxDepth) and the file spelling (max_depth) are accepted; unknown keys
// are rejected.
func DecodeOptions(base zen.EvaluationOptions, m map[string]any) (zen.EvaluationOptions, error) {
	opts := base
	if len(m) == 0 {
		return opts, nil
	}
	norm := make(map[string]any, len(m))
	for k, v := range m {
		if k == "maxDepth" {
			k = "max_depth"
		}
		norm[k] = v
	}
	if err := decodeMap(norm, &opts); err != nil {
		return base, err
	}
	return opts, nil
}

func decodeMap(m map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(m); err != nil {
		return fmt.Errorf("decode options: %w", err)
	}
	return nil
}

// ApplyEnv applies ZEN_* environment variables, which take precedence
// over the file. A loader path or Redis URL selects its loader when no
// loader type is set.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("ZEN_BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv("ZEN_WASM_PATH"); v != "" {
		cfg.WASM.Path = v
	}
	if v := os.Getenv("ZEN_LOADER_TYPE"); v != "" {
		cfg.Loader.Type = v
	}
	if v := os.Getenv("ZEN_LOADER_PATH"); v != "" {
		cfg.Loader.Path = v
		if cfg.Loader.Type == LoaderNone {
			cfg.Loader.Type = LoaderFilesystem
		}
	}
	if v := os.Getenv("ZEN_LOADER_REDIS_URL"); v != "" {
		cfg.Loader.RedisURL = v
		if cfg.Loader.Type == LoaderNone {
			cfg.Loader.Type = LoaderRedis
		}
	}
	if v := os.Getenv("ZEN_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("ZEN_MAX_DEPTH"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 8); err == nil {
			cfg.Evaluation.MaxDepth = uint8(n)
		}
	}
	if v := os.Getenv("ZEN_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
