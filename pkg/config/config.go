// Package config holds runner settings loaded from a TOML file, with
// sensible defaults when no file is present.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Persistence selects where global variables live between runs.
type Persistence struct {
	// Backend is one of "file", "sqlite", "redis", or "" to disable
	// persistence entirely.
	Backend string `toml:"backend"`
	// Path is the file or database path for the file and sqlite backends.
	Path string `toml:"path"`
	// RedisAddr is the host:port for the redis backend.
	RedisAddr string `toml:"redis_addr"`
	// RedisKey is the hash key for the redis backend.
	RedisKey string `toml:"redis_key"`
}

// Config is the full runner configuration.
type Config struct {
	// ModulesDir is where use_module definitions are looked up.
	ModulesDir string `toml:"modules_dir"`
	// MaxAttempts is the default attempt count for retryable actions.
	MaxAttempts int `toml:"max_attempts"`
	// RetryDelay is the default pause between attempts.
	RetryDelay duration `toml:"retry_delay"`
	// TemplateDepth bounds recursive placeholder resolution.
	TemplateDepth int `toml:"template_depth"`
	// TracePath, when set, appends JSONL run events to this file.
	TracePath string `toml:"trace_path"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `toml:"log_level"`

	Persistence Persistence `toml:"persistence"`
}

// duration lets TOML carry Go duration strings like "500ms".
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

// RetryDelayDuration returns the configured delay as a time.Duration.
func (c *Config) RetryDelayDuration() time.Duration {
	return time.Duration(c.RetryDelay)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ModulesDir:    "modules",
		MaxAttempts:   1,
		RetryDelay:    duration(500 * time.Millisecond),
		TemplateDepth: 10,
		LogLevel:      "info",
		Persistence: Persistence{
			Backend: "file",
			Path:    "globals.json",
		},
	}
}

// Load reads the TOML file at path over the defaults. A missing file
// is not an error; the defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config %s: unknown key %q", path, undecoded[0].String())
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1, got %d", c.MaxAttempts)
	}
	if c.TemplateDepth < 1 {
		return fmt.Errorf("template_depth must be >= 1, got %d", c.TemplateDepth)
	}
	switch c.Persistence.Backend {
	case "", "file", "sqlite", "redis":
	default:
		return fmt.Errorf("unknown persistence backend %q", c.Persistence.Backend)
	}
	if c.Persistence.Backend == "redis" && c.Persistence.RedisAddr == "" {
		return fmt.Errorf("redis backend requires redis_addr")
	}
	return nil
}
