// Package config handles pcjit.toml engine configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// Config is the engine configuration.
type Config struct {
	JIT         JIT         `toml:"jit"`
	Watchdog    Watchdog    `toml:"watchdog"`
	Runtime     Runtime     `toml:"runtime"`
	Diagnostics Diagnostics `toml:"diagnostics"`
	Log         Log         `toml:"log"`
}

// JIT configures compilation and execution.
type JIT struct {
	Spew      bool `toml:"spew"`
	CodeSize  int  `toml:"code_size"`
	StepLimit int  `toml:"step_limit"`
}

// Watchdog configures the loop-edge watchdog.
type Watchdog struct {
	Timeout Duration `toml:"timeout"`
}

// Runtime configures loaded images.
type Runtime struct {
	// MemorySize overrides the heap+stack size of loaded images. Zero
	// keeps the image's own.
	MemorySize uint32 `toml:"memory_size"`
}

// Diagnostics configures the diagnostics store.
type Diagnostics struct {
	DBPath string `toml:"db_path"`
}

type Log struct {
	Level string `toml:"level"`
}

// Duration is a time.Duration written as "5s" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		JIT: JIT{
			CodeSize:  4 << 20,
			StepLimit: 50_000_000,
		},
		Watchdog: Watchdog{Timeout: Duration{5 * time.Second}},
		Log:      Log{Level: "info"},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	cfg := Default()
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%s: unknown key %q", path, undecoded[0].String())
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var result *multierror.Error
	if c.JIT.CodeSize < 4096 {
		result = multierror.Append(result, fmt.Errorf("jit.code_size %d is below 4096", c.JIT.CodeSize))
	}
	if c.JIT.StepLimit < 0 {
		result = multierror.Append(result, fmt.Errorf("jit.step_limit must not be negative"))
	}
	if c.Watchdog.Timeout.Duration < 0 {
		result = multierror.Append(result, fmt.Errorf("watchdog.timeout must not be negative"))
	}
	if c.Runtime.MemorySize%4 != 0 {
		result = multierror.Append(result, fmt.Errorf("runtime.memory_size %d is not a multiple of 4", c.Runtime.MemorySize))
	}
	if _, err := c.LogLevel(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() (zerolog.Level, error) {
	level, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
