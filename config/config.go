// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package config implements the agent configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/siderolabs/go-streambuf"
	"github.com/siderolabs/go-streambuf/tracker"
)

// Config is the agent configuration.
type Config struct {
	Logging Logging `toml:"logging"`
	Tracker Tracker `toml:"tracker"`
	Buffer  Buffer  `toml:"buffer"`
}

// Buffer configures the stream buffers.
type Buffer struct {
	// InitialCapacity defaults to the smaller of 16384 and MaxCapacity if zero.
	InitialCapacity int `toml:"initial_capacity"`
	MaxCapacity     int `toml:"max_capacity"`
	MaxGap          int `toml:"max_gap"`
	AllowBeforeGap  int `toml:"allow_before_gap"`
}

// Tracker configures the stream tracker.
type Tracker struct {
	// DumpDir enables snapshots of the closed streams.
	DumpDir string `toml:"dump_dir"`

	IdleTimeout   Duration `toml:"idle_timeout"`
	SweepInterval Duration `toml:"sweep_interval"`
	SweepJitter   float64  `toml:"sweep_jitter"`

	LossWarningsPerSecond float64 `toml:"loss_warnings_per_second"`
	LossWarningBurst      int     `toml:"loss_warning_burst"`
}

// Logging configures the logger.
type Logging struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level"`
	// Format is either json or console.
	Format string `toml:"format"`
}

// Duration is a time.Duration in the TOML file, e.g. "30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}

	*d = Duration(v)

	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Buffer: Buffer{
			MaxCapacity:    1048576,
			MaxGap:         1048576,
			AllowBeforeGap: 16384,
		},
		Tracker: Tracker{
			IdleTimeout:           Duration(5 * time.Minute),
			SweepInterval:         Duration(30 * time.Second),
			SweepJitter:           0.1,
			LossWarningsPerSecond: 1,
			LossWarningBurst:      5,
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the configuration file, missing settings keep the default values.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("failed to load %q: %w", path, err)
	}

	return cfg, nil
}

// Parse parses and validates the configuration.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	if err := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields().Decode(&cfg); err != nil {
		var strictErr *toml.StrictMissingError
		if errors.As(err, &strictErr) {
			return Config{}, fmt.Errorf("unknown settings:\n%s", strictErr.String())
		}

		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the configuration values.
func (cfg Config) Validate() error {
	var errs []error

	if cfg.Buffer.InitialCapacity < 0 {
		errs = append(errs, fmt.Errorf("buffer.initial_capacity should be non-negative: %d", cfg.Buffer.InitialCapacity))
	}

	switch {
	case cfg.Buffer.MaxCapacity <= 0:
		errs = append(errs, fmt.Errorf("buffer.max_capacity should be positive: %d", cfg.Buffer.MaxCapacity))
	case cfg.Buffer.MaxCapacity > streambuf.MaxCapacityLimit:
		errs = append(errs, fmt.Errorf("buffer.max_capacity should be less or equal to %d: %d", streambuf.MaxCapacityLimit, cfg.Buffer.MaxCapacity))
	case cfg.Buffer.InitialCapacity > cfg.Buffer.MaxCapacity:
		errs = append(errs, fmt.Errorf("buffer.initial_capacity (%d) should be less or equal to buffer.max_capacity (%d)", cfg.Buffer.InitialCapacity, cfg.Buffer.MaxCapacity))
	}

	if cfg.Buffer.MaxGap < 0 {
		errs = append(errs, fmt.Errorf("buffer.max_gap should be non-negative: %d", cfg.Buffer.MaxGap))
	}

	if cfg.Buffer.AllowBeforeGap < 0 {
		errs = append(errs, fmt.Errorf("buffer.allow_before_gap should be non-negative: %d", cfg.Buffer.AllowBeforeGap))
	}

	if cfg.Tracker.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("tracker.idle_timeout should be non-negative: %s", time.Duration(cfg.Tracker.IdleTimeout)))
	}

	if cfg.Tracker.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("tracker.sweep_interval should be positive: %s", time.Duration(cfg.Tracker.SweepInterval)))
	}

	if cfg.Tracker.SweepJitter < 0 || cfg.Tracker.SweepJitter > 1 {
		errs = append(errs, fmt.Errorf("tracker.sweep_jitter should be in range [0, 1]: %g", cfg.Tracker.SweepJitter))
	}

	if cfg.Tracker.LossWarningsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("tracker.loss_warnings_per_second should be non-negative: %g", cfg.Tracker.LossWarningsPerSecond))
	}

	if cfg.Tracker.LossWarningBurst < 0 {
		errs = append(errs, fmt.Errorf("tracker.loss_warning_burst should be non-negative: %d", cfg.Tracker.LossWarningBurst))
	}

	if _, err := zapcore.ParseLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}

	switch cfg.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format should be json or console: %q", cfg.Logging.Format))
	}

	return errors.Join(errs...)
}

// BufferOptions returns the options of the stream buffers.
func (cfg Config) BufferOptions() []streambuf.OptionFunc {
	opts := []streambuf.OptionFunc{
		streambuf.WithMaxCapacity(cfg.Buffer.MaxCapacity),
		streambuf.WithMaxGap(cfg.Buffer.MaxGap),
		streambuf.WithAllowBeforeGap(cfg.Buffer.AllowBeforeGap),
	}

	if cfg.Buffer.InitialCapacity > 0 {
		opts = append(opts, streambuf.WithInitialCapacity(cfg.Buffer.InitialCapacity))
	}

	return opts
}

// TrackerOptions returns the options of the tracker.
//
// The compressor is only used if the dump directory is set.
func (cfg Config) TrackerOptions(logger *zap.Logger, compressor streambuf.Compressor) []tracker.OptionFunc {
	opts := []tracker.OptionFunc{
		tracker.WithLogger(logger),
		tracker.WithBufferOptions(cfg.BufferOptions()...),
		tracker.WithIdleTimeout(time.Duration(cfg.Tracker.IdleTimeout)),
		tracker.WithSweepInterval(time.Duration(cfg.Tracker.SweepInterval), cfg.Tracker.SweepJitter),
		tracker.WithLossWarnings(rate.Limit(cfg.Tracker.LossWarningsPerSecond), cfg.Tracker.LossWarningBurst),
	}

	if cfg.Tracker.DumpDir != "" {
		opts = append(opts, tracker.WithDumpDir(cfg.Tracker.DumpDir, compressor))
	}

	return opts
}

// NewLogger builds the logger.
func (cfg Config) NewLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	logConfig := zap.NewProductionConfig()
	if cfg.Logging.Format == "console" {
		logConfig = zap.NewDevelopmentConfig()
	}

	logConfig.Level = level

	return logConfig.Build()
}
