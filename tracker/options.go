// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package tracker

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/siderolabs/go-streambuf"
)

// Options defines settings for Tracker.
type Options struct {
	Logger *zap.Logger

	MeterProvider metric.MeterProvider

	// Compressor is used to write snapshots of the closed streams.
	Compressor streambuf.Compressor

	// Clock returns the current time, used to track stream activity.
	Clock func() time.Time

	// DumpDir is the directory to write snapshots of the closed streams to.
	//
	// If DumpDir is empty, snapshots are not written.
	DumpDir string

	// BufferOptions are applied to every stream buffer.
	BufferOptions []streambuf.OptionFunc

	// IdleTimeout is the time after the last chunk when the stream is dropped.
	//
	// If IdleTimeout is zero, streams are only dropped by CloseConn.
	IdleTimeout time.Duration

	// SweepInterval is the interval between idle stream sweeps in Run.
	SweepInterval time.Duration

	// SweepJitter adds random jitter to SweepInterval (a ratio of SweepInterval).
	SweepJitter float64

	// LossWarningRate limits the rate of warnings logged on data loss.
	LossWarningRate rate.Limit

	// LossWarningBurst is the number of loss warnings which can be logged at once.
	LossWarningBurst int
}

// NextSweepInterval calculates next sweep interval with jitter.
func (o Options) NextSweepInterval() time.Duration {
	return time.Duration(((rand.Float64()*2-1)*o.SweepJitter + 1.0) * float64(o.SweepInterval))
}

// OptionFunc allows setting Tracker options.
type OptionFunc func(*Options) error

func defaultOptions() Options {
	return Options{
		Logger:           zap.NewNop(),
		MeterProvider:    otel.GetMeterProvider(),
		Clock:            time.Now,
		IdleTimeout:      5 * time.Minute,
		SweepInterval:    30 * time.Second,
		SweepJitter:      0.1,
		LossWarningRate:  rate.Every(time.Second),
		LossWarningBurst: 5,
	}
}

// WithLogger sets logger for Tracker.
func WithLogger(logger *zap.Logger) OptionFunc {
	return func(opt *Options) error {
		opt.Logger = logger

		return nil
	}
}

// WithMeterProvider sets the provider of the Tracker metrics.
//
// Default is the global otel meter provider.
func WithMeterProvider(provider metric.MeterProvider) OptionFunc {
	return func(opt *Options) error {
		opt.MeterProvider = provider

		return nil
	}
}

// WithBufferOptions sets options of the stream buffers.
func WithBufferOptions(opts ...streambuf.OptionFunc) OptionFunc {
	return func(opt *Options) error {
		opt.BufferOptions = append(opt.BufferOptions, opts...)

		return nil
	}
}

// WithIdleTimeout sets the idle stream timeout, zero disables idle sweeps.
func WithIdleTimeout(timeout time.Duration) OptionFunc {
	return func(opt *Options) error {
		if timeout < 0 {
			return fmt.Errorf("idle timeout should be non-negative: %s", timeout)
		}

		opt.IdleTimeout = timeout

		return nil
	}
}

// WithSweepInterval sets the interval between idle stream sweeps.
func WithSweepInterval(interval time.Duration, jitter float64) OptionFunc {
	return func(opt *Options) error {
		if interval <= 0 {
			return fmt.Errorf("sweep interval should be positive: %s", interval)
		}

		if jitter < 0 || jitter > 1 {
			return fmt.Errorf("sweep jitter should be in range [0, 1]: %f", jitter)
		}

		opt.SweepInterval = interval
		opt.SweepJitter = jitter

		return nil
	}
}

// WithLossWarnings sets the rate limit of data loss warnings.
func WithLossWarnings(limit rate.Limit, burst int) OptionFunc {
	return func(opt *Options) error {
		if burst < 0 {
			return fmt.Errorf("loss warning burst should be non-negative: %d", burst)
		}

		opt.LossWarningRate = limit
		opt.LossWarningBurst = burst

		return nil
	}
}

// WithDumpDir enables writing snapshots of the closed streams to the directory.
func WithDumpDir(dir string, compressor streambuf.Compressor) OptionFunc {
	return func(opt *Options) error {
		if dir == "" {
			return errors.New("dump directory should not be empty")
		}

		if compressor == nil {
			return errors.New("compressor is required for snapshots")
		}

		opt.DumpDir = dir
		opt.Compressor = compressor

		return nil
	}
}

// WithClock sets the source of the current time.
func WithClock(clock func() time.Time) OptionFunc {
	return func(opt *Options) error {
		opt.Clock = clock

		return nil
	}
}
