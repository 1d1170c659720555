// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package streambuf

import "fmt"

// Capacity limits.
const (
	DefaultInitialCapacity = 16384
	MaxCapacityLimit       = 1 << 30
)

// Options defines settings for Buffer.
type Options struct {
	// InitialCapacity is the number of bytes allocated up front.
	//
	// Storage grows by doubling up to MaxCapacity. If not set, it defaults to
	// DefaultInitialCapacity capped by MaxCapacity.
	InitialCapacity int

	// MaxCapacity is the maximum number of bytes the buffer window may span (including gaps).
	//
	// MaxCapacity can't exceed MaxCapacityLimit.
	MaxCapacity int

	// MaxGap is the maximum distance between the end of the buffered data and the start
	// of an incoming chunk before the old data is evicted.
	MaxGap int

	// AllowBeforeGap is the number of bytes preceding an incoming chunk which are kept
	// when the large gap eviction happens.
	AllowBeforeGap int
}

// defaultOptions returns default initial values.
func defaultOptions() Options {
	return Options{
		MaxCapacity:     1048576,
		MaxGap:          1048576,
		AllowBeforeGap:  16384,
	}
}

// OptionFunc allows setting Buffer options.
type OptionFunc func(*Options) error

// WithInitialCapacity sets initial buffer capacity.
func WithInitialCapacity(capacity int) OptionFunc {
	return func(opt *Options) error {
		if capacity <= 0 {
			return fmt.Errorf("initial capacity should be positive: %d", capacity)
		}

		opt.InitialCapacity = capacity

		return nil
	}
}

// WithMaxCapacity sets maximum buffer capacity.
func WithMaxCapacity(capacity int) OptionFunc {
	return func(opt *Options) error {
		if capacity <= 0 {
			return fmt.Errorf("max capacity should be positive: %d", capacity)
		}

		if capacity > MaxCapacityLimit {
			return fmt.Errorf("max capacity (%d) should be less or equal to %d", capacity, MaxCapacityLimit)
		}

		opt.MaxCapacity = capacity

		return nil
	}
}

// WithMaxGap sets the gap size which triggers eviction of the buffered data.
//
// When a chunk arrives more than MaxGap bytes past the end of the buffered data, everything
// but the last AllowBeforeGap bytes before the chunk is dropped, so that a single lost chunk
// doesn't keep stale data in the buffer.
func WithMaxGap(gap int) OptionFunc {
	return func(opt *Options) error {
		if gap < 0 {
			return fmt.Errorf("max gap should be non-negative: %d", gap)
		}

		opt.MaxGap = gap

		return nil
	}
}

// WithAllowBeforeGap sets the number of bytes kept before the chunk which triggered the large gap eviction.
func WithAllowBeforeGap(size int) OptionFunc {
	return func(opt *Options) error {
		if size < 0 {
			return fmt.Errorf("allow before gap should be non-negative: %d", size)
		}

		opt.AllowBeforeGap = size

		return nil
	}
}
