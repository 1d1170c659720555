// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package tracker keeps a reassembly buffer per connection direction.
package tracker

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/siderolabs/gen/xslices"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/siderolabs/go-streambuf"
)

// ConnID identifies a connection of a process.
//
// Generation distinguishes connections which reused the same file descriptor.
type ConnID struct {
	PID        uint32
	FD         int32
	Generation uint64
}

func (id ConnID) String() string {
	return strconv.FormatUint(uint64(id.PID), 10) + "-" + strconv.FormatInt(int64(id.FD), 10) + "-" + strconv.FormatUint(id.Generation, 10)
}

// Direction of the data on the connection.
type Direction uint8

// Direction values.
const (
	Egress Direction = iota
	Ingress
)

func (d Direction) String() string {
	switch d {
	case Egress:
		return "egress"
	case Ingress:
		return "ingress"
	default:
		return "direction(" + strconv.Itoa(int(d)) + ")"
	}
}

// Key identifies a stream, i.e. one direction of a connection.
type Key struct {
	Conn ConnID
	Dir  Direction
}

func (k Key) String() string {
	return k.Conn.String() + "-" + k.Dir.String()
}

func (k Key) compare(other Key) int {
	return cmp.Or(
		cmp.Compare(k.Conn.PID, other.Conn.PID),
		cmp.Compare(k.Conn.FD, other.Conn.FD),
		cmp.Compare(k.Conn.Generation, other.Conn.Generation),
		cmp.Compare(k.Dir, other.Dir),
	)
}

// Chunk is a piece of the stream data captured at the absolute stream offset.
type Chunk struct {
	Data      []byte
	Key       Key
	Offset    int64
	Timestamp uint64
}

type stream struct {
	lastSeen time.Time
	buf      *streambuf.Buffer

	// counters already exported as metrics
	exported streambuf.Stats

	mu sync.Mutex

	// set once the stream is dropped from the tracker
	dropped bool
}

// Tracker keeps a streambuf.Buffer for each stream, creating them on the first chunk.
//
// Tracker serializes access to each buffer, so chunks of different streams can be ingested
// concurrently with parsers consuming the data.
type Tracker struct {
	metrics     *metrics
	lossLimiter *rate.Limiter
	streams     map[Key]*stream

	opt Options

	mu     sync.Mutex
	closed bool
}

// New creates new Tracker with specified options.
func New(opts ...OptionFunc) (*Tracker, error) {
	t := &Tracker{
		opt:     defaultOptions(),
		streams: map[Key]*stream{},
	}

	for _, o := range opts {
		if err := o(&t.opt); err != nil {
			return nil, err
		}
	}

	// validate buffer options up front, so that stream creation never fails
	if _, err := streambuf.NewBuffer(t.opt.BufferOptions...); err != nil {
		return nil, fmt.Errorf("invalid buffer options: %w", err)
	}

	var err error

	t.metrics, err = newMetrics(t.opt.MeterProvider)
	if err != nil {
		return nil, err
	}

	t.lossLimiter = rate.NewLimiter(t.opt.LossWarningRate, t.opt.LossWarningBurst)

	return t, nil
}

// Ingest adds the chunk to the buffer of its stream.
func (t *Tracker) Ingest(ctx context.Context, chunk Chunk) error {
	s, err := t.getOrCreate(ctx, chunk.Key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dropped {
		t.opt.Logger.Debug("dropping chunk of a closed stream", zap.Stringer("stream", chunk.Key), zap.Int64("offset", chunk.Offset))

		return nil
	}

	s.buf.Add(chunk.Offset, chunk.Data, chunk.Timestamp)
	s.lastSeen = t.opt.Clock()

	t.export(ctx, chunk.Key, s)

	return nil
}

// Process calls f with the buffer of the stream.
//
// Buffer should not be retained after f returns.
func (t *Tracker) Process(key Key, f func(*streambuf.Buffer) error) error {
	t.mu.Lock()

	if t.closed {
		t.mu.Unlock()

		return ErrClosed
	}

	s, ok := t.streams[key]

	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStream, key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dropped {
		return fmt.Errorf("%w: %s", ErrUnknownStream, key)
	}

	err := f(s.buf)

	t.export(context.Background(), key, s)

	return err
}

// CloseConn drops both streams of the connection.
//
// If the dump directory is set, snapshots of the non-empty buffers are written to it.
func (t *Tracker) CloseConn(ctx context.Context, conn ConnID) error {
	keys := xslices.Map([]Direction{Egress, Ingress}, func(dir Direction) Key {
		return Key{Conn: conn, Dir: dir}
	})

	t.mu.Lock()

	if t.closed {
		t.mu.Unlock()

		return ErrClosed
	}

	streams := make(map[Key]*stream, len(keys))

	for _, key := range keys {
		if s, ok := t.streams[key]; ok {
			streams[key] = s

			delete(t.streams, key)
		}
	}

	t.mu.Unlock()

	if len(streams) == 0 {
		return nil
	}

	t.metrics.streamsActive.Add(ctx, -int64(len(streams)))

	var errs []error

	for _, key := range keys {
		s, ok := streams[key]
		if !ok {
			continue
		}

		if err := t.drop(ctx, key, s); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Sweep drops the streams which received no data for longer than the idle timeout.
//
// Sweep returns the number of dropped streams.
func (t *Tracker) Sweep(now time.Time) int {
	if t.opt.IdleTimeout == 0 {
		return 0
	}

	t.mu.Lock()

	var idle []Key

	for key, s := range t.streams {
		s.mu.Lock()

		if now.Sub(s.lastSeen) > t.opt.IdleTimeout {
			s.dropped = true

			idle = append(idle, key)
		}

		s.mu.Unlock()
	}

	for _, key := range idle {
		delete(t.streams, key)
	}

	t.mu.Unlock()

	if len(idle) == 0 {
		return 0
	}

	t.metrics.streamsActive.Add(context.Background(), -int64(len(idle)))

	slices.SortFunc(idle, Key.compare)

	t.opt.Logger.Debug("dropped idle streams", zap.Strings("streams", xslices.Map(idle, Key.String)))

	return len(idle)
}

// Run ingests the chunks from the channel and sweeps idle streams until the context is canceled
// or the channel is closed.
//
// With a nil channel Run only sweeps idle streams.
func (t *Tracker) Run(ctx context.Context, chunks <-chan Chunk) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		defer cancel()

		for {
			select {
			case <-ctx.Done():
				return nil
			case chunk, ok := <-chunks:
				if !ok {
					return nil
				}

				if err := t.Ingest(ctx, chunk); err != nil {
					return err
				}
			}
		}
	})

	if t.opt.IdleTimeout > 0 {
		eg.Go(func() error {
			timer := time.NewTimer(t.opt.NextSweepInterval())
			defer timer.Stop()

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-timer.C:
					if n := t.Sweep(t.opt.Clock()); n > 0 {
						t.opt.Logger.Info("swept idle streams", zap.Int("count", n))
					}

					timer.Reset(t.opt.NextSweepInterval())
				}
			}
		})
	}

	return eg.Wait()
}

// Keys returns the keys of the tracked streams in order.
func (t *Tracker) Keys() []Key {
	t.mu.Lock()
	defer t.mu.Unlock()

	return slices.SortedFunc(maps.Keys(t.streams), Key.compare)
}

// Len returns the number of tracked streams.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.streams)
}

// Close drops all streams without writing snapshots.
//
// Tracker can't be used after Close.
func (t *Tracker) Close() error {
	t.mu.Lock()

	if t.closed {
		t.mu.Unlock()

		return ErrClosed
	}

	t.closed = true

	streams := t.streams
	t.streams = nil

	t.mu.Unlock()

	for _, s := range streams {
		s.mu.Lock()
		s.dropped = true
		s.mu.Unlock()
	}

	if len(streams) > 0 {
		t.metrics.streamsActive.Add(context.Background(), -int64(len(streams)))
	}

	return nil
}

func (t *Tracker) getOrCreate(ctx context.Context, key Key) (*stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}

	if s, ok := t.streams[key]; ok {
		return s, nil
	}

	buf, err := streambuf.NewBuffer(t.opt.BufferOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create buffer: %w", err)
	}

	s := &stream{
		buf:      buf,
		lastSeen: t.opt.Clock(),
	}

	t.streams[key] = s

	t.metrics.streamsActive.Add(ctx, 1)

	t.opt.Logger.Debug("new stream", zap.Stringer("stream", key))

	return s, nil
}

// export records the counters changed since the last export, should be called with s.mu held.
func (t *Tracker) export(ctx context.Context, key Key, s *stream) {
	cur := s.buf.Stats()
	prev := s.exported

	if cur == prev {
		return
	}

	t.metrics.record(ctx, prev, cur)

	s.exported = cur

	if evicted := cur.BytesEvicted - prev.BytesEvicted; evicted > 0 && t.lossLimiter.Allow() {
		t.opt.Logger.Warn("stream data evicted before being consumed",
			zap.Stringer("stream", key),
			zap.Int64("bytes", evicted),
			zap.Int64("capacity_evictions", cur.CapacityEvictions-prev.CapacityEvictions),
			zap.Int64("gap_evictions", cur.GapEvictions-prev.GapEvictions),
			zap.Int64("position", s.buf.Position()),
		)
	}
}

// drop marks the dropped stream and dumps its contents.
func (t *Tracker) drop(ctx context.Context, key Key, s *stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropped = true

	t.export(ctx, key, s)

	if t.opt.DumpDir == "" || s.buf.Buffered() == 0 {
		return nil
	}

	path := filepath.Join(t.opt.DumpDir, key.String()+".snap")

	if err := streambuf.WriteSnapshot(path, s.buf.Snapshot(), t.opt.Compressor); err != nil {
		t.opt.Logger.Error("failed to write stream snapshot", zap.Stringer("stream", key), zap.String("path", path), zap.Error(err))

		return fmt.Errorf("failed to write snapshot of %s: %w", key, err)
	}

	t.opt.Logger.Debug("wrote stream snapshot", zap.Stringer("stream", key), zap.String("path", path), zap.Int("bytes", s.buf.Buffered()))

	return nil
}
