// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package capture decodes socket events captured by the kernel and feeds them to the tracker.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/siderolabs/go-streambuf/tracker"
)

// RecordReader reads raw records, it is implemented by *ringbuf.Reader.
//
// Read should return ringbuf.ErrClosed once the reader is closed.
type RecordReader interface {
	Read() (ringbuf.Record, error)
	Close() error
}

// Sink consumes the decoded events, it is implemented by *tracker.Tracker.
type Sink interface {
	Ingest(ctx context.Context, chunk tracker.Chunk) error
	CloseConn(ctx context.Context, conn tracker.ConnID) error
}

// Stats reports the number of processed events.
type Stats struct {
	Events          int64
	DecodeErrors    int64
	TruncatedEvents int64
	Closes          int64
	ReadErrors      int64
}

// Read errors are retried at most this often once the burst is exhausted.
const (
	readRetryInterval = 100 * time.Millisecond
	readRetryBurst    = 10
)

// Reader dispatches the events read from a RecordReader to a Sink.
type Reader struct {
	records RecordReader
	sink    Sink
	logger  *zap.Logger
	retry   *rate.Limiter

	closeOnce sync.Once
	closeErr  error

	events          atomic.Int64
	decodeErrors    atomic.Int64
	truncatedEvents atomic.Int64
	closes          atomic.Int64
	readErrors      atomic.Int64
}

// NewReader creates a Reader over the records.
func NewReader(records RecordReader, sink Sink, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Reader{
		records: records,
		sink:    sink,
		logger:  logger,
		retry:   rate.NewLimiter(rate.Every(readRetryInterval), readRetryBurst),
	}
}

// NewRingbufReader creates a Reader over the ring buffer map.
func NewRingbufReader(events *ebpf.Map, sink Sink, logger *zap.Logger) (*Reader, error) {
	rd, err := ringbuf.NewReader(events)
	if err != nil {
		return nil, fmt.Errorf("failed to create ring buffer reader: %w", err)
	}

	return NewReader(rd, sink, logger), nil
}

// Run reads and dispatches events until the context is canceled or the reader is closed.
//
// Read errors other than ringbuf.ErrClosed are counted and retried with a rate limit.
// Run returns an error only if the sink fails to ingest data.
func (r *Reader) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		r.Close() //nolint:errcheck
	})
	defer stop()

	defer r.Close() //nolint:errcheck

	r.logger.Info("started reading socket events")

	for {
		record, err := r.records.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				r.logger.Info("stopped reading socket events", zap.Int64("events", r.events.Load()))

				return nil
			}

			r.readErrors.Add(1)
			r.logger.Warn("ring buffer read error", zap.Int64("read_errors", r.readErrors.Load()), zap.Error(err))

			// keep a persistent error from spinning the loop
			if err = r.retry.Wait(ctx); err != nil {
				r.logger.Info("stopped reading socket events", zap.Int64("events", r.events.Load()))

				return nil
			}

			continue
		}

		if err = r.dispatch(ctx, record.RawSample); err != nil {
			return err
		}
	}
}

// Close stops the reader, interrupting Run.
func (r *Reader) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.records.Close()
	})

	return r.closeErr
}

// Stats returns the event counters.
func (r *Reader) Stats() Stats {
	return Stats{
		Events:          r.events.Load(),
		DecodeErrors:    r.decodeErrors.Load(),
		TruncatedEvents: r.truncatedEvents.Load(),
		Closes:          r.closes.Load(),
		ReadErrors:      r.readErrors.Load(),
	}
}

func (r *Reader) dispatch(ctx context.Context, raw []byte) error {
	event, err := Decode(raw)
	if err != nil {
		r.decodeErrors.Add(1)
		r.logger.Warn("failed to decode socket event", zap.Int("size", len(raw)), zap.Error(err))

		return nil
	}

	r.events.Add(1)

	switch event.Kind {
	case KindData:
		if event.Truncated() {
			r.truncatedEvents.Add(1)
			r.logger.Debug("truncated socket event",
				zap.Stringer("stream", event.Key),
				zap.Int64("position", event.Position),
				zap.Uint32("msg_size", event.MsgSize),
				zap.Int("captured", len(event.Payload)),
			)
		}

		if len(event.Payload) == 0 {
			return nil
		}

		if err = r.sink.Ingest(ctx, event.Chunk()); err != nil {
			return fmt.Errorf("failed to ingest chunk of %s: %w", event.Key, err)
		}
	case KindClose:
		r.closes.Add(1)

		if err = r.sink.CloseConn(ctx, event.Key.Conn); err != nil {
			if errors.Is(err, tracker.ErrClosed) {
				return err
			}

			r.logger.Error("failed to close connection", zap.Stringer("conn", event.Key.Conn), zap.Error(err))
		}
	}

	return nil
}
