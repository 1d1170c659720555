// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package capture_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cilium/ebpf/ringbuf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/siderolabs/go-streambuf"
	"github.com/siderolabs/go-streambuf/capture"
	"github.com/siderolabs/go-streambuf/tracker"
)

var errTransient = errors.New("transient")

// fakeRecords fails the first reads, replays records, and then blocks until closed.
type fakeRecords struct {
	records chan ringbuf.Record
	closed  chan struct{}
	once    sync.Once

	// number of reads which fail with errTransient
	failures atomic.Int64
}

func newFakeRecords(raw ...[]byte) *fakeRecords {
	r := &fakeRecords{
		records: make(chan ringbuf.Record, len(raw)),
		closed:  make(chan struct{}),
	}

	for _, sample := range raw {
		r.records <- ringbuf.Record{RawSample: sample}
	}

	return r
}

func (r *fakeRecords) Read() (ringbuf.Record, error) {
	select {
	case <-r.closed:
		return ringbuf.Record{}, ringbuf.ErrClosed
	default:
	}

	if r.failures.Add(-1) >= 0 {
		return ringbuf.Record{}, errTransient
	}

	select {
	case record := <-r.records:
		return record, nil
	case <-r.closed:
		return ringbuf.Record{}, ringbuf.ErrClosed
	}
}

func (r *fakeRecords) Close() error {
	r.once.Do(func() { close(r.closed) })

	return nil
}

// failingSink fails all calls.
type failingSink struct {
	err error
}

func (s failingSink) Ingest(context.Context, tracker.Chunk) error { return s.err }

func (s failingSink) CloseConn(context.Context, tracker.ConnID) error { return s.err }

func dataEvent(conn tracker.ConnID, dir tracker.Direction, pos int64, msgSize uint32, payload string) []byte {
	return capture.Event{
		Key:       tracker.Key{Conn: conn, Dir: dir},
		Kind:      capture.KindData,
		Position:  pos,
		Timestamp: uint64(pos),
		MsgSize:   msgSize,
		Payload:   []byte(payload),
	}.Encode(nil)
}

func closeEvent(conn tracker.ConnID) []byte {
	return capture.Event{
		Key:  tracker.Key{Conn: conn},
		Kind: capture.KindClose,
	}.Encode(nil)
}

func TestReader(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	tr, err := tracker.New(tracker.WithLogger(zaptest.NewLogger(t)))
	req.NoError(err)

	t.Cleanup(func() { req.NoError(tr.Close()) })

	conn1 := tracker.ConnID{PID: 10, FD: 5, Generation: 1}
	conn2 := tracker.ConnID{PID: 11, FD: 5, Generation: 1}

	records := newFakeRecords(
		dataEvent(conn1, tracker.Egress, 4, 4, "ABCD"),
		dataEvent(conn1, tracker.Egress, 0, 4, "GET "),
		[]byte("garbage"),
		// only 2 bytes out of 4 were captured
		dataEvent(conn1, tracker.Egress, 8, 4, "EF"),
		dataEvent(conn1, tracker.Egress, 12, 2, "\r\n"),
		dataEvent(conn1, tracker.Ingress, 0, 0, ""),
		dataEvent(conn2, tracker.Ingress, 0, 3, "200"),
		closeEvent(conn2),
	)

	rd := capture.NewReader(records, tr, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)

	go func() {
		errCh <- rd.Run(ctx)
	}()

	req.EventuallyWithT(func(collect *assert.CollectT) {
		assert.Equal(collect, capture.Stats{
			Events:          7,
			DecodeErrors:    1,
			TruncatedEvents: 1,
			Closes:          1,
		}, rd.Stats())
	}, 5*time.Second, time.Millisecond)

	cancel()

	req.NoError(<-errCh)

	req.Equal([]tracker.Key{{Conn: conn1, Dir: tracker.Egress}}, tr.Keys())

	req.NoError(tr.Process(tracker.Key{Conn: conn1, Dir: tracker.Egress}, func(buf *streambuf.Buffer) error {
		req.Equal("GET ABCDEF", string(buf.Head()))
		req.Equal(14, buf.Size())

		// the rest of the truncated message is missing
		buf.RemovePrefix(12)
		req.Equal("\r\n", string(buf.Head()))

		return nil
	}))
}

func TestReaderClose(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	rd := capture.NewReader(newFakeRecords(), failingSink{}, nil)

	errCh := make(chan error, 1)

	go func() {
		errCh <- rd.Run(t.Context())
	}()

	req.NoError(rd.Close())
	req.NoError(<-errCh)

	// idempotent
	req.NoError(rd.Close())
}

func TestReaderSinkError(t *testing.T) {
	t.Parallel()

	errFailed := errors.New("failed")

	for _, test := range []struct {
		name string

		raw []byte
		err error

		expectedError error
	}{
		{
			name: "ingest",

			raw: dataEvent(tracker.ConnID{PID: 1}, tracker.Egress, 0, 1, "a"),
			err: errFailed,

			expectedError: errFailed,
		},
		{
			name: "tracker closed",

			raw: closeEvent(tracker.ConnID{PID: 1}),
			err: tracker.ErrClosed,

			expectedError: tracker.ErrClosed,
		},
		{
			name: "close conn",

			raw: closeEvent(tracker.ConnID{PID: 1}),
			err: errFailed,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			records := newFakeRecords(test.raw)

			rd := capture.NewReader(records, failingSink{err: test.err}, zaptest.NewLogger(t))

			if test.expectedError == nil {
				// the error is only logged, so the reader keeps running until closed
				go func() {
					assert.EventuallyWithT(t, func(collect *assert.CollectT) {
						assert.EqualValues(collect, 1, rd.Stats().Closes)
					}, 5*time.Second, time.Millisecond)

					rd.Close() //nolint:errcheck
				}()

				require.NoError(t, rd.Run(t.Context()))

				return
			}

			require.ErrorIs(t, rd.Run(t.Context()), test.expectedError)

			// reader is closed on error
			_, err := records.Read()
			require.ErrorIs(t, err, ringbuf.ErrClosed)
		})
	}
}

func TestReaderReadErrors(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	tr, err := tracker.New()
	req.NoError(err)

	t.Cleanup(func() { req.NoError(tr.Close()) })

	conn := tracker.ConnID{PID: 10, FD: 5, Generation: 1}

	records := newFakeRecords(dataEvent(conn, tracker.Egress, 0, 4, "GET "))
	records.failures.Store(3)

	rd := capture.NewReader(records, tr, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)

	go func() {
		errCh <- rd.Run(ctx)
	}()

	req.EventuallyWithT(func(collect *assert.CollectT) {
		assert.Equal(collect, capture.Stats{
			Events:     1,
			ReadErrors: 3,
		}, rd.Stats())
	}, 5*time.Second, time.Millisecond)

	cancel()

	req.NoError(<-errCh)

	req.Equal([]tracker.Key{{Conn: conn, Dir: tracker.Egress}}, tr.Keys())
}

func TestReaderPersistentReadError(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	records := newFakeRecords()
	records.failures.Store(1 << 40)

	rd := capture.NewReader(records, failingSink{}, nil)

	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)

	go func() {
		errCh <- rd.Run(ctx)
	}()

	// once the burst is spent, retries are throttled
	time.Sleep(500 * time.Millisecond)

	readErrors := rd.Stats().ReadErrors
	req.GreaterOrEqual(readErrors, int64(10))
	req.Less(readErrors, int64(30))

	cancel()

	select {
	case err := <-errCh:
		req.NoError(err)
	case <-time.After(5 * time.Second):
		req.Fail("reader didn't stop")
	}
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
