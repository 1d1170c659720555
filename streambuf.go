// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package streambuf provides a bounded buffer which reassembles a byte stream
// from chunks captured out of order.
package streambuf

import "fmt"

// Buffer reassembles a byte stream from chunks tagged with absolute stream offsets.
//
// Buffer keeps a window [Position, Position+Size) of the stream which never spans more than
// MaxCapacity bytes. Chunks might arrive in any order, overlap, or never arrive at all (gaps).
// Every buffered byte carries the timestamp of the chunk which wrote it.
//
// Buffer is not safe for concurrent use: it is meant to be driven by a single goroutine per
// connection direction, concurrent access should be serialized by the caller.
type Buffer struct {
	// filled ranges and their timestamps
	index extentIndex

	// circular storage, byte at offset off is stored at data[off % len(data)],
	// grows up to opt.MaxCapacity
	data []byte

	// used to assemble runs which wrap around the end of data
	scratch []byte

	opt Options

	stats Stats

	// absolute offset of the first byte of the window, never goes down
	pos int64

	// number of bytes spanned by the window, from pos to the end of the last written byte
	size int
}

// Stats reports the amount of data which went through the buffer.
//
// All counters only go up.
type Stats struct {
	// BytesAdded is the number of bytes written into the window.
	BytesAdded int64
	// BytesStale is the number of bytes dropped as they were before the window position.
	BytesStale int64
	// BytesEvicted is the number of valid bytes dropped by the capacity or large gap eviction.
	BytesEvicted int64
	// BytesRemoved is the number of valid bytes released with RemovePrefix.
	BytesRemoved int64
	// BytesSkipped is the number of gap bytes skipped by RemovePrefix and Trim.
	BytesSkipped int64

	// CapacityEvictions is the number of times the window was moved to fit into the capacity.
	CapacityEvictions int64
	// GapEvictions is the number of times the window was moved because of a large gap.
	GapEvictions int64
}

// NewBuffer creates new Buffer with specified options.
func NewBuffer(opts ...OptionFunc) (*Buffer, error) {
	buf := &Buffer{
		opt: defaultOptions(),
	}

	for _, o := range opts {
		if err := o(&buf.opt); err != nil {
			return nil, err
		}
	}

	if buf.opt.InitialCapacity == 0 {
		buf.opt.InitialCapacity = min(DefaultInitialCapacity, buf.opt.MaxCapacity)
	}

	if buf.opt.InitialCapacity > buf.opt.MaxCapacity {
		return nil, fmt.Errorf("initial capacity (%d) should be less or equal to max capacity (%d)", buf.opt.InitialCapacity, buf.opt.MaxCapacity)
	}

	buf.data = make([]byte, buf.opt.InitialCapacity)

	return buf, nil
}

// Add writes payload at the absolute stream offset.
//
// Bytes before the current position are dropped. If the payload starts more than MaxGap bytes
// after the buffered data, the buffer is moved forward leaving at most AllowBeforeGap bytes before
// the payload. Overlapping bytes are overwritten together with their timestamps. If the window
// doesn't fit into MaxCapacity, the oldest bytes are evicted.
func (buf *Buffer) Add(offset int64, payload []byte, timestamp uint64) {
	if len(payload) == 0 {
		return
	}

	end := offset + int64(len(payload))

	if end <= buf.pos {
		buf.stats.BytesStale += int64(len(payload))

		return
	}

	if offset < buf.pos {
		buf.stats.BytesStale += buf.pos - offset

		payload = payload[buf.pos-offset:]
		offset = buf.pos
	}

	if offset > buf.pos+int64(buf.size)+int64(buf.opt.MaxGap) {
		buf.stats.GapEvictions++
		buf.stats.BytesEvicted += int64(buf.advance(offset - int64(buf.opt.AllowBeforeGap)))
	}

	if len(payload) > buf.opt.MaxCapacity {
		payload = payload[len(payload)-buf.opt.MaxCapacity:]
		offset = end - int64(buf.opt.MaxCapacity)
	}

	if end-buf.pos > int64(buf.opt.MaxCapacity) {
		buf.stats.CapacityEvictions++
		buf.stats.BytesEvicted += int64(buf.advance(end - int64(buf.opt.MaxCapacity)))
	}

	buf.size = max(buf.size, int(end-buf.pos))
	buf.reserve(buf.size)

	buf.write(offset, payload)
	buf.index.insert(offset, len(payload), timestamp)

	buf.stats.BytesAdded += int64(len(payload))
}

// Get returns the contiguous buffered data starting at the offset.
//
// Get returns nil if the offset is outside of the window or the byte at the offset is missing.
// The returned slice is only valid until the next call to the Buffer, and should not be modified.
func (buf *Buffer) Get(offset int64) []byte {
	if offset < buf.pos || offset >= buf.pos+int64(buf.size) {
		return nil
	}

	i, ok := buf.index.lookup(offset)
	if !ok {
		return nil
	}

	return buf.view(offset, int(buf.index.runEnd(i)-offset))
}

// Head returns the contiguous buffered data at the current position.
func (buf *Buffer) Head() []byte {
	return buf.Get(buf.pos)
}

// GetTimestamp returns the timestamp of the chunk which wrote the byte at the offset.
func (buf *Buffer) GetTimestamp(offset int64) (uint64, error) {
	if offset < buf.pos || offset >= buf.pos+int64(buf.size) {
		return 0, ErrNoData
	}

	i, ok := buf.index.lookup(offset)
	if !ok {
		return 0, ErrNoData
	}

	return buf.index.extents[i].timestamp, nil
}

// RemovePrefix releases n bytes at the current position.
//
// n should be in range [0, Size()], RemovePrefix panics otherwise.
func (buf *Buffer) RemovePrefix(n int) {
	if n < 0 || n > buf.size {
		panic(fmt.Sprintf("streambuf: prefix removal out of range: %d (size %d)", n, buf.size))
	}

	if n == 0 {
		return
	}

	removed := buf.advance(buf.pos + int64(n))

	buf.stats.BytesRemoved += int64(removed)
	buf.stats.BytesSkipped += int64(n - removed)
}

// Trim moves the position over the missing bytes at the head of the buffer.
//
// Trim never drops buffered data.
func (buf *Buffer) Trim() {
	if buf.size == 0 {
		return
	}

	next := buf.pos + int64(buf.size)

	if len(buf.index.extents) > 0 {
		next = buf.index.extents[0].start
	}

	if next == buf.pos {
		return
	}

	buf.stats.BytesSkipped += next - buf.pos
	buf.advance(next)
}

// Position returns the absolute offset of the first byte of the buffer.
func (buf *Buffer) Position() int64 {
	return buf.pos
}

// Size returns the number of bytes spanned by the buffer, including gaps.
func (buf *Buffer) Size() int {
	return buf.size
}

// Empty returns true if the buffer spans no bytes.
func (buf *Buffer) Empty() bool {
	return buf.size == 0
}

// Buffered returns the number of valid bytes in the buffer, gaps excluded.
func (buf *Buffer) Buffered() int {
	return buf.index.filled()
}

// Capacity returns number of bytes allocated for the buffer.
func (buf *Buffer) Capacity() int {
	return len(buf.data)
}

// MaxCapacity returns maximum number of bytes the buffer can span.
func (buf *Buffer) MaxCapacity() int {
	return buf.opt.MaxCapacity
}

// Stats returns the counters of the buffer.
func (buf *Buffer) Stats() Stats {
	return buf.stats
}

// advance moves the position forward to off, dropping everything before it.
//
// advance returns the number of dropped valid bytes.
func (buf *Buffer) advance(off int64) int {
	if off <= buf.pos {
		return 0
	}

	if n := off - buf.pos; n >= int64(buf.size) {
		buf.size = 0
	} else {
		buf.size -= int(n)
	}

	buf.pos = off

	return buf.index.truncate(off)
}

// reserve grows the storage so that span bytes starting at the position fit.
func (buf *Buffer) reserve(span int) {
	if span <= len(buf.data) {
		return
	}

	// span never exceeds MaxCapacity, so the loop stops before the size overflows
	size := max(len(buf.data), 1)
	for size < span {
		size = min(size*2, buf.opt.MaxCapacity)
	}

	data := make([]byte, size)

	// re-layout valid bytes, as the offset to index mapping depends on the storage size
	for _, e := range buf.index.extents {
		a, b := segments(buf.data, e.start, e.length)

		put(data, e.start, a)
		put(data, e.start+int64(len(a)), b)
	}

	buf.data = data
}

// write copies p into the storage at the offset.
func (buf *Buffer) write(off int64, p []byte) {
	put(buf.data, off, p)
}

// view returns n bytes of storage at the offset as a single slice.
func (buf *Buffer) view(off int64, n int) []byte {
	a, b := segments(buf.data, off, n)
	if len(b) == 0 {
		return a[:len(a):len(a)]
	}

	buf.scratch = append(append(buf.scratch[:0], a...), b...)

	return buf.scratch
}

// segments returns the storage of n bytes at the offset, second slice is non-empty if the range wraps.
//
// n should not exceed len(data).
func segments(data []byte, off int64, n int) ([]byte, []byte) {
	i := int(off % int64(len(data)))

	if l := len(data) - i; l < n {
		return data[i:], data[:n-l]
	}

	return data[i : i+n], nil
}

func put(data []byte, off int64, p []byte) {
	a, b := segments(data, off, len(p))

	n := copy(a, p)
	copy(b, p[n:])
}
