// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package streambuf

import (
	"fmt"
	"io"
)

// Reader implements a cursor over the contiguous data of the Buffer.
//
// Reader doesn't consume data: it only moves its own offset, releasing data is up to the caller
// via Buffer.RemovePrefix.
//
// Reader is not safe to be used concurrently with Read/Seek or Buffer updates.
type Reader struct {
	buf *Buffer

	off int64
}

// GetReader returns Reader which implements io.Reader and io.Seeker starting at the offset.
//
// If the offset is before the buffer position, Reader starts at the buffer position.
func (buf *Buffer) GetReader(offset int64) *Reader {
	return &Reader{
		buf: buf,
		off: max(offset, buf.pos),
	}
}

// Read implements io.Reader.
//
// Read returns io.EOF when the reader reaches a missing byte or the end of the buffered data,
// more data might be available later. If the data at the reader offset was evicted, Read
// returns ErrOutOfSync.
func (r *Reader) Read(p []byte) (int, error) {
	if r.off < r.buf.pos {
		return 0, ErrOutOfSync
	}

	if len(p) == 0 {
		return 0, nil
	}

	data := r.buf.Get(r.off)
	if len(data) == 0 {
		return 0, io.EOF
	}

	n := copy(p, data)
	r.off += int64(n)

	return n, nil
}

// Seek implements io.Seeker.
//
// io.SeekStart seeks to the absolute stream offset, io.SeekEnd is relative to the end of the buffer window.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	var newOff int64

	switch whence {
	case io.SeekStart:
		newOff = offset
	case io.SeekCurrent:
		newOff = r.off + offset
	case io.SeekEnd:
		newOff = r.buf.pos + int64(r.buf.size) + offset
	default:
		return r.off, fmt.Errorf("invalid whence: %d", whence)
	}

	if newOff < r.buf.pos {
		return r.off, ErrSeekBeforeStart
	}

	r.off = newOff

	return r.off, nil
}

// Offset returns the absolute stream offset of the reader.
func (r *Reader) Offset() int64 {
	return r.off
}
