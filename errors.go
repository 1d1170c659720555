// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package streambuf

import "errors"

// ErrNoData is returned when there is no buffered byte at the requested offset.
//
// This is a routine condition: the offset might be in a gap, already evicted, or not yet written.
var ErrNoData = errors.New("no data at offset")

// ErrOutOfSync is returned when the reader offset was evicted from the buffer.
var ErrOutOfSync = errors.New("buffer overrun, read position evicted")

// ErrSeekBeforeStart is returned when the reader is seeked before the buffer position.
var ErrSeekBeforeStart = errors.New("seek before start")

// ErrInvalidSnapshot is returned when a snapshot can't be decoded or restored.
var ErrInvalidSnapshot = errors.New("invalid snapshot")
