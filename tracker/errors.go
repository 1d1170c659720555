// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package tracker

import "errors"

// ErrClosed is returned when the tracker is used after Close.
var ErrClosed = errors.New("tracker closed")

// ErrUnknownStream is returned when the stream is not tracked.
var ErrUnknownStream = errors.New("unknown stream")
