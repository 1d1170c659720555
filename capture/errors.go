// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package capture

import "errors"

// ErrShortEvent is returned when the raw event is shorter than its header and payload.
var ErrShortEvent = errors.New("short event")

// ErrUnknownKind is returned for events of an unsupported kind.
var ErrUnknownKind = errors.New("unknown event kind")

// ErrUnknownDirection is returned for events with an invalid direction.
var ErrUnknownDirection = errors.New("unknown direction")

// ErrInvalidPosition is returned for events with a stream position out of range.
var ErrInvalidPosition = errors.New("invalid stream position")
