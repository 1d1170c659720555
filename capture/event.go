// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package capture

import (
	"encoding/binary"
	"fmt"

	"github.com/siderolabs/go-streambuf/tracker"
)

// Kind of the socket event.
type Kind uint8

// Kind values, should match the kernel side.
const (
	KindData Kind = iota
	KindClose
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindClose:
		return "close"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// HeaderSize is the size of the event header preceding the payload.
//
// Layout (little-endian):
//
//	 0: pid          u32
//	 4: fd           i32
//	 8: generation   u64
//	16: timestamp_ns u64
//	24: position     u64
//	32: direction    u8
//	33: kind         u8
//	34: padding      u16
//	36: msg_size     u32
//	40: buf_size     u32
//	44: payload      [buf_size]u8
const HeaderSize = 44

// Event is a decoded socket event.
type Event struct {
	// Payload is the captured part of the message, it aliases the decoded record.
	Payload []byte

	Key tracker.Key

	// Position is the absolute stream offset of the message.
	Position int64

	// Timestamp is the capture time in nanoseconds.
	Timestamp uint64

	// MsgSize is the size of the message, which might be larger than the captured payload.
	MsgSize uint32

	Kind Kind
}

// Truncated returns true if only a part of the message was captured.
func (e Event) Truncated() bool {
	return int64(e.MsgSize) > int64(len(e.Payload))
}

// Chunk returns the captured data as a tracker chunk.
//
// The missing part of a truncated message becomes a gap in the stream.
func (e Event) Chunk() tracker.Chunk {
	return tracker.Chunk{
		Key:       e.Key,
		Offset:    e.Position,
		Data:      e.Payload,
		Timestamp: e.Timestamp,
	}
}

// Decode parses the raw event.
func Decode(raw []byte) (Event, error) {
	if len(raw) < HeaderSize {
		return Event{}, fmt.Errorf("%w: %d bytes", ErrShortEvent, len(raw))
	}

	e := Event{
		Key: tracker.Key{
			Conn: tracker.ConnID{
				PID:        binary.LittleEndian.Uint32(raw[0:4]),
				FD:         int32(binary.LittleEndian.Uint32(raw[4:8])),
				Generation: binary.LittleEndian.Uint64(raw[8:16]),
			},
			Dir: tracker.Direction(raw[32]),
		},
		Timestamp: binary.LittleEndian.Uint64(raw[16:24]),
		Position:  int64(binary.LittleEndian.Uint64(raw[24:32])),
		Kind:      Kind(raw[33]),
		MsgSize:   binary.LittleEndian.Uint32(raw[36:40]),
	}

	switch e.Key.Dir {
	case tracker.Egress, tracker.Ingress:
	default:
		return Event{}, fmt.Errorf("%w: %d", ErrUnknownDirection, raw[32])
	}

	switch e.Kind {
	case KindData, KindClose:
	default:
		return Event{}, fmt.Errorf("%w: %d", ErrUnknownKind, raw[33])
	}

	bufSize := binary.LittleEndian.Uint32(raw[40:44])

	if uint64(bufSize) > uint64(len(raw)-HeaderSize) {
		return Event{}, fmt.Errorf("%w: payload of %d bytes, %d available", ErrShortEvent, bufSize, len(raw)-HeaderSize)
	}

	if e.Position < 0 {
		return Event{}, fmt.Errorf("%w: position %d", ErrInvalidPosition, uint64(e.Position))
	}

	e.Payload = raw[HeaderSize : HeaderSize+int(bufSize)]

	return e, nil
}

// Encode appends the raw event to dest.
func (e Event) Encode(dest []byte) []byte {
	dest = binary.LittleEndian.AppendUint32(dest, e.Key.Conn.PID)
	dest = binary.LittleEndian.AppendUint32(dest, uint32(e.Key.Conn.FD))
	dest = binary.LittleEndian.AppendUint64(dest, e.Key.Conn.Generation)
	dest = binary.LittleEndian.AppendUint64(dest, e.Timestamp)
	dest = binary.LittleEndian.AppendUint64(dest, uint64(e.Position))
	dest = append(dest, byte(e.Key.Dir), byte(e.Kind), 0, 0)
	dest = binary.LittleEndian.AppendUint32(dest, e.MsgSize)
	dest = binary.LittleEndian.AppendUint32(dest, uint32(len(e.Payload)))

	return append(dest, e.Payload...)
}
